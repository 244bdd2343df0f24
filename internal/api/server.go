package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/api/handler"
	mw "github.com/edvin/mssante/internal/api/middleware"
)

// ReadyCheck reports whether one dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Mailboxes    handler.MailboxService
	Delegations  handler.DelegationService
	Certificates handler.CertificateVault
	Directory    handler.DirectoryLookup

	// ReadyChecks are run by /readyz, keyed by the name reported back.
	ReadyChecks map[string]ReadyCheck

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics(s.deps.Registerer))
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Mailboxes
		mailbox := handler.NewMailbox(s.deps.Mailboxes)
		r.Get("/domains/{domainID}/mailboxes", mailbox.ListByDomain)
		r.Post("/domains/{domainID}/mailboxes", mailbox.Create)
		r.Get("/mailboxes/{id}", mailbox.Get)
		r.Patch("/mailboxes/{id}", mailbox.Update)
		r.Delete("/mailboxes/{id}", mailbox.Delete)
		r.Get("/mailboxes/{id}/publications", mailbox.ListPublications)
		r.Post("/mailboxes/{id}/usage/refresh", mailbox.RefreshUsage)

		// Delegations
		delegation := handler.NewDelegation(s.deps.Delegations)
		r.Get("/mailboxes/{id}/delegations", delegation.List)
		r.Post("/mailboxes/{id}/delegations", delegation.Add)
		r.Delete("/mailboxes/{id}/delegations/{delegationID}", delegation.Remove)

		// Certificates
		cert := handler.NewCertificate(s.deps.Certificates)
		r.Post("/certificates", cert.Import)
		r.Get("/certificates/expiring", cert.ListExpiring)
		r.Post("/certificates/revoke", cert.BulkRevoke)
		r.Get("/certificates/{id}", cert.Get)
		r.Post("/certificates/{id}/activate", cert.Activate)
		r.Post("/certificates/{id}/revoke", cert.Revoke)

		// National directory lookups
		if s.deps.Directory != nil {
			dir := handler.NewDirectory(s.deps.Directory)
			r.Get("/annuaire/search", dir.Search)
			r.Get("/annuaire/mailboxes/{email}", dir.GetMailboxInfo)
			r.Get("/annuaire/operators", dir.OperatorWhitelist)
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	for name, check := range s.deps.ReadyChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
