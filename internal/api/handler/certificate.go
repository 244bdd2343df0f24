package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/mssante/internal/api/request"
	"github.com/edvin/mssante/internal/api/response"
	"github.com/edvin/mssante/internal/model"
	"github.com/edvin/mssante/internal/vault"
)

// CertificateVault is the vault API exposed over HTTP. Private keys never
// leave the vault through it.
type CertificateVault interface {
	Import(ctx context.Context, in vault.ImportInput) (*model.Certificate, error)
	Get(ctx context.Context, id string) (*model.Certificate, error)
	Activate(ctx context.Context, id string) (*model.Certificate, error)
	Revoke(ctx context.Context, id, reason string) (*model.Certificate, error)
	BulkRevoke(ctx context.Context, ids []string, reason string) ([]model.Certificate, error)
	ListExpiring(ctx context.Context, within time.Duration) ([]model.Certificate, error)
}

const defaultExpiringWindowDays = 30

type Certificate struct {
	vault CertificateVault
}

func NewCertificate(v CertificateVault) *Certificate {
	return &Certificate{vault: v}
}

func (h *Certificate) Import(w http.ResponseWriter, r *http.Request) {
	var req request.ImportCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.vault.Import(r.Context(), vault.ImportInput{
		DomainID:       req.DomainID,
		MailboxID:      req.MailboxID,
		Type:           req.Type,
		CertificatePEM: req.CertificatePEM,
		PrivateKeyPEM:  req.PrivateKeyPEM,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, cert)
}

func (h *Certificate) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.vault.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, cert)
}

func (h *Certificate) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.vault.Activate(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, cert)
}

func (h *Certificate) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.RevokeCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.vault.Revoke(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, cert)
}

// BulkRevoke revokes every listed certificate or none of them.
func (h *Certificate) BulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req request.BulkRevokeCertificates
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	certs, err := h.vault.BulkRevoke(r.Context(), req.IDs, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteList(w, http.StatusOK, certs)
}

func (h *Certificate) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := defaultExpiringWindowDays
	if v := r.URL.Query().Get("within_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			response.WriteError(w, http.StatusBadRequest, errInvalidQuery("within_days", v).Error())
			return
		}
		days = n
	}

	certs, err := h.vault.ListExpiring(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteList(w, http.StatusOK, certs)
}
