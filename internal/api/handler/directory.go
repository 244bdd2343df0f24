package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/mssante/internal/annuaire"
	"github.com/edvin/mssante/internal/api/response"
)

const maxDirectorySearchLimit = 100

// DirectoryLookup is the read-only slice of the national directory client.
type DirectoryLookup interface {
	Search(ctx context.Context, q annuaire.SearchQuery) ([]annuaire.Entry, error)
	GetMailboxInfo(ctx context.Context, email string) (*annuaire.Entry, error)
	OperatorWhitelist(ctx context.Context) ([]annuaire.Operator, error)
}

// Directory proxies lookups to the national directory. Nothing here is
// persisted locally.
type Directory struct {
	dir DirectoryLookup
}

func NewDirectory(dir DirectoryLookup) *Directory {
	return &Directory{dir: dir}
}

func (h *Directory) Search(w http.ResponseWriter, r *http.Request) {
	q := annuaire.SearchQuery{
		Query: r.URL.Query().Get("q"),
		Type:  r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDirectorySearchLimit {
			response.WriteError(w, http.StatusBadRequest, errInvalidQuery("limit", raw).Error())
			return
		}
		q.Limit = n
	}
	if q.Query == "" {
		response.WriteError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	entries, err := h.dir.Search(r.Context(), q)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	response.WriteList(w, http.StatusOK, entries)
}

func (h *Directory) GetMailboxInfo(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if email == "" {
		response.WriteError(w, http.StatusBadRequest, "email is required")
		return
	}

	entry, err := h.dir.GetMailboxInfo(r.Context(), email)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, entry)
}

func (h *Directory) OperatorWhitelist(w http.ResponseWriter, r *http.Request) {
	ops, err := h.dir.OperatorWhitelist(r.Context())
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	response.WriteList(w, http.StatusOK, ops)
}

// writeDirectoryError keeps a remote 404 a 404; every other directory
// failure is the upstream's problem.
func writeDirectoryError(w http.ResponseWriter, err error) {
	if annuaire.KindOf(err) == annuaire.KindNotFound {
		response.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	response.WriteError(w, http.StatusBadGateway, err.Error())
}
