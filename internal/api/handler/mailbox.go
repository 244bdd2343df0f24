package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/mssante/internal/api/request"
	"github.com/edvin/mssante/internal/api/response"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/model"
)

// MailboxService is the coordinator API the mailbox handlers drive.
type MailboxService interface {
	Create(ctx context.Context, in core.CreateMailboxInput) (*core.MailboxResult, error)
	Get(ctx context.Context, id string) (*model.Mailbox, error)
	Update(ctx context.Context, id string, in core.UpdateMailboxInput) (*core.MailboxResult, error)
	Delete(ctx context.Context, id string, opts core.DeleteOptions) (*core.MailboxResult, error)
	List(ctx context.Context, domainID string, filter core.MailboxFilter) ([]model.Mailbox, bool, error)
	ListPublications(ctx context.Context, id string) ([]model.PublicationRecord, error)
	RefreshUsage(ctx context.Context, id string) (*model.Mailbox, error)
}

type Mailbox struct {
	svc MailboxService
}

func NewMailbox(svc MailboxService) *Mailbox {
	return &Mailbox{svc: svc}
}

func (h *Mailbox) ListByDomain(w http.ResponseWriter, r *http.Request) {
	domainID, err := request.RequireID(chi.URLParam(r, "domainID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	params, err := request.ParseMailboxListParams(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	mailboxes, hasMore, err := h.svc.List(r.Context(), domainID, core.MailboxFilter{
		Status: params.Status,
		Type:   params.Type,
		Limit:  params.Limit,
		Cursor: params.Cursor,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WritePaginated(w, http.StatusOK, mailboxes, func(mb model.Mailbox) string { return mb.ID }, hasMore)
}

func (h *Mailbox) Create(w http.ResponseWriter, r *http.Request) {
	domainID, err := request.RequireID(chi.URLParam(r, "domainID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.CreateMailbox
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Create(r.Context(), core.CreateMailboxInput{
		DomainID:            domainID,
		Email:               req.Email,
		Type:                req.Type,
		OwnerID:             req.OwnerID,
		DisplayName:         req.DisplayName,
		QuotaMB:             req.QuotaMB,
		Password:            req.Password,
		HiddenFromDirectory: req.HiddenFromDirectory,
		CertificateID:       req.CertificateID,
		Metadata:            req.Metadata.Model(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, res)
}

func (h *Mailbox) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	mb, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, mb)
}

func (h *Mailbox) Update(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.UpdateMailbox
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := core.UpdateMailboxInput{
		DisplayName:         req.DisplayName,
		Status:              req.Status,
		QuotaMB:             req.QuotaMB,
		HiddenFromDirectory: req.HiddenFromDirectory,
		CertificateID:       req.CertificateID,
	}
	if req.Metadata != nil {
		meta := req.Metadata.Model()
		in.Metadata = &meta
	}

	res, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, res)
}

// Delete soft-deletes by default; ?permanent=true removes the row and the
// physical mailbox, keeping the data on disk with ?keep_data=true.
func (h *Mailbox) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	permanent, err := queryBool(r, "permanent")
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	keepData, err := queryBool(r, "keep_data")
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Delete(r.Context(), id, core.DeleteOptions{Permanent: permanent, KeepData: keepData})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, res)
}

func (h *Mailbox) ListPublications(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.svc.ListPublications(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteList(w, http.StatusOK, records)
}

func (h *Mailbox) RefreshUsage(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	mb, err := h.svc.RefreshUsage(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, mb)
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errInvalidQuery(name, v)
	}
	return b, nil
}
