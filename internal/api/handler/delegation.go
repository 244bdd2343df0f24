package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/mssante/internal/api/request"
	"github.com/edvin/mssante/internal/api/response"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/model"
)

// DelegationService is the coordinator API the delegation handlers drive.
type DelegationService interface {
	Add(ctx context.Context, mailboxID string, in core.AddDelegationInput) (*core.DelegationResult, error)
	Remove(ctx context.Context, mailboxID, delegationID string) (*core.DelegationResult, error)
	List(ctx context.Context, mailboxID string) ([]model.Delegation, error)
}

type Delegation struct {
	svc DelegationService
}

func NewDelegation(svc DelegationService) *Delegation {
	return &Delegation{svc: svc}
}

func (h *Delegation) List(w http.ResponseWriter, r *http.Request) {
	mailboxID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	delegations, err := h.svc.List(r.Context(), mailboxID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteList(w, http.StatusOK, delegations)
}

func (h *Delegation) Add(w http.ResponseWriter, r *http.Request) {
	mailboxID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.AddDelegation
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Add(r.Context(), mailboxID, core.AddDelegationInput{
		DelegateEmail: req.DelegateEmail,
		Rights:        req.Rights,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, res)
}

func (h *Delegation) Remove(w http.ResponseWriter, r *http.Request) {
	mailboxID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	delegationID, err := request.RequireID(chi.URLParam(r, "delegationID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Remove(r.Context(), mailboxID, delegationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, res)
}
