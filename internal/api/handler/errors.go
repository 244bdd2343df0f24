package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/api/response"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/vault"
)

// writeServiceError maps core and vault error classes to HTTP statuses.
// Secondary-system failures only reach here from read-through calls such
// as usage refresh; mutations report them in their step outcomes instead.
// Unclassified errors are logged and answered with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ext *core.ExternalSystemError
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, vault.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, vault.ErrInvalidMaterial),
		errors.Is(err, vault.ErrReasonRequired):
		response.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrConflict),
		errors.Is(err, core.ErrQuotaExceeded),
		errors.Is(err, vault.ErrDuplicateSerial),
		errors.Is(err, vault.ErrAlreadyRevoked),
		errors.Is(err, vault.ErrExpired),
		errors.Is(err, vault.ErrNotUsable):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ext):
		response.WriteError(w, http.StatusBadGateway, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		response.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
