package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/session"
	"github.com/jmcleod/actas/storage"
	"github.com/jmcleod/actas/transport"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyCredential),
		errors.Is(err, session.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoActiveCredential),
		errors.Is(err, session.ErrImpersonationActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrConfirmationCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gate.ErrUnknownConfirmation),
		errors.Is(err, presenter.ErrNotVisible):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gate.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrChainBroken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrNamespaceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
