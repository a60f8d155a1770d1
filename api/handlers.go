package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/session"
)

const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// transitionError writes err unless it only reports failed reset hooks, in
// which case the transition stands and the caller should still answer 2xx.
func (a *API) transitionError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, session.ErrResetHook) {
		a.logger.WarnContext(r.Context(), "reset hooks failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		return false
	}
	mapError(w, err)
	return true
}

// SignIn installs the operator's own credential.
func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.ctrl.SignIn(r.Context(), session.Credential(req.Token)); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetImpersonation returns the current status.
func (a *API) GetImpersonation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, impersonationResponse(a.ctrl.State()))
}

// StartImpersonation begins acting as the given target.
func (a *API) StartImpersonation(w http.ResponseWriter, r *http.Request) {
	var req StartImpersonationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mode := session.ModeReadOnly
	if req.Mode != "" {
		m, err := session.ParseMode(req.Mode)
		if err != nil {
			mapError(w, err)
			return
		}
		mode = m
	}
	err := a.ctrl.Start(r.Context(), session.Credential(req.Token), req.Target, mode)
	if a.transitionError(w, r, err) {
		return
	}
	writeJSON(w, http.StatusCreated, impersonationResponse(a.ctrl.State()))
}

// StopImpersonation restores the operator's credential. Stopping when not
// impersonating succeeds without doing anything.
func (a *API) StopImpersonation(w http.ResponseWriter, r *http.Request) {
	if a.transitionError(w, r, a.ctrl.Stop(r.Context())) {
		return
	}
	writeJSON(w, http.StatusOK, impersonationResponse(a.ctrl.State()))
}

// CurrentConfirmation returns the pending confirmation, or 204 when there
// is none.
func (a *API) CurrentConfirmation(w http.ResponseWriter, r *http.Request) {
	view, ok := a.modal.View()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmationResponse{View: view, Message: presenter.RenderView(view)})
}

// ConfirmConfirmation lets the pending request with the given id proceed.
func (a *API) ConfirmConfirmation(w http.ResponseWriter, r *http.Request) {
	a.resolve(w, r, gate.Confirmed)
}

// CancelConfirmation denies the pending request with the given id.
func (a *API) CancelConfirmation(w http.ResponseWriter, r *http.Request) {
	a.resolve(w, r, gate.Cancelled)
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request, d gate.Decision) {
	if err := a.broker.Resolve(chi.URLParam(r, "id"), d); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBanner returns the banner text.
func (a *API) GetBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BannerResponse{Visible: a.banner.Visible(), Text: a.banner.Text()})
}

// ListAudit returns audit entries newest first, optionally filtered by
// impersonator_id.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	if a.chain == nil {
		writeError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	entries, err := a.chain.List(r.URL.Query().Get("impersonator_id"))
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(entries, limit, offset)
	if page == nil {
		page = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, AuditListResponse{Entries: page, PaginationMeta: meta})
}

// ExportAudit returns the whole chain in the format `actas audit verify`
// reads.
func (a *API) ExportAudit(w http.ResponseWriter, r *http.Request) {
	if a.chain == nil {
		writeError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	export, err := a.chain.Export()
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="actas-audit.json"`)
	writeJSON(w, http.StatusOK, export)
}

// VerifyAudit checks the hash chain server-side.
func (a *API) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	if a.chain == nil {
		writeError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	entries, err := a.chain.All()
	if err != nil {
		mapError(w, err)
		return
	}
	resp := AuditVerifyResponse{Valid: true, Entries: len(entries)}
	if err := audit.VerifyChain(entries); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
