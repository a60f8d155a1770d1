package api

import (
	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CredentialRequest is the JSON body for PUT /credential.
type CredentialRequest struct {
	Token string `json:"token"`
}

// StartImpersonationRequest is the JSON body for POST /impersonation.
type StartImpersonationRequest struct {
	Token  string          `json:"token"`
	Mode   string          `json:"mode"`
	Target session.Profile `json:"target"`
}

// ImpersonationResponse describes the current impersonation status.
type ImpersonationResponse struct {
	Impersonating  bool             `json:"impersonating"`
	Mode           string           `json:"mode"`
	Target         *session.Profile `json:"target,omitempty"`
	TargetName     string           `json:"target_name,omitempty"`
	ImpersonatorID string           `json:"impersonator_id,omitempty"`
}

// ConfirmationResponse is the pending confirmation shown to the operator.
type ConfirmationResponse struct {
	presenter.View
	Message string `json:"message"`
}

// BannerResponse is returned from GET /banner.
type BannerResponse struct {
	Visible bool   `json:"visible"`
	Text    string `json:"text,omitempty"`
}

// AuditListResponse is a page of audit entries, newest first.
type AuditListResponse struct {
	Entries []audit.Entry `json:"entries"`
	PaginationMeta
}

// AuditVerifyResponse is returned from GET /audit/verify.
type AuditVerifyResponse struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

func impersonationResponse(st session.State) ImpersonationResponse {
	resp := ImpersonationResponse{
		Impersonating:  st.Impersonating,
		Mode:           string(st.Mode),
		Target:         st.Target,
		ImpersonatorID: st.ImpersonatorID,
	}
	if st.Target != nil {
		resp.TargetName = st.Target.DisplayName()
	}
	return resp
}
