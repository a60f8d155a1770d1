package api

import (
	"errors"
	"net/http"
	"net/http/httputil"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/actas/transport"
)

// Proxy forwards /proxy/* to the configured upstream with the active
// credential attached. Mutations made while impersonating wait for a
// confirmation; a denied mutation answers 409 and never reaches upstream.
func (a *API) Proxy() http.Handler {
	if a.upstream == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "no upstream configured")
		})
	}
	return &httputil.ReverseProxy{
		Transport: a.gated,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = "/" + chi.URLParam(pr.In, "*")
			pr.Out.URL.RawPath = ""
			pr.SetURL(a.upstream)
			pr.SetXForwarded()
			// The API token and browser cookies are ours, not upstream's.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del(csrfHeaderName)
			pr.Out.Header.Del(transport.HeaderImpersonatorID)
			pr.Out.Header.Del(transport.HeaderImpersonationMode)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, transport.ErrConfirmationCancelled) {
				mapError(w, err)
				return
			}
			a.logger.ErrorContext(r.Context(), "proxy request failed", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeError(w, http.StatusBadGateway, "upstream request failed")
		},
	}
}
