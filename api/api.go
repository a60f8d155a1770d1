// Package api exposes the impersonation controller, the confirmation gate
// and the audit chain over HTTP.
package api

import (
	_ "embed"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/banner"
	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/session"
	"github.com/jmcleod/actas/transport"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	ctrl     *session.Controller
	broker   *gate.Broker
	modal    *presenter.Modal
	banner   *banner.Banner
	chain    *audit.Store
	upstream *url.URL
	gated    *transport.Gated

	apiToken string
	sessions *sessionStore
	limiter  *authRateLimiter
	logger   *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAuditStore serves the hash-chained audit log under /audit.
func WithAuditStore(s *audit.Store) Option {
	return func(a *API) { a.chain = s }
}

// WithUpstream forwards /proxy/* to u through the gated transport.
func WithUpstream(u *url.URL, gated *transport.Gated) Option {
	return func(a *API) {
		a.upstream = u
		a.gated = gated
	}
}

// New creates an API. apiToken is the bearer token every protected route
// requires. modal must already be attached to broker.
func New(ctrl *session.Controller, broker *gate.Broker, modal *presenter.Modal, apiToken string, opts ...Option) *API {
	a := &API{
		ctrl:     ctrl,
		broker:   broker,
		modal:    modal,
		apiToken: apiToken,
		sessions: newSessionStore(),
		limiter:  newAuthRateLimiter(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if ctrl != nil {
		a.banner = banner.New(ctrl)
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/session", a.CreateSession)
	r.Delete("/auth/session", a.DeleteSession)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Use(a.CSRFMiddleware)

		r.Put("/credential", a.SignIn)

		r.Get("/impersonation", a.GetImpersonation)
		r.Post("/impersonation", a.StartImpersonation)
		r.Delete("/impersonation", a.StopImpersonation)

		r.Get("/confirmations/current", a.CurrentConfirmation)
		r.Post("/confirmations/{id}/confirm", a.ConfirmConfirmation)
		r.Post("/confirmations/{id}/cancel", a.CancelConfirmation)

		r.Get("/banner", a.GetBanner)

		r.Get("/audit", a.ListAudit)
		r.Get("/audit/export", a.ExportAudit)
		r.Get("/audit/verify", a.VerifyAudit)

		r.Handle("/proxy/*", a.Proxy())
	})

	return r
}
