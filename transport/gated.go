// Package transport attaches the active credential to outbound requests and
// holds mutating requests made while impersonating until the operator
// confirms them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/session"
)

const (
	HeaderImpersonatorID    = "X-Impersonator-ID"
	HeaderImpersonationMode = "X-Impersonation-Mode"
)

// ErrConfirmationCancelled is wrapped by every CancelledError.
var ErrConfirmationCancelled = errors.New("request cancelled at confirmation")

// CancelledError is returned by RoundTrip when a mutating request was not
// confirmed. The request never reached the network.
type CancelledError struct {
	Method string
	URL    string
	// Cause is set when the denial did not come from the operator, e.g.
	// gate.ErrConfirmationExpired or a context error.
	Cause error
}

func (e *CancelledError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Method, e.URL, ErrConfirmationCancelled)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConfirmationCancelled}
	}
	return []error{ErrConfirmationCancelled, e.Cause}
}

// Session is the part of session.Controller the transport reads.
type Session interface {
	ActiveCredential() (session.Credential, error)
	State() session.State
}

// Confirmer is the part of gate.Broker the transport calls.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, method, target string) (gate.Decision, error)
}

type exemption struct {
	method string
	prefix string
}

// Option configures a Gated transport.
type Option func(*Gated)

// WithExempt lets requests whose path is pathPrefix, or lies below it, through
// without confirmation. An empty method matches every method.
func WithExempt(method, pathPrefix string) Option {
	return func(g *Gated) {
		g.exempt = append(g.exempt, exemption{method: strings.ToUpper(method), prefix: pathPrefix})
	}
}

// WithAuditor records forwarded and blocked mutations.
func WithAuditor(a *audit.Logger) Option {
	return func(g *Gated) { g.auditor = a }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gated) { g.logger = l }
}

// Gated is an http.RoundTripper. It never retries a request.
type Gated struct {
	base      http.RoundTripper
	session   Session
	confirmer Confirmer
	exempt    []exemption
	auditor   *audit.Logger
	logger    *slog.Logger
}

var _ http.RoundTripper = (*Gated)(nil)

// New wraps base, or http.DefaultTransport when base is nil.
func New(base http.RoundTripper, s Session, c Confirmer, opts ...Option) *Gated {
	if base == nil {
		base = http.DefaultTransport
	}
	g := &Gated{
		base:      base,
		session:   s,
		confirmer: c,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "transport")
	return g
}

// Client returns an *http.Client using g.
func (g *Gated) Client() *http.Client {
	return &http.Client{Transport: g}
}

func (g *Gated) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	cred, err := g.session.ActiveCredential()
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("attaching credential: %w", err)
	}
	st := g.session.State()

	out := req.Clone(ctx)
	out.Header.Set("Authorization", "Bearer "+string(cred))
	if st.Impersonating {
		out.Header.Set(HeaderImpersonatorID, st.ImpersonatorID)
		out.Header.Set(HeaderImpersonationMode, string(st.Mode))
	}

	if !st.Impersonating || !IsMutating(req.Method) || g.isExempt(req) {
		return g.base.RoundTrip(out)
	}

	target := req.URL.String()
	d, err := g.confirmer.RequestConfirmation(ctx, req.Method, target)
	if d != gate.Confirmed {
		closeBody(req)
		g.auditor.Record(ctx, audit.EventMutationBlocked, st.ImpersonatorID,
			slog.String("method", req.Method),
			slog.String("target", target),
		)
		g.logger.InfoContext(ctx, "mutation blocked", "method", req.Method, "target", target, "error", err)
		return nil, &CancelledError{Method: req.Method, URL: target, Cause: err}
	}

	g.auditor.Record(ctx, audit.EventMutationForwarded, st.ImpersonatorID,
		slog.String("method", req.Method),
		slog.String("target", target),
	)
	return g.base.RoundTrip(out)
}

func (g *Gated) isExempt(req *http.Request) bool {
	for _, e := range g.exempt {
		if e.method != "" && e.method != req.Method {
			continue
		}
		if underPrefix(req.URL.Path, e.prefix) {
			return true
		}
	}
	return false
}

// underPrefix matches whole path segments: /health covers /health and
// /health/x but not /healthcheck.
func underPrefix(path, prefix string) bool {
	base := strings.TrimSuffix(prefix, "/")
	if base == "" {
		return true
	}
	return path == base || strings.HasPrefix(path, base+"/")
}

// IsMutating reports whether method can change server state.
func IsMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
