package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/actas/api"
	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/session"
	"github.com/jmcleod/actas/storage/memory"
	"github.com/jmcleod/actas/transport"
)

const apiToken = "test-api-token"

type testEnv struct {
	srv      *httptest.Server
	upstream *httptest.Server
	hits     *atomic.Int32
	lastAuth *atomic.Value
	ctrl     *session.Controller
	broker   *gate.Broker
	chain    *audit.Store
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chain := audit.NewStore(memory.NewRepository(), "audit")
	auditLog := audit.NewLogger(logger, audit.WithStore(chain))

	store := session.NewMemoryStore()
	ctrl, err := session.NewController(store,
		session.WithAuditor(auditLog),
		session.WithIdentityResolver(func(c session.Credential) string { return "op:" + string(c) }),
	)
	require.NoError(t, err)

	broker := gate.NewBroker(
		gate.WithAuditor(auditLog),
		gate.WithIdentity(func() string { return ctrl.State().ImpersonatorID }),
	)
	ctrl.OnReset("cancel-confirmations", func(context.Context, session.State) error {
		broker.CancelAll("session reset")
		return nil
	})
	modal := presenter.NewModal()
	detach := modal.Attach(context.Background(), broker)
	t.Cleanup(detach)

	hits := &atomic.Int32{}
	lastAuth := &atomic.Value{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		lastAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(upstream.Close)
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	gated := transport.New(upstream.Client().Transport, ctrl, broker, transport.WithAuditor(auditLog))

	a := api.New(ctrl, broker, modal, apiToken,
		api.WithLogger(logger),
		api.WithAuditStore(chain),
		api.WithUpstream(upstreamURL, gated),
	)
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, upstream: upstream, hits: hits, lastAuth: lastAuth, ctrl: ctrl, broker: broker, chain: chain}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) url(path string) string {
	return e.srv.URL + "/api/v1" + path
}

func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	resp := doJSON(t, http.DefaultClient, http.MethodPut, e.url("/credential"), api.CredentialRequest{Token: "operator-token"}, apiToken)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func (e *testEnv) impersonate(t *testing.T, mode string) api.ImpersonationResponse {
	t.Helper()
	resp := doJSON(t, http.DefaultClient, http.MethodPost, e.url("/impersonation"), api.StartImpersonationRequest{
		Token:  "target-token",
		Mode:   mode,
		Target: session.Profile{ID: "u-1", FirstName: "Jo", LastName: "Park"},
	}, apiToken)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out api.ImpersonationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRequiresAuthentication(t *testing.T) {
	env := setupServer(t)

	resp := doJSON(t, http.DefaultClient, http.MethodGet, env.url("/impersonation"), nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, env.url("/impersonation"), nil, "wrong")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, env.url("/impersonation"), nil, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestRepeatedBadTokensAreRateLimited(t *testing.T) {
	env := setupServer(t)
	var last int
	for i := 0; i < 12; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, env.url("/banner"), nil, "wrong")
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestImpersonationLifecycle(t *testing.T) {
	env := setupServer(t)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, env.url("/impersonation"), api.StartImpersonationRequest{Token: "t"}, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no operator credential yet")

	env.signIn(t)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, env.url("/impersonation"), api.StartImpersonationRequest{Token: "t", Mode: "root"}, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	started := env.impersonate(t, "")
	assert.True(t, started.Impersonating)
	assert.Equal(t, "read-only", started.Mode)
	assert.Equal(t, "Jo Park", started.TargetName)
	assert.Equal(t, "op:operator-token", started.ImpersonatorID)

	b := decode[api.BannerResponse](t, doJSON(t, http.DefaultClient, http.MethodGet, env.url("/banner"), nil, apiToken))
	assert.True(t, b.Visible)
	assert.Equal(t, "Impersonating Jo Park (read-only mode)", b.Text)

	resp = doJSON(t, http.DefaultClient, http.MethodPut, env.url("/credential"), api.CredentialRequest{Token: "x"}, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	stopped := decode[api.ImpersonationResponse](t, doJSON(t, http.DefaultClient, http.MethodDelete, env.url("/impersonation"), nil, apiToken))
	assert.False(t, stopped.Impersonating)

	// Stopping again is a no-op.
	resp = doJSON(t, http.DefaultClient, http.MethodDelete, env.url("/impersonation"), nil, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	active, err := env.ctrl.ActiveCredential()
	require.NoError(t, err)
	assert.Equal(t, session.Credential("operator-token"), active)
}

func proxyAsync(t *testing.T, env *testEnv, method, path string) <-chan *http.Response {
	t.Helper()
	out := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(method, env.url("/proxy"+path), bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Authorization", "Bearer "+apiToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			close(out)
			return
		}
		out <- resp
	}()
	return out
}

func waitPending(t *testing.T, env *testEnv) api.ConfirmationResponse {
	t.Helper()
	var conf api.ConfirmationResponse
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, env.url("/confirmations/current"), nil)
		if err != nil {
			return false
		}
		req.Header.Set("Authorization", "Bearer "+apiToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&conf) == nil
	}, 3*time.Second, 10*time.Millisecond)
	return conf
}

func waitResponse(t *testing.T, ch <-chan *http.Response) *http.Response {
	t.Helper()
	select {
	case resp, ok := <-ch:
		require.True(t, ok, "proxy request failed")
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("proxy request did not finish")
		return nil
	}
}

func TestProxyConfirmedMutation(t *testing.T) {
	env := setupServer(t)
	env.signIn(t)
	env.impersonate(t, "full")

	pending := proxyAsync(t, env, http.MethodPost, "/orders")
	conf := waitPending(t, env)
	assert.Equal(t, http.MethodPost, conf.Method)
	assert.Contains(t, conf.Target, "/orders")
	assert.Equal(t, "op:operator-token", conf.ImpersonatorID)
	assert.Contains(t, conf.Message, "audited under op:operator-token")
	assert.Zero(t, env.hits.Load())

	resp := doJSON(t, http.DefaultClient, http.MethodPost, env.url("/confirmations/"+conf.ID+"/confirm"), nil, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	proxied := waitResponse(t, pending)
	body, _ := io.ReadAll(proxied.Body)
	proxied.Body.Close()
	assert.Equal(t, http.StatusOK, proxied.StatusCode)
	assert.JSONEq(t, `{"path":"/orders"}`, string(body))
	assert.Equal(t, int32(1), env.hits.Load())
	assert.Equal(t, "Bearer target-token", env.lastAuth.Load())

	resp = doJSON(t, http.DefaultClient, http.MethodPost, env.url("/confirmations/"+conf.ID+"/confirm"), nil, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyCancelledMutation(t *testing.T) {
	env := setupServer(t)
	env.signIn(t)
	env.impersonate(t, "full")

	pending := proxyAsync(t, env, http.MethodDelete, "/orders/3")
	conf := waitPending(t, env)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, env.url("/confirmations/"+conf.ID+"/cancel"), nil, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	proxied := waitResponse(t, pending)
	proxied.Body.Close()
	assert.Equal(t, http.StatusConflict, proxied.StatusCode)
	assert.Zero(t, env.hits.Load())

	resp = doJSON(t, http.DefaultClient, http.MethodGet, env.url("/confirmations/current"), nil, apiToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStopCancelsPendingConfirmation(t *testing.T) {
	env := setupServer(t)
	env.signIn(t)
	env.impersonate(t, "full")

	pending := proxyAsync(t, env, http.MethodPatch, "/orders/3")
	waitPending(t, env)

	resp := doJSON(t, http.DefaultClient, http.MethodDelete, env.url("/impersonation"), nil, apiToken)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	proxied := waitResponse(t, pending)
	proxied.Body.Close()
	assert.Equal(t, http.StatusConflict, proxied.StatusCode)
	assert.Zero(t, env.hits.Load())
}

func TestProxyReadsSkipConfirmation(t *testing.T) {
	env := setupServer(t)
	env.signIn(t)
	env.impersonate(t, "read-only")

	proxied := waitResponse(t, proxyAsync(t, env, http.MethodGet, "/orders"))
	proxied.Body.Close()
	assert.Equal(t, http.StatusOK, proxied.StatusCode)
	assert.Equal(t, "Bearer target-token", env.lastAuth.Load())
}

func TestAuditEndpoints(t *testing.T) {
	env := setupServer(t)
	env.signIn(t)
	env.impersonate(t, "full")
	resp := doJSON(t, http.DefaultClient, http.MethodDelete, env.url("/impersonation"), nil, apiToken)
	resp.Body.Close()

	list := decode[api.AuditListResponse](t, doJSON(t, http.DefaultClient, http.MethodGet, env.url("/audit?limit=1"), nil, apiToken))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, audit.EventImpersonationStopped, list.Entries[0].Event)
	assert.Equal(t, "op:operator-token", list.Entries[0].ImpersonatorID)
	assert.Equal(t, 2, list.TotalCount)
	assert.True(t, list.HasMore)

	filtered := decode[api.AuditListResponse](t, doJSON(t, http.DefaultClient, http.MethodGet, env.url("/audit?impersonator_id=nobody"), nil, apiToken))
	assert.Empty(t, filtered.Entries)

	export := decode[audit.Export](t, doJSON(t, http.DefaultClient, http.MethodGet, env.url("/audit/export"), nil, apiToken))
	require.Len(t, export.Entries, 2)
	assert.NoError(t, audit.VerifyChain(export.Entries))

	verify := decode[api.AuditVerifyResponse](t, doJSON(t, http.DefaultClient, http.MethodGet, env.url("/audit/verify"), nil, apiToken))
	assert.True(t, verify.Valid)
	assert.Equal(t, 2, verify.Entries)
}

func TestBrowserSessionRequiresCSRF(t *testing.T) {
	env := setupServer(t)
	env.signIn(t)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{Jar: jar}

	resp := doJSON(t, browser, http.MethodPost, env.url("/auth/session"), nil, apiToken)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Cookie auth works for reads.
	resp = doJSON(t, browser, http.MethodGet, env.url("/impersonation"), nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Mutations need the CSRF header.
	resp = doJSON(t, browser, http.MethodDelete, env.url("/impersonation"), nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	u, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	var csrf string
	for _, c := range jar.Cookies(u) {
		if c.Name == "actas_csrf" {
			csrf = c.Value
		}
	}
	require.NotEmpty(t, csrf)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, env.url("/impersonation"), nil)
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", csrf)
	resp, err = browser.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, browser, http.MethodDelete, env.url("/auth/session"), nil, "")
	resp.Body.Close()
	resp = doJSON(t, browser, http.MethodGet, env.url("/impersonation"), nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Get(env.url("/openapi.yaml"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "/confirmations/{id}/confirm")
}
