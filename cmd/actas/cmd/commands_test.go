package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/config"
	"github.com/jmcleod/actas/session"
	"github.com/jmcleod/actas/transport"
)

type upstreamRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	method       string
	path         string
	auth         string
	impersonator string
	body         string
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.requests = append(u.requests, recordedRequest{
		method:       r.Method,
		path:         r.URL.Path,
		auth:         r.Header.Get("Authorization"),
		impersonator: r.Header.Get(transport.HeaderImpersonatorID),
		body:         string(body),
	})
	u.mu.Unlock()
	w.Write([]byte(`{"ok":true}`))
}

func (u *upstreamRecorder) all() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]recordedRequest(nil), u.requests...)
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

func TestSessionCommandsEndToEnd(t *testing.T) {
	for _, k := range []string{"ACTAS_POSTGRES_DSN", "ACTAS_AUDIT_WEBHOOK_URL", "ACTAS_UPSTREAM_URL", "ACTAS_EXEMPT", "ACTAS_NAMESPACE"} {
		t.Setenv(k, "")
	}
	t.Setenv("ACTAS_CONFIRM_TIMEOUT", "5s")
	t.Setenv("ACTAS_LOG_LEVEL", "error")

	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec)
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	base := []string{"--data-dir", dir}
	args := func(extra ...string) []string { return append(append([]string{}, base...), extra...) }
	startArgs := args("start", "--token", "target-token", "--mode", "full", "--first-name", "Ada", "--last-name", "Lovelace")

	out, _, err := run(t, "", args("status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Not impersonating.")

	_, _, err = run(t, "", startArgs...)
	require.ErrorIs(t, err, session.ErrNoActiveCredential)

	out, _, err = run(t, "", args("signin", "--token", "operator-token")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as cred-")

	out, _, err = run(t, "", args("do", "GET", upstream.URL+"/items")...)
	require.NoError(t, err)
	assert.Contains(t, out, `{"ok":true}`)

	out, errOut, err := run(t, "", startArgs...)
	require.NoError(t, err)
	assert.Contains(t, out, "Impersonating Ada Lovelace (full mode)")
	assert.Contains(t, errOut, "Session switched")

	// A fresh process knows the mode but not the target's name.
	out, _, err = run(t, "", args("status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Impersonating (full mode)")

	_, errOut, err = run(t, "n\n", args("do", "POST", upstream.URL+"/items", "--data", `{"name":"x"}`)...)
	require.ErrorIs(t, err, transport.ErrConfirmationCancelled)
	assert.Contains(t, errOut, "Proceed? [y/N]")
	assert.Len(t, rec.all(), 1, "cancelled write must not reach the server")

	_, _, err = run(t, "y\n", args("do", "POST", upstream.URL+"/items", "--data", `{"name":"x"}`)...)
	require.NoError(t, err)
	reqs := rec.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer operator-token", reqs[0].auth)
	assert.Equal(t, http.MethodPost, reqs[1].method)
	assert.Equal(t, "Bearer target-token", reqs[1].auth)
	assert.Equal(t, session.SubjectOrFingerprint("operator-token"), reqs[1].impersonator)
	assert.Equal(t, `{"name":"x"}`, reqs[1].body)

	out, _, err = run(t, "", args("stop")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Impersonation stopped.")

	out, _, err = run(t, "", args("status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Not impersonating.")
	assert.Contains(t, out, "Signed in as cred-")

	exportPath := filepath.Join(dir, "chain.json")
	_, _, err = run(t, "", args("audit", "export", "--out", exportPath)...)
	require.NoError(t, err)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var export audit.Export
	require.NoError(t, json.Unmarshal(data, &export))
	result := verifyAuditChain(export)
	assert.True(t, result.Valid)

	events := make(map[audit.Event]int)
	for _, e := range export.Entries {
		events[e.Event]++
		assert.Equal(t, session.SubjectOrFingerprint("operator-token"), e.ImpersonatorID)
	}
	assert.Equal(t, 1, events[audit.EventImpersonationStarted])
	assert.Equal(t, 1, events[audit.EventImpersonationStopped])
	assert.Equal(t, 1, events[audit.EventMutationBlocked])
	assert.Equal(t, 1, events[audit.EventMutationForwarded])
}

func TestResolveTarget(t *testing.T) {
	cfg = config.Defaults()

	got, err := resolveTarget("https://api.example.com/items?limit=5")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/items?limit=5", got)

	_, err = resolveTarget("/items")
	require.Error(t, err)

	cfg.UpstreamURL = "https://api.example.com/v2"
	got, err = resolveTarget("/items?limit=5")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v2/items?limit=5", got)
}

func TestRequestBody(t *testing.T) {
	body, err := requestBody(rootCmd, "")
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = requestBody(rootCmd, `{"a":1}`)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, `{"a":1}`, string(data))

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"b":2}`), 0o600))
	body, err = requestBody(rootCmd, "@"+path)
	require.NoError(t, err)
	data, _ = io.ReadAll(body)
	assert.Equal(t, `{"b":2}`, string(data))
	body.(io.Closer).Close()

	_, err = requestBody(rootCmd, "@"+filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
