package hosted

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Provider, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	p := New(Credentials{TokenID: "tid", TokenSecret: "secret", AppName: "app", APIBaseURL: srv.URL}, srv.Client())
	return p, srv.Close
}

func TestCreate_MapsStatus(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tid", r.Header.Get("X-Token-ID"))
		_ = json.NewEncoder(w).Encode(remoteSandbox{ID: "sbx-1", Status: "pending"})
	})
	defer closeFn()

	info, err := p.Create(context.Background(), sandbox.CreateInput{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusInitializing, info.Status)
	assert.Equal(t, "sbx-1", info.ID)
}

func TestGet_404ReturnsNotFound(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer closeFn()

	_, ok, err := p.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]sandbox.Status{
		"pending":     sandbox.StatusInitializing,
		"starting":    sandbox.StatusInitializing,
		"running":     sandbox.StatusRunning,
		"stopped":     sandbox.StatusSuspended,
		"suspended":   sandbox.StatusSuspended,
		"terminated":  sandbox.StatusTerminated,
		"failed":      sandbox.StatusTerminated,
		"unspecified": sandbox.StatusReady,
	}
	for remote, want := range cases {
		assert.Equal(t, want, mapStatus(remote), "remote status %s", remote)
	}
}

func TestExecute_TransportFailureSurfacesAsExitCode1(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	closeFn() // close before the call so the request fails transport-level

	result, err := p.Execute(context.Background(), "sbx-1", []string{"echo", "hi"}, sandbox.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.NotEmpty(t, result.Stderr)
}

func TestTerminate_IdempotentOn404(t *testing.T) {
	p, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer closeFn()

	err := p.Terminate(context.Background(), "sbx-1")
	assert.NoError(t, err)
}
