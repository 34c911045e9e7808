package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/resilience"
)

type fakeVMService struct {
	mu    sync.Mutex
	files map[string]string
	exit  int
	auth  string
	glob  string
}

func (f *fakeVMService) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]string{"sandboxId": "vm-1"})
	})
	mux.HandleFunc("GET /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "vm-1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "sandbox not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sandboxId": "vm-1", "status": "running"})
	})
	mux.HandleFunc("PUT /sandboxes/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.files[r.URL.Query().Get("path")] = string(body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /sandboxes/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		content, ok := f.files[r.URL.Query().Get("path")]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, content)
	})
	mux.HandleFunc("GET /sandboxes/{id}/files/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.glob = r.URL.Query().Get("glob")
		var paths []string
		for p := range f.files {
			paths = append(paths, p)
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, domain.FileList{Paths: paths})
	})
	mux.HandleFunc("POST /sandboxes/{id}/commands", func(w http.ResponseWriter, r *http.Request) {
		var req runCommandRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		exit := f.exit
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, domain.CommandOutput{Stdout: "ran " + req.Command, Stderr: "warn", ExitCode: exit})
	})
	return mux
}

func newRemote(t *testing.T, opts ...RemoteOption) (*RemoteBackend, *fakeVMService) {
	t.Helper()
	svc := &fakeVMService{files: map[string]string{}}
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	return NewRemoteBackend(RemoteConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second}, opts...), svc
}

func TestRemoteLifecycle(t *testing.T) {
	b, svc := newRemote(t)
	ctx := context.Background()

	sb, err := b.Create(ctx, CreateOptions{Framework: "nextjs", BaseFiles: map[string]string{"package.json": "{}"}})
	require.NoError(t, err)
	assert.Equal(t, "vm-1", sb.ID())
	assert.Equal(t, domain.BackendRemote, sb.Kind())
	assert.Equal(t, "Bearer secret", svc.auth)

	require.NoError(t, sb.WriteFile(ctx, "app/page.tsx", "page"))
	content, err := sb.ReadFile(ctx, "app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "page", content)

	paths, err := sb.ListFiles(ctx, "**/*.tsx")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"package.json", "app/page.tsx"}, paths)
	assert.Equal(t, "**/*.tsx", svc.glob)

	res, err := sb.Run(ctx, "npm", "run", "build")
	require.NoError(t, err)
	assert.Equal(t, "ran npm", res.Stdout)
	assert.Equal(t, "ran npm\nwarn", res.Output())
	require.NoError(t, sb.Close(ctx))
}

func TestRemoteReconnect(t *testing.T) {
	b, _ := newRemote(t)

	sb, err := b.Create(context.Background(), CreateOptions{SandboxID: "vm-1"})
	require.NoError(t, err)
	assert.Equal(t, "vm-1", sb.ID())

	_, err = b.Create(context.Background(), CreateOptions{SandboxID: "vm-404"})
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Contains(t, err.Error(), "sandbox not found")
}

func TestRemoteCommandAndReadFailures(t *testing.T) {
	b, svc := newRemote(t)
	ctx := context.Background()
	sb, err := b.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = sb.ReadFile(ctx, "missing.ts")
	assert.ErrorIs(t, err, ErrOperationFailed)

	svc.mu.Lock()
	svc.exit = 1
	svc.mu.Unlock()
	res, err := sb.Run(ctx, "tsc")
	assert.ErrorIs(t, err, ErrCommandFailed)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, resilience.StateClosed, b.breaker.State())
}

func TestRemoteUnreachableOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	br := resilience.New("test", resilience.Settings{FailureThreshold: 2, OpenTimeout: time.Minute})
	b := NewRemoteBackend(RemoteConfig{BaseURL: srv.URL}, WithBreaker(br), WithRemoteMetrics(m))

	for i := 0; i < 2; i++ {
		_, err := b.Create(context.Background(), CreateOptions{})
		assert.ErrorIs(t, err, ErrUnreachable)
	}
	assert.Equal(t, resilience.StateOpen, br.State())

	before := calls.Load()
	_, err := b.Create(context.Background(), CreateOptions{})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, before, calls.Load())

	// One series: every call was a create that ended unreachable.
	assert.Equal(t, 1, testutil.CollectAndCount(m.SandboxRequests))
}

func TestRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	b := NewRemoteBackend(RemoteConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := b.Create(context.Background(), CreateOptions{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRemoteRetriesIdempotentRequestsOnly(t *testing.T) {
	var posts, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts.Add(1)
		case http.MethodGet:
			gets.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	br := resilience.New("test", resilience.Settings{FailureThreshold: 10, OpenTimeout: time.Minute})
	b := NewRemoteBackend(RemoteConfig{BaseURL: srv.URL, Retries: 1}, WithBreaker(br))

	_, err := b.Create(context.Background(), CreateOptions{Framework: "nextjs"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, int32(1), posts.Load(), "provisioning must not be retried")

	_, err = b.Create(context.Background(), CreateOptions{SandboxID: "vm-1"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, int32(2), gets.Load(), "reconnect is retried once")
}
