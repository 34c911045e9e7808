package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/bridge"
	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/hub"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
	"github.com/Jackson57279/zapdev-sub003/internal/transport/ws"
)

// bridgeHandler resolves websocket results straight against a bridge.
type bridgeHandler struct {
	br *bridge.Bridge
}

func (h bridgeHandler) SubmitSandboxResult(_ context.Context, req domain.SandboxResultRequest) error {
	if !h.br.Resolve(req.SandboxID, *req.Response) {
		return bridge.ErrNotFound
	}
	return nil
}

func (h bridgeHandler) TakeUndelivered(sandboxID string) []domain.SandboxOperation {
	return h.br.TakeUndelivered(sandboxID)
}

func startWS(t *testing.T, br *bridge.Bridge) (*hub.Hub, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := hub.New(logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	cfg := config.Default().Server
	cfg.APIKey = "k"
	s := ws.NewServer(cfg, h, bridgeHandler{br: br}, logger)
	e := echo.New()
	e.GET("/ws", s.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestClientExecutesPushedOperations(t *testing.T) {
	br := bridge.New(bridge.WithLogger(zaptest.NewLogger(t)))
	h, url := startWS(t, br)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Queued before the agent connects; flushed after hello.
	tree, _ := json.Marshal(map[string]any{"index.html": map[string]any{"file": map[string]any{"contents": "<p>hi</p>"}}})
	create := domain.SandboxOperation{RequestID: "r1", SandboxID: "tab-1", Kind: domain.OperationCreate, Tree: tree}
	p1, err := br.Register("tab-1", "r1", create, 5*time.Second)
	require.NoError(t, err)

	exec := NewExecutor(sandbox.NewLocalBackend(t.TempDir(), zaptest.NewLogger(t)), zaptest.NewLogger(t))
	client, err := Dial(ctx, url, exec, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	pending, err := client.Hello("k", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	served := make(chan error, 1)
	go func() { served <- client.Serve(ctx) }()

	resp, err := p1.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Error)

	// Live push through the hub.
	read := domain.SandboxOperation{RequestID: "r2", SandboxID: "tab-1", Kind: domain.OperationReadFile, Path: "index.html"}
	p2, err := br.Register("tab-1", "r2", read, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Dispatch(ctx, read))

	resp, err = p2.Wait(ctx)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	var content domain.FileContent
	require.NoError(t, json.Unmarshal(resp.Result, &content))
	assert.Equal(t, "<p>hi</p>", content.Content)

	cancel()
	select {
	case err := <-served:
		assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded), "%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestClientHelloRejected(t *testing.T) {
	br := bridge.New()
	_, url := startWS(t, br)

	client, err := Dial(context.Background(), url, NewExecutor(sandbox.NewLocalBackend(t.TempDir(), nil), nil), nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Hello("wrong", "tab-1")
	assert.ErrorIs(t, err, ErrHelloRejected)
}
