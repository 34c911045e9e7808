package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/bridge"
	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/filetree"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
)

// BrowserBackend runs operations in a sandbox embedded in the user's browser.
// Every operation is registered on the bridge, handed to a Dispatcher, and
// completed when the browser posts its result back.
type BrowserBackend struct {
	bridge   *bridge.Bridge
	fallback Dispatcher
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	newID    func() string
}

// BrowserOption configures a BrowserBackend.
type BrowserOption func(*BrowserBackend)

// WithDispatcher sets the dispatcher used when CreateOptions carries none.
func WithDispatcher(d Dispatcher) BrowserOption {
	return func(b *BrowserBackend) { b.fallback = d }
}

// WithOperationTimeout bounds each operation.
func WithOperationTimeout(d time.Duration) BrowserOption {
	return func(b *BrowserBackend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBrowserLogger sets the logger.
func WithBrowserLogger(l *zap.Logger) BrowserOption {
	return func(b *BrowserBackend) { b.logger = l }
}

// WithBrowserMetrics sets the metrics sink.
func WithBrowserMetrics(m *metrics.Metrics) BrowserOption {
	return func(b *BrowserBackend) { b.metrics = m }
}

// NewBrowserBackend creates a backend on top of br.
func NewBrowserBackend(br *bridge.Bridge, opts ...BrowserOption) *BrowserBackend {
	b := &BrowserBackend{
		bridge:  br,
		timeout: bridge.DefaultTimeout,
		logger:  zap.NewNop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind implements Backend.
func (b *BrowserBackend) Kind() domain.BackendKind { return domain.BackendBrowser }

// Create mounts the projected base files into the browser sandbox and
// returns a handle once the browser acknowledges. Without a SandboxID a
// fresh id is minted; the browser learns it from the create operation.
func (b *BrowserBackend) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	if opts.SandboxID == "" {
		opts.SandboxID = b.newID()
	}
	channel := opts.Channel
	if channel == nil {
		channel = b.fallback
	}
	sb := &browserSandbox{
		id:       opts.SandboxID,
		backend:  b,
		channel:  channel,
		inflight: make(map[string]struct{}),
	}

	tree, skipped := filetree.Project(opts.BaseFiles)
	if skipped > 0 {
		b.logger.Debug("Skipped unusable base file paths",
			zap.String("sandbox_id", opts.SandboxID),
			zap.Int("skipped", skipped),
		)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, opErr(domain.OperationCreate, opts.SandboxID, err)
	}

	if _, err := sb.call(ctx, domain.SandboxOperation{
		Kind:      domain.OperationCreate,
		Framework: opts.Framework,
		Tree:      raw,
	}); err != nil {
		return nil, err
	}
	return sb, nil
}

type browserSandbox struct {
	id      string
	backend *BrowserBackend
	channel Dispatcher

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

func (s *browserSandbox) ID() string               { return s.id }
func (s *browserSandbox) Kind() domain.BackendKind { return domain.BackendBrowser }

func (s *browserSandbox) WriteFile(ctx context.Context, path, content string) error {
	_, err := s.call(ctx, domain.SandboxOperation{
		Kind:    domain.OperationWriteFile,
		Path:    path,
		Content: content,
	})
	return err
}

func (s *browserSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := s.call(ctx, domain.SandboxOperation{Kind: domain.OperationReadFile, Path: path})
	if err != nil {
		return "", err
	}
	var fc domain.FileContent
	if err := decodeResult(resp.Result, &fc); err != nil {
		return "", opErr(domain.OperationReadFile, s.id, err)
	}
	return fc.Content, nil
}

func (s *browserSandbox) Run(ctx context.Context, command string, args ...string) (*CommandResult, error) {
	resp, err := s.call(ctx, domain.SandboxOperation{
		Kind:    domain.OperationRun,
		Command: command,
		Args:    args,
	})
	if err != nil {
		// The browser reports spawn failures as unsuccessful responses; they
		// carry no exit code.
		if errors.Is(err, ErrOperationFailed) {
			res := &CommandResult{Stderr: resp.Error, ExitCode: -1}
			return res, opErr(domain.OperationRun, s.id, &CommandError{Command: command, ExitCode: -1, Stderr: resp.Error})
		}
		return nil, err
	}
	var out domain.CommandOutput
	if err := decodeResult(resp.Result, &out); err != nil {
		return nil, opErr(domain.OperationRun, s.id, err)
	}
	return checkExit(s.id, command, &CommandResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode})
}

func (s *browserSandbox) ListFiles(ctx context.Context, glob string) ([]string, error) {
	resp, err := s.call(ctx, domain.SandboxOperation{Kind: domain.OperationListFiles, Glob: glob})
	if err != nil {
		return nil, err
	}
	var fl domain.FileList
	if err := decodeResult(resp.Result, &fl); err != nil {
		return nil, opErr(domain.OperationListFiles, s.id, err)
	}
	return fl.Paths, nil
}

// Close abandons the operations this handle is still waiting on. Entries
// registered by other runs against the same sandbox are left alone.
func (s *browserSandbox) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.backend.bridge.Abandon(s.id, id)
	}
	return nil
}

func (s *browserSandbox) track(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight[requestID] = struct{}{}
	return true
}

func (s *browserSandbox) untrack(requestID string) {
	s.mu.Lock()
	delete(s.inflight, requestID)
	s.mu.Unlock()
}

// call registers op, delivers it and waits for the browser's response. The
// response is returned alongside ErrOperationFailed so callers can read the
// reported message.
func (s *browserSandbox) call(ctx context.Context, op domain.SandboxOperation) (domain.SandboxResponse, error) {
	b := s.backend
	start := time.Now()
	requestID := b.newID()

	if !s.track(requestID) {
		return domain.SandboxResponse{}, opErr(op.Kind, s.id, bridge.ErrAbandoned)
	}
	defer s.untrack(requestID)

	p, err := b.bridge.Register(s.id, requestID, op, b.timeout)
	if err != nil {
		return domain.SandboxResponse{}, opErr(op.Kind, s.id, err)
	}

	if s.channel != nil {
		switch err := s.channel.Dispatch(ctx, p.Operation); {
		case err == nil:
			b.bridge.MarkDelivered(s.id, requestID)
		case errors.Is(err, ErrNoConnection):
			b.logger.Debug("No executor connected, operation left for pull",
				zap.String("sandbox_id", s.id),
				zap.String("request_id", requestID),
				zap.String("op", string(op.Kind)),
			)
		default:
			b.bridge.Abandon(s.id, requestID)
			b.metrics.ObserveSandboxRequest(string(domain.BackendBrowser), string(op.Kind), "unreachable", time.Since(start))
			return domain.SandboxResponse{}, opErr(op.Kind, s.id, fmt.Errorf("%w: %w", ErrUnreachable, err))
		}
	}

	resp, err := p.Wait(ctx)
	outcome := "ok"
	defer func() {
		b.metrics.ObserveSandboxRequest(string(domain.BackendBrowser), string(op.Kind), outcome, time.Since(start))
	}()

	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrOperationTimedOut):
		outcome = "timeout"
		return resp, opErr(op.Kind, s.id, fmt.Errorf("%w after %s", ErrTimeout, b.timeout))
	case errors.Is(err, context.DeadlineExceeded):
		b.bridge.Abandon(s.id, requestID)
		outcome = "timeout"
		return resp, opErr(op.Kind, s.id, fmt.Errorf("%w: %w", ErrTimeout, err))
	case errors.Is(err, context.Canceled):
		b.bridge.Abandon(s.id, requestID)
		outcome = "canceled"
		return resp, opErr(op.Kind, s.id, err)
	default:
		outcome = "abandoned"
		return resp, opErr(op.Kind, s.id, err)
	}

	if !resp.Success {
		outcome = "failed"
		msg := resp.Error
		if msg == "" {
			msg = "no error message"
		}
		return resp, opErr(op.Kind, s.id, fmt.Errorf("%w: %s", ErrOperationFailed, msg))
	}
	return resp, nil
}

func decodeResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed result: %v", ErrOperationFailed, err)
	}
	return nil
}

// StreamDispatcher delivers operations as tool-call events on a run's event
// stream, for browsers that execute the operations of the generation they
// are watching.
func StreamDispatcher(emit func(domain.StreamEvent) error) Dispatcher {
	return DispatcherFunc(func(_ context.Context, op domain.SandboxOperation) error {
		return emit(domain.ToolCallEvent(domain.ToolCall{
			ID:        op.RequestID,
			Name:      "sandbox." + string(op.Kind),
			Operation: &op,
		}))
	})
}
