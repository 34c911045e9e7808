// Package service wires the bridge, the run queue and the generation
// pipeline behind the operations the transports expose.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/bridge"
	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/pipeline"
	"github.com/Jackson57279/zapdev-sub003/internal/runqueue"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

// ErrInvalidResult is returned for a sandbox result missing its keys.
var ErrInvalidResult = errors.New("sandboxId and response.requestId are required")

// Store is the persistence the service reads and writes directly.
type Store interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, generationID string, afterSeq int64, limit int) ([]domain.Event, error)
	ListFragments(ctx context.Context, projectID string, limit int) ([]domain.Fragment, error)
}

// Service implements the server's use cases.
type Service struct {
	store    Store
	bridge   *bridge.Bridge
	push     sandbox.Dispatcher
	queue    *runqueue.Queue
	pipeline *pipeline.Pipeline
	config   *config.Config
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*Generation
	wg     sync.WaitGroup
}

// New creates a service. push delivers operations to connected agents and
// may be nil.
func New(store Store, br *bridge.Bridge, push sandbox.Dispatcher, queue *runqueue.Queue, p *pipeline.Pipeline, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		bridge:   br,
		push:     push,
		queue:    queue,
		pipeline: p,
		config:   cfg,
		logger:   logger,
		active:   make(map[string]*Generation),
	}
}

// SubmitSandboxResult resolves the pending operation a browser reported on.
// An unmatched result is logged and reported as bridge.ErrNotFound; it never
// affects other operations.
func (s *Service) SubmitSandboxResult(_ context.Context, req domain.SandboxResultRequest) error {
	if req.SandboxID == "" || req.Response == nil || req.Response.RequestID == "" {
		return ErrInvalidResult
	}
	if !s.bridge.Resolve(req.SandboxID, *req.Response) {
		s.logger.Warn("No pending request for sandbox result",
			zap.String("sandbox_id", req.SandboxID),
			zap.String("request_id", req.Response.RequestID))
		return fmt.Errorf("%w: %s/%s", bridge.ErrNotFound, req.SandboxID, req.Response.RequestID)
	}
	return nil
}

// TakeUndelivered hands out operations no agent has received yet.
func (s *Service) TakeUndelivered(sandboxID string) []domain.SandboxOperation {
	return s.bridge.TakeUndelivered(sandboxID)
}

// ListFragments returns a project's newest fragments.
func (s *Service) ListFragments(ctx context.Context, projectID string, limit int) ([]domain.Fragment, error) {
	frags, err := s.store.ListFragments(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	if frags == nil {
		frags = []domain.Fragment{}
	}
	return frags, nil
}

// Wait blocks until every started generation has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}
