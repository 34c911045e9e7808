// Package runqueue is the durable queue through which browser executors pick
// up generation runs. A run moves pending → claimed → completed | failed;
// claiming is a single conditional update, so exactly one executor wins.
package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
)

var (
	// ErrInvalidRun is returned for an enqueue without projectId or value.
	ErrInvalidRun = errors.New("invalid run")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrProtocolViolation matches every *ProtocolViolationError.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ProtocolViolationError reports a transition attempted from the wrong state.
type ProtocolViolationError struct {
	RunID string
	From  domain.RunStatus
	Op    string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("run %s: cannot %s from status %q", e.RunID, e.Op, e.From)
}

// Is makes errors.Is(err, ErrProtocolViolation) hold.
func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Store is the persistence the queue needs.
type Store interface {
	CreateRun(ctx context.Context, run *domain.RunRecord) error
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
	ListPendingRuns(ctx context.Context, projectID string) ([]domain.RunRecord, error)
	ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]domain.RunRecord, error)
	ClaimRun(ctx context.Context, runID, executorID string, at time.Time) (bool, error)
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, result []byte, errMsg string, at time.Time) (bool, error)
}

// Queue implements the run queue on top of a Store.
type Queue struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	pollMin time.Duration
	pollMax time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithPollInterval bounds the WaitForPending backoff.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(q *Queue) {
		if lo > 0 {
			q.pollMin = lo
		}
		if hi >= q.pollMin {
			q.pollMax = hi
		}
	}
}

// New creates a queue.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
		pollMin: 250 * time.Millisecond,
		pollMax: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates a pending run.
func (q *Queue) Enqueue(ctx context.Context, req domain.EnqueueRunRequest) (*domain.RunRecord, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidRun)
	}
	if strings.TrimSpace(req.Value) == "" {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidRun)
	}
	run := &domain.RunRecord{
		ID:        q.newID(),
		ProjectID: req.ProjectID,
		Value:     req.Value,
		BaseFiles: req.BaseFiles,
		Framework: req.Framework,
		Model:     req.Model,
		SandboxID: req.SandboxID,
		Status:    domain.RunStatusPending,
		CreatedAt: q.now().UTC(),
	}
	if err := q.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	q.metrics.ObserveTransition(string(domain.RunStatusPending), "ok")
	q.logger.Info("Run enqueued", zap.String("run_id", run.ID), zap.String("project_id", run.ProjectID))
	return run, nil
}

// Get returns one run.
func (q *Queue) Get(ctx context.Context, runID string) (*domain.RunRecord, error) {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// ListPending returns the project's pending runs, oldest first.
func (q *Queue) ListPending(ctx context.Context, projectID string) ([]domain.RunRecord, error) {
	runs, err := q.store.ListPendingRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []domain.RunRecord{}
	}
	return runs, nil
}

// WaitForPending blocks until the project has pending runs or ctx ends,
// polling with exponential backoff.
func (q *Queue) WaitForPending(ctx context.Context, projectID string) ([]domain.RunRecord, error) {
	delay := q.pollMin
	for {
		runs, err := q.ListPending(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			return runs, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > q.pollMax {
			delay = q.pollMax
		}
	}
}

// Claim attempts to move a pending run to claimed for executorID. Losing the
// race is not an error: Claimed is false and Run is the current record.
func (q *Queue) Claim(ctx context.Context, runID, executorID string) (domain.ClaimRunResponse, error) {
	ok, err := q.store.ClaimRun(ctx, runID, executorID, q.now().UTC())
	if err != nil {
		return domain.ClaimRunResponse{}, fmt.Errorf("claim run: %w", err)
	}
	run, err := q.Get(ctx, runID)
	if err != nil {
		q.metrics.ObserveTransition(string(domain.RunStatusClaimed), "not_found")
		return domain.ClaimRunResponse{}, err
	}
	if !ok {
		q.metrics.ObserveTransition(string(domain.RunStatusClaimed), "conflict")
		q.logger.Debug("Claim lost",
			zap.String("run_id", runID),
			zap.String("executor_id", executorID),
			zap.String("status", string(run.Status)),
		)
		return domain.ClaimRunResponse{Claimed: false, Run: run}, nil
	}
	q.metrics.ObserveTransition(string(domain.RunStatusClaimed), "ok")
	q.logger.Info("Run claimed", zap.String("run_id", runID), zap.String("executor_id", executorID))
	return domain.ClaimRunResponse{Claimed: true, Run: run}, nil
}

// Complete records a claimed run's result.
func (q *Queue) Complete(ctx context.Context, runID string, result json.RawMessage) (*domain.RunRecord, error) {
	return q.finish(ctx, runID, domain.RunStatusCompleted, "complete", result, "")
}

// Fail records a claimed run's failure.
func (q *Queue) Fail(ctx context.Context, runID, message string) (*domain.RunRecord, error) {
	return q.finish(ctx, runID, domain.RunStatusFailed, "fail", nil, message)
}

func (q *Queue) finish(ctx context.Context, runID string, to domain.RunStatus, op string, result []byte, errMsg string) (*domain.RunRecord, error) {
	ok, err := q.store.FinishRun(ctx, runID, to, result, errMsg, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%s run: %w", op, err)
	}
	run, err := q.Get(ctx, runID)
	if err != nil {
		q.metrics.ObserveTransition(string(to), "not_found")
		return nil, err
	}
	if !ok {
		q.metrics.ObserveTransition(string(to), "violation")
		return nil, &ProtocolViolationError{RunID: runID, From: run.Status, Op: op}
	}
	q.metrics.ObserveTransition(string(to), "ok")
	q.logger.Info("Run finished", zap.String("run_id", runID), zap.String("status", string(to)))
	return run, nil
}

// ExpireClaims fails claimed runs whose claim is older than ttl and returns
// how many were failed. A run completed concurrently is left alone.
func (q *Queue) ExpireClaims(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	now := q.now().UTC()
	runs, err := q.store.ListExpiredClaims(ctx, now.Add(-ttl), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}
	expired := 0
	for _, run := range runs {
		msg := fmt.Sprintf("claim by %q expired after %s", run.ExecutorID, ttl)
		ok, err := q.store.FinishRun(ctx, run.ID, domain.RunStatusFailed, nil, msg, now)
		if err != nil {
			return expired, fmt.Errorf("expire run %s: %w", run.ID, err)
		}
		if !ok {
			continue
		}
		expired++
		q.metrics.ObserveTransition(string(domain.RunStatusFailed), "expired")
		q.logger.Warn("Run claim expired", zap.String("run_id", run.ID), zap.String("executor_id", run.ExecutorID))
	}
	return expired, nil
}
