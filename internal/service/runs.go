package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

// sweepLimit bounds the claims expired per sweep.
const sweepLimit = 100

// EnqueueRun queues a run for a browser executor.
func (s *Service) EnqueueRun(ctx context.Context, req domain.EnqueueRunRequest) (*domain.RunRecord, error) {
	return s.queue.Enqueue(ctx, req)
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	return s.queue.Get(ctx, runID)
}

// ListPendingRuns lists a project's pending runs, oldest first.
func (s *Service) ListPendingRuns(ctx context.Context, projectID string) ([]domain.RunRecord, error) {
	return s.queue.ListPending(ctx, projectID)
}

// ClaimRun claims a run for an executor.
func (s *Service) ClaimRun(ctx context.Context, runID, executorID string) (domain.ClaimRunResponse, error) {
	return s.queue.Claim(ctx, runID, executorID)
}

// CompleteRun records an executor's result.
func (s *Service) CompleteRun(ctx context.Context, runID string, result json.RawMessage) (*domain.RunRecord, error) {
	return s.queue.Complete(ctx, runID, result)
}

// FailRun records an executor's failure.
func (s *Service) FailRun(ctx context.Context, runID, message string) (*domain.RunRecord, error) {
	return s.queue.Fail(ctx, runID, message)
}

// RunClaimExpiryMonitor fails runs whose executor went quiet, until ctx ends.
func (s *Service) RunClaimExpiryMonitor(ctx context.Context) {
	interval := s.config.Queue.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredClaims(ctx)
		}
	}
}

func (s *Service) sweepExpiredClaims(ctx context.Context) {
	ttl := s.config.Queue.ClaimTTL
	if ttl <= 0 {
		return
	}
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := s.queue.ExpireClaims(sweepCtx, ttl, sweepLimit)
	if err != nil {
		s.logger.Warn("Claim expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Expired stale claims", zap.Int("count", n), zap.Duration("ttl", ttl))
	}
}
