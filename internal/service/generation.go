package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/pipeline"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
	"github.com/Jackson57279/zapdev-sub003/internal/stream"
)

// recordTimeout bounds persisting one event.
const recordTimeout = 2 * time.Second

// Generation is a started run whose events are read from Stream.
type Generation struct {
	ID        string
	SandboxID string
	Stream    *stream.Stream

	cancel context.CancelFunc
	done   chan struct{}
	frag   *domain.Fragment
	err    error
}

// Done is closed when the pipeline has returned.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Result returns the fragment or the failure once Done is closed.
func (g *Generation) Result() (*domain.Fragment, error) {
	<-g.done
	return g.frag, g.err
}

// StartGeneration validates req and runs the pipeline in the background.
// Invalid requests fail here, before any stream exists.
func (s *Service) StartGeneration(req domain.GenerateRequest) (*Generation, error) {
	if err := s.pipeline.Check(req); err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = s.config.Generation.DefaultModel
	}

	gen := &Generation{
		ID:        uuid.NewString(),
		SandboxID: req.SandboxID,
		done:      make(chan struct{}),
	}
	gen.Stream = stream.New(stream.WithRecorder(s.recorder(gen.ID)))

	timeout := s.config.Generation.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	gen.cancel = cancel

	// A bound agent takes operations first; otherwise they ride on the run's
	// own stream for the browser that is watching it.
	channel := sandbox.FirstAvailable(s.push, sandbox.StreamDispatcher(gen.Stream.Emit))

	s.mu.Lock()
	s.active[gen.ID] = gen
	s.mu.Unlock()
	s.wg.Add(1)

	logger := s.logger.With(zap.String("generation_id", gen.ID), zap.String("project_id", req.ProjectID))
	logger.Info("Generation started", zap.String("sandbox_id", req.SandboxID), zap.String("framework", req.Framework))

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.active, gen.ID)
			s.mu.Unlock()
			close(gen.done)
		}()

		gen.frag, gen.err = s.pipeline.Run(ctx, pipeline.Job{
			GenerationID: gen.ID,
			Request:      req,
			Channel:      channel,
		}, gen.Stream)
		if gen.err != nil {
			logger.Info("Generation ended with error", zap.Error(gen.err))
		}
	}()
	return gen, nil
}

// CancelGeneration stops a running generation. Its own pending sandbox
// operations are abandoned as the run unwinds; other runs on the same
// sandbox id keep theirs. It reports whether the generation was active.
func (s *Service) CancelGeneration(id string) bool {
	s.mu.Lock()
	gen, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	gen.cancel()
	s.logger.Info("Generation cancelled", zap.String("generation_id", id))
	return true
}

// ListEvents returns recorded events of a generation after afterSeq.
func (s *Service) ListEvents(ctx context.Context, generationID string, afterSeq int64, limit int) ([]domain.Event, error) {
	events, err := s.store.GetEvents(ctx, generationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}

func (s *Service) recorder(generationID string) stream.Recorder {
	return func(ev domain.StreamEvent) {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("Failed to encode event", zap.String("generation_id", generationID), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.store.CreateEvent(ctx, &domain.Event{
			EventID:      uuid.NewString(),
			GenerationID: generationID,
			Seq:          ev.Seq,
			Ts:           ev.Ts,
			Type:         ev.Type,
			Payload:      payload,
		}); err != nil {
			s.logger.Error("Failed to record event",
				zap.String("generation_id", generationID),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
		}
	}
}
