// Package stream serializes the events of one generation run onto a single
// ordered output and frames them as server-sent events.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

var (
	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("stream closed")
	// ErrTerminated is returned by Emit after a complete or error event.
	ErrTerminated = errors.New("stream already terminated")
	// ErrNotTerminal is returned by Finish for a non-terminal event.
	ErrNotTerminal = errors.New("finish requires a complete or error event")
)

// AbortMessage is the error emitted when a stream is closed before any
// terminal event.
const AbortMessage = "generation aborted"

// Recorder observes every event accepted by a stream, in seq order per caller.
type Recorder func(domain.StreamEvent)

// Option configures a Stream.
type Option func(*Stream)

// WithRecorder mirrors accepted events to r. r runs outside the stream lock
// and must be safe for concurrent use.
func WithRecorder(r Recorder) Option {
	return func(s *Stream) { s.recorder = r }
}

// Stream is an unbounded, append-only event queue with one consumer.
// Producers never block; the consumer suspends in Next until an event or the
// close arrives.
type Stream struct {
	mu         sync.Mutex
	queue      []domain.StreamEvent
	seq        int64
	terminated bool
	closed     bool

	notify   chan struct{}
	done     chan struct{}
	recorder Recorder
}

// New creates an open stream.
func New(opts ...Option) *Stream {
	s := &Stream{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit appends ev and assigns its sequence number.
func (s *Stream) Emit(ev domain.StreamEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	ev = s.appendLocked(ev)
	s.mu.Unlock()

	s.wake()
	s.record(ev)
	return nil
}

// Finish emits the terminal event ev and closes the stream.
func (s *Stream) Finish(ev domain.StreamEvent) error {
	if !ev.IsTerminal() {
		return ErrNotTerminal
	}
	if err := s.Emit(ev); err != nil {
		return err
	}
	s.Close()
	return nil
}

// Close closes the stream once. If no terminal event was emitted, an error
// event is appended first so every sequence ends in exactly one terminal
// event.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var aborted *domain.StreamEvent
	if !s.terminated {
		ev := s.appendLocked(domain.ErrorEvent(AbortMessage))
		aborted = &ev
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wake()
	if aborted != nil {
		s.record(*aborted)
	}
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Terminated reports whether a terminal event was accepted.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Next returns the next event, waiting if none is queued. It returns io.EOF
// once the stream is closed and drained, or ctx.Err().
func (s *Stream) Next(ctx context.Context) (domain.StreamEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = domain.StreamEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return domain.StreamEvent{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return domain.StreamEvent{}, ctx.Err()
		}
	}
}

// Collect drains the stream until it closes.
func (s *Stream) Collect(ctx context.Context) ([]domain.StreamEvent, error) {
	var out []domain.StreamEvent
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func (s *Stream) appendLocked(ev domain.StreamEvent) domain.StreamEvent {
	s.seq++
	ev.Seq = s.seq
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	s.queue = append(s.queue, ev)
	if ev.IsTerminal() {
		s.terminated = true
	}
	return ev
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) record(ev domain.StreamEvent) {
	if s.recorder != nil {
		s.recorder(ev)
	}
}
