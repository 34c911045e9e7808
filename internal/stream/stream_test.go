package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

func terminalCount(events []domain.StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			n++
		}
	}
	return n
}

func TestEmitOrderAndFinish(t *testing.T) {
	s := New()
	require.NoError(t, s.Emit(domain.StatusEvent("starting")))
	require.NoError(t, s.Emit(domain.TextEvent("hel")))
	require.NoError(t, s.Emit(domain.TextEvent("lo")))
	require.NoError(t, s.Finish(domain.CompleteEvent("done", map[string]string{"a": "b"})))

	events, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, domain.EventTypeComplete, events[3].Type)
	assert.Equal(t, 1, terminalCount(events))
}

func TestEmitAfterTerminal(t *testing.T) {
	s := New()
	require.NoError(t, s.Emit(domain.ErrorEvent("boom")))
	assert.ErrorIs(t, s.Emit(domain.StatusEvent("late")), ErrTerminated)
	assert.ErrorIs(t, s.Emit(domain.CompleteEvent("", nil)), ErrTerminated)

	s.Close()
	assert.ErrorIs(t, s.Emit(domain.StatusEvent("closed")), ErrClosed)

	events, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Message)
}

func TestCloseWithoutTerminalAppendsError(t *testing.T) {
	s := New()
	require.NoError(t, s.Emit(domain.StatusEvent("working")))
	s.Close()
	s.Close()

	events, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeError, events[1].Type)
	assert.Equal(t, AbortMessage, events[1].Message)
	assert.Equal(t, 1, terminalCount(events))
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Finish(domain.StatusEvent("nope")), ErrNotTerminal)
	select {
	case <-s.Done():
		t.Fatal("stream closed by a rejected finish")
	default:
	}
}

func TestNextWaitsForProducer(t *testing.T) {
	s := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Emit(domain.StatusEvent("late"))
		_ = s.Finish(domain.CompleteEvent("ok", nil))
	}()

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", ev.Message)

	ev, err = s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeComplete, ev.Type)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextHonorsContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentProducersKeepSeqOrder(t *testing.T) {
	var mu sync.Mutex
	var recorded []domain.StreamEvent
	s := New(WithRecorder(func(ev domain.StreamEvent) {
		mu.Lock()
		recorded = append(recorded, ev)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = s.Emit(domain.FileCreatedEvent(fmt.Sprintf("p%d/f%d", p, i)))
			}
		}(p)
	}
	wg.Wait()
	s.Close()

	events, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 101)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, domain.EventTypeError, events[100].Type)

	mu.Lock()
	assert.Len(t, recorded, 101)
	mu.Unlock()
}

func TestWriteSSEAndDecode(t *testing.T) {
	s := New()
	require.NoError(t, s.Emit(domain.StatusEvent("line one\nline two")))
	require.NoError(t, s.Emit(domain.FileUpdatedEvent("src/app.tsx")))
	require.NoError(t, s.Finish(domain.CompleteEvent("built", map[string]string{"src/app.tsx": "x"})))

	var buf bytes.Buffer
	require.NoError(t, WriteSSE(context.Background(), &buf, s))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "id: 1\nevent: status\ndata: {"))
	assert.Equal(t, 3, strings.Count(out, "\n\n"))

	dec := NewDecoder(&buf)
	var got []domain.StreamEvent
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "line one\nline two", got[0].Message)
	assert.Equal(t, "src/app.tsx", got[1].Path)
	assert.Equal(t, "built", got[2].Summary)
	assert.Equal(t, int64(3), got[2].Seq)
}

func TestDecoderPartialFrame(t *testing.T) {
	input := ": keepalive\n\nid: 1\nevent: status\ndata: {\"type\":\"status\",\"message\":\"a\"}\n\nid: 2\ndata: {\"type\":\"te"
	dec := NewDecoder(strings.NewReader(input))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Message)
	assert.Equal(t, int64(1), ev.Seq)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecoderCRLF(t *testing.T) {
	input := "event: text\r\ndata: {\"delta\":\"hi\"}\r\n\r\n"
	ev, err := NewDecoder(strings.NewReader(input)).Next()
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeText, ev.Type)
	assert.Equal(t, "hi", ev.Delta)
}
