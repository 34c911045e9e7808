package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

// SetHeaders sets the response headers for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteFrame writes one event as an SSE frame:
//
//	id: <seq>
//	event: <type>
//	data: <json>
//
// followed by a blank line.
func WriteFrame(w io.Writer, ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// WriteSSE drains s onto w until the stream closes, flushing after every
// frame when w supports it.
func WriteSSE(ctx context.Context, w io.Writer, s *Stream) error {
	flusher, _ := w.(http.Flusher)
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := WriteFrame(w, ev); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Frame is one raw SSE frame.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Decoder reads SSE frames incrementally.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// NextFrame returns the next complete frame. It returns io.EOF at a clean end
// of input and io.ErrUnexpectedEOF when input ends inside a frame.
func (d *Decoder) NextFrame() (Frame, error) {
	var f Frame
	var data []string
	started := false

	for {
		line, err := d.r.ReadString('\n')
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) && started {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		// Empty line marks end of frame
		if line == "" {
			if started {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			if eof {
				return Frame{}, io.EOF
			}
			continue
		}

		// Comments keep the connection alive and carry nothing
		if !strings.HasPrefix(line, ":") {
			started = true
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				f.ID = value
			case "event":
				f.Event = value
			case "data":
				data = append(data, value)
			}
		}

		if eof {
			if started {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, io.EOF
		}
	}
}

// Next decodes the next frame into a StreamEvent.
func (d *Decoder) Next() (domain.StreamEvent, error) {
	f, err := d.NextFrame()
	if err != nil {
		return domain.StreamEvent{}, err
	}
	var ev domain.StreamEvent
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("failed to parse event %s: %w", f.ID, err)
	}
	if ev.Seq == 0 && f.ID != "" {
		ev.Seq, _ = strconv.ParseInt(f.ID, 10, 64)
	}
	if ev.Type == "" {
		ev.Type = domain.EventType(f.Event)
	}
	return ev, nil
}
