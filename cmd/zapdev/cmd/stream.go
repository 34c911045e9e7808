package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/stream"
	v1 "github.com/Jackson57279/zapdev-sub003/internal/transport/http/v1"
)

// errStreamTruncated is returned when the server closed the event stream
// without a complete or error event.
var errStreamTruncated = errors.New("event stream ended without a terminal event")

// streamGeneration posts req to the server's generate endpoint and calls
// onEvent for every event until the terminal one, which it returns.
func streamGeneration(ctx context.Context, client *resty.Client, req domain.GenerateRequest, onEvent func(domain.StreamEvent)) (string, domain.StreamEvent, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/v1/generate")
	if err != nil {
		return "", domain.StreamEvent{}, fmt.Errorf("start generation: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 300 {
		data, _ := io.ReadAll(io.LimitReader(body, 4096))
		return "", domain.StreamEvent{}, fmt.Errorf("start generation: %s: %s", resp.Status(), strings.TrimSpace(string(data)))
	}
	genID := resp.Header().Get(v1.HeaderGenerationID)

	dec := stream.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return genID, domain.StreamEvent{}, errStreamTruncated
		}
		if err != nil {
			return genID, domain.StreamEvent{}, fmt.Errorf("read event stream: %w", err)
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.IsTerminal() {
			return genID, ev, nil
		}
	}
}

func newHTTPClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
}
