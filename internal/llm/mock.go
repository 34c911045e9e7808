package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ScriptFunc returns the model output the mock replays for a request.
type ScriptFunc func(req Request) string

// MockGenerator replays scripted model output through the same parser and
// applier as Generator. It needs no network and is deterministic.
type MockGenerator struct {
	script    ScriptFunc
	chunkSize int
	delay     time.Duration
	logger    *zap.Logger
}

// MockOption configures a MockGenerator.
type MockOption func(*MockGenerator)

// WithScript replaces the default script.
func WithScript(fn ScriptFunc) MockOption {
	return func(m *MockGenerator) { m.script = fn }
}

// WithChunking splits the output into chunks of n bytes with delay between
// them, imitating a token stream.
func WithChunking(n int, delay time.Duration) MockOption {
	return func(m *MockGenerator) {
		m.chunkSize = n
		m.delay = delay
	}
}

// WithMockLogger sets the logger.
func WithMockLogger(l *zap.Logger) MockOption {
	return func(m *MockGenerator) { m.logger = l }
}

// NewMockGenerator creates a mock generator.
func NewMockGenerator(opts ...MockOption) *MockGenerator {
	m := &MockGenerator{
		script:    DefaultScript,
		chunkSize: 16,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generate implements the generator contract.
func (m *MockGenerator) Generate(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	a := newApplier(req, emit, m.logger)
	var p Parser
	output := m.script(req)
	for len(output) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := m.chunkSize
		if n <= 0 || n > len(output) {
			n = len(output)
		}
		if err := a.applyAll(ctx, p.Feed(output[:n])); err != nil {
			return nil, err
		}
		output = output[n:]
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.delay):
			}
		}
	}
	return a.finish(ctx, &p)
}

// DefaultScript writes the framework's entry file with a component named
// after the prompt. A fix pass rewrites it with a marker comment.
func DefaultScript(req Request) string {
	entry := req.Framework.EntryFile
	if entry == "" {
		entry = "index.html"
	}
	title := strings.TrimSpace(req.Prompt)
	if len(title) > 60 {
		title = title[:60]
	}
	title = strings.NewReplacer("`", "'", "<", "", ">", "").Replace(title)

	var b strings.Builder
	if req.Attempt > 0 {
		b.WriteString("Fixing the reported problems.\n")
		fmt.Fprintf(&b, "<file path=\"%s\">\n// fixed\nexport default function Page() {\n  return <main>{`%s`}</main>;\n}\n</file>\n", entry, title)
		b.WriteString("<summary>Fixed validation errors in the generated page.</summary>\n")
		return b.String()
	}
	b.WriteString("Building the requested page.\n")
	fmt.Fprintf(&b, "<file path=\"%s\">\nexport default function Page() {\n  return <main>{`%s`}</main>;\n}\n</file>\n", entry, title)
	b.WriteString("<file path=\"README.md\">\n# Generated project\n</file>\n")
	fmt.Fprintf(&b, "<summary>Created %s for: %s</summary>\n", entry, title)
	return b.String()
}
