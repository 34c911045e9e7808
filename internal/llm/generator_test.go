package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/framework"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

func localSandbox(t *testing.T, base map[string]string) (sandbox.Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.NewLocalBackend(root, zaptest.NewLogger(t)).Create(context.Background(), sandbox.CreateOptions{
		SandboxID: "gen1",
		BaseFiles: base,
	})
	require.NoError(t, err)
	return sb, filepath.Join(root, "gen1")
}

type recorder struct {
	events []domain.StreamEvent
}

func (r *recorder) emit(ev domain.StreamEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []domain.EventType {
	out := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func TestGeneratorAppliesStreamedOutput(t *testing.T) {
	output := "Sure.\n" +
		"<file path=\"/home/user/app/page.tsx\">\nexport default function Page() {}\n</file>" +
		"<file path=\"../etc/passwd\">nope</file>" +
		"<run>echo built</run>" +
		"<summary>A page.</summary>"

	var sent *ChatCompletionRequest
	srv := sseServer(t, splitEvery(output, 5), func(r *ChatCompletionRequest) { sent = r })
	g := NewGenerator(NewClient(srv.URL, "", 5*time.Second), "default-model", zaptest.NewLogger(t))

	sb, dir := localSandbox(t, map[string]string{"app/page.tsx": "old"})
	fw, err := framework.DefaultRegistry.Get("nextjs")
	require.NoError(t, err)

	var rec recorder
	res, err := g.Generate(context.Background(), Request{
		Prompt:    "landing page",
		Framework: fw,
		Sandbox:   sb,
		Files:     map[string]string{"app/page.tsx": "old"},
	}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "A page.", res.Summary)
	assert.Equal(t, map[string]string{"app/page.tsx": "export default function Page() {}\n"}, res.Files)
	require.NotNil(t, res.Usage)

	data, err := os.ReadFile(filepath.Join(dir, "app", "page.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default function Page() {}\n", string(data))

	assert.Equal(t, []domain.EventType{
		domain.EventTypeText,
		domain.EventTypeFileUpdated,
		domain.EventTypeStatus,
		domain.EventTypeToolCall,
		domain.EventTypeToolOutput,
	}, dedupeText(rec.types()))

	for _, ev := range rec.events {
		if ev.Type == domain.EventTypeToolOutput {
			assert.Equal(t, "built\n", ev.ToolOutput.Stdout)
			assert.Equal(t, 0, ev.ToolOutput.ExitCode)
		}
	}

	require.NotNil(t, sent)
	assert.Equal(t, "default-model", sent.Model)
	require.Len(t, sent.Messages, 2)
	assert.Contains(t, sent.Messages[0].Content, "app/page.tsx")
	assert.Contains(t, sent.Messages[1].Content, "landing page")
}

func dedupeText(types []domain.EventType) []domain.EventType {
	var out []domain.EventType
	for _, t := range types {
		if t == domain.EventTypeText && len(out) > 0 && out[len(out)-1] == domain.EventTypeText {
			continue
		}
		out = append(out, t)
	}
	return out
}

func TestBuildMessagesFixContext(t *testing.T) {
	msgs := BuildMessages(Request{
		Prompt:     "todo app",
		Files:      map[string]string{"b.ts": "", "a.ts": ""},
		FixContext: "TS2322: bad type",
	})
	user := msgs[1].Content
	assert.Less(t, strings.Index(user, "- a.ts"), strings.Index(user, "- b.ts"))
	assert.Contains(t, user, "TS2322: bad type")
}

func TestMockGenerator(t *testing.T) {
	sb, dir := localSandbox(t, nil)
	fw, err := framework.DefaultRegistry.Get("react")
	require.NoError(t, err)
	g := NewMockGenerator(WithChunking(3, 0))

	var rec recorder
	res, err := g.Generate(context.Background(), Request{Prompt: "counter", Framework: fw, Sandbox: sb}, rec.emit)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "counter")
	assert.Len(t, res.Files, 2)
	assert.Contains(t, rec.types(), domain.EventTypeFileCreated)

	fixed, err := g.Generate(context.Background(), Request{
		Prompt:    "counter",
		Framework: fw,
		Sandbox:   sb,
		Files:     res.Files,
		Attempt:   1,
	}, rec.emit)
	require.NoError(t, err)
	assert.Contains(t, fixed.Files["src/App.tsx"], "// fixed")
	assert.Equal(t, domain.EventTypeFileUpdated, fileEvents(rec.events)[2])

	data, err := os.ReadFile(filepath.Join(dir, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "// fixed")
}

func fileEvents(events []domain.StreamEvent) []domain.EventType {
	var out []domain.EventType
	for _, ev := range events {
		if ev.Type == domain.EventTypeFileCreated || ev.Type == domain.EventTypeFileUpdated {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestMockGeneratorCommandFailureIsNotFatal(t *testing.T) {
	sb, _ := localSandbox(t, nil)
	g := NewMockGenerator(WithScript(func(Request) string {
		return "<run>sh -c exit_7_is_not_a_command</run><summary>done</summary>"
	}))

	var rec recorder
	res, err := g.Generate(context.Background(), Request{Sandbox: sb}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Summary)
	require.Len(t, rec.events, 2)
	assert.NotEqual(t, 0, rec.events[1].ToolOutput.ExitCode)
}

func TestMockGeneratorStopsOnEmitError(t *testing.T) {
	sb, _ := localSandbox(t, nil)
	boom := errors.New("closed")
	_, err := NewMockGenerator().Generate(context.Background(), Request{Prompt: "x", Sandbox: sb}, func(domain.StreamEvent) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewMockGenerator().Generate(ctx, Request{Prompt: "x", Sandbox: sb}, func(domain.StreamEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
