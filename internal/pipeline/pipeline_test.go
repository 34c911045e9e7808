package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/framework"
	"github.com/Jackson57279/zapdev-sub003/internal/llm"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
	"github.com/Jackson57279/zapdev-sub003/internal/store"
	"github.com/Jackson57279/zapdev-sub003/internal/stream"
)

type fixture struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	metrics  *metrics.Metrics
}

// testFrameworks has one framework whose check passes once the entry file
// carries the mock generator's fix marker.
func testFrameworks(t *testing.T, check string) *framework.Registry {
	t.Helper()
	r := framework.NewRegistry()
	require.NoError(t, r.Register(framework.Framework{
		Name:      "plain",
		EntryFile: "page.tsx",
		Validate: []framework.Command{
			{Name: "sh", Args: []string{"-c", "true"}},
			{Name: "sh", Args: []string{"-c", check}},
		},
	}))
	return r
}

func newFixture(t *testing.T, gen Generator, check string, opts ...Option) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(store.DriverCGO, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New(prometheus.NewRegistry())
	logger := zaptest.NewLogger(t)
	sandboxes := sandbox.NewRegistry(domain.BackendLocal, sandbox.NewLocalBackend(t.TempDir(), logger))
	base := []Option{
		WithLogger(logger),
		WithMetrics(m),
		WithFrameworks(testFrameworks(t, check)),
		WithDefaultFramework("plain"),
	}
	p := New(sandboxes, gen, PersisterFunc(st.CreateFragment), append(base, opts...)...)
	return &fixture{pipeline: p, store: st, metrics: m}
}

func request() domain.GenerateRequest {
	return domain.GenerateRequest{
		ProjectID: "proj",
		Value:     "a counter",
		SandboxID: "sbx-1",
		BaseFiles: map[string]string{"/home/user/package.json": "{}"},
	}
}

func runJob(t *testing.T, f *fixture, req domain.GenerateRequest) (*domain.Fragment, []domain.StreamEvent, error) {
	t.Helper()
	out := stream.New()
	frag, err := f.pipeline.Run(context.Background(), Job{GenerationID: "gen-1", Request: req}, out)
	events, collectErr := out.Collect(context.Background())
	require.NoError(t, collectErr)
	assertTerminatedOnce(t, events)
	return frag, events, err
}

func assertTerminatedOnce(t *testing.T, events []domain.StreamEvent) {
	t.Helper()
	require.NotEmpty(t, events)
	terminal := 0
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		if ev.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.True(t, events[len(events)-1].IsTerminal())
}

func stages(events []domain.StreamEvent) []domain.Stage {
	var out []domain.Stage
	for _, ev := range events {
		if ev.Type == domain.EventTypeProgress {
			out = append(out, ev.Progress.Stage)
		}
	}
	return out
}

func TestRunFixesOnce(t *testing.T) {
	f := newFixture(t, llm.NewMockGenerator(), "grep -q fixed page.tsx || { echo 'page.tsx: missing fix' >&2; exit 1; }")

	frag, events, err := runJob(t, f, request())
	require.NoError(t, err)
	require.NotNil(t, frag)
	assert.True(t, frag.Validated)
	assert.Equal(t, "gen-1", frag.GenerationID)
	assert.Equal(t, "sbx-1", frag.SandboxID)
	assert.Contains(t, frag.Files["page.tsx"], "// fixed")
	assert.Equal(t, "{}", frag.Files["package.json"])

	assert.Equal(t, []domain.Stage{
		domain.StageInitializing,
		domain.StageSandboxReady,
		domain.StageGenerating,
		domain.StageValidating,
		domain.StageFixing,
		domain.StageValidating,
		domain.StageFinalizing,
		domain.StageCompleted,
	}, stages(events))

	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeComplete, last.Type)
	assert.Equal(t, frag.Summary, last.Summary)
	assert.Equal(t, frag.Files, last.Files)

	// One snapshot per generation pass.
	var snapshots []map[string]string
	for _, ev := range events {
		if ev.Type == domain.EventTypeFiles {
			snapshots = append(snapshots, ev.Files)
		}
	}
	require.Len(t, snapshots, 2)
	assert.NotContains(t, snapshots[0]["page.tsx"], "// fixed")
	assert.Equal(t, frag.Files, snapshots[1])

	saved, err := f.store.ListFragments(context.Background(), "proj", 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.True(t, saved[0].Validated)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineFixAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineRuns.WithLabelValues("validated")))
}

func TestRunFinalizesUnvalidatedAfterSecondFailure(t *testing.T) {
	f := newFixture(t, llm.NewMockGenerator(), "echo broken >&2; exit 2")

	frag, events, err := runJob(t, f, request())
	require.NoError(t, err)
	require.NotNil(t, frag)
	assert.False(t, frag.Validated)

	var warned bool
	var failedOutputs int
	for _, ev := range events {
		if ev.Type == domain.EventTypeStatus && ev.Message == "Validation failed after fix attempt; saving unvalidated result" {
			warned = true
		}
		if ev.Type == domain.EventTypeToolOutput && ev.ToolOutput.ExitCode == 2 {
			failedOutputs++
			assert.Equal(t, "broken\n", ev.ToolOutput.Stderr)
		}
	}
	assert.True(t, warned)
	assert.Equal(t, 2, failedOutputs)
	assert.Equal(t, domain.EventTypeComplete, events[len(events)-1].Type)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineFixAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineRuns.WithLabelValues("unvalidated")))
}

func TestRunWithoutFixAttempts(t *testing.T) {
	f := newFixture(t, llm.NewMockGenerator(), "exit 1", WithMaxFixAttempts(0))

	frag, events, err := runJob(t, f, request())
	require.NoError(t, err)
	assert.False(t, frag.Validated)
	assert.NotContains(t, stages(events), domain.StageFixing)
}

type failingGenerator struct {
	err   error
	panic bool
}

func (g failingGenerator) Generate(context.Context, llm.Request, llm.Emitter) (*llm.Result, error) {
	if g.panic {
		panic("nil map")
	}
	return nil, g.err
}

func TestRunGeneratorErrorIsSanitized(t *testing.T) {
	f := newFixture(t, failingGenerator{err: errors.New("upstream rejected token=sk-123 at /srv/app/keys.txt")}, "true")

	frag, events, err := runJob(t, f, request())
	require.Error(t, err)
	assert.Nil(t, frag)

	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeError, last.Type)
	assert.NotContains(t, last.Message, "sk-123")
	assert.NotContains(t, last.Message, "/srv/app")
	assert.Contains(t, stages(events), domain.StageFailed)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineRuns.WithLabelValues("failed")))
}

func TestRunRecoversPanic(t *testing.T) {
	f := newFixture(t, failingGenerator{panic: true}, "true")

	_, events, err := runJob(t, f, request())
	assert.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, domain.ErrorEvent("internal error").Message, events[len(events)-1].Message)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, llm.NewMockGenerator(), "true")

	req := request()
	req.Framework = "cobol"
	out := stream.New()
	frag, err := f.pipeline.Run(context.Background(), Job{GenerationID: "gen-1", Request: req}, out)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Nil(t, frag)
	assert.False(t, out.Terminated())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = out.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(domain.GenerateRequest{ProjectID: "p", Prompt: "x"}))
	assert.ErrorIs(t, ValidateRequest(domain.GenerateRequest{Value: "x"}), ErrInvalidRequest)
	assert.ErrorIs(t, ValidateRequest(domain.GenerateRequest{ProjectID: "p", Value: " "}), ErrInvalidRequest)
	assert.ErrorIs(t, ValidateRequest(domain.GenerateRequest{ProjectID: "p", Value: "x", SandboxID: "../etc"}), ErrInvalidRequest)
}

func TestCheck(t *testing.T) {
	f := newFixture(t, llm.NewMockGenerator(), "true")

	assert.NoError(t, f.pipeline.Check(request()))

	req := request()
	req.Framework = "cobol"
	assert.ErrorIs(t, f.pipeline.Check(req), ErrInvalidRequest)

	req = request()
	req.Backend = domain.BackendRemote
	assert.ErrorIs(t, f.pipeline.Check(req), ErrInvalidRequest)

	req = request()
	req.ProjectID = ""
	assert.ErrorIs(t, f.pipeline.Check(req), ErrInvalidRequest)
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t, llm.NewMockGenerator(), "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := stream.New()
	_, err := f.pipeline.Run(ctx, Job{Request: request()}, out)
	assert.ErrorIs(t, err, context.Canceled)
	events, _ := out.Collect(context.Background())
	assertTerminatedOnce(t, events)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineRuns.WithLabelValues("canceled")))
}

func TestFailureReportKeepsTailOnRuneBoundary(t *testing.T) {
	cmd := framework.Command{Name: "npm", Args: []string{"run", "lint"}}
	for _, r := range []string{"é", "€"} {
		report := failureReport(cmd, domain.ToolOutput{ExitCode: 1, Stderr: strings.Repeat(r, maxReportLength)})
		assert.LessOrEqual(t, len(report), maxReportLength)
		assert.True(t, utf8.ValidString(report), "rune %q", r)
		assert.True(t, strings.HasSuffix(report, r))
	}
}
