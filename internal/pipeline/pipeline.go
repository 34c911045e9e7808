// Package pipeline drives one generation run: it obtains a sandbox,
// generates files, validates them, regenerates once with the validation
// errors, and finalizes by persisting a fragment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/filetree"
	"github.com/Jackson57279/zapdev-sub003/internal/framework"
	"github.com/Jackson57279/zapdev-sub003/internal/llm"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

// MaxFixAttempts is how many times a run regenerates after failed validation.
const MaxFixAttempts = 1

// maxReportLength caps the validation output handed back to the generator.
const maxReportLength = 8000

var (
	// ErrInvalidRequest is returned for requests rejected before any work starts.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrPanic marks a run that ended in a recovered panic.
	ErrPanic = errors.New("generation panicked")
)

// Generator produces one pass of project files into a sandbox.
type Generator interface {
	Generate(ctx context.Context, req llm.Request, emit llm.Emitter) (*llm.Result, error)
}

// Persister stores finished fragments.
type Persister interface {
	SaveFragment(ctx context.Context, f *domain.Fragment) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, f *domain.Fragment) error

// SaveFragment implements Persister.
func (fn PersisterFunc) SaveFragment(ctx context.Context, f *domain.Fragment) error {
	return fn(ctx, f)
}

// Output is where a run's events go. *stream.Stream implements it.
type Output interface {
	Emit(ev domain.StreamEvent) error
	Finish(ev domain.StreamEvent) error
	Close()
}

// Job is one run's input.
type Job struct {
	GenerationID string
	Request      domain.GenerateRequest
	// Channel delivers browser sandbox operations.
	Channel sandbox.Dispatcher
}

// Pipeline runs generation jobs.
type Pipeline struct {
	sandboxes        *sandbox.Registry
	frameworks       *framework.Registry
	generator        Generator
	persister        Persister
	defaultFramework string
	maxFixAttempts   int
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithFrameworks replaces the default framework registry.
func WithFrameworks(r *framework.Registry) Option {
	return func(p *Pipeline) { p.frameworks = r }
}

// WithDefaultFramework sets the framework used when a request names none.
func WithDefaultFramework(name string) Option {
	return func(p *Pipeline) { p.defaultFramework = name }
}

// WithMaxFixAttempts overrides MaxFixAttempts. Tests only.
func WithMaxFixAttempts(n int) Option {
	return func(p *Pipeline) { p.maxFixAttempts = n }
}

// New creates a pipeline.
func New(sandboxes *sandbox.Registry, gen Generator, persister Persister, opts ...Option) *Pipeline {
	p := &Pipeline{
		sandboxes:        sandboxes,
		frameworks:       framework.DefaultRegistry,
		generator:        gen,
		persister:        persister,
		defaultFramework: "nextjs",
		maxFixAttempts:   MaxFixAttempts,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateRequest rejects requests before any run state exists.
func ValidateRequest(req domain.GenerateRequest) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.PromptText()) == "" {
		return fmt.Errorf("%w: value is required", ErrInvalidRequest)
	}
	if req.SandboxID != "" && !sandbox.ValidID(req.SandboxID) {
		return fmt.Errorf("%w: invalid sandboxId", ErrInvalidRequest)
	}
	return nil
}

// Check is ValidateRequest plus the lookups a run would fail on first: the
// framework and the sandbox backend.
func (p *Pipeline) Check(req domain.GenerateRequest) error {
	if err := ValidateRequest(req); err != nil {
		return err
	}
	if _, err := p.framework(req); err != nil {
		return err
	}
	if _, err := p.sandboxes.Get(req.Backend); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (p *Pipeline) framework(req domain.GenerateRequest) (framework.Framework, error) {
	name := req.Framework
	if name == "" {
		name = p.defaultFramework
	}
	fw, err := p.frameworks.Get(name)
	if err != nil {
		return framework.Framework{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return fw, nil
}

// run holds the state of one job.
type run struct {
	p          *Pipeline
	job        Job
	out        Output
	logger     *zap.Logger
	stage      domain.Stage
	stageStart time.Time
}

func (r *run) enter(stage domain.Stage, attempt int) error {
	now := time.Now()
	if r.stage != "" {
		r.p.metrics.ObserveStage(string(r.stage), now.Sub(r.stageStart))
	}
	r.stage = stage
	r.stageStart = now
	r.logger.Debug("Entering stage", zap.String("stage", string(stage)), zap.Int("attempt", attempt))
	return r.out.Emit(domain.ProgressEvent(stage, attempt))
}

// snapshot emits the merged file set after a generation pass.
func (r *run) snapshot(files map[string]string) error {
	return r.out.Emit(domain.FilesEvent(maps.Clone(files)))
}

// Run executes job and writes its events to out. A request that fails Check
// returns ErrInvalidRequest with out untouched. Otherwise out is closed on
// every return path, after exactly one complete or error event. The returned
// fragment is nil when the run failed.
func (p *Pipeline) Run(ctx context.Context, job Job, out Output) (frag *domain.Fragment, err error) {
	if err := p.Check(job.Request); err != nil {
		return nil, err
	}
	if job.GenerationID == "" {
		job.GenerationID = uuid.NewString()
	}
	r := &run{
		p:   p,
		job: job,
		out: out,
		logger: p.logger.With(
			zap.String("generation_id", job.GenerationID),
			zap.String("project_id", job.Request.ProjectID),
		),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Generation panicked", zap.Any("panic", rec), zap.Stack("stack"))
			frag, err = nil, fmt.Errorf("%w: %v", ErrPanic, rec)
			_ = out.Finish(domain.ErrorEvent("internal error"))
		}
		out.Close()
		if r.stage != "" {
			p.metrics.ObserveStage(string(r.stage), time.Since(r.stageStart))
		}
		switch {
		case err == nil && frag != nil && frag.Validated:
			p.metrics.ObserveRun("validated")
		case err == nil:
			p.metrics.ObserveRun("unvalidated")
		case errors.Is(err, context.Canceled):
			p.metrics.ObserveRun("canceled")
		default:
			p.metrics.ObserveRun("failed")
		}
	}()

	frag, err = r.execute(ctx)
	if err != nil {
		r.logger.Warn("Generation failed", zap.String("stage", string(r.stage)), zap.Error(err))
		if r.stage != "" {
			_ = r.enter(domain.StageFailed, 0)
		}
		_ = out.Finish(domain.ErrorEvent(Sanitize(err.Error())))
		return nil, err
	}
	return frag, nil
}

func (r *run) execute(ctx context.Context) (*domain.Fragment, error) {
	req := r.job.Request
	fw, err := r.p.framework(req)
	if err != nil {
		return nil, err
	}

	if err := r.enter(domain.StageInitializing, 0); err != nil {
		return nil, err
	}
	if err := r.out.Emit(domain.StatusEvent("Preparing sandbox")); err != nil {
		return nil, err
	}
	backend, err := r.p.sandboxes.Get(req.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sb, err := backend.Create(ctx, sandbox.CreateOptions{
		SandboxID: req.SandboxID,
		Framework: fw.Name,
		BaseFiles: req.BaseFiles,
		Channel:   r.job.Channel,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sb.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Debug("Failed to close sandbox handle", zap.Error(err))
		}
	}()
	r.logger = r.logger.With(zap.String("sandbox_id", sb.ID()))
	if err := r.enter(domain.StageSandboxReady, 0); err != nil {
		return nil, err
	}

	files := normalizeFiles(req.BaseFiles)
	if err := r.enter(domain.StageGenerating, 0); err != nil {
		return nil, err
	}
	if err := r.out.Emit(domain.StatusEvent("Generating code")); err != nil {
		return nil, err
	}
	genReq := llm.Request{
		Prompt:    req.PromptText(),
		Model:     req.Model,
		Framework: fw,
		Sandbox:   sb,
		Files:     files,
	}
	res, err := r.p.generator.Generate(ctx, genReq, r.out.Emit)
	if err != nil {
		return nil, err
	}
	merge(files, res.Files)
	if err := r.snapshot(files); err != nil {
		return nil, err
	}
	summary := res.Summary

	validated := false
	for attempt := 0; ; attempt++ {
		if err := r.enter(domain.StageValidating, attempt); err != nil {
			return nil, err
		}
		report, err := r.validate(ctx, sb, fw)
		if err != nil {
			return nil, err
		}
		if report == "" {
			validated = true
			break
		}
		if attempt >= r.p.maxFixAttempts {
			r.logger.Info("Validation still failing, finalizing unvalidated", zap.Int("attempts", attempt))
			if err := r.out.Emit(domain.StatusEvent("Validation failed after fix attempt; saving unvalidated result")); err != nil {
				return nil, err
			}
			break
		}

		r.p.metrics.ObserveFixAttempt()
		if err := r.enter(domain.StageFixing, attempt+1); err != nil {
			return nil, err
		}
		if err := r.out.Emit(domain.StatusEvent("Fixing validation errors")); err != nil {
			return nil, err
		}
		genReq.Files = files
		genReq.FixContext = report
		genReq.Attempt = attempt + 1
		res, err = r.p.generator.Generate(ctx, genReq, r.out.Emit)
		if err != nil {
			return nil, err
		}
		merge(files, res.Files)
		if err := r.snapshot(files); err != nil {
			return nil, err
		}
		if res.Summary != "" {
			summary = res.Summary
		}
	}

	if err := r.enter(domain.StageFinalizing, 0); err != nil {
		return nil, err
	}
	frag := &domain.Fragment{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		GenerationID: r.job.GenerationID,
		RunID:        req.RunID,
		SandboxID:    sb.ID(),
		Summary:      summary,
		Files:        files,
		Validated:    validated,
		CreatedAt:    time.Now(),
	}
	if r.p.persister != nil {
		if err := r.p.persister.SaveFragment(ctx, frag); err != nil {
			return nil, fmt.Errorf("save fragment: %w", err)
		}
	}
	if err := r.enter(domain.StageCompleted, 0); err != nil {
		return nil, err
	}
	r.logger.Info("Generation completed", zap.Int("files", len(files)), zap.Bool("validated", validated))
	if err := r.out.Finish(domain.CompleteEvent(summary, files)); err != nil {
		return nil, err
	}
	return frag, nil
}

// validate runs the framework's checks in order. It returns the failure
// report of the first failing command, or "" when all pass.
func (r *run) validate(ctx context.Context, sb sandbox.Sandbox, fw framework.Framework) (string, error) {
	for _, cmd := range fw.Validate {
		id := uuid.NewString()
		if err := r.out.Emit(domain.ToolCallEvent(domain.ToolCall{ID: id, Name: cmd.Name, Args: cmd.Args})); err != nil {
			return "", err
		}
		res, runErr := sb.Run(ctx, cmd.Name, cmd.Args...)
		if runErr != nil && !errors.Is(runErr, sandbox.ErrCommandFailed) {
			return "", runErr
		}
		out := toolOutput(id, res, runErr)
		if err := r.out.Emit(domain.ToolOutputEvent(out)); err != nil {
			return "", err
		}
		if runErr != nil {
			return failureReport(cmd, out), nil
		}
	}
	return "", nil
}

func toolOutput(id string, res *sandbox.CommandResult, err error) domain.ToolOutput {
	out := domain.ToolOutput{ID: id}
	if res != nil {
		out.Stdout = res.Stdout
		out.Stderr = res.Stderr
		out.ExitCode = res.ExitCode
	}
	var cmdErr *sandbox.CommandError
	if errors.As(err, &cmdErr) {
		out.ExitCode = cmdErr.ExitCode
		if out.Stderr == "" {
			out.Stderr = cmdErr.Stderr
		}
	}
	return out
}

func failureReport(cmd framework.Command, out domain.ToolOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s (exit code %d)\n", cmd.String(), out.ExitCode)
	if out.Stdout != "" {
		b.WriteString(out.Stdout)
		b.WriteString("\n")
	}
	b.WriteString(out.Stderr)
	report := b.String()
	if len(report) > maxReportLength {
		start := len(report) - maxReportLength
		for start < len(report) && !utf8.RuneStart(report[start]) {
			start++
		}
		report = report[start:]
	}
	return report
}

func normalizeFiles(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for path, content := range in {
		if parts, ok := filetree.Normalize(path, filetree.DefaultPrefixes...); ok {
			out[strings.Join(parts, "/")] = content
		}
	}
	return out
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
