package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/filetree"
	"github.com/Jackson57279/zapdev-sub003/internal/framework"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

// Emitter receives generator events in order.
type Emitter func(domain.StreamEvent) error

// Request is one generation pass.
type Request struct {
	Prompt    string
	Model     string
	Framework framework.Framework
	Sandbox   sandbox.Sandbox
	// Files are the project files before this pass.
	Files map[string]string
	// FixContext carries validation output on a fix pass.
	FixContext string
	Attempt    int
}

// Result is what one pass produced.
type Result struct {
	Summary string
	// Files written during this pass, keyed by normalized path.
	Files map[string]string
	Usage *Usage
}

// Generator produces project files with a chat model.
type Generator struct {
	client       *Client
	defaultModel string
	logger       *zap.Logger
}

// NewGenerator creates a generator using client.
func NewGenerator(client *Client, defaultModel string, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, defaultModel: defaultModel, logger: logger}
}

// Generate streams one completion, writing each finished file to the sandbox
// as soon as its closing tag arrives.
func (g *Generator) Generate(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}

	a := newApplier(req, emit, g.logger)
	var p Parser
	usage, err := g.client.CreateChatCompletionStream(ctx, &ChatCompletionRequest{
		Model:    model,
		Messages: BuildMessages(req),
	}, func(chunk *StreamChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Delta == nil || choice.Delta.Content == "" {
				continue
			}
			if err := a.applyAll(ctx, p.Feed(choice.Delta.Content)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	res, err := a.finish(ctx, &p)
	if err != nil {
		return nil, err
	}
	res.Usage = usage
	g.logger.Debug("Generation pass finished",
		zap.String("sandbox_id", req.Sandbox.ID()),
		zap.Int("attempt", req.Attempt),
		zap.Int("files", len(res.Files)))
	return res, nil
}

// BuildMessages renders the system and user prompts for a pass.
func BuildMessages(req Request) []ChatMessage {
	var sys strings.Builder
	sys.WriteString("You are an expert web developer building a project inside a sandbox.\n")
	sys.WriteString("Write every file as <file path=\"relative/path\">contents</file>.\n")
	sys.WriteString("Wrap shell commands to run in <run>command args</run>.\n")
	sys.WriteString("End with a one-paragraph <summary>...</summary> of what you built.\n")
	if req.Framework.Guidance != "" {
		sys.WriteString(req.Framework.Guidance)
		sys.WriteString("\n")
	}
	if req.Framework.EntryFile != "" {
		fmt.Fprintf(&sys, "The entry file is %s.\n", req.Framework.EntryFile)
	}

	var user strings.Builder
	user.WriteString(req.Prompt)
	if len(req.Files) > 0 {
		user.WriteString("\n\nExisting files:\n")
		for _, path := range sortedKeys(req.Files) {
			fmt.Fprintf(&user, "- %s\n", path)
		}
	}
	if req.FixContext != "" {
		user.WriteString("\n\nThe previous attempt failed validation. Fix these errors and rewrite the affected files:\n")
		user.WriteString(req.FixContext)
	}

	return []ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

// applier turns parsed segments into sandbox writes, commands and events.
type applier struct {
	sb      sandbox.Sandbox
	emit    Emitter
	logger  *zap.Logger
	known   map[string]bool
	files   map[string]string
	summary string
}

func newApplier(req Request, emit Emitter, logger *zap.Logger) *applier {
	known := make(map[string]bool, len(req.Files))
	for path := range req.Files {
		if parts, ok := filetree.Normalize(path, filetree.DefaultPrefixes...); ok {
			known[strings.Join(parts, "/")] = true
		}
	}
	return &applier{
		sb:     req.Sandbox,
		emit:   emit,
		logger: logger,
		known:  known,
		files:  make(map[string]string),
	}
}

func (a *applier) applyAll(ctx context.Context, segs []Segment) error {
	for _, seg := range segs {
		if err := a.apply(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) apply(ctx context.Context, seg Segment) error {
	switch seg.Kind {
	case SegmentText:
		return a.emit(domain.TextEvent(seg.Text))
	case SegmentFile:
		return a.writeFile(ctx, seg.Path, seg.Text)
	case SegmentRun:
		return a.run(ctx, seg.Text)
	case SegmentSummary:
		a.summary = seg.Text
	}
	return nil
}

func (a *applier) writeFile(ctx context.Context, raw, content string) error {
	parts, ok := filetree.Normalize(raw, filetree.DefaultPrefixes...)
	if !ok {
		a.logger.Warn("Skipping generated file with unusable path", zap.String("path", raw))
		return a.emit(domain.StatusEvent(fmt.Sprintf("Skipped file with invalid path %q", raw)))
	}
	path := strings.Join(parts, "/")
	if err := a.sb.WriteFile(ctx, path, content); err != nil {
		return err
	}
	_, seen := a.files[path]
	a.files[path] = content
	if seen || a.known[path] {
		return a.emit(domain.FileUpdatedEvent(path))
	}
	return a.emit(domain.FileCreatedEvent(path))
}

func (a *applier) run(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	id := uuid.NewString()
	if err := a.emit(domain.ToolCallEvent(domain.ToolCall{ID: id, Name: fields[0], Args: fields[1:]})); err != nil {
		return err
	}

	res, err := a.sb.Run(ctx, fields[0], fields[1:]...)
	if err != nil && !errors.Is(err, sandbox.ErrCommandFailed) {
		return err
	}
	out := domain.ToolOutput{ID: id}
	if res != nil {
		out.Stdout = res.Stdout
		out.Stderr = res.Stderr
		out.ExitCode = res.ExitCode
	}
	return a.emit(domain.ToolOutputEvent(out))
}

func (a *applier) finish(ctx context.Context, p *Parser) (*Result, error) {
	tail, err := p.Flush()
	if err != nil {
		return nil, err
	}
	if err := a.applyAll(ctx, tail); err != nil {
		return nil, err
	}
	summary := a.summary
	if summary == "" {
		summary = fmt.Sprintf("Generated %d files", len(a.files))
	}
	return &Result{Summary: summary, Files: a.files}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
