// Package agent executes delivered sandbox operations the way a browser tab
// does, against a local sandbox backend. The agent command and the tests use
// it to stand in for the browser.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/filetree"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

// Executor runs operations and builds the responses that resolve them.
type Executor struct {
	backend sandbox.Backend
	logger  *zap.Logger

	mu        sync.Mutex
	sandboxes map[string]sandbox.Sandbox
}

// NewExecutor creates an executor over backend.
func NewExecutor(backend sandbox.Backend, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		backend:   backend,
		logger:    logger,
		sandboxes: make(map[string]sandbox.Sandbox),
	}
}

// Execute performs op. Failures are reported in the response, never as an
// error, because the server waits for a response either way.
func (e *Executor) Execute(ctx context.Context, op domain.SandboxOperation) domain.SandboxResponse {
	result, err := e.execute(ctx, op)
	resp := domain.SandboxResponse{RequestID: op.RequestID, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
		e.logger.Debug("Operation failed",
			zap.String("sandbox_id", op.SandboxID),
			zap.String("kind", string(op.Kind)),
			zap.Error(err))
		return resp
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return domain.SandboxResponse{RequestID: op.RequestID, Error: err.Error()}
		}
		resp.Result = data
	}
	return resp
}

func (e *Executor) execute(ctx context.Context, op domain.SandboxOperation) (any, error) {
	if op.Kind == domain.OperationCreate {
		return nil, e.create(ctx, op)
	}
	sb, err := e.sandbox(ctx, op.SandboxID)
	if err != nil {
		return nil, err
	}

	switch op.Kind {
	case domain.OperationWriteFile:
		return nil, sb.WriteFile(ctx, op.Path, op.Content)
	case domain.OperationReadFile:
		content, err := sb.ReadFile(ctx, op.Path)
		if err != nil {
			return nil, err
		}
		return domain.FileContent{Content: content}, nil
	case domain.OperationRun:
		res, err := sb.Run(ctx, op.Command, op.Args...)
		// A non-zero exit is a successful operation; the server decides
		// what the exit code means.
		if err != nil && !errors.Is(err, sandbox.ErrCommandFailed) {
			return nil, err
		}
		if res == nil {
			res = &sandbox.CommandResult{ExitCode: -1}
		}
		return domain.CommandOutput{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
	case domain.OperationListFiles:
		paths, err := sb.ListFiles(ctx, op.Glob)
		if err != nil {
			return nil, err
		}
		if paths == nil {
			paths = []string{}
		}
		return domain.FileList{Paths: paths}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", op.Kind)
	}
}

func (e *Executor) create(ctx context.Context, op domain.SandboxOperation) error {
	var tree filetree.Tree
	if len(op.Tree) > 0 {
		if err := json.Unmarshal(op.Tree, &tree); err != nil {
			return fmt.Errorf("malformed file tree: %w", err)
		}
	}
	sb, err := e.backend.Create(ctx, sandbox.CreateOptions{
		SandboxID: op.SandboxID,
		Framework: op.Framework,
		BaseFiles: filetree.Flatten(tree),
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sandboxes[op.SandboxID] = sb
	e.mu.Unlock()
	e.logger.Info("Sandbox mounted", zap.String("sandbox_id", op.SandboxID), zap.String("framework", op.Framework))
	return nil
}

// sandbox returns the handle for id, reopening it if this executor has not
// seen a create for it.
func (e *Executor) sandbox(ctx context.Context, id string) (sandbox.Sandbox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sb, ok := e.sandboxes[id]; ok {
		return sb, nil
	}
	sb, err := e.backend.Create(ctx, sandbox.CreateOptions{SandboxID: id})
	if err != nil {
		return nil, err
	}
	e.sandboxes[id] = sb
	return sb, nil
}
