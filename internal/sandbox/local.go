package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/filetree"
)

// skippedDirs are not listed by ListFiles.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
}

// LocalBackend keeps each sandbox in a directory under root and runs
// commands as child processes. It offers no isolation and is meant for
// development.
type LocalBackend struct {
	root   string
	logger *zap.Logger
}

// NewLocalBackend creates a backend rooted at root.
func NewLocalBackend(root string, logger *zap.Logger) *LocalBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBackend{root: root, logger: logger}
}

// Kind implements Backend.
func (b *LocalBackend) Kind() domain.BackendKind { return domain.BackendLocal }

// Create creates or reopens the sandbox directory and writes the base files.
func (b *LocalBackend) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	id := opts.SandboxID
	if id == "" {
		id = "local-" + uuid.NewString()[:8]
	}
	if !ValidID(id) {
		return nil, opErr(domain.OperationCreate, id, fmt.Errorf("%w: invalid sandbox id", ErrOperationFailed))
	}

	dir := filepath.Join(b.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, opErr(domain.OperationCreate, id, fmt.Errorf("%w: %w", ErrOperationFailed, err))
	}
	b.logger.Debug("Local sandbox ready", zap.String("sandbox_id", id), zap.String("dir", dir))

	sb := &localSandbox{id: id, dir: dir}
	if err := writeAll(ctx, sb, opts.BaseFiles); err != nil {
		return nil, err
	}
	return sb, nil
}

type localSandbox struct {
	id  string
	dir string
}

func (s *localSandbox) ID() string               { return s.id }
func (s *localSandbox) Kind() domain.BackendKind { return domain.BackendLocal }

// resolve confines p to the sandbox directory.
func (s *localSandbox) resolve(op domain.OperationKind, p string) (string, error) {
	parts, ok := filetree.Normalize(p, filetree.DefaultPrefixes...)
	if !ok {
		return "", opErr(op, s.id, fmt.Errorf("%w: invalid path %q", ErrOperationFailed, p))
	}
	return filepath.Join(append([]string{s.dir}, parts...)...), nil
}

func (s *localSandbox) WriteFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return opErr(domain.OperationWriteFile, s.id, err)
	}
	full, err := s.resolve(domain.OperationWriteFile, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return opErr(domain.OperationWriteFile, s.id, fmt.Errorf("%w: %w", ErrOperationFailed, err))
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return opErr(domain.OperationWriteFile, s.id, fmt.Errorf("%w: %w", ErrOperationFailed, err))
	}
	return nil
}

func (s *localSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", opErr(domain.OperationReadFile, s.id, err)
	}
	full, err := s.resolve(domain.OperationReadFile, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", opErr(domain.OperationReadFile, s.id, fmt.Errorf("%w: %w", ErrOperationFailed, err))
	}
	return string(data), nil
}

func (s *localSandbox) Run(ctx context.Context, command string, args ...string) (*CommandResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = s.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, opErr(domain.OperationRun, s.id, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, opErr(domain.OperationRun, s.id, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		res.ExitCode = 127
		res.Stderr = err.Error()
	default:
		return nil, opErr(domain.OperationRun, s.id, fmt.Errorf("%w: %w", ErrOperationFailed, err))
	}
	return checkExit(s.id, command, res)
}

// ListFiles returns sandbox-relative slash paths of regular files, sorted,
// filtered by a doublestar glob when one is given.
func (s *localSandbox) ListFiles(ctx context.Context, glob string) ([]string, error) {
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return nil, opErr(domain.OperationListFiles, s.id, fmt.Errorf("%w: invalid glob %q", ErrOperationFailed, glob))
	}

	var mu sync.Mutex
	var paths []string
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != s.dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if glob != "" {
			if ok, _ := doublestar.Match(glob, rel); !ok {
				return nil
			}
		}
		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, opErr(domain.OperationListFiles, s.id, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Close leaves the directory in place so the sandbox can be reopened.
func (s *localSandbox) Close(context.Context) error { return nil }
