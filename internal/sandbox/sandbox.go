// Package sandbox abstracts the isolated environments generated code is
// written to and validated in. A Backend creates sandboxes; a Sandbox exposes
// the filesystem and process operations the generation pipeline needs.
//
// Three backends exist: a browser-embedded runtime reached through the
// correlation bridge, a remote VM service reached over HTTP, and a local
// directory used for development.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

var (
	// ErrUnreachable means the sandbox could not be contacted.
	ErrUnreachable = errors.New("sandbox unreachable")
	// ErrTimeout means the operation did not finish within its deadline.
	ErrTimeout = errors.New("sandbox operation timed out")
	// ErrCommandFailed means a command ran and exited non-zero.
	ErrCommandFailed = errors.New("command failed")
	// ErrOperationFailed means the sandbox reported an operation failure.
	ErrOperationFailed = errors.New("sandbox operation failed")
	// ErrNoConnection is returned by a Dispatcher that has no live executor
	// for the sandbox. The operation stays pending and can still be pulled.
	ErrNoConnection = errors.New("no executor connected")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id is usable as a sandbox, project or request id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// CommandError describes a command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// Is makes errors.Is(err, ErrCommandFailed) hold for every CommandError.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// OpError records the operation and sandbox an error came from.
type OpError struct {
	Op        domain.OperationKind
	SandboxID string
	Err       error
}

func (e *OpError) Error() string {
	if e.SandboxID == "" {
		return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sandbox %s %s: %v", e.SandboxID, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op domain.OperationKind, id string, err error) error {
	return &OpError{Op: op, SandboxID: id, Err: err}
}

// CommandResult is the captured output of a command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output is the combined stdout and stderr.
func (r *CommandResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// checkExit turns a non-zero exit into a CommandError while still returning
// the captured output.
func checkExit(id, command string, res *CommandResult) (*CommandResult, error) {
	if res.ExitCode == 0 {
		return res, nil
	}
	return res, opErr(domain.OperationRun, id, &CommandError{
		Command:  command,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	})
}

// Sandbox is one isolated environment. Paths are relative to the sandbox
// home directory; absolute paths under a known home prefix are accepted.
type Sandbox interface {
	ID() string
	Kind() domain.BackendKind
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	// Run executes a command. A non-zero exit returns both the result and a
	// *CommandError.
	Run(ctx context.Context, command string, args ...string) (*CommandResult, error)
	ListFiles(ctx context.Context, glob string) ([]string, error)
	// Close releases resources held by this handle. It does not destroy the
	// sandbox and does not affect other handles on the same sandbox.
	Close(ctx context.Context) error
}

// CreateOptions configures Backend.Create.
type CreateOptions struct {
	// SandboxID reconnects to an existing sandbox. Required by the browser
	// backend; generated by the others when empty.
	SandboxID string
	Framework string
	// BaseFiles are written before the sandbox is returned.
	BaseFiles map[string]string
	// Channel delivers operations to an out-of-process executor. Only the
	// browser backend uses it.
	Channel Dispatcher
}

// Backend creates sandboxes of one kind.
type Backend interface {
	Kind() domain.BackendKind
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
}

// Dispatcher pushes an operation to whoever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, op domain.SandboxOperation) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, op domain.SandboxOperation) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, op domain.SandboxOperation) error {
	return f(ctx, op)
}

// FirstAvailable tries each dispatcher in order and stops at the first that
// does not report ErrNoConnection.
func FirstAvailable(ds ...Dispatcher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, op domain.SandboxOperation) error {
		for _, d := range ds {
			if d == nil {
				continue
			}
			err := d.Dispatch(ctx, op)
			if !errors.Is(err, ErrNoConnection) {
				return err
			}
		}
		return ErrNoConnection
	})
}

// Registry maps backend kinds to backends.
type Registry struct {
	backends map[domain.BackendKind]Backend
	fallback domain.BackendKind
}

// NewRegistry creates a registry whose Get falls back to the given kind.
func NewRegistry(fallback domain.BackendKind, backends ...Backend) *Registry {
	r := &Registry{backends: make(map[domain.BackendKind]Backend), fallback: fallback}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

// Get returns the backend for kind, or the fallback when kind is empty.
func (r *Registry) Get(kind domain.BackendKind) (Backend, error) {
	if kind == "" {
		kind = r.fallback
	}
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("sandbox backend %q not configured", kind)
	}
	return b, nil
}
