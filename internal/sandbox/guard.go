package sandbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/policy"
)

// BlockedExitCode is reported for commands the policy refused to run.
const BlockedExitCode = 126

// CommandPolicy decides whether a command may run.
type CommandPolicy interface {
	Evaluate(ctx context.Context, in policy.CommandInput) (policy.Decision, error)
}

// Guard wraps b so every Run is checked against p first. Blocked commands
// never reach the sandbox and fail with a CommandError carrying
// BlockedExitCode.
func Guard(b Backend, p CommandPolicy, logger *zap.Logger) Backend {
	if p == nil {
		return b
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guardedBackend{Backend: b, policy: p, logger: logger}
}

type guardedBackend struct {
	Backend
	policy CommandPolicy
	logger *zap.Logger
}

func (g *guardedBackend) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	sb, err := g.Backend.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &guardedSandbox{Sandbox: sb, guard: g}, nil
}

type guardedSandbox struct {
	Sandbox
	guard *guardedBackend
}

func (s *guardedSandbox) Run(ctx context.Context, command string, args ...string) (*CommandResult, error) {
	d, err := s.guard.policy.Evaluate(ctx, policy.CommandInput{
		Command:   command,
		Args:      args,
		Backend:   string(s.Kind()),
		SandboxID: s.ID(),
	})
	if err != nil {
		return nil, opErr(domain.OperationRun, s.ID(), fmt.Errorf("%w: policy: %w", ErrOperationFailed, err))
	}
	if !d.Allowed() {
		stderr := "blocked by policy: " + strings.Join(d.Reasons, "; ")
		s.guard.logger.Warn("Command blocked by policy",
			zap.String("sandbox_id", s.ID()),
			zap.String("command", command),
			zap.Strings("reasons", d.Reasons),
		)
		res := &CommandResult{Stderr: stderr, ExitCode: BlockedExitCode}
		return checkExit(s.ID(), command, res)
	}
	return s.Sandbox.Run(ctx, command, args...)
}
