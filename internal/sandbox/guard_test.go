package sandbox

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/policy"
)

func TestGuardBlocksDeniedCommands(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	b := Guard(NewLocalBackend(t.TempDir(), nil), engine, zaptest.NewLogger(t))
	sb, err := b.Create(ctx, CreateOptions{SandboxID: "guarded"})
	require.NoError(t, err)

	res, err := sb.Run(ctx, "sudo", "rm", "-rf", "/")
	assert.ErrorIs(t, err, ErrCommandFailed)
	require.NotNil(t, res)
	assert.Equal(t, BlockedExitCode, res.ExitCode)
	assert.Contains(t, res.Stderr, "blocked by policy")

	res, err = sb.Run(ctx, "echo", "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
}

func TestGuardWithoutPolicy(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), nil)
	assert.Same(t, b, Guard(b, nil, nil))
}
