package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

func TestLocalFiles(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBackend(root, zaptest.NewLogger(t))
	ctx := context.Background()

	sb, err := b.Create(ctx, CreateOptions{
		SandboxID: "proj1",
		BaseFiles: map[string]string{"/home/user/package.json": "{}"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BackendLocal, sb.Kind())

	data, err := os.ReadFile(filepath.Join(root, "proj1", "package.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	require.NoError(t, sb.WriteFile(ctx, "app/page.tsx", "page"))
	require.NoError(t, sb.WriteFile(ctx, "node_modules/x/index.js", "dep"))
	content, err := sb.ReadFile(ctx, "/home/user/app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "page", content)

	all, err := sb.ListFiles(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/page.tsx", "package.json"}, all)

	tsx, err := sb.ListFiles(ctx, "**/*.tsx")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/page.tsx"}, tsx)

	_, err = sb.ListFiles(ctx, "[")
	assert.ErrorIs(t, err, ErrOperationFailed)
}

func TestLocalRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBackend(root, nil)
	ctx := context.Background()

	_, err := b.Create(ctx, CreateOptions{SandboxID: "../evil"})
	assert.ErrorIs(t, err, ErrOperationFailed)

	sb, err := b.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	assert.Contains(t, sb.ID(), "local-")

	err = sb.WriteFile(ctx, "../outside.txt", "x")
	assert.ErrorIs(t, err, ErrOperationFailed)
	_, statErr := os.Stat(filepath.Join(root, "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = sb.ReadFile(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrOperationFailed)
}

func TestLocalRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	b := NewLocalBackend(t.TempDir(), nil)
	ctx := context.Background()
	sb, err := b.Create(ctx, CreateOptions{SandboxID: "run1", BaseFiles: map[string]string{"hello.txt": "hi"}})
	require.NoError(t, err)

	res, err := sb.Run(ctx, "cat", "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Stdout)

	res, err = sb.Run(ctx, "sh", "-c", "echo bad >&2; exit 3")
	assert.ErrorIs(t, err, ErrCommandFailed)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "bad\n", res.Stderr)

	res, err = sb.Run(ctx, "zapdev-no-such-binary")
	assert.ErrorIs(t, err, ErrCommandFailed)
	require.NotNil(t, res)
	assert.Equal(t, 127, res.ExitCode)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sb.Run(short, "sleep", "5")
	assert.ErrorIs(t, err, ErrTimeout)
}
