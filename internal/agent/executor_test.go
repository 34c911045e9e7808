package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/filetree"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

func TestExecutor(t *testing.T) {
	exec := NewExecutor(sandbox.NewLocalBackend(t.TempDir(), zaptest.NewLogger(t)), zaptest.NewLogger(t))
	ctx := context.Background()

	tree, _ := filetree.Project(map[string]string{"/home/user/src/index.ts": "export {}"})
	raw, err := json.Marshal(tree)
	require.NoError(t, err)

	resp := exec.Execute(ctx, domain.SandboxOperation{RequestID: "r1", SandboxID: "sb1", Kind: domain.OperationCreate, Tree: raw})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "r1", resp.RequestID)

	resp = exec.Execute(ctx, domain.SandboxOperation{RequestID: "r2", SandboxID: "sb1", Kind: domain.OperationWriteFile, Path: "src/app.ts", Content: "let a = 1"})
	require.True(t, resp.Success, resp.Error)

	resp = exec.Execute(ctx, domain.SandboxOperation{RequestID: "r3", SandboxID: "sb1", Kind: domain.OperationReadFile, Path: "src/index.ts"})
	require.True(t, resp.Success, resp.Error)
	var fc domain.FileContent
	require.NoError(t, json.Unmarshal(resp.Result, &fc))
	assert.Equal(t, "export {}", fc.Content)

	resp = exec.Execute(ctx, domain.SandboxOperation{RequestID: "r4", SandboxID: "sb1", Kind: domain.OperationListFiles, Glob: "src/*.ts"})
	require.True(t, resp.Success, resp.Error)
	var fl domain.FileList
	require.NoError(t, json.Unmarshal(resp.Result, &fl))
	assert.Equal(t, []string{"src/app.ts", "src/index.ts"}, fl.Paths)

	resp = exec.Execute(ctx, domain.SandboxOperation{RequestID: "r5", SandboxID: "sb1", Kind: domain.OperationRun, Command: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 4"}})
	require.True(t, resp.Success, resp.Error)
	var out domain.CommandOutput
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, domain.CommandOutput{Stdout: "out\n", Stderr: "err\n", ExitCode: 4}, out)
}

func TestExecutorReportsFailures(t *testing.T) {
	exec := NewExecutor(sandbox.NewLocalBackend(t.TempDir(), zaptest.NewLogger(t)), nil)
	ctx := context.Background()

	resp := exec.Execute(ctx, domain.SandboxOperation{RequestID: "r1", SandboxID: "sb1", Kind: domain.OperationReadFile, Path: "missing.ts"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	resp = exec.Execute(ctx, domain.SandboxOperation{RequestID: "r2", SandboxID: "sb1", Kind: "teleport"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unsupported operation")

	resp = exec.Execute(ctx, domain.SandboxOperation{RequestID: "r3", SandboxID: "sb1", Kind: domain.OperationCreate, Tree: json.RawMessage(`[`)})
	assert.False(t, resp.Success)
}
