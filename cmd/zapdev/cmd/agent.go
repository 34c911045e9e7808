package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/agent"
	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/policy"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
	"github.com/Jackson57279/zapdev-sub003/internal/transport/rpc"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Execute sandbox operations and queued runs on this machine",
	Long: `agent binds to a sandbox id over the server's websocket and executes the
operations pushed to it in a local directory, standing in for a browser tab.

With --project and --rpc it also claims that project's queued runs and
drives each one through the server's generate endpoint.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("server", "http://localhost:8080", "server base URL")
	agentCmd.Flags().String("rpc", "", "server RPC address for the run queue (host:port)")
	agentCmd.Flags().String("api-key", "", "websocket api key")
	agentCmd.Flags().String("sandbox-id", "", "sandbox id to bind (random if empty)")
	agentCmd.Flags().String("project", "", "claim queued runs for this project")
	agentCmd.Flags().String("root", "", "directory sandboxes live in (config localRoot if empty)")
	agentCmd.Flags().Duration("poll", 2*time.Second, "run queue poll interval")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	server, _ := cmd.Flags().GetString("server")
	rpcAddr, _ := cmd.Flags().GetString("rpc")
	apiKey, _ := cmd.Flags().GetString("api-key")
	sandboxID, _ := cmd.Flags().GetString("sandbox-id")
	project, _ := cmd.Flags().GetString("project")
	root, _ := cmd.Flags().GetString("root")
	poll, _ := cmd.Flags().GetDuration("poll")
	if sandboxID == "" {
		sandboxID = "agent-" + uuid.NewString()[:8]
	}
	if root == "" {
		root = cfg.Sandbox.LocalRoot
	}
	if apiKey == "" {
		apiKey = cfg.Server.APIKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := policy.NewEngineFromFile(ctx, cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	exec := agent.NewExecutor(sandbox.Guard(sandbox.NewLocalBackend(root, logger), engine, logger), logger)

	client, err := agent.Dial(ctx, websocketURL(server), exec, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	pending, err := client.Hello(apiKey, sandboxID)
	if err != nil {
		return err
	}
	logger.Info("Agent bound", zap.String("sandbox_id", sandboxID), zap.String("root", root), zap.Int("pending", pending))

	served := make(chan error, 1)
	go func() { served <- client.Serve(ctx) }()

	if project != "" && rpcAddr != "" {
		runs, err := rpc.Dial(rpcAddr)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer runs.Close()
		w := &runWorker{
			runs:      runs,
			server:    server,
			project:   project,
			sandboxID: sandboxID,
			poll:      poll,
			logger:    logger,
		}
		go w.loop(ctx)
	}

	err = <-served
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// websocketURL maps the server's HTTP base URL to its websocket endpoint.
func websocketURL(server string) string {
	u := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// runWorker claims a project's queued runs one at a time and executes each
// as a browser-backed generation bound to this agent's sandbox.
type runWorker struct {
	runs      *rpc.Client
	server    string
	project   string
	sandboxID string
	poll      time.Duration
	logger    *zap.Logger
}

// runResult is stored as a completed run's result.
type runResult struct {
	GenerationID string   `json:"generationId"`
	Summary      string   `json:"summary"`
	Files        []string `json:"files"`
}

func (w *runWorker) loop(ctx context.Context) {
	executorID := "agent:" + w.sandboxID
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		pending, err := w.runs.ListPending(w.project)
		if err != nil {
			w.logger.Warn("Failed to list pending runs", zap.Error(err))
		}
		for _, run := range pending {
			claim, err := w.runs.Claim(run.ID, executorID)
			if err != nil {
				w.logger.Warn("Failed to claim run", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			if !claim.Claimed {
				continue
			}
			w.execute(ctx, run)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *runWorker) execute(ctx context.Context, run domain.RunRecord) {
	logger := w.logger.With(zap.String("run_id", run.ID))
	logger.Info("Executing run")

	req := domain.GenerateRequest{
		ProjectID: run.ProjectID,
		Value:     run.Value,
		Framework: run.Framework,
		Model:     run.Model,
		BaseFiles: run.BaseFiles,
		SandboxID: w.sandboxID,
		Backend:   domain.BackendBrowser,
		RunID:     run.ID,
	}
	genID, last, err := streamGeneration(ctx, newHTTPClient(w.server), req, nil)
	if err == nil && last.Type == domain.EventTypeError {
		err = errors.New(last.Message)
	}
	if err != nil {
		if _, ferr := w.runs.Fail(run.ID, err.Error()); ferr != nil {
			logger.Warn("Failed to record run failure", zap.Error(ferr))
		}
		logger.Warn("Run failed", zap.Error(err))
		return
	}

	res := runResult{GenerationID: genID, Summary: last.Summary, Files: make([]string, 0, len(last.Files))}
	for p := range last.Files {
		res.Files = append(res.Files, p)
	}
	sort.Strings(res.Files)
	data, _ := json.Marshal(res)
	if _, err := w.runs.Complete(run.ID, data); err != nil {
		logger.Warn("Failed to record run result", zap.Error(err))
		return
	}
	logger.Info("Run completed", zap.String("generation_id", genID), zap.Int("files", len(res.Files)))
}
