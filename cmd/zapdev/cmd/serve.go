package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jackson57279/zapdev-sub003/internal/bridge"
	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/hub"
	"github.com/Jackson57279/zapdev-sub003/internal/llm"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/pipeline"
	"github.com/Jackson57279/zapdev-sub003/internal/policy"
	"github.com/Jackson57279/zapdev-sub003/internal/runqueue"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
	"github.com/Jackson57279/zapdev-sub003/internal/service"
	"github.com/Jackson57279/zapdev-sub003/internal/store"
	transporthttp "github.com/Jackson57279/zapdev-sub003/internal/transport/http"
	"github.com/Jackson57279/zapdev-sub003/internal/transport/rpc"
	"github.com/Jackson57279/zapdev-sub003/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting zapdev",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("rpc_port", cfg.Server.RPCPort),
		zap.String("database", cfg.Database.DSN),
		zap.String("default_backend", string(cfg.Sandbox.DefaultBackend)),
		zap.String("generation_mode", cfg.Generation.Mode),
	)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	br := bridge.New(
		bridge.WithDefaultTimeout(cfg.Sandbox.OperationTimeout),
		bridge.WithLogger(logger),
		bridge.WithMetrics(m),
	)
	connectionHub := hub.New(logger, m)

	engine, err := policy.NewEngineFromFile(ctx, cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}
	sandboxes, err := newSandboxRegistry(cfg, br, connectionHub, engine, m, logger)
	if err != nil {
		return err
	}

	p := pipeline.New(sandboxes, newGenerator(cfg, logger), pipeline.PersisterFunc(db.CreateFragment),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithDefaultFramework(cfg.Generation.Framework),
	)
	queue := runqueue.New(db, runqueue.WithLogger(logger), runqueue.WithMetrics(m))
	svc := service.New(db, br, connectionHub, queue, p, cfg, logger)

	wsServer := ws.NewServer(cfg.Server, connectionHub, svc, logger)
	e := transporthttp.NewServer(cfg, svc, wsServer, reg, logger)

	var rpcServer *rpc.Server
	if cfg.Server.RPCPort > 0 {
		if rpcServer, err = rpc.NewServer(svc, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		connectionHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.RunClaimExpiryMonitor(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if rpcServer != nil {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.RPCPort)
			logger.Info("RPC server listening", zap.String("addr", addr))
			return rpcServer.Start(addr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down zapdev...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shutdown RPC server gracefully", zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Zapdev stopped")
	return err
}

// newSandboxRegistry builds every configured backend. Commands in all of
// them pass through the policy engine.
func newSandboxRegistry(cfg *config.Config, br *bridge.Bridge, push sandbox.Dispatcher, engine *policy.Engine, m *metrics.Metrics, logger *zap.Logger) (*sandbox.Registry, error) {
	backends := []sandbox.Backend{
		sandbox.Guard(sandbox.NewBrowserBackend(br,
			sandbox.WithDispatcher(push),
			sandbox.WithOperationTimeout(cfg.Sandbox.OperationTimeout),
			sandbox.WithBrowserLogger(logger),
			sandbox.WithBrowserMetrics(m),
		), engine, logger),
	}
	if cfg.Sandbox.LocalRoot != "" {
		if err := os.MkdirAll(cfg.Sandbox.LocalRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create local sandbox root: %w", err)
		}
		backends = append(backends, sandbox.Guard(sandbox.NewLocalBackend(cfg.Sandbox.LocalRoot, logger), engine, logger))
	}
	if cfg.Sandbox.RemoteURL != "" {
		remote := sandbox.NewRemoteBackend(sandbox.RemoteConfig{
			BaseURL: cfg.Sandbox.RemoteURL,
			APIKey:  cfg.Sandbox.RemoteAPIKey,
			RPS:     cfg.Sandbox.RemoteRPS,
			Burst:   cfg.Sandbox.RemoteBurst,
			Retries: cfg.Sandbox.RemoteRetries,
			Timeout: cfg.Sandbox.OperationTimeout,
		}, sandbox.WithRemoteLogger(logger), sandbox.WithRemoteMetrics(m))
		backends = append(backends, sandbox.Guard(remote, engine, logger))
	}
	return sandbox.NewRegistry(cfg.Sandbox.DefaultBackend, backends...), nil
}

func newGenerator(cfg *config.Config, logger *zap.Logger) pipeline.Generator {
	if cfg.Generation.Mode == "mock" {
		return llm.NewMockGenerator(llm.WithMockLogger(logger))
	}
	client := llm.NewClient(cfg.Generation.LLMURL, cfg.Generation.LLMAPIKey, cfg.Generation.Timeout)
	return llm.NewGenerator(client, cfg.Generation.DefaultModel, logger)
}
