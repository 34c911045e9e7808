// Package rpc exposes the sandbox bridge and run queue to internal clients
// over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/service"
)

// ServiceName is the name the handler is registered under.
const ServiceName = "Zapdev"

// Server exposes internal RPC endpoints for agents and other internal clients.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *zap.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the service.
func NewServer(svc *service.Service, logger *zap.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("RPC accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	service *service.Service
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// ListPendingArgs names the project whose pending runs are listed.
type ListPendingArgs struct {
	ProjectID string `json:"project_id"`
}

// ListPendingResponse carries the pending runs.
type ListPendingResponse struct {
	Runs []domain.RunRecord `json:"runs"`
}

// ClaimArgs identifies a claim attempt.
type ClaimArgs struct {
	RunID      string `json:"run_id"`
	ExecutorID string `json:"executor_id"`
}

// CompleteArgs carries an executor's result.
type CompleteArgs struct {
	RunID   string                    `json:"run_id"`
	Request domain.CompleteRunRequest `json:"request"`
}

// FailArgs carries an executor's failure.
type FailArgs struct {
	RunID   string                `json:"run_id"`
	Request domain.FailRunRequest `json:"request"`
}

// CancelArgs identifies a generation to cancel.
type CancelArgs struct {
	GenerationID string `json:"generation_id"`
}

// SubmitSandboxResult resolves a pending sandbox operation.
func (h *Handler) SubmitSandboxResult(req *domain.SandboxResultRequest, resp *AckResponse) error {
	if req == nil {
		return errors.New("sandbox result request is required")
	}
	if err := h.service.SubmitSandboxResult(context.Background(), *req); err != nil {
		return err
	}
	if resp != nil {
		resp.OK = true
	}
	return nil
}

// EnqueueRun queues a run.
func (h *Handler) EnqueueRun(req *domain.EnqueueRunRequest, resp *domain.RunRecord) error {
	if req == nil {
		return errors.New("enqueue request is required")
	}
	run, err := h.service.EnqueueRun(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// ListPending lists a project's pending runs.
func (h *Handler) ListPending(req *ListPendingArgs, resp *ListPendingResponse) error {
	if req == nil || req.ProjectID == "" {
		return errors.New("project_id is required")
	}
	runs, err := h.service.ListPendingRuns(context.Background(), req.ProjectID)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Runs = runs
	}
	return nil
}

// Claim claims a pending run.
func (h *Handler) Claim(req *ClaimArgs, resp *domain.ClaimRunResponse) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	if req.ExecutorID == "" {
		return errors.New("executor_id is required")
	}
	res, err := h.service.ClaimRun(context.Background(), req.RunID, req.ExecutorID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = res
	}
	return nil
}

// Complete records a claimed run's result.
func (h *Handler) Complete(req *CompleteArgs, resp *domain.RunRecord) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	run, err := h.service.CompleteRun(context.Background(), req.RunID, req.Request.Result)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// Fail records a claimed run's failure.
func (h *Handler) Fail(req *FailArgs, resp *domain.RunRecord) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	run, err := h.service.FailRun(context.Background(), req.RunID, req.Request.Error)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// CancelGeneration stops a running generation. OK is false when it was not
// running.
func (h *Handler) CancelGeneration(req *CancelArgs, resp *AckResponse) error {
	if req == nil || req.GenerationID == "" {
		return errors.New("generation_id is required")
	}
	ok := h.service.CancelGeneration(req.GenerationID)
	if resp != nil {
		resp.OK = ok
	}
	return nil
}
