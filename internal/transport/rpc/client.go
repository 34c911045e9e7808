package rpc

import (
	"encoding/json"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

// Client calls the RPC server. Errors come back as plain strings, so callers
// match on the returned record rather than on error identity.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the RPC server at addr.
func Dial(addr string) (*Client, error) {
	c, err := jsonrpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: c}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) call(method string, args, reply any) error {
	return c.rpc.Call(ServiceName+"."+method, args, reply)
}

// SubmitSandboxResult reports an operation result.
func (c *Client) SubmitSandboxResult(sandboxID string, resp domain.SandboxResponse) error {
	var ack AckResponse
	return c.call("SubmitSandboxResult", &domain.SandboxResultRequest{SandboxID: sandboxID, Response: &resp}, &ack)
}

// EnqueueRun queues a run.
func (c *Client) EnqueueRun(req domain.EnqueueRunRequest) (*domain.RunRecord, error) {
	var run domain.RunRecord
	if err := c.call("EnqueueRun", &req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListPending lists a project's pending runs.
func (c *Client) ListPending(projectID string) ([]domain.RunRecord, error) {
	var resp ListPendingResponse
	if err := c.call("ListPending", &ListPendingArgs{ProjectID: projectID}, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Claim attempts to claim a run.
func (c *Client) Claim(runID, executorID string) (domain.ClaimRunResponse, error) {
	var resp domain.ClaimRunResponse
	err := c.call("Claim", &ClaimArgs{RunID: runID, ExecutorID: executorID}, &resp)
	return resp, err
}

// Complete records a run's result.
func (c *Client) Complete(runID string, result json.RawMessage) (*domain.RunRecord, error) {
	var run domain.RunRecord
	if err := c.call("Complete", &CompleteArgs{RunID: runID, Request: domain.CompleteRunRequest{Result: result}}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Fail records a run's failure.
func (c *Client) Fail(runID, message string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	if err := c.call("Fail", &FailArgs{RunID: runID, Request: domain.FailRunRequest{Error: message}}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelGeneration asks the server to stop a generation.
func (c *Client) CancelGeneration(generationID string) (bool, error) {
	var ack AckResponse
	err := c.call("CancelGeneration", &CancelArgs{GenerationID: generationID}, &ack)
	return ack.OK, err
}
