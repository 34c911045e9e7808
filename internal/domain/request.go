package domain

import "encoding/json"

// GenerateRequest starts a streaming generation run.
type GenerateRequest struct {
	ProjectID string            `json:"projectId"`
	Value     string            `json:"value"`
	Prompt    string            `json:"prompt,omitempty"`
	Model     string            `json:"model,omitempty"`
	Framework string            `json:"framework,omitempty"`
	SandboxID string            `json:"sandboxId,omitempty"`
	Backend   BackendKind       `json:"backend,omitempty"`
	RunID     string            `json:"runId,omitempty"`
	BaseFiles map[string]string `json:"baseFiles,omitempty"`
}

// PromptText returns the prompt, accepting either field name.
func (r GenerateRequest) PromptText() string {
	if r.Value != "" {
		return r.Value
	}
	return r.Prompt
}

// SandboxResultRequest carries a browser-reported operation result.
type SandboxResultRequest struct {
	SandboxID string           `json:"sandboxId"`
	Response  *SandboxResponse `json:"response"`
}

// EnqueueRunRequest queues a run for a browser executor.
type EnqueueRunRequest struct {
	ProjectID string            `json:"projectId"`
	Value     string            `json:"value"`
	BaseFiles map[string]string `json:"baseFiles,omitempty"`
	Framework string            `json:"framework,omitempty"`
	Model     string            `json:"model,omitempty"`
	SandboxID string            `json:"sandboxId,omitempty"`
}

// ClaimRunRequest identifies the executor claiming a run.
type ClaimRunRequest struct {
	ExecutorID string `json:"executorId"`
}

// ClaimRunResponse reports the claim outcome. Claimed is false when another
// executor won the race.
type ClaimRunResponse struct {
	Claimed bool       `json:"claimed"`
	Run     *RunRecord `json:"run"`
}

// CompleteRunRequest carries the executor's result.
type CompleteRunRequest struct {
	Result json.RawMessage `json:"result"`
}

// FailRunRequest carries the executor's failure message.
type FailRunRequest struct {
	Error string `json:"error"`
}
