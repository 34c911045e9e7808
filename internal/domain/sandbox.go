package domain

import "encoding/json"

// SandboxOperation is the payload handed to an out-of-process executor.
type SandboxOperation struct {
	RequestID  string          `json:"requestId"`
	SandboxID  string          `json:"sandboxId"`
	Kind       OperationKind   `json:"kind"`
	Path       string          `json:"path,omitempty"`
	Content    string          `json:"content,omitempty"`
	Command    string          `json:"command,omitempty"`
	Args       []string        `json:"args,omitempty"`
	Glob       string          `json:"glob,omitempty"`
	Framework  string          `json:"framework,omitempty"`
	Tree       json.RawMessage `json:"tree,omitempty"`
	DeadlineTs int64           `json:"deadlineTs,omitempty"`
}

// SandboxResponse resolves a pending sandbox operation.
type SandboxResponse struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CommandOutput is the result body of a run operation.
type CommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// FileContent is the result body of a read_file operation.
type FileContent struct {
	Content string `json:"content"`
}

// FileList is the result body of a list_files operation.
type FileList struct {
	Paths []string `json:"paths"`
}
