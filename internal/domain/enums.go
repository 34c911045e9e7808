// Package domain defines the core domain models shared by the bridge, the
// generation pipeline and the run queue.
package domain

// RunStatus represents the status of a queued run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusClaimed   RunStatus = "claimed"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// EventType represents the type of a stream event.
type EventType string

const (
	EventTypeStatus      EventType = "status"
	EventTypeText        EventType = "text"
	EventTypeToolCall    EventType = "tool-call"
	EventTypeToolOutput  EventType = "tool-output"
	EventTypeFileCreated EventType = "file-created"
	EventTypeFileUpdated EventType = "file-updated"
	EventTypeFiles       EventType = "files"
	EventTypeProgress    EventType = "progress"
	EventTypeError       EventType = "error"
	EventTypeComplete    EventType = "complete"
)

// IsTerminal reports whether the event type ends a stream.
func (t EventType) IsTerminal() bool {
	return t == EventTypeComplete || t == EventTypeError
}

// OperationKind identifies a sandbox operation executed out of process.
type OperationKind string

const (
	OperationCreate    OperationKind = "create"
	OperationWriteFile OperationKind = "write_file"
	OperationReadFile  OperationKind = "read_file"
	OperationRun       OperationKind = "run"
	OperationListFiles OperationKind = "list_files"
)

// BackendKind names a sandbox execution backend.
type BackendKind string

const (
	BackendBrowser BackendKind = "browser"
	BackendRemote  BackendKind = "remote"
	BackendLocal   BackendKind = "local"
)

// Stage is a generation pipeline state.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageSandboxReady Stage = "sandbox_ready"
	StageGenerating   Stage = "generating"
	StageValidating   Stage = "validating"
	StageFixing       Stage = "fixing"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)
