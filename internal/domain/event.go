package domain

import "time"

// StreamEvent is one element of a generation run's ordered output. Type
// selects which of the optional fields are populated.
type StreamEvent struct {
	Seq     int64     `json:"seq"`
	Type    EventType `json:"type"`
	Ts      int64     `json:"ts"`
	Message string    `json:"message,omitempty"`
	Delta   string    `json:"delta,omitempty"`
	Path    string    `json:"path,omitempty"`
	Summary string    `json:"summary,omitempty"`

	Files      map[string]string `json:"files,omitempty"`
	ToolCall   *ToolCall         `json:"toolCall,omitempty"`
	ToolOutput *ToolOutput       `json:"toolOutput,omitempty"`
	Progress   *Progress         `json:"progress,omitempty"`
}

// ToolCall describes an action the generator or the bridge asked a sandbox
// to perform. Operation is set when the call is a sandbox operation that a
// browser agent must execute and report through the result endpoint.
type ToolCall struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Args      []string          `json:"args,omitempty"`
	Operation *SandboxOperation `json:"operation,omitempty"`
}

// ToolOutput is the observed result of a ToolCall.
type ToolOutput struct {
	ID       string `json:"id"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// Progress reports a pipeline stage transition.
type Progress struct {
	Stage   Stage `json:"stage"`
	Attempt int   `json:"attempt,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

func newEvent(t EventType) StreamEvent {
	return StreamEvent{Type: t, Ts: time.Now().UnixMilli()}
}

// StatusEvent creates a status event.
func StatusEvent(message string) StreamEvent {
	ev := newEvent(EventTypeStatus)
	ev.Message = message
	return ev
}

// TextEvent creates a partial text event.
func TextEvent(delta string) StreamEvent {
	ev := newEvent(EventTypeText)
	ev.Delta = delta
	return ev
}

// ToolCallEvent creates a tool-call event.
func ToolCallEvent(call ToolCall) StreamEvent {
	ev := newEvent(EventTypeToolCall)
	ev.ToolCall = &call
	return ev
}

// ToolOutputEvent creates a tool-output event.
func ToolOutputEvent(out ToolOutput) StreamEvent {
	ev := newEvent(EventTypeToolOutput)
	ev.ToolOutput = &out
	return ev
}

// FileCreatedEvent creates a file-created event.
func FileCreatedEvent(path string) StreamEvent {
	ev := newEvent(EventTypeFileCreated)
	ev.Path = path
	return ev
}

// FileUpdatedEvent creates a file-updated event.
func FileUpdatedEvent(path string) StreamEvent {
	ev := newEvent(EventTypeFileUpdated)
	ev.Path = path
	return ev
}

// FilesEvent creates a files snapshot event.
func FilesEvent(files map[string]string) StreamEvent {
	ev := newEvent(EventTypeFiles)
	ev.Files = files
	return ev
}

// ProgressEvent creates a progress event for a stage transition.
func ProgressEvent(stage Stage, attempt int) StreamEvent {
	ev := newEvent(EventTypeProgress)
	ev.Progress = &Progress{Stage: stage, Attempt: attempt}
	return ev
}

// ErrorEvent creates a terminal error event.
func ErrorEvent(message string) StreamEvent {
	ev := newEvent(EventTypeError)
	ev.Message = message
	return ev
}

// CompleteEvent creates a terminal complete event.
func CompleteEvent(summary string, files map[string]string) StreamEvent {
	ev := newEvent(EventTypeComplete)
	ev.Summary = summary
	ev.Files = files
	return ev
}
