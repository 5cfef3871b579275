package domain

import "encoding/json"

// RunStatus is the lifecycle state of a generation run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunTimeout        RunStatus = "timeout"
	RunError          RunStatus = "error"
)

// IsTerminal reports whether no further transitions can leave s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout, RunError:
		return true
	}
	return false
}

// Run is one snapshot of a generation job attached to a context.
type Run struct {
	ID        string
	ContextID string
	Status    RunStatus
	LastError string
	// ToolCalls is only populated while Status is RunRequiresAction.
	ToolCalls []ToolInvocation
}

// ToolInvocation is a tool call requested by the backend mid-run.
// Arguments is untrusted model output.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the serialized output for one invocation.
type ToolResult struct {
	InvocationID string
	Output       string
}

// ReplySource tags where the delivered text came from.
type ReplySource string

const (
	SourceGeneration ReplySource = "generation"
	SourceFallback   ReplySource = "fallback"
)
