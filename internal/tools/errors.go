package tools

import (
	"errors"
	"fmt"
)

// ErrIncompleteBatch is returned when a batch could not produce exactly one
// result per distinct invocation id.
var ErrIncompleteBatch = errors.New("tools: incomplete result batch")

// ErrToolUnavailable is reported when a call targets a name absent from the registry.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// errorPayload is the structured result submitted in place of a tool output
// when the call cannot be satisfied.
type errorPayload struct {
	Error   string `json:"error"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	codeUnrecognizedTool = "unrecognized_tool"
	codeInvalidArguments = "invalid_arguments"
	codeToolFailed       = "tool_failed"
)
