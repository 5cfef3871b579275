package domain

import "time"

// ContextBinding maps a user to the backend conversation context (thread).
type ContextBinding struct {
	UserKey   string
	ContextID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TurnResult summarizes one handled user turn.
type TurnResult struct {
	Reply            string
	Source           ReplySource
	UserKey          string
	ContextID        string
	RunID            string
	Status           RunStatus
	FallbackCategory string
	ToolCalls        int
	DeliveryID       string
	Duplicate        bool
	Elapsed          time.Duration
}

// InteractionRecord is the best-effort backup written after each delivered turn.
type InteractionRecord struct {
	UserKey    string
	ContextID  string
	RunID      string
	MessageID  string
	Inbound    string
	Reply      string
	Source     ReplySource
	Status     RunStatus
	ToolCalls  int
	DeliveryID string
	CreatedAt  time.Time
}

// DeliveryMeta tags an outbound reply for observability and backup.
type DeliveryMeta struct {
	Source           ReplySource
	ContextID        string
	RunID            string
	Status           RunStatus
	FallbackCategory string
	MessageID        string
	Inbound          string
	ToolCalls        int
}
