package domain

import "encoding/json"

// InboundMessage is a user turn received from the messaging channel.
type InboundMessage struct {
	MessageID   string
	From        string
	To          string
	Body        string
	ProfileName string
}

// LifecycleEvent is a push notification about a run.
type LifecycleEvent struct {
	Type string             `json:"type"`
	Data LifecycleEventData `json:"data"`
}

// LifecycleEventData carries routing fields only; control decisions re-fetch the run.
type LifecycleEventData struct {
	ID             string          `json:"id"`
	ThreadID       string          `json:"thread_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	LastError      json.RawMessage `json:"last_error,omitempty"`
	RequiredAction json.RawMessage `json:"required_action,omitempty"`
}
