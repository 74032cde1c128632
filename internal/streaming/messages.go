package streaming

import "github.com/kandev/devbridge/internal/events/bus"

// Client actions.
const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionSubscribeAll   = "subscribe_all"
	ActionUnsubscribeAll = "unsubscribe_all"
)

// Server message types.
const (
	TypeEvent    = "event"
	TypeSnapshot = "snapshot"
	TypeResponse = "response"
	TypeError    = "error"
)

// ClientMessage is sent by a websocket client to change its subscriptions.
type ClientMessage struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	JobID  string `json:"job_id,omitempty"`
}

// ServerMessage is every frame the hub writes.
type ServerMessage struct {
	Type   string     `json:"type"`
	ID     string     `json:"id,omitempty"`
	Action string     `json:"action,omitempty"`
	JobID  string     `json:"job_id,omitempty"`
	Error  string     `json:"error,omitempty"`
	Event  *bus.Event `json:"event,omitempty"`
	Job    any        `json:"job,omitempty"`
}
