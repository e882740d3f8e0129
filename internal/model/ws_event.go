package model

import "encoding/json"

type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
)

// Event is one committed mutation as fanned out to subscribed sessions.
type Event struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

// WSEvent is a frame on the subscription socket. Message events set Message;
// control frames (ping, pong, roles) use Data.
type WSEvent struct {
	Type    string          `json:"type"`
	Message *Message        `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
