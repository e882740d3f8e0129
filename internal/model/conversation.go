package model

import "time"

// ConversationKey identifies a conversation from one viewer's perspective.
type ConversationKey struct {
	PlaceID        string `json:"place_id"`
	CounterpartyID string `json:"counterparty_id"`
}

// Conversation is derived from the message log and never persisted.
type Conversation struct {
	ConversationKey
	LastMessage         Message   `json:"last_message"`
	LastMessageAt       time.Time `json:"last_message_at"`
	UnreadCount         int       `json:"unread_count"`
	CounterpartyProfile *Profile  `json:"counterparty_profile,omitempty"`
}
