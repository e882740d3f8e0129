package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BodyKind tags the variant carried by a MessageBody.
type BodyKind string

const (
	BodyText         BodyKind = "text"
	BodyImage        BodyKind = "image"
	BodyAudio        BodyKind = "audio"
	BodyProductShare BodyKind = "product_share"
)

// MessageBody is one of TextBody, ImageBody, AudioBody or ProductShareBody.
// Attachments may carry an optional text alongside them.
type MessageBody interface {
	Kind() BodyKind
	Text() string
	isMessageBody()
}

type TextBody struct {
	Content string
}

type ImageBody struct {
	URL     string
	Content string
}

type AudioBody struct {
	URL     string
	Content string
}

type ProductShareBody struct {
	ProductID string
	Content   string
}

func (TextBody) Kind() BodyKind         { return BodyText }
func (ImageBody) Kind() BodyKind        { return BodyImage }
func (AudioBody) Kind() BodyKind        { return BodyAudio }
func (ProductShareBody) Kind() BodyKind { return BodyProductShare }

func (b TextBody) Text() string         { return b.Content }
func (b ImageBody) Text() string        { return b.Content }
func (b AudioBody) Text() string        { return b.Content }
func (b ProductShareBody) Text() string { return b.Content }

func (TextBody) isMessageBody()         {}
func (ImageBody) isMessageBody()        {}
func (AudioBody) isMessageBody()        {}
func (ProductShareBody) isMessageBody() {}

// ValidateBody rejects empty payloads and attachments without a reference.
func ValidateBody(b MessageBody) error {
	switch v := b.(type) {
	case nil:
		return fmt.Errorf("%w: message body is required", ErrValidation)
	case TextBody:
		if strings.TrimSpace(v.Content) == "" {
			return fmt.Errorf("%w: text message is empty", ErrValidation)
		}
	case ImageBody:
		if v.URL == "" {
			return fmt.Errorf("%w: image message without url", ErrValidation)
		}
	case AudioBody:
		if v.URL == "" {
			return fmt.Errorf("%w: audio message without url", ErrValidation)
		}
	case ProductShareBody:
		if v.ProductID == "" {
			return fmt.Errorf("%w: product share without product id", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown body type %T", ErrValidation, b)
	}
	return nil
}

// Message is a committed (or provisional) message record. Empty strings stand
// for null references.
type Message struct {
	ID               string
	ClientRef        string
	PlaceID          string
	SenderID         string
	RecipientID      string
	ActingEmployeeID string
	Body             MessageBody
	ReplyTo          string
	IsRead           bool
	CreatedAt        time.Time
}

// Before reports whether m sorts before o in commit order: (created_at, id).
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Involves reports whether userID is the sender or the recipient.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

type bodyJSON struct {
	Kind      BodyKind `json:"kind"`
	Content   string   `json:"content,omitempty"`
	URL       string   `json:"url,omitempty"`
	ProductID string   `json:"product_id,omitempty"`
}

func encodeBody(b MessageBody) *bodyJSON {
	switch v := b.(type) {
	case TextBody:
		return &bodyJSON{Kind: BodyText, Content: v.Content}
	case ImageBody:
		return &bodyJSON{Kind: BodyImage, Content: v.Content, URL: v.URL}
	case AudioBody:
		return &bodyJSON{Kind: BodyAudio, Content: v.Content, URL: v.URL}
	case ProductShareBody:
		return &bodyJSON{Kind: BodyProductShare, Content: v.Content, ProductID: v.ProductID}
	}
	return nil
}

func (b *bodyJSON) decode() (MessageBody, error) {
	if b == nil {
		return nil, nil
	}
	switch b.Kind {
	case BodyText:
		return TextBody{Content: b.Content}, nil
	case BodyImage:
		return ImageBody{URL: b.URL, Content: b.Content}, nil
	case BodyAudio:
		return AudioBody{URL: b.URL, Content: b.Content}, nil
	case BodyProductShare:
		return ProductShareBody{ProductID: b.ProductID, Content: b.Content}, nil
	}
	return nil, fmt.Errorf("%w: unknown body kind %q", ErrValidation, b.Kind)
}

// NewBody builds a MessageBody from the flat column layout used by the store.
func NewBody(kind BodyKind, content, url, productID string) (MessageBody, error) {
	return (&bodyJSON{Kind: kind, Content: content, URL: url, ProductID: productID}).decode()
}

// BodyColumns flattens a body into (kind, content, url, product_id).
func BodyColumns(b MessageBody) (BodyKind, string, string, string) {
	j := encodeBody(b)
	if j == nil {
		return "", "", "", ""
	}
	return j.Kind, j.Content, j.URL, j.ProductID
}

type messageJSON struct {
	ID               string    `json:"id"`
	ClientRef        string    `json:"client_ref,omitempty"`
	PlaceID          string    `json:"place_id"`
	SenderID         string    `json:"sender_id"`
	RecipientID      string    `json:"recipient_id,omitempty"`
	ActingEmployeeID string    `json:"acting_employee_id,omitempty"`
	Body             *bodyJSON `json:"body"`
	ReplyTo          string    `json:"reply_to,omitempty"`
	IsRead           bool      `json:"is_read"`
	CreatedAt        time.Time `json:"created_at"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:               m.ID,
		ClientRef:        m.ClientRef,
		PlaceID:          m.PlaceID,
		SenderID:         m.SenderID,
		RecipientID:      m.RecipientID,
		ActingEmployeeID: m.ActingEmployeeID,
		Body:             encodeBody(m.Body),
		ReplyTo:          m.ReplyTo,
		IsRead:           m.IsRead,
		CreatedAt:        m.CreatedAt,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := w.Body.decode()
	if err != nil {
		return err
	}
	*m = Message{
		ID:               w.ID,
		ClientRef:        w.ClientRef,
		PlaceID:          w.PlaceID,
		SenderID:         w.SenderID,
		RecipientID:      w.RecipientID,
		ActingEmployeeID: w.ActingEmployeeID,
		Body:             body,
		ReplyTo:          w.ReplyTo,
		IsRead:           w.IsRead,
		CreatedAt:        w.CreatedAt,
	}
	return nil
}

// provisionalPrefix keeps client-side ids out of the UUID space used for
// committed messages.
const provisionalPrefix = "pending-"

// NewMessageID returns a store-assigned id (UUIDv7, time ordered).
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewProvisionalID returns a client-local id that can never parse as a
// committed id.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// IsCommittedID reports whether id belongs to the store id space.
func IsCommittedID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
