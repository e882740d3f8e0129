package model

import "encoding/json"

// SendRequest is the payload for committing a new message.
type SendRequest struct {
	ClientRef        string      `json:"client_ref" validate:"omitempty,max=128"`
	PlaceID          string      `json:"place_id" validate:"required,uuid"`
	RecipientID      string      `json:"recipient_id" validate:"omitempty,uuid"`
	ReplyTo          string      `json:"reply_to" validate:"omitempty,uuid"`
	ActingEmployeeID string      `json:"acting_employee_id" validate:"omitempty,uuid"`
	Body             MessageBody `json:"-"`
}

type sendRequestJSON struct {
	ClientRef        string    `json:"client_ref,omitempty"`
	PlaceID          string    `json:"place_id"`
	RecipientID      string    `json:"recipient_id,omitempty"`
	ReplyTo          string    `json:"reply_to,omitempty"`
	ActingEmployeeID string    `json:"acting_employee_id,omitempty"`
	Body             *bodyJSON `json:"body"`
}

func (r SendRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(sendRequestJSON{
		ClientRef:        r.ClientRef,
		PlaceID:          r.PlaceID,
		RecipientID:      r.RecipientID,
		ReplyTo:          r.ReplyTo,
		ActingEmployeeID: r.ActingEmployeeID,
		Body:             encodeBody(r.Body),
	})
}

func (r *SendRequest) UnmarshalJSON(data []byte) error {
	var w sendRequestJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := w.Body.decode()
	if err != nil {
		return err
	}
	*r = SendRequest{
		ClientRef:        w.ClientRef,
		PlaceID:          w.PlaceID,
		RecipientID:      w.RecipientID,
		ReplyTo:          w.ReplyTo,
		ActingEmployeeID: w.ActingEmployeeID,
		Body:             body,
	}
	return nil
}

type MarkReadRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,uuid"`
}

type MarkReadResponse struct {
	Updated []string `json:"updated"`
}

type ConversationMessagesResponse struct {
	Messages []Message                `json:"messages"`
	Products map[string]ProductSummary `json:"products,omitempty"`
}

type UploadResponse struct {
	URL string `json:"url"`
}
