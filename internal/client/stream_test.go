package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placechat-backend/internal/model"
)

func TestStreamURL(t *testing.T) {
	u, err := StreamURL("https://api.example.com/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/ws?token=a+b", u)

	u, err = StreamURL("http://localhost:3000", "tok")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3000/ws?token=tok", u)

	_, err = StreamURL("ftp://example.com", "tok")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDecodeFrame(t *testing.T) {
	msg := model.Message{ID: model.NewMessageID(), PlaceID: "p", SenderID: "c", RecipientID: "owner", Body: model.TextBody{Content: "hi"}, IsRead: true}
	data, err := json.Marshal(model.WSEvent{Type: "updated", Message: &msg})
	require.NoError(t, err)

	f, err := decodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, f.event)
	assert.Equal(t, model.EventUpdated, f.event.Type)
	assert.Equal(t, msg.ID, f.event.Message.ID)
	assert.True(t, f.event.Message.IsRead)

	viewer, _ := json.Marshal(model.NewViewer("owner", placeP()))
	data, _ = json.Marshal(model.WSEvent{Type: "roles", Data: viewer})
	f, err = decodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, f.roles)
	assert.True(t, f.roles.RoleIn("p").IsPlaceSide())

	f, err = decodeFrame([]byte(`{"type":"roles"}`))
	require.NoError(t, err)
	assert.Nil(t, f.roles)
	assert.True(t, f.rolesStale)

	f, err = decodeFrame([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Nil(t, f.event)
	assert.Nil(t, f.roles)

	_, err = decodeFrame([]byte(`{"type":"inserted"}`))
	assert.Error(t, err)

	_, err = decodeFrame([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)
}
