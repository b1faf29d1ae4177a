package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSectionUpdate(t *testing.T) {
	raw, err := Encode(EventSectionUpdate, "user-1", SectionUpdatePayload{
		SectionID: "executive-summary",
		Content:   json.RawMessage(`{"text":"Q3 revenue grew 12%"}`),
		EditorID:  "user-1",
	})
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, EventSectionUpdate, msg.Type)
	assert.Equal(t, "user-1", msg.UserID)
	require.NotNil(t, msg.SectionUpdate)
	assert.Equal(t, "executive-summary", msg.SectionUpdate.SectionID)
	assert.JSONEq(t, `{"text":"Q3 revenue grew 12%"}`, string(msg.SectionUpdate.Content))
	assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
}

func TestDecodeSyncSnapshot(t *testing.T) {
	raw := []byte(`{
		"type": "sync",
		"timestamp": "2026-03-01T10:00:00Z",
		"data": {
			"document_id": "doc-1",
			"active_users": [
				{"user_id": "user-1", "name": "Alice", "last_active": "2026-03-01T09:59:00Z"}
			],
			"comments": [
				{"id": "c-1", "section_id": "intro", "author_id": "user-1", "content": "needs numbers", "created_at": "2026-03-01T09:58:00Z", "resolved": false}
			],
			"conflicts": []
		}
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	require.NotNil(t, msg.Sync)
	assert.Equal(t, "doc-1", msg.Sync.DocumentID)
	require.Len(t, msg.Sync.ActiveUsers, 1)
	assert.Equal(t, "Alice", msg.Sync.ActiveUsers[0].Name)
	require.Len(t, msg.Sync.Comments, 1)
	assert.False(t, msg.Sync.Comments[0].Resolved)
	assert.Empty(t, msg.Sync.Conflicts)
}

func TestDecodeHeartbeatWithoutData(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","user_id":"user-2","timestamp":"2026-03-01T10:00:00Z"}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventHeartbeat, msg.Type)
	assert.Equal(t, "user-2", msg.UserID)
}

func TestDecodeEditorIDFallsBackToEnvelope(t *testing.T) {
	raw := []byte(`{
		"type": "section_update",
		"user_id": "user-3",
		"timestamp": "2026-03-01T10:00:00Z",
		"data": {"section_id": "methodology", "content": "\"draft\""}
	}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-3", msg.SectionUpdate.EditorID)
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"type": "sync", "data":`))

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, EventType(""), decErr.Type)
}

func TestDecodeMalformedPayload(t *testing.T) {
	raw := []byte(`{"type":"cursor_position","user_id":"user-1","timestamp":"2026-03-01T10:00:00Z","data":{"section_id":"intro","x":"not-a-number"}}`)

	_, err := Decode(raw)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, EventCursorPosition, decErr.Type)
}

func TestDecodeMissingRequiredField(t *testing.T) {
	raw := []byte(`{"type":"cursor_position","user_id":"user-1","timestamp":"2026-03-01T10:00:00Z","data":{"x":1,"y":2}}`)

	_, err := Decode(raw)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Contains(t, decErr.Error(), "section_id")
}

func TestDecodeUnknownEventType(t *testing.T) {
	raw := []byte(`{"type":"document_locked","user_id":"user-1","timestamp":"2026-03-01T10:00:00Z","data":{}}`)

	msg, err := Decode(raw)

	require.ErrorIs(t, err, ErrUnknownEvent)
	require.NotNil(t, msg)
	assert.Equal(t, EventType("document_locked"), msg.Type)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"user_id":"user-1","timestamp":"2026-03-01T10:00:00Z"}`))

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestConflictHasUser(t *testing.T) {
	c := Conflict{Users: []string{"user-1", "user-2"}}

	assert.True(t, c.HasUser("user-2"))
	assert.False(t, c.HasUser("user-9"))
	assert.True(t, c.Unresolved())
}
