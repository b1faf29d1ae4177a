package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEvent is returned by Decode for event types this build
// does not know. Callers are expected to drop such messages without
// tearing down the connection.
var ErrUnknownEvent = errors.New("unknown event type")

// DecodeError reports one undecodable message. Type is empty when the
// envelope itself did not parse.
type DecodeError struct {
	Type EventType
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("decode %s payload: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is a decoded envelope. Exactly one payload field matching
// Type is set; heartbeats and unknown events carry none.
type Message struct {
	Type      EventType
	UserID    string
	Timestamp time.Time

	Sync             *SyncPayload
	Presence         *PresencePayload
	Cursor           *CursorPayload
	SectionUpdate    *SectionUpdatePayload
	Conflict         *Conflict
	ConflictResolved *ConflictResolvedPayload
	Comment          *Comment
	CommentResolve   *CommentResolvePayload
}

// Encode marshals an envelope of the given type around payload,
// stamping it with the current time. A nil payload leaves data empty,
// which is how heartbeats go out.
func Encode(t EventType, userID string, payload any) ([]byte, error) {
	env := Envelope{Type: t, UserID: userID, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses one wire message. Malformed envelopes or payloads
// yield a *DecodeError. Unknown event types return the partially
// decoded Message together with ErrUnknownEvent so callers can log the
// offending type and move on.
func Decode(raw []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Err: errors.New("missing event type")}
	}

	msg := &Message{Type: env.Type, UserID: env.UserID, Timestamp: env.Timestamp}
	var err error
	switch env.Type {
	case EventSync:
		msg.Sync, err = decodeAs[SyncPayload](env)
	case EventUserJoined, EventUserLeft:
		msg.Presence, err = decodeAs[PresencePayload](env)
		if err == nil && msg.Presence.UserID == "" {
			// Some senders identify the user only on the envelope.
			msg.Presence.UserID = env.UserID
		}
	case EventCursorPosition:
		msg.Cursor, err = decodeAs[CursorPayload](env)
		if err == nil && msg.Cursor.SectionID == "" {
			err = missingField(env.Type, "section_id")
		}
	case EventSectionUpdate:
		msg.SectionUpdate, err = decodeAs[SectionUpdatePayload](env)
		if err == nil {
			if msg.SectionUpdate.EditorID == "" {
				msg.SectionUpdate.EditorID = env.UserID
			}
			if msg.SectionUpdate.SectionID == "" {
				err = missingField(env.Type, "section_id")
			}
		}
	case EventConflictDetected:
		msg.Conflict, err = decodeAs[Conflict](env)
		if err == nil && msg.Conflict.SectionID == "" {
			err = missingField(env.Type, "section_id")
		}
	case EventConflictResolved:
		msg.ConflictResolved, err = decodeAs[ConflictResolvedPayload](env)
		if err == nil && msg.ConflictResolved.ConflictID == "" && msg.ConflictResolved.SectionID == "" {
			err = missingField(env.Type, "conflict_id")
		}
	case EventCommentAdd:
		msg.Comment, err = decodeAs[Comment](env)
		if err == nil && msg.Comment.ID == "" {
			err = missingField(env.Type, "id")
		}
	case EventCommentResolve:
		msg.CommentResolve, err = decodeAs[CommentResolvePayload](env)
		if err == nil && msg.CommentResolve.CommentID == "" {
			err = missingField(env.Type, "comment_id")
		}
	case EventHeartbeat:
		// No payload.
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T any](env Envelope) (*T, error) {
	var v T
	if len(env.Data) == 0 {
		return nil, &DecodeError{Type: env.Type, Err: errors.New("missing data")}
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return &v, nil
}

func missingField(t EventType, field string) error {
	return &DecodeError{Type: t, Err: fmt.Errorf("missing %s", field)}
}
