// Package protocol defines the wire format shared by sessions and the
// relay: a JSON envelope tagged with an event type, plus the payload
// and entity types carried inside it.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType tags an envelope with the kind of payload it carries.
type EventType string

const (
	EventSync             EventType = "sync"
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventCursorPosition   EventType = "cursor_position"
	EventSectionUpdate    EventType = "section_update"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventCommentAdd       EventType = "comment_add"
	EventCommentResolve   EventType = "comment_resolve"
	EventHeartbeat        EventType = "heartbeat"
)

// Envelope is the outer frame of every protocol message. UserID is the
// originating user, empty for relay-originated events such as the
// initial sync snapshot.
type Envelope struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Point is a 2D position inside a rendered section, in viewport
// coordinates of the sender.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ActiveUser describes one participant of a document session as known
// by the relay. Display colors are not carried on the wire; every peer
// derives them deterministically from the user id.
type ActiveUser struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	LastActive time.Time `json:"last_active"`
}

// Comment is an annotation anchored to a document section.
type Comment struct {
	ID         string     `json:"id"`
	SectionID  string     `json:"section_id"`
	AuthorID   string     `json:"author_id"`
	AuthorName string     `json:"author_name,omitempty"`
	Content    string     `json:"content"`
	Position   *Point     `json:"position,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ConflictType classifies why two edits collided.
type ConflictType string

const (
	ConflictSimultaneousEdit ConflictType = "simultaneous_edit"
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictPermission       ConflictType = "permission_conflict"
)

// Resolution names the strategy applied when a conflict is resolved.
type Resolution string

const (
	ResolutionOverwrite Resolution = "overwrite"
	ResolutionMerge     Resolution = "merge"
	ResolutionManual    Resolution = "manual"
)

// Change is one competing edit inside a conflict.
type Change struct {
	UserID    string          `json:"user_id"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// Conflict records two or more overlapping edits to the same section.
// It stays in the session's conflict list after resolution so late
// joiners can see how it was settled.
type Conflict struct {
	ID              string          `json:"id"`
	SectionID       string          `json:"section_id"`
	Users           []string        `json:"users"`
	Type            ConflictType    `json:"type"`
	OriginalContent json.RawMessage `json:"original_content,omitempty"`
	Changes         []Change        `json:"changes"`
	Resolved        bool            `json:"resolved"`
	Resolution      Resolution      `json:"resolution,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Unresolved reports whether the conflict still needs a resolution.
func (c *Conflict) Unresolved() bool { return !c.Resolved }

// HasUser reports whether the given user contributed a change.
func (c *Conflict) HasUser(userID string) bool {
	for _, u := range c.Users {
		if u == userID {
			return true
		}
	}
	return false
}
