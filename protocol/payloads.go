package protocol

import "encoding/json"

// SyncPayload is the full session snapshot the relay sends right after
// a client joins a document. It replaces, never patches, local state.
type SyncPayload struct {
	DocumentID  string       `json:"document_id"`
	ActiveUsers []ActiveUser `json:"active_users"`
	Comments    []Comment    `json:"comments"`
	Conflicts   []Conflict   `json:"conflicts"`
}

// PresencePayload rides on user_joined and user_left events.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// CursorPayload carries a cursor move. The owning user comes from the
// envelope; display name and color are derived locally by receivers.
type CursorPayload struct {
	SectionID string  `json:"section_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// SectionUpdatePayload replaces the content of one section. Content is
// opaque to the protocol layer and passed through byte for byte.
type SectionUpdatePayload struct {
	SectionID string          `json:"section_id"`
	Content   json.RawMessage `json:"content"`
	EditorID  string          `json:"editor_id"`
}

// ConflictResolvedPayload announces that a conflict was settled.
// SectionID lets peers that minted a different local conflict id for
// the same collision still converge on the resolution. Content is set
// for overwrite and merge resolutions and empty for manual ones.
type ConflictResolvedPayload struct {
	ConflictID string          `json:"conflict_id"`
	SectionID  string          `json:"section_id"`
	Resolution Resolution      `json:"resolution"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// CommentResolvePayload marks a comment as resolved. The resolving
// user comes from the envelope.
type CommentResolvePayload struct {
	CommentID string `json:"comment_id"`
}
