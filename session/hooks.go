package session

import (
	"encoding/json"

	"collaborative-report-sync/cursor"
	"collaborative-report-sync/presence"
	"collaborative-report-sync/protocol"
)

// PresenceKind says why an OnPresence hook fired.
type PresenceKind int

const (
	PresenceJoined PresenceKind = iota
	PresenceLeft
	PresenceExpired
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceJoined:
		return "joined"
	case PresenceLeft:
		return "left"
	default:
		return "expired"
	}
}

// CommentKind says why an OnComment hook fired.
type CommentKind int

const (
	CommentAdded CommentKind = iota
	CommentResolved
)

func (k CommentKind) String() string {
	if k == CommentAdded {
		return "added"
	}
	return "resolved"
}

// Hooks are the callbacks a session fires as state changes. All hooks
// are optional and run with no session locks held, so they may call
// back into the session. Inbound events fire their hooks in arrival
// order from the session's event goroutine; timer-driven hooks such
// as presence expiry and reconnect state changes fire from the timer
// that caused them. No hook fires after Close returns.
type Hooks struct {
	// OnStateChange fires on every connection state transition. err
	// is non-nil when a failure caused the transition.
	OnStateChange func(state State, err error)

	// OnSync fires after a relay snapshot replaced the local
	// presence, comment, and conflict state wholesale.
	OnSync func(snapshot protocol.SyncPayload)

	// OnPresence fires when a peer joins, leaves, or expires from
	// inactivity.
	OnPresence func(kind PresenceKind, user presence.User)

	// OnCursor fires for a peer's cursor move. The session's own
	// echoes never reach it.
	OnCursor func(pos cursor.Position)

	// OnSectionUpdate fires when a section's content changes through
	// a peer edit or a conflict resolution, never for the session's
	// own echoed edits.
	OnSectionUpdate func(sectionID string, content json.RawMessage, editorID string)

	// OnConflict fires when a conflict is detected and again each
	// time another change folds into it.
	OnConflict func(c protocol.Conflict)

	// OnConflictResolved fires once per conflict when it settles,
	// regardless of which peer resolved it.
	OnConflictResolved func(c protocol.Conflict)

	// OnComment fires when a comment is added or resolved by a peer.
	OnComment func(kind CommentKind, c protocol.Comment)

	// OnError reports background failures that did not change the
	// connection state, and the terminal error when reconnecting
	// gives up.
	OnError func(err error)
}
