// Package session implements the client side of the collaboration
// protocol. One Session joins one document through a relay, mirrors
// the document's presence, cursor, conflict, and comment state, and
// surfaces every change through hooks. Sessions heartbeat the relay,
// reconnect with backoff when the connection drops, and detect edit
// conflicts against their own unacknowledged changes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collaborative-report-sync/comment"
	"collaborative-report-sync/conflict"
	"collaborative-report-sync/cursor"
	"collaborative-report-sync/presence"
	"collaborative-report-sync/protocol"
)

// pendingEdit is a local section edit the relay has not echoed back
// yet. A peer edit to the same section while one exists is a conflict.
type pendingEdit struct {
	content json.RawMessage
	at      time.Time
}

// Session is one user's live connection to one document. Create it
// with New, start it with Open, stop it with Close. All methods are
// safe for concurrent use.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	closed   bool
	running  bool
	done     chan struct{}
	cancel   context.CancelFunc
	watchdog *time.Timer

	users     *presence.Tracker
	comments  *comment.Log
	conflicts *conflict.Ledger
	cursors   *cursor.Broadcaster

	pending    map[string]pendingEdit
	lastSynced map[string]json.RawMessage

	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex

	baseBackoff time.Duration
}

// New builds a session for one document. It does not touch the
// network; call Open to connect.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Session{
		cfg: cfg,
		log: logger.With().
			Str("doc", cfg.DocumentID).
			Str("user", cfg.Credentials.UserID).
			Logger(),
		users:       presence.NewTracker(),
		comments:    comment.NewLog(),
		conflicts:   conflict.NewLedger(),
		pending:     make(map[string]pendingEdit),
		lastSynced:  make(map[string]json.RawMessage),
		baseBackoff: time.Second,
	}
	s.cursors = cursor.NewBroadcaster(cfg.Credentials.UserID, cfg.CursorWindow, s.sendCursor)
	return s, nil
}

// Open dials the relay and starts the event loop. It returns an
// *AuthError when the relay rejects the token and a *ConnectionError
// when the relay is unreachable; in both cases the session stays
// disconnected and may be opened again. After a successful Open the
// session reconnects on its own if the connection later drops. ctx
// bounds only the initial handshake.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.running = true
	s.state = Connecting
	s.mu.Unlock()
	s.fireStateChange(Connecting, nil)

	conn, err := s.dial(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		s.running = false
		s.state = Disconnected
		s.mu.Unlock()
		s.fireStateChange(Disconnected, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.conn = conn
	s.cancel = cancel
	s.done = done
	s.state = Connected
	s.mu.Unlock()

	s.fireStateChange(Connected, nil)
	s.log.Info().Msg("connected")

	go s.run(runCtx, conn, done)
	return nil
}

// Close leaves the document and shuts the session down. A best-effort
// leave notice goes out first, then every timer is cancelled and the
// event loop joined, so no hook fires after Close returns. Close is
// idempotent; a closed session cannot be reopened.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	wasConnected := s.state == Connected
	cancel := s.cancel
	done := s.done
	s.state = Disconnected
	s.conn = nil
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.mu.Unlock()

	s.cursors.Stop()

	if conn != nil && wasConnected {
		_ = s.writeEvent(conn, protocol.EventUserLeft, protocol.PresencePayload{
			UserID: s.cfg.Credentials.UserID,
			Name:   s.cfg.Credentials.Name,
		})
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	s.log.Debug().Msg("session closed")
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdateSection broadcasts new content for a section. The edit counts
// as pending until the relay echoes it back; a peer edit to the same
// section before that is detected as a conflict. Sends are
// at-most-once: on error nothing is retried or rolled back, and the
// caller surfaces the failure.
func (s *Session) UpdateSection(sectionID string, content json.RawMessage) error {
	if sectionID == "" {
		return errors.New("section id required")
	}
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	s.pending[sectionID] = pendingEdit{content: content, at: time.Now().UTC()}
	s.mu.Unlock()

	return s.writeEvent(conn, protocol.EventSectionUpdate, protocol.SectionUpdatePayload{
		SectionID: sectionID,
		Content:   content,
		EditorID:  s.cfg.Credentials.UserID,
	})
}

// SetCursor queues the local cursor position for broadcast. Positions
// are throttled; within one window only the latest survives.
func (s *Session) SetCursor(sectionID string, x, y float64) error {
	if sectionID == "" {
		return errors.New("section id required")
	}
	s.mu.Lock()
	err := s.readyLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.cursors.Update(sectionID, x, y)
	return nil
}

// AddComment creates a comment on a section and broadcasts it. The
// comment lands locally first, so the author sees it even when the
// broadcast fails; the returned error covers only the send.
func (s *Session) AddComment(sectionID, content string, position *protocol.Point) (protocol.Comment, error) {
	if sectionID == "" || content == "" {
		return protocol.Comment{}, errors.New("section id and content required")
	}
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return protocol.Comment{}, err
	}
	conn := s.conn
	c := protocol.Comment{
		ID:         uuid.NewString(),
		SectionID:  sectionID,
		AuthorID:   s.cfg.Credentials.UserID,
		AuthorName: s.cfg.Credentials.Name,
		Content:    content,
		Position:   position,
		CreatedAt:  time.Now().UTC(),
	}
	s.comments.Add(c)
	s.mu.Unlock()

	return c, s.writeEvent(conn, protocol.EventCommentAdd, c)
}

// ResolveComment marks a comment resolved and broadcasts the
// resolution. Unknown ids and already resolved comments are a no-op.
func (s *Session) ResolveComment(commentID string) error {
	if commentID == "" {
		return errors.New("comment id required")
	}
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	_, resolved := s.comments.Resolve(commentID, s.cfg.Credentials.UserID, time.Now().UTC())
	if !resolved {
		_, known := s.comments.Get(commentID)
		s.mu.Unlock()
		if !known {
			s.log.Warn().Str("comment", commentID).Msg("resolve for unknown comment")
		}
		return nil
	}
	s.mu.Unlock()

	return s.writeEvent(conn, protocol.EventCommentResolve, protocol.CommentResolvePayload{
		CommentID: commentID,
	})
}

// ResolveConflict settles a conflict with the given strategy and
// announces it to all peers. overwrite picks the newest competing
// change, merge runs the configured merge func over all changes, and
// manual records the resolution while leaving content reconciliation
// to the caller. The resolution notice always goes out before the
// authoritative content so peers clear their pending flags first.
// Resolving a settled conflict fails with ErrAlreadyResolved and
// nothing is re-broadcast.
func (s *Session) ResolveConflict(conflictID string, strategy protocol.Resolution) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	self := s.cfg.Credentials.UserID

	target, ok := s.conflicts.Get(conflictID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", conflict.ErrUnknown, conflictID)
	}
	if target.Resolved {
		s.mu.Unlock()
		return conflict.ErrAlreadyResolved
	}

	var content json.RawMessage
	switch strategy {
	case protocol.ResolutionOverwrite:
		winner, ok := conflict.Latest(target.Changes)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("conflict %s has no changes", conflictID)
		}
		content = winner.Content
	case protocol.ResolutionMerge:
		if s.cfg.Merger == nil {
			s.mu.Unlock()
			return ErrNoMerger
		}
		changes := make([][]byte, 0, len(target.Changes))
		for _, ch := range target.Changes {
			changes = append(changes, ch.Content)
		}
		merged, err := s.cfg.Merger(target.OriginalContent, changes)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("merge conflict %s: %w", conflictID, err)
		}
		content = merged
	case protocol.ResolutionManual:
		// No content travels; the caller reconciles out of band.
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	resolved, err := s.conflicts.Resolve(conflictID, strategy, self, time.Now().UTC())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.pending, resolved.SectionID)
	if len(content) > 0 {
		s.lastSynced[resolved.SectionID] = content
	}
	s.mu.Unlock()

	s.log.Info().
		Str("conflict", resolved.ID).
		Str("section", resolved.SectionID).
		Str("strategy", string(strategy)).
		Msg("conflict resolved")

	if err := s.writeEvent(conn, protocol.EventConflictResolved, protocol.ConflictResolvedPayload{
		ConflictID: resolved.ID,
		SectionID:  resolved.SectionID,
		Resolution: strategy,
		Content:    content,
	}); err != nil {
		return err
	}
	if len(content) > 0 {
		if err := s.writeEvent(conn, protocol.EventSectionUpdate, protocol.SectionUpdatePayload{
			SectionID: resolved.SectionID,
			Content:   content,
			EditorID:  self,
		}); err != nil {
			return err
		}
	}

	if h := s.cfg.Hooks.OnConflictResolved; h != nil {
		h(resolved)
	}
	if len(content) > 0 {
		if h := s.cfg.Hooks.OnSectionUpdate; h != nil {
			h(resolved.SectionID, content, self)
		}
	}
	return nil
}

// ActiveUsers returns the known participants sorted by id, the local
// user included when the relay lists it.
func (s *Session) ActiveUsers() []presence.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Users()
}

// Cursors returns the latest known cursor of every peer.
func (s *Session) Cursors() []cursor.Position {
	return s.cursors.Positions()
}

// Comments returns the comment thread in arrival order.
func (s *Session) Comments() []protocol.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comments.Snapshot()
}

// Conflicts returns every conflict of the session, settled ones
// included.
func (s *Session) Conflicts() []protocol.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflicts.Snapshot()
}

// OpenConflicts returns only the conflicts still awaiting resolution.
func (s *Session) OpenConflicts() []protocol.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflicts.Unresolved()
}

// SectionContent returns the last relay-acknowledged content of a
// section.
func (s *Session) SectionContent(sectionID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.lastSynced[sectionID]
	return content, ok
}

// PendingSections lists the sections with local edits the relay has
// not acknowledged yet, sorted by id.
func (s *Session) PendingSections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// readyLocked checks that outbound operations may proceed. Called
// with s.mu held.
func (s *Session) readyLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.state != Connected || s.conn == nil {
		return ErrNotConnected
	}
	return nil
}

// sendCursor flushes a throttled cursor move. A disconnect between
// the move and the flush drops the position silently; cursors are
// ephemeral.
func (s *Session) sendCursor(p protocol.CursorPayload) {
	s.mu.Lock()
	if s.readyLocked() != nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	if err := s.writeEvent(conn, protocol.EventCursorPosition, p); err != nil {
		s.log.Debug().Err(err).Msg("cursor send failed")
	}
}

func (s *Session) fireStateChange(st State, err error) {
	if h := s.cfg.Hooks.OnStateChange; h != nil {
		h(st, err)
	}
}

func (s *Session) fireError(err error) {
	if h := s.cfg.Hooks.OnError; h != nil && err != nil {
		h(err)
	}
}
