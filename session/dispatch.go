package session

import (
	"errors"

	"collaborative-report-sync/conflict"
	"collaborative-report-sync/presence"
	"collaborative-report-sync/protocol"
)

// handleMessage decodes one inbound frame and applies it. Decode
// failures are logged and dropped; they never tear the session down.
func (s *Session) handleMessage(raw []byte) {
	s.feedWatchdog()

	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			s.log.Debug().Str("type", string(msg.Type)).Msg("dropping unknown event")
		} else {
			s.log.Warn().Err(err).Msg("dropping undecodable message")
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fires := s.apply(msg)
	s.mu.Unlock()

	for _, f := range fires {
		f()
	}
}

// apply folds one decoded event into session state and returns the
// hook invocations to fire once the lock is released, preserving
// event order. Called with s.mu held.
func (s *Session) apply(msg *protocol.Message) []func() {
	var fires []func()
	h := &s.cfg.Hooks
	self := s.cfg.Credentials.UserID

	// Any frame carrying a user id counts as that user's activity,
	// the local user's own echoes included.
	if msg.UserID != "" {
		s.users.Touch(msg.UserID)
	}

	switch msg.Type {
	case protocol.EventHeartbeat:
		// The frame itself already fed the watchdog.

	case protocol.EventSync:
		snap := *msg.Sync
		s.users.Replace(snap.ActiveUsers)
		s.comments.Replace(snap.Comments)
		s.conflicts.Replace(snap.Conflicts)
		s.log.Debug().
			Int("users", len(snap.ActiveUsers)).
			Int("comments", len(snap.Comments)).
			Int("conflicts", len(snap.Conflicts)).
			Msg("applied relay snapshot")
		if h.OnSync != nil {
			fires = append(fires, func() { h.OnSync(snap) })
		}

	case protocol.EventUserJoined:
		p := msg.Presence
		if p.UserID == self {
			break
		}
		u, created := s.users.Join(p.UserID, p.Name, p.Email)
		if created && h.OnPresence != nil {
			fires = append(fires, func() { h.OnPresence(PresenceJoined, u) })
		}

	case protocol.EventUserLeft:
		p := msg.Presence
		if p.UserID == self {
			break
		}
		u, ok := s.users.Leave(p.UserID)
		s.cursors.Remove(p.UserID)
		if ok && h.OnPresence != nil {
			fires = append(fires, func() { h.OnPresence(PresenceLeft, u) })
		}

	case protocol.EventCursorPosition:
		name, color := s.peerDisplay(msg.UserID)
		pos, kept := s.cursors.Apply(msg.UserID, name, color, *msg.Cursor, msg.Timestamp)
		if kept && h.OnCursor != nil {
			fires = append(fires, func() { h.OnCursor(pos) })
		}

	case protocol.EventSectionUpdate:
		fires = s.applySectionUpdate(msg, fires)

	case protocol.EventConflictDetected:
		c := s.conflicts.Adopt(*msg.Conflict)
		s.log.Info().Str("conflict", c.ID).Str("section", c.SectionID).Msg("relay flagged conflict")
		if h.OnConflict != nil {
			fires = append(fires, func() { h.OnConflict(c) })
		}

	case protocol.EventConflictResolved:
		fires = s.applyConflictResolved(msg, fires)

	case protocol.EventCommentAdd:
		c := *msg.Comment
		if c.AuthorID == "" {
			c.AuthorID = msg.UserID
		}
		if s.comments.Add(c) && h.OnComment != nil {
			fires = append(fires, func() { h.OnComment(CommentAdded, c) })
		}

	case protocol.EventCommentResolve:
		p := msg.CommentResolve
		c, ok := s.comments.Resolve(p.CommentID, msg.UserID, msg.Timestamp)
		if !ok {
			if _, known := s.comments.Get(p.CommentID); !known {
				s.log.Warn().Str("comment", p.CommentID).Msg("resolve for unknown comment")
			}
			break
		}
		if h.OnComment != nil {
			fires = append(fires, func() { h.OnComment(CommentResolved, c) })
		}
	}

	return fires
}

// applySectionUpdate handles the three meanings of an inbound section
// update: the relay acknowledging our own edit, a clean peer edit,
// and a peer edit colliding with a pending local one.
func (s *Session) applySectionUpdate(msg *protocol.Message, fires []func()) []func() {
	h := &s.cfg.Hooks
	up := msg.SectionUpdate

	if up.EditorID == s.cfg.Credentials.UserID {
		// Our own edit came back around: acknowledged.
		delete(s.pending, up.SectionID)
		s.lastSynced[up.SectionID] = up.Content
		return fires
	}

	if local, ok := s.pending[up.SectionID]; ok {
		c, created := s.conflicts.Record(up.SectionID, s.lastSynced[up.SectionID],
			protocol.Change{UserID: s.cfg.Credentials.UserID, Content: local.content, Timestamp: local.at},
			protocol.Change{UserID: up.EditorID, Content: up.Content, Timestamp: msg.Timestamp},
		)
		if c.ID == "" {
			return fires
		}
		if created {
			s.log.Info().Str("conflict", c.ID).Str("section", up.SectionID).Msg("conflict detected")
		}
		if h.OnConflict != nil {
			fires = append(fires, func() { h.OnConflict(c) })
		}
		return fires
	}

	s.lastSynced[up.SectionID] = up.Content
	if h.OnSectionUpdate != nil {
		u := *up
		fires = append(fires, func() { h.OnSectionUpdate(u.SectionID, u.Content, u.EditorID) })
	}
	return fires
}

// applyConflictResolved converges on a peer's resolution. The
// announced id may be one we never minted; the section fallback
// settles our local record for the same collision. Either way the
// section's pending flag clears so the follow-up authoritative update
// does not read as a fresh conflict.
func (s *Session) applyConflictResolved(msg *protocol.Message, fires []func()) []func() {
	h := &s.cfg.Hooks
	p := msg.ConflictResolved

	resolved, err := s.conflicts.Resolve(p.ConflictID, p.Resolution, msg.UserID, msg.Timestamp)
	if errors.Is(err, conflict.ErrUnknown) && p.SectionID != "" {
		resolved, err = s.conflicts.ResolveSection(p.SectionID, p.Resolution, msg.UserID, msg.Timestamp)
	}

	switch {
	case err == nil:
		delete(s.pending, resolved.SectionID)
		if h.OnConflictResolved != nil {
			fires = append(fires, func() { h.OnConflictResolved(resolved) })
		}
	case errors.Is(err, conflict.ErrAlreadyResolved):
		// Duplicate announcement; the first resolution stands.
	default:
		s.log.Debug().Str("conflict", p.ConflictID).Msg("resolution for unknown conflict")
		if p.SectionID != "" {
			delete(s.pending, p.SectionID)
		}
	}
	return fires
}

// peerDisplay resolves a peer's display name and color from presence,
// falling back to the bare id for users we have not seen join.
func (s *Session) peerDisplay(userID string) (name, color string) {
	if u, ok := s.users.Get(userID); ok {
		return u.Name, u.Color
	}
	return userID, presence.ColorFor(userID)
}
