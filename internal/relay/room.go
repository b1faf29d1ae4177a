package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"collaborative-report-sync/comment"
	"collaborative-report-sync/conflict"
	"collaborative-report-sync/presence"
	"collaborative-report-sync/protocol"
)

// frame is one decoded inbound message together with its raw bytes, so
// broadcasts forward the original encoding instead of re-marshaling.
type frame struct {
	client *Client
	msg    *protocol.Message
	raw    []byte
}

// sectionState is the room's view of one section: who wrote the
// current content, when the room received it, and the content the
// update replaced. The concurrent-edit window check runs against the
// receipt time, which keeps detection independent of client clocks.
// A conflict minted against the current content uses the replaced
// content as the common base both edits diverged from.
type sectionState struct {
	content  json.RawMessage
	prior    json.RawMessage
	editorID string
	editedAt time.Time
}

// Room serializes all state of one document behind a single goroutine.
// Clients register, unregister, and submit frames through channels;
// nothing else touches room state.
type Room struct {
	documentID string
	opts       Options
	log        zerolog.Logger
	bus        Bus

	register   chan *Client
	unregister chan *Client
	inbound    chan frame
	stop       chan struct{}
	done       chan struct{}

	clients   map[*Client]bool
	byUser    map[string]int
	users     *presence.Tracker
	comments  *comment.Log
	conflicts *conflict.Ledger
	sections  map[string]sectionState

	clientCount atomic.Int64
	lastActive  atomic.Int64
}

func newRoom(documentID string, opts Options, bus Bus, logger zerolog.Logger) *Room {
	r := &Room{
		documentID: documentID,
		opts:       opts,
		log:        logger.With().Str("doc", documentID).Logger(),
		bus:        bus,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan frame, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]int),
		users:      presence.NewTracker(),
		comments:   comment.NewLog(),
		conflicts:  conflict.NewLedger(),
		sections:   make(map[string]sectionState),
	}
	r.lastActive.Store(time.Now().UnixNano())
	return r
}

func (r *Room) run(ctx context.Context) {
	defer close(r.done)

	var busFrames <-chan []byte
	cancelBus := func() {}
	if r.bus != nil {
		busFrames, cancelBus = r.bus.Subscribe(ctx, r.documentID)
	}
	defer cancelBus()

	sweep := time.NewTicker(r.opts.PresenceTimeout / 3)
	defer sweep.Stop()

	for {
		select {
		case c := <-r.register:
			r.add(c)
		case c := <-r.unregister:
			r.drop(c)
		case f := <-r.inbound:
			r.lastActive.Store(time.Now().UnixNano())
			r.apply(f)
		case raw, ok := <-busFrames:
			if !ok {
				busFrames = nil
				continue
			}
			r.applyRemote(raw)
		case <-sweep.C:
			r.sweepPresence()
		case <-r.stop:
			r.teardown()
			return
		case <-ctx.Done():
			r.teardown()
			return
		}
	}
}

// join registers a client, reporting false when the room has already
// stopped and the caller must fetch a fresh one.
func (r *Room) join(c *Client) bool {
	select {
	case r.register <- c:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) leave(c *Client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

func (r *Room) submit(f frame) {
	select {
	case r.inbound <- f:
	case <-r.done:
	}
}

// Clients returns the number of open connections.
func (r *Room) Clients() int { return int(r.clientCount.Load()) }

// LastActive returns when the room last saw a frame or a join.
func (r *Room) LastActive() time.Time { return time.Unix(0, r.lastActive.Load()) }

// readWait is how long a connection may stay silent before its read
// deadline expires. Clients heartbeat well inside the presence window,
// so a silent connection this long is dead.
func (r *Room) readWait() time.Duration {
	return r.opts.PresenceTimeout + r.opts.PresenceTimeout/2
}

func (r *Room) add(c *Client) {
	r.clients[c] = true
	r.byUser[c.UserID]++
	r.clientCount.Store(int64(len(r.clients)))
	r.lastActive.Store(time.Now().UnixNano())

	u, created := r.users.Join(c.UserID, c.Name, c.Email)

	// The joiner gets the full document snapshot before anything else.
	r.sendSnapshot(c)

	if created {
		raw, err := protocol.Encode(protocol.EventUserJoined, u.ID, protocol.PresencePayload{
			UserID: u.ID,
			Name:   u.Name,
			Email:  u.Email,
		})
		if err == nil {
			r.broadcast(raw, c)
			r.publish(raw)
		}
	}
	r.log.Info().Str("user", c.UserID).Int("clients", len(r.clients)).Msg("client joined")
}

func (r *Room) drop(c *Client) {
	if !r.clients[c] {
		return
	}
	delete(r.clients, c)
	close(c.send)
	r.clientCount.Store(int64(len(r.clients)))

	if n := r.byUser[c.UserID]; n > 1 {
		r.byUser[c.UserID] = n - 1
		return
	}
	delete(r.byUser, c.UserID)
	if u, ok := r.users.Leave(c.UserID); ok {
		r.announceLeave(u)
	}
	r.log.Info().Str("user", c.UserID).Int("clients", len(r.clients)).Msg("client left")
}

func (r *Room) announceLeave(u presence.User) {
	raw, err := protocol.Encode(protocol.EventUserLeft, u.ID, protocol.PresencePayload{
		UserID: u.ID,
		Name:   u.Name,
	})
	if err != nil {
		return
	}
	r.broadcast(raw, nil)
	r.publish(raw)
}

func (r *Room) sendSnapshot(c *Client) {
	users := r.users.Users()
	actives := make([]protocol.ActiveUser, 0, len(users))
	for _, u := range users {
		actives = append(actives, protocol.ActiveUser{
			UserID:     u.ID,
			Name:       u.Name,
			Email:      u.Email,
			LastActive: u.LastActive,
		})
	}
	raw, err := protocol.Encode(protocol.EventSync, "", protocol.SyncPayload{
		DocumentID:  r.documentID,
		ActiveUsers: actives,
		Comments:    r.comments.Snapshot(),
		Conflicts:   r.conflicts.Snapshot(),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("snapshot encode failed")
		return
	}
	r.deliver(c, raw)
}

// apply handles one frame from a local client.
func (r *Room) apply(f frame) {
	c := f.client
	msg := f.msg
	r.users.Touch(c.UserID)

	switch msg.Type {
	case protocol.EventHeartbeat:
		// Echoed to the sender only, so a lone client still gets its
		// liveness signal.
		r.deliver(c, f.raw)

	case protocol.EventCursorPosition:
		r.broadcast(f.raw, c)
		r.publish(f.raw)

	case protocol.EventSectionUpdate:
		r.applySectionUpdate(f)

	case protocol.EventConflictDetected:
		if msg.Conflict != nil {
			r.conflicts.Adopt(*msg.Conflict)
		}
		r.broadcast(f.raw, c)
		r.publish(f.raw)

	case protocol.EventConflictResolved:
		r.applyResolution(f)

	case protocol.EventCommentAdd:
		if msg.Comment != nil {
			r.comments.Add(*msg.Comment)
		}
		r.broadcast(f.raw, nil)
		r.publish(f.raw)

	case protocol.EventCommentResolve:
		if msg.CommentResolve != nil {
			r.comments.Resolve(msg.CommentResolve.CommentID, msg.UserID, msg.Timestamp)
		}
		r.broadcast(f.raw, nil)
		r.publish(f.raw)

	case protocol.EventUserLeft:
		// Explicit leave ahead of the disconnect. Honored only for the
		// user's last connection so other open tabs keep them present.
		if r.byUser[c.UserID] <= 1 {
			if _, ok := r.users.Leave(c.UserID); ok {
				r.broadcast(f.raw, c)
				r.publish(f.raw)
			}
		}

	default:
		// sync and user_joined are relay-owned; ignore them from
		// clients.
	}
}

// applySectionUpdate echoes the edit to every member, the editor
// included: the editor's own echo is its delivery ack. When the edit
// lands inside the conflict window of another user's edit to the same
// section, the room mints an authoritative conflict and broadcasts it
// before the update.
func (r *Room) applySectionUpdate(f frame) {
	up := f.msg.SectionUpdate
	editor := up.EditorID
	now := time.Now().UTC()

	prev, existed := r.sections[up.SectionID]
	_, open := r.conflicts.Open(up.SectionID)
	colliding := existed && editor != "" && prev.editorID != "" && prev.editorID != editor &&
		now.Sub(prev.editedAt) <= r.opts.ConflictWindow

	if open || colliding {
		rec, created := r.conflicts.Record(up.SectionID, prev.prior,
			protocol.Change{UserID: prev.editorID, Content: prev.content, Timestamp: prev.editedAt},
			protocol.Change{UserID: editor, Content: up.Content, Timestamp: now},
		)
		if rec.ID != "" {
			if created {
				r.log.Info().
					Str("section", up.SectionID).
					Str("conflict", rec.ID).
					Strs("users", rec.Users).
					Msg("concurrent edit detected")
			}
			if raw, err := protocol.Encode(protocol.EventConflictDetected, "", rec); err == nil {
				r.broadcast(raw, nil)
				r.publish(raw)
			}
		}
	}

	r.sections[up.SectionID] = sectionState{content: up.Content, prior: prev.content, editorID: editor, editedAt: now}

	r.broadcast(f.raw, nil)
	r.publish(f.raw)
}

func (r *Room) applyResolution(f frame) {
	res := f.msg.ConflictResolved
	by := f.msg.UserID

	_, err := r.conflicts.Resolve(res.ConflictID, res.Resolution, by, f.msg.Timestamp)
	if errors.Is(err, conflict.ErrUnknown) && res.SectionID != "" {
		_, err = r.conflicts.ResolveSection(res.SectionID, res.Resolution, by, f.msg.Timestamp)
	}
	if err != nil && !errors.Is(err, conflict.ErrAlreadyResolved) {
		r.log.Debug().Err(err).Str("conflict", res.ConflictID).Msg("resolution not applied")
	}

	if len(res.Content) > 0 {
		prev := r.sections[res.SectionID]
		r.sections[res.SectionID] = sectionState{content: res.Content, prior: prev.content, editorID: by, editedAt: time.Now().UTC()}
	}

	r.broadcast(f.raw, nil)
	r.publish(f.raw)
}

// applyRemote folds a frame from another relay instance into room
// state and forwards it to local clients. Remote frames never run
// conflict detection; the instance that received the colliding edit
// already did.
func (r *Room) applyRemote(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping undecodable bus frame")
		return
	}
	r.lastActive.Store(time.Now().UnixNano())

	switch msg.Type {
	case protocol.EventUserJoined:
		if msg.Presence != nil {
			r.users.Join(msg.Presence.UserID, msg.Presence.Name, msg.Presence.Email)
		}
	case protocol.EventUserLeft:
		if msg.Presence != nil {
			r.users.Leave(msg.Presence.UserID)
		}
	case protocol.EventSectionUpdate:
		up := msg.SectionUpdate
		prev := r.sections[up.SectionID]
		r.sections[up.SectionID] = sectionState{content: up.Content, prior: prev.content, editorID: up.EditorID, editedAt: time.Now().UTC()}
	case protocol.EventConflictDetected:
		if msg.Conflict != nil {
			r.conflicts.Adopt(*msg.Conflict)
		}
	case protocol.EventConflictResolved:
		res := msg.ConflictResolved
		_, err := r.conflicts.Resolve(res.ConflictID, res.Resolution, msg.UserID, msg.Timestamp)
		if errors.Is(err, conflict.ErrUnknown) && res.SectionID != "" {
			r.conflicts.ResolveSection(res.SectionID, res.Resolution, msg.UserID, msg.Timestamp)
		}
		if len(res.Content) > 0 {
			prev := r.sections[res.SectionID]
			r.sections[res.SectionID] = sectionState{content: res.Content, prior: prev.content, editorID: msg.UserID, editedAt: time.Now().UTC()}
		}
	case protocol.EventCommentAdd:
		if msg.Comment != nil {
			r.comments.Add(*msg.Comment)
		}
	case protocol.EventCommentResolve:
		if msg.CommentResolve != nil {
			r.comments.Resolve(msg.CommentResolve.CommentID, msg.UserID, msg.Timestamp)
		}
	}

	if msg.UserID != "" {
		r.users.Touch(msg.UserID)
	}
	r.broadcast(raw, nil)
}

// sweepPresence expires locally connected users whose frames stopped
// arriving inside the presence window and kicks their dead
// connections. Users connected to other instances are left alone; the
// instance that owns their connection announces their departure over
// the bus.
func (r *Room) sweepPresence() {
	cutoff := time.Now().Add(-r.opts.PresenceTimeout)
	for _, u := range r.users.Users() {
		if _, local := r.byUser[u.ID]; !local {
			continue
		}
		if !u.LastActive.Before(cutoff) {
			continue
		}
		r.users.Leave(u.ID)
		delete(r.byUser, u.ID)
		r.log.Info().Str("user", u.ID).Msg("presence expired")
		r.announceLeave(u)
		for c := range r.clients {
			if c.UserID == u.ID {
				r.drop(c)
			}
		}
	}
}

// broadcast sends raw to every local client except the given one; a
// nil except reaches everyone.
func (r *Room) broadcast(raw []byte, except *Client) {
	for c := range r.clients {
		if c == except {
			continue
		}
		r.deliver(c, raw)
	}
}

// deliver queues a frame for one client, dropping the client when its
// send buffer is full. Clients already dropped are skipped; a frame of
// theirs can still be queued when the unregister wins the race.
func (r *Room) deliver(c *Client, raw []byte) {
	if !r.clients[c] {
		return
	}
	select {
	case c.send <- raw:
	default:
		r.log.Warn().Str("user", c.UserID).Msg("send buffer full, dropping client")
		r.drop(c)
	}
}

func (r *Room) publish(raw []byte) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, r.documentID, raw); err != nil {
		r.log.Warn().Err(err).Msg("bus publish failed")
	}
}

func (r *Room) teardown() {
	for c := range r.clients {
		delete(r.clients, c)
		close(c.send)
	}
	r.clientCount.Store(0)
	r.log.Debug().Msg("room stopped")
}
