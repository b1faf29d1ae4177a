// Package cursor fans cursor positions in and out of a session. Local
// moves are throttled so a fast mouse produces at most one
// transmission per window, with intermediate positions dropped in
// favor of the latest one.
package cursor

import (
	"sort"
	"sync"
	"time"

	"collaborative-report-sync/protocol"
)

// DefaultWindow is the throttle window applied when none is set.
const DefaultWindow = 100 * time.Millisecond

// Position is a peer's cursor as rendered in the UI.
type Position struct {
	UserID    string
	Name      string
	Color     string
	SectionID string
	Point     protocol.Point
	UpdatedAt time.Time
}

// Broadcaster throttles outbound cursor moves and mirrors inbound
// ones. It has its own lock because the flush timer fires on a timer
// goroutine, outside the session's event loop.
type Broadcaster struct {
	window time.Duration
	send   func(protocol.CursorPayload)
	selfID string

	mu      sync.Mutex
	pending *protocol.CursorPayload
	timer   *time.Timer
	stopped bool
	remote  map[string]Position
}

// NewBroadcaster returns a broadcaster for the given local user. send
// is invoked from a timer goroutine with the position that survived
// the window.
func NewBroadcaster(selfID string, window time.Duration, send func(protocol.CursorPayload)) *Broadcaster {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Broadcaster{
		window: window,
		send:   send,
		selfID: selfID,
		remote: make(map[string]Position),
	}
}

// Update records the local cursor position. The first move arms the
// flush timer; moves that follow within the window replace the pending
// position, so only the latest one is transmitted.
func (b *Broadcaster) Update(sectionID string, x, y float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = &protocol.CursorPayload{SectionID: sectionID, X: x, Y: y}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.timer = nil
	stopped := b.stopped
	b.mu.Unlock()

	if stopped || p == nil {
		return
	}
	b.send(*p)
}

// Stop cancels any armed flush and drops the pending position. The
// broadcaster accepts no further updates afterwards.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Apply records a peer's cursor move and reports whether it was kept.
// The session's own echo is dropped so a user never sees their own
// cursor as a remote one.
func (b *Broadcaster) Apply(userID, name, color string, p protocol.CursorPayload, at time.Time) (Position, bool) {
	if userID == "" || userID == b.selfID {
		return Position{}, false
	}
	pos := Position{
		UserID:    userID,
		Name:      name,
		Color:     color,
		SectionID: p.SectionID,
		Point:     protocol.Point{X: p.X, Y: p.Y},
		UpdatedAt: at,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remote[userID] = pos
	return pos, true
}

// Remove drops a departed peer's cursor.
func (b *Broadcaster) Remove(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remote, userID)
}

// Clear drops all remote cursors. Cursors are ephemeral, so a lost
// connection invalidates every one of them.
func (b *Broadcaster) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remote = make(map[string]Position)
}

// Positions returns the remote cursors sorted by user id.
func (b *Broadcaster) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.remote))
	for _, p := range b.remote {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
