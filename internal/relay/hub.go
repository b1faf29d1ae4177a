package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes room behavior. Zero values fall back to the defaults
// below.
type Options struct {
	// ConflictWindow is how close together two users' edits to the same
	// section must land to count as concurrent.
	ConflictWindow time.Duration

	// PresenceTimeout is how long a user may go silent before they are
	// swept from the active list.
	PresenceTimeout time.Duration

	// RoomIdleTimeout is how long an empty room lingers before it is
	// reaped.
	RoomIdleTimeout time.Duration

	// ClientSendBuffer is the per-connection outbound queue length.
	ClientSendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = 2 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 90 * time.Second
	}
	if o.RoomIdleTimeout <= 0 {
		o.RoomIdleTimeout = 5 * time.Minute
	}
	if o.ClientSendBuffer <= 0 {
		o.ClientSendBuffer = 256
	}
	return o
}

// Hub owns one room per open document and reaps rooms that have sat
// empty past the idle timeout.
type Hub struct {
	opts    Options
	bus     Bus
	log     zerolog.Logger
	pool    *Pool
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub starts the hub's maintenance loop. Pass a nil bus to run
// standalone without cross-instance fan-out.
func NewHub(opts Options, bus Bus, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts.withDefaults(),
		bus:     bus,
		log:     logger,
		pool:    NewPool(4, logger),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*Room),
	}
	go h.maintenanceLoop()
	return h
}

// Join registers a client with its document's room, creating the room
// on first join. The returned room is the one the client is actually
// registered with; the reaper can stop a room between lookup and
// registration, in which case a fresh room is created and tried again.
// Once the hub has shut down Join returns nil and the caller closes
// the connection.
func (h *Hub) Join(documentID string, c *Client) *Room {
	for {
		r := h.room(documentID)
		if r == nil {
			return nil
		}
		c.room = r
		if r.join(c) {
			return r
		}
	}
}

// room returns the live room of a document, creating one when needed.
// A nil room means the hub has shut down.
func (h *Hub) room(documentID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return nil
	}
	if r, ok := h.rooms[documentID]; ok {
		return r
	}
	r := newRoom(documentID, h.opts, h.bus, h.log)
	h.rooms[documentID] = r
	go r.run(h.ctx)
	h.log.Info().Str("doc", documentID).Msg("room opened")
	return r
}

func (h *Hub) maintenanceLoop() {
	interval := h.opts.RoomIdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.pool.Submit(func(context.Context) error {
				h.reapIdleRooms()
				return nil
			})
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) reapIdleRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		if r.Clients() > 0 || time.Since(r.LastActive()) < h.opts.RoomIdleTimeout {
			continue
		}
		close(r.stop)
		delete(h.rooms, id)
		h.log.Info().Str("doc", id).Msg("idle room reaped")
	}
}

// RoomStats is one room's line in the stats snapshot.
type RoomStats struct {
	DocumentID string    `json:"document_id"`
	Clients    int       `json:"clients"`
	LastActive time.Time `json:"last_active"`
}

// StatsResponse summarizes the hub for the stats endpoint.
type StatsResponse struct {
	Rooms        []RoomStats `json:"rooms"`
	TotalClients int         `json:"total_clients"`
	Uptime       string      `json:"uptime"`
}

func (h *Hub) Stats() StatsResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp := StatsResponse{
		Rooms:  make([]RoomStats, 0, len(h.rooms)),
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	for id, r := range h.rooms {
		n := r.Clients()
		resp.Rooms = append(resp.Rooms, RoomStats{
			DocumentID: id,
			Clients:    n,
			LastActive: r.LastActive(),
		})
		resp.TotalClients += n
	}
	sort.Slice(resp.Rooms, func(i, j int) bool { return resp.Rooms[i].DocumentID < resp.Rooms[j].DocumentID })
	return resp
}

// Shutdown stops every room and waits for them to drain, then stops
// the worker pool.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.pool.Shutdown()
	return nil
}
