package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"collaborative-report-sync/protocol"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// maxMessageBytes caps inbound frames; section content beyond it
	// is a protocol violation.
	maxMessageBytes = 1 << 20
)

// dial performs the WebSocket handshake against the relay's document
// endpoint. An authentication rejection comes back as a terminal
// *AuthError, anything else as a retryable *ConnectionError.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode, Err: err}
		}
		return nil, &ConnectionError{Err: err}
	}

	conn.SetReadLimit(maxMessageBytes)
	return conn, nil
}

// endpoint builds the document endpoint with the session token in the
// query string, the one place a browser client can put it.
func (s *Session) endpoint() (string, error) {
	base, err := url.Parse(s.cfg.RelayURL)
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", &ConnectionError{Err: fmt.Errorf("unsupported scheme %q", base.Scheme)}
	}

	base.Path = strings.TrimRight(base.Path, "/") + "/ws/documents/" + url.PathEscape(s.cfg.DocumentID)
	q := base.Query()
	q.Set("token", s.cfg.Credentials.Token)
	q.Set("user_id", s.cfg.Credentials.UserID)
	if s.cfg.Credentials.Name != "" {
		q.Set("user_name", s.cfg.Credentials.Name)
	}
	if s.cfg.Credentials.Email != "" {
		q.Set("email", s.cfg.Credentials.Email)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// run owns the connection for the session's whole life: it reads
// until the connection dies, then cycles through reconnects until one
// sticks, the session closes, or the attempts run out.
func (s *Session) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.conn = nil
		s.mu.Unlock()
		close(done)
	}()

	for {
		err := s.readLoop(ctx, conn)
		s.stopWatchdog()

		if ctx.Err() != nil || s.isClosed() {
			return
		}

		s.log.Warn().Err(err).Msg("connection lost")
		s.clearEphemeral()
		s.transition(Reconnecting, err)

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.state = Connected
		s.mu.Unlock()
		s.fireStateChange(Connected, nil)
	}
}

// readLoop pumps inbound frames of one connection and keeps its
// heartbeat goroutine alive for exactly as long as the reads last.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(hbCtx, conn)
	}()
	defer func() {
		stopHeartbeat()
		wg.Wait()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(raw)
	}
}

// heartbeatLoop sends a protocol heartbeat every interval and arms
// the watchdog behind each one. It also piggybacks the presence sweep
// so idle peers expire without a timer of their own.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeEvent(conn, protocol.EventHeartbeat, nil); err != nil {
				s.log.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
			s.armWatchdog(conn)
			s.sweepPresence()
		case <-ctx.Done():
			return
		}
	}
}

// armWatchdog starts the miss timer behind an outbound heartbeat. Any
// inbound frame answers it; a silent relay gets the connection closed,
// which the read loop turns into a reconnect.
func (s *Session) armWatchdog(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.watchdog != nil {
		return
	}
	s.watchdog = time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		s.log.Warn().Msg("heartbeat timed out")
		conn.Close()
	})
}

// feedWatchdog clears the miss timer; every inbound frame counts as
// proof of life.
func (s *Session) feedWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) stopWatchdog() { s.feedWatchdog() }

// reconnect dials with exponential backoff until a connection sticks.
// It returns nil when the session is shutting down, the relay rejects
// the credentials, or the attempts run out; the last two transition
// the session to terminal disconnected.
func (s *Session) reconnect(ctx context.Context) *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 10 * s.baseBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		wait := bo.NextBackOff()
		s.log.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}

		conn, err := s.dial(ctx)
		if err == nil {
			s.log.Info().Int("attempt", attempt).Msg("reconnected")
			return conn
		}
		lastErr = err

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.log.Error().Err(err).Msg("relay rejected credentials, giving up")
			s.transition(Disconnected, err)
			s.fireError(err)
			return nil
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.cfg.MaxReconnectAttempts, lastErr)
	s.log.Error().Err(err).Msg("giving up")
	s.transition(Disconnected, err)
	s.fireError(err)
	return nil
}

// transition moves the connection state and fires OnStateChange. It
// refuses to act on a closed session so no state hook escapes Close.
func (s *Session) transition(st State, err error) {
	s.mu.Lock()
	if s.closed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.fireStateChange(st, err)
}

// clearEphemeral drops the state that does not survive a connection:
// unacknowledged edits and remote cursors. Presence, comments, and
// conflicts stay until the next relay snapshot replaces them.
func (s *Session) clearEphemeral() {
	s.mu.Lock()
	s.pending = make(map[string]pendingEdit)
	s.mu.Unlock()
	s.cursors.Clear()
}

// sweepPresence expires peers that have shown no activity for the
// configured timeout.
func (s *Session) sweepPresence() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	expired := s.users.Sweep(s.cfg.PresenceTimeout)
	var fires []func()
	for _, u := range expired {
		s.cursors.Remove(u.ID)
		s.log.Debug().Str("peer", u.ID).Msg("presence expired")
		if h := s.cfg.Hooks.OnPresence; h != nil {
			u := u
			fires = append(fires, func() { h(PresenceExpired, u) })
		}
	}
	s.mu.Unlock()

	for _, f := range fires {
		f()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writeEvent marshals and writes one envelope. gorilla allows a
// single concurrent writer, so every write serializes on writeMu.
func (s *Session) writeEvent(conn *websocket.Conn, t protocol.EventType, payload any) error {
	raw, err := protocol.Encode(t, s.cfg.Credentials.UserID, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
