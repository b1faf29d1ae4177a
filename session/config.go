package session

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collaborative-report-sync/merge"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultPresenceTimeout   = 90 * time.Second
	DefaultMaxReconnects     = 5
)

// Credentials identify the local user to the relay. Token is the
// session token the relay verifies during the handshake; UserID must
// match the user the token was minted for.
type Credentials struct {
	UserID string
	Name   string
	Email  string
	Token  string
}

// Config carries everything a session needs to join a document.
type Config struct {
	// RelayURL is the relay base URL, e.g. ws://localhost:8080.
	// http and https are accepted and rewritten to ws and wss.
	RelayURL string

	// DocumentID names the document to join.
	DocumentID string

	// Credentials identify the local user.
	Credentials Credentials

	// Hooks receive session events. All optional.
	Hooks Hooks

	// Logger used by the session. Nil means no logging.
	Logger *zerolog.Logger

	// Merger combines competing contents for merge resolutions.
	// Resolving with the merge strategy without one fails with
	// ErrNoMerger.
	Merger merge.Func

	// Dialer performs the WebSocket handshake. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// HeartbeatInterval is the gap between protocol heartbeats.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long after an unanswered heartbeat the
	// connection is declared dead and torn down for reconnect.
	HeartbeatTimeout time.Duration

	// CursorWindow throttles outbound cursor moves; within one window
	// only the latest position is transmitted.
	CursorWindow time.Duration

	// PresenceTimeout expires peers that showed no activity.
	PresenceTimeout time.Duration

	// MaxReconnectAttempts bounds one reconnect cycle before the
	// session goes terminally disconnected.
	MaxReconnectAttempts int
}

func (c Config) validate() error {
	if c.RelayURL == "" {
		return errors.New("session: relay url required")
	}
	if c.DocumentID == "" {
		return errors.New("session: document id required")
	}
	if c.Credentials.UserID == "" {
		return errors.New("session: user id required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.CursorWindow <= 0 {
		c.CursorWindow = 100 * time.Millisecond
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = DefaultPresenceTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnects
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}
