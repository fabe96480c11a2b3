package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"boardcraft/internal/clock"
	"boardcraft/internal/crdt"
)

// Status is the connection state shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	// DefaultOutboxSize bounds local updates waiting to be written.
	DefaultOutboxSize = 256

	writeWait = 10 * time.Second
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// ServerURL is the relay base URL, e.g. ws://localhost:3001.
	ServerURL string
	// Room defaults to "default".
	Room       string
	Dialer     *websocket.Dialer
	Clock      clock.Clock
	Logger     *slog.Logger
	OutboxSize int
	// NewBackOff builds the reconnect policy. The default is exponential
	// from 250ms up to 10s, retrying forever.
	NewBackOff func() backoff.BackOff
}

// Session keeps one replica connected to a relay room. Local updates of
// the replica are written to the relay; frames from the relay are
// applied to the replica with OriginRemote, which keeps them from being
// sent back.
type Session struct {
	doc        *crdt.Document
	url        string
	room       string
	dialer     *websocket.Dialer
	clock      clock.Clock
	logger     *slog.Logger
	outboxSize int
	newBackOff func() backoff.BackOff

	snapshot     chan struct{}
	snapshotOnce sync.Once

	mu       sync.Mutex
	status   Status
	current  *connection
	watchers []func(Status)
	// unsent is set when a local update finds no connection.
	unsent bool

	stopUpdates func()
}

// connection is one websocket to the relay. Its outbox dies with it.
type connection struct {
	ws     *websocket.Conn
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewSession returns a session for doc. Nothing is dialled until Run.
func NewSession(doc *crdt.Document, opts SessionOptions) (*Session, error) {
	if opts.Room == "" {
		opts.Room = "default"
	}
	roomURL, err := RoomURL(opts.ServerURL, opts.Room)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}

	s := &Session{
		doc:        doc,
		url:        roomURL,
		room:       opts.Room,
		dialer:     opts.Dialer,
		clock:      opts.Clock,
		logger:     opts.Logger.With("room", opts.Room, "peer", doc.Peer()),
		outboxSize: opts.OutboxSize,
		newBackOff: opts.NewBackOff,
		snapshot:   make(chan struct{}),
		status:     StatusDisconnected,
	}
	s.stopUpdates = doc.OnUpdate(s.handleUpdate)
	if doc.Len() > 0 || len(doc.Tombstones()) > 0 {
		s.mu.Lock()
		s.unsent = true
		s.mu.Unlock()
	}
	return s, nil
}

// RoomURL joins a relay base URL and a room name.
func RoomURL(serverURL, room string) (string, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", serverURL, err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", serverURL, base.Scheme)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + room
	base.RawPath = ""
	return base.String(), nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Room returns the room name.
func (s *Session) Room() string { return s.room }

// Snapshot is closed once the first frame of the first connection, the
// relay's snapshot of the room, has been applied without error.
func (s *Session) Snapshot() <-chan struct{} { return s.snapshot }

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus registers fn for status transitions.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Run connects and keeps reconnecting until ctx is done. Local edits made
// while disconnected, including before the first connection, stay in the
// replica and are pushed as a snapshot once the next connection has
// received the room.
func (s *Session) Run(ctx context.Context) error {
	defer s.stopUpdates()
	defer s.setStatus(StatusDisconnected)

	policy := s.newBackOff()
	connectedBefore := false
	for {
		s.setStatus(StatusConnecting)
		ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err == nil {
			policy.Reset()
			s.serve(ctx, ws, connectedBefore)
			connectedBefore = true
		} else if ctx.Err() == nil {
			s.logger.Warn("dial relay failed", "url", s.url, "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setStatus(StatusDisconnected)

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("reconnect to %s: retries exhausted", s.url)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

// serve runs one connection until it fails or ctx is done.
func (s *Session) serve(ctx context.Context, ws *websocket.Conn, reconnect bool) {
	conn := &connection{
		ws:     ws,
		outbox: make(chan []byte, s.outboxSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.current = conn
	s.mu.Unlock()
	s.setStatus(StatusConnected)
	s.logger.Info("connected to relay", "url", s.url)

	defer func() {
		s.mu.Lock()
		if s.current == conn {
			s.current = nil
		}
		s.mu.Unlock()
		conn.close()
		s.logger.Info("disconnected from relay", "url", s.url)
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-conn.done:
		}
	}()
	go s.writeLoop(conn)

	first := true
	for {
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("relay read failed", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if _, err := s.doc.Apply(frame, crdt.OriginRemote); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			continue
		}
		if !first {
			continue
		}
		first = false
		s.snapshotOnce.Do(func() { close(s.snapshot) })
		if s.takeUnsent() || reconnect {
			s.pushSnapshot(conn)
		}
	}
}

// pushSnapshot sends the whole replica so edits made while offline, and
// any frames dropped on the way, reach the room.
func (s *Session) pushSnapshot(conn *connection) {
	if s.doc.Len() == 0 && len(s.doc.Tombstones()) == 0 {
		return
	}
	snapshot, err := s.doc.Snapshot()
	if err != nil {
		s.logger.Error("snapshot for resync", "error", err)
		return
	}
	s.enqueue(conn, snapshot)
}

func (s *Session) writeLoop(conn *connection) {
	for {
		select {
		case frame := <-conn.outbox:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Warn("relay write failed", "error", err)
				}
				conn.close()
				return
			}
		case <-conn.done:
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handleUpdate runs under the document lock for every applied update.
// Only locally originated updates go to the relay.
func (s *Session) handleUpdate(update []byte, origin crdt.Origin) {
	if origin != crdt.OriginLocal {
		return
	}
	s.mu.Lock()
	conn := s.current
	if conn == nil {
		s.unsent = true
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.enqueue(conn, update)
}

func (s *Session) takeUnsent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	unsent := s.unsent
	s.unsent = false
	return unsent
}

// enqueue never blocks. A full outbox drops the connection; the
// reconnect pushes a snapshot that covers the dropped updates.
func (s *Session) enqueue(conn *connection, frame []byte) {
	select {
	case conn.outbox <- frame:
	default:
		s.logger.Warn("outbox full, reconnecting to resync")
		conn.close()
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	watchers := append([]func(Status){}, s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(status)
	}
}
