package relay

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultMaxFrameSize caps a single inbound frame.
	DefaultMaxFrameSize = 1 << 20

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// HandlerOptions configures the websocket endpoint.
type HandlerOptions struct {
	Logger       *slog.Logger
	QueueSize    int
	MaxFrameSize int64
	// CheckOrigin overrides the upgrader's origin check. The default
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests to websocket sessions. The room is the
// request path with slashes trimmed, or DefaultRoom for "/".
type Handler struct {
	registry  *Registry
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	queueSize int
	maxFrame  int64
}

// NewHandler returns a Handler serving rooms of registry.
func NewHandler(registry *Registry, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger:    opts.Logger,
		queueSize: opts.QueueSize,
		maxFrame:  opts.MaxFrameSize,
	}
}

// RoomFromPath derives a room name from a request path.
func RoomFromPath(path string) string {
	name := strings.Trim(path, "/")
	if name == "" {
		return DefaultRoom
	}
	return name
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := RoomFromPath(r.URL.Path)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Warn("websocket upgrade failed", "room", name, "remote", r.RemoteAddr, "error", err)
		return
	}

	session := NewSession(h.queueSize)
	room, err := h.registry.Join(name, session)
	if err != nil {
		h.logger.Error("join failed", "room", name, "error", err)
		conn.Close()
		return
	}
	h.logger.Info("ws client connected", "room", name, "session", session.ID(), "remote", r.RemoteAddr)

	go h.writePump(conn, session)
	go h.readPump(conn, room, session)
}

// readPump feeds frames from the connection into the room until the
// connection fails, then deregisters the session.
func (h *Handler) readPump(conn *websocket.Conn, room *Room, session *Session) {
	defer func() {
		h.registry.Leave(session)
		session.Close()
		conn.Close()
		h.logger.Info("ws client disconnected", "room", room.Name(), "session", session.ID())
	}()

	conn.SetReadLimit(h.maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws read failed", "room", room.Name(), "session", session.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			h.logger.Warn("dropping non-binary frame", "room", room.Name(), "session", session.ID())
			continue
		}
		if err := h.registry.Broadcast(room, session, frame); err != nil {
			if errors.Is(err, ErrRoomClosed) {
				return
			}
			h.logger.Warn("dropping frame", "room", room.Name(), "session", session.ID(), "error", err)
		}
	}
}

// writePump is the only writer of conn. It drains the session queue and
// keeps the connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-session.Outgoing():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				session.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Close()
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session closed"),
				time.Now().Add(writeWait))
			return
		}
	}
}
