// Package api serves the relay's HTTP surface: JSON status endpoints
// under /api and the websocket endpoint on every other path.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"boardcraft/internal/clock"
	"boardcraft/internal/journal"
	"boardcraft/internal/relay"
)

const defaultHistoryLimit = 50

// Rooms is the read side of the relay registry.
type Rooms interface {
	Rooms() []relay.RoomInfo
	Lookup(name string) (relay.RoomInfo, bool)
}

// Historian returns a room's journal, newest first.
type Historian interface {
	History(ctx context.Context, room string, limit int) ([]journal.Event, error)
}

// Module describes an add-on a board can load.
type Module struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Modules is the add-on catalogue.
var Modules = []Module{
	{ID: "dice-roller", Name: "Dice Roller", Version: "1.0.0"},
	{ID: "chat", Name: "Chat", Version: "1.0.0"},
	{ID: "grid-snap", Name: "Grid Snap", Version: "1.0.0"},
}

// Options configures the router.
type Options struct {
	Rooms Rooms
	// Websocket serves every path outside /api.
	Websocket http.Handler
	// History is optional; without it the history route is not mounted.
	History Historian
	Clock   clock.Clock
	Logger  *slog.Logger
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Rooms      []string  `json:"rooms"`
	TotalUsers int       `json:"totalUsers"`
}

// RoomResponse is the body of GET /api/rooms/{roomId}.
type RoomResponse struct {
	RoomID  string          `json:"roomId"`
	Exists  bool            `json:"exists"`
	Users   int             `json:"users"`
	State   relay.RoomState `json:"state,omitempty"`
	Modules []Module        `json:"modules"`
}

type server struct {
	rooms   Rooms
	history Historian
	clock   clock.Clock
	logger  *slog.Logger
}

// NewRouter returns the relay's root handler.
func NewRouter(opts Options) http.Handler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &server{rooms: opts.Rooms, history: opts.History, clock: opts.Clock, logger: opts.Logger}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Use(cors)
	api.HandleFunc("/status", s.status).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms", s.listRooms).Methods(http.MethodGet, http.MethodOptions)
	// Room names may contain slashes, so history is matched first.
	if s.history != nil {
		api.HandleFunc("/rooms/{roomId:.+}/history", s.roomHistory).Methods(http.MethodGet, http.MethodOptions)
	}
	api.HandleFunc("/rooms/{roomId:.+}", s.room).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/modules", s.modules).Methods(http.MethodGet, http.MethodOptions)
	api.PathPrefix("/").HandlerFunc(s.notFound)

	if opts.Websocket != nil {
		router.PathPrefix("/").Handler(opts.Websocket)
	}
	return router
}

// cors allows any origin, answering preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	infos := s.rooms.Rooms()
	names := make([]string, 0, len(infos))
	users := 0
	for _, info := range infos {
		names = append(names, info.Name)
		users += info.Users
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:     "ok",
		Timestamp:  s.clock.Now().UTC(),
		Rooms:      names,
		TotalUsers: users,
	})
}

func (s *server) listRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rooms.Rooms())
}

func (s *server) room(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	info, ok := s.rooms.Lookup(roomID)
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "exists": false, "users": 0})
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{
		RoomID:  roomID,
		Exists:  true,
		Users:   info.Users,
		State:   info.State,
		Modules: []Module{},
	})
}

func (s *server) roomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := s.history.History(r.Context(), roomID, limit)
	if err != nil {
		s.logger.Error("room history", "room", roomID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *server) modules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Modules)
}

func (s *server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}
