package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/shotsync/internal/state"
)

// Event types.
const (
	TypeState = "state"
	TypeError = "error"
)

// Client command types.
const (
	CommandStart      = "start"
	CommandDisconnect = "disconnect"
)

// Controller receives commands sent by feed clients.
type Controller interface {
	Start()
	Disconnect()
}

type command struct {
	Type string `json:"type"`
}

// Server exposes the store over HTTP: GET /state returns the current
// snapshot, /ws streams it and accepts start/disconnect commands.
type Server struct {
	store    *state.Store
	ctrl     Controller
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer creates a feed Server. ctrl may be nil for a read-only feed.
// The upgrader keeps its default origin check: browser pages from another
// host cannot open /ws.
func NewServer(store *state.Store, ctrl Controller) *Server {
	return &Server{
		store: store,
		ctrl:  ctrl,
		hub:   NewHub(100 * time.Millisecond),
	}
}

// Hub returns the server's client hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/state", s.handleState)
	return mux
}

// Run broadcasts every store change until ctx is done.
func (s *Server) Run(ctx context.Context) {
	updates, cancel := s.store.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			s.hub.CloseAll()
			return
		case snap := <-updates:
			s.hub.Broadcast(Event{Type: TypeState, Payload: snap})
		}
	}
}

// ListenAndServe serves the feed on addr and broadcasts store changes
// until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[feed] listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(Event{Type: TypeError, Payload: "method not allowed"})
		return
	}
	_ = json.NewEncoder(w).Encode(s.store.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[feed] upgrade failed", "error", err)
		return
	}
	s.hub.AddClient(conn, Event{Type: TypeState, Payload: s.store.Snapshot()})
	go s.readCommands(conn)
}

// readCommands handles client messages until the connection closes.
func (s *Server) readCommands(conn *websocket.Conn) {
	defer s.hub.RemoveClient(conn)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			slog.Debug("[feed] bad command", "error", err)
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Server) dispatch(cmd command) {
	if s.ctrl == nil {
		return
	}
	switch cmd.Type {
	case CommandStart:
		s.ctrl.Start()
	case CommandDisconnect:
		s.ctrl.Disconnect()
	default:
		slog.Debug("[feed] unknown command", "type", cmd.Type)
	}
}
