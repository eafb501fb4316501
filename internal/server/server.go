package server

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/peterje/termlink/internal/api"
	"github.com/peterje/termlink/internal/bridge"
	"github.com/peterje/termlink/internal/channel"
	"github.com/peterje/termlink/internal/control"
	"github.com/peterje/termlink/internal/models"
	"github.com/peterje/termlink/internal/ws"
)

// Conn is the part of *control.Manager the web front end uses.
type Conn interface {
	bridge.Conn
	LastError() error
}

type Server struct {
	mux      *http.ServeMux
	db       *sql.DB
	conn     Conn
	registry *channel.Registry
	views    *ws.Handler
}

// New builds the web front end. database may be nil.
func New(database *sql.DB, conn Conn, registry *channel.Registry, url string, logger *slog.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		db:       database,
		conn:     conn,
		registry: registry,
		views:    ws.NewHandler(conn, registry, database, url, logger),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.db)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)

	// WebSocket
	s.mux.Handle("GET /ws/session/{id}", s.views)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.conn.State()
	resp := models.HealthResponse{
		Status:     "ok",
		Connection: state.String(),
		Views:      s.views.Views(),
	}
	if state != control.Connected {
		resp.Status = "degraded"
	}
	if err := s.conn.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
