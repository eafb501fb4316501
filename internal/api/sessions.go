package api

import (
	"database/sql"
	"net/http"

	"github.com/peterje/termlink/internal/db"
)

type SessionsHandler struct {
	db *sql.DB
}

func NewSessionsHandler(database *sql.DB) *SessionsHandler {
	return &SessionsHandler{db: database}
}

// HandleList returns the attach history, most recent first.
func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		WriteJSON(w, http.StatusOK, []struct{}{})
		return
	}
	sessions, err := db.ListSessions(r.Context(), h.db)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}
