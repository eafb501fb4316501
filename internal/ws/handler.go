package ws

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peterje/termlink/internal/bridge"
	"github.com/peterje/termlink/internal/channel"
	"github.com/peterje/termlink/internal/control"
	"github.com/peterje/termlink/internal/db"
)

const (
	writeTimeout = 10 * time.Second
	outboxSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	} `json:"data"`
}

// annunciation is a text frame sent to the browser for everything that is
// not terminal output.
type annunciation struct {
	Type    string          `json:"type"`
	State   string          `json:"state,omitempty"`
	Phase   string          `json:"phase,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMsg struct {
	kind int
	data []byte
}

// Handler serves one browser terminal view per websocket. Every view gets
// its own bridge on the shared connection.
type Handler struct {
	conn     bridge.Conn
	registry *channel.Registry
	db       *sql.DB
	url      string
	base     *slog.Logger
	logger   *slog.Logger
	views    atomic.Int32
}

// NewHandler returns a Handler. database may be nil, in which case attaches
// are not recorded.
func NewHandler(conn bridge.Conn, registry *channel.Registry, database *sql.DB, url string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conn:     conn,
		registry: registry,
		db:       database,
		url:      url,
		base:     logger,
		logger:   logger.With("component", "ws"),
	}
}

// Views returns the number of open views.
func (h *Handler) Views() int { return int(h.views.Load()) }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer wsConn.Close()

	viewID := uuid.NewString()
	logger := h.logger.With("session_id", sessionID, "view", viewID)
	logger.Info("view opened")
	h.views.Add(1)
	defer h.views.Add(-1)

	if h.db != nil {
		if err := db.RecordAttach(r.Context(), h.db, sessionID, h.url, time.Now()); err != nil {
			logger.Warn("record attach failed", "error", err)
		}
	}

	done := make(chan struct{})
	outbox := make(chan outMsg, outboxSize)

	// push blocks so output is never dropped; it gives up once the view is
	// gone.
	push := func(m outMsg) {
		select {
		case outbox <- m:
		case <-done:
		}
	}
	pushText := func(a annunciation) {
		data, err := json.Marshal(a)
		if err != nil {
			return
		}
		push(outMsg{kind: websocket.TextMessage, data: data})
	}

	sink := bridge.SinkFunc(func(e bridge.Event) {
		switch e.Type {
		case bridge.EventOutput:
			push(outMsg{kind: websocket.BinaryMessage, data: []byte(e.Text)})
		case bridge.EventStatus:
			pushText(annunciation{Type: string(e.Type), Phase: e.Phase})
			if h.db != nil {
				if err := db.SetPhase(context.Background(), h.db, sessionID, e.Phase); err != nil {
					logger.Warn("record phase failed", "error", err)
				}
			}
		case bridge.EventError:
			pushText(annunciation{Type: string(e.Type), Message: e.Message})
		default:
			pushText(annunciation{Type: string(e.Type), Payload: e.Payload})
		}
	})

	b := bridge.New(sessionID, h.conn, h.registry, sink, true, bridge.WithLogger(h.base))
	defer b.Close()

	// Watchers run under the connection's notification lock, so this one
	// never blocks.
	stopWatch := h.conn.Watch(func(s control.State) {
		data, _ := json.Marshal(annunciation{Type: "connection", State: s.String()})
		select {
		case outbox <- outMsg{kind: websocket.TextMessage, data: data}:
		default:
		}
	})
	defer stopWatch()
	pushText(annunciation{Type: "connection", State: h.conn.State().String()})

	var wg sync.WaitGroup

	// bridge events -> websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case m := <-outbox:
				wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := wsConn.WriteMessage(m.kind, m.data); err != nil {
					logger.Debug("write to client failed", "error", err)
					wsConn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// websocket -> bridge (binary = input, text = control)
	for {
		msgType, msg, err := wsConn.ReadMessage()
		if err != nil {
			logger.Debug("read from client failed", "error", err)
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			b.SendInputBytes(msg)
		case websocket.TextMessage:
			var resize resizeMsg
			if json.Unmarshal(msg, &resize) == nil && resize.Type == "resize" {
				b.SendResize(resize.Data.Cols, resize.Data.Rows)
			}
		}
	}

	close(done)
	wg.Wait()
	logger.Info("view closed")
}
