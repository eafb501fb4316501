package transport

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// RPCHandler serves calls made by connected clients. Calls from one client
// are handled one at a time, in the order they were sent.
type RPCHandler interface {
	ServeRPC(ctx context.Context, clientID, method string, params json.RawMessage) (any, error)
}

// RPCHandlerFunc adapts a function to RPCHandler.
type RPCHandlerFunc func(ctx context.Context, clientID, method string, params json.RawMessage) (any, error)

func (f RPCHandlerFunc) ServeRPC(ctx context.Context, clientID, method string, params json.RawMessage) (any, error) {
	return f(ctx, clientID, method, params)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithToken requires clients to present token as a bearer token.
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithPublishTimeout bounds each write to a client stream. Non-positive
// values are ignored.
func WithPublishTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithKeepAlive sets the yamux keepalive interval for accepted sessions.
func WithKeepAlive(d time.Duration) ServerOption {
	return func(s *Server) { s.keepAlive = d }
}

// Server is the endpoint side of the transport: an http.Handler that
// accepts websocket connections, serves RPCs through an RPCHandler and
// fans out Publish calls to subscribed streams.
type Server struct {
	handler        RPCHandler
	token          string
	logger         *slog.Logger
	publishTimeout time.Duration
	keepAlive      time.Duration
	upgrader       websocket.Upgrader

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}

	subMu sync.RWMutex
	subs  map[string]map[*serverSub]struct{}
}

// serverSub is one client stream subscribed to a channel.
type serverSub struct {
	channel string
	stream  net.Conn
	mu      sync.Mutex // serialize writes
}

func (s *serverSub) write(frameType byte, msg any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		s.stream.SetWriteDeadline(time.Now().Add(timeout))
	}
	return writeJSON(s.stream, frameType, msg)
}

// NewServer returns a Server dispatching RPCs to handler.
func NewServer(handler RPCHandler, opts ...ServerOption) *Server {
	s := &Server{
		handler:        handler,
		logger:         slog.Default(),
		publishTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*yamux.Session]struct{}),
		subs:     make(map[string]map[*serverSub]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "transport-server")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && !s.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	clientID := r.Header.Get(headerClientID)
	logger := s.logger.With("client_id", clientID)

	// The server is the yamux server (accepts streams opened by the client)
	session, err := yamux.Server(newWSConn(wsConn, s.publishTimeout), yamuxConfig(s.keepAlive, logger))
	if err != nil {
		logger.Warn("yamux server", "error", err)
		wsConn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	logger.Info("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
		session.Close()
		logger.Info("client disconnected")
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			return // session closed
		}
		go s.handleStream(r.Context(), clientID, stream, logger)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	got, ok := strings.CutPrefix(r.Header.Get(headerAuth), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) handleStream(ctx context.Context, clientID string, stream net.Conn, logger *slog.Logger) {
	defer stream.Close()
	reader := bufio.NewReader(stream)

	frameType, payload, err := readFrame(reader)
	if err != nil {
		return
	}

	switch frameType {
	case frameHello:
		s.serveControl(ctx, clientID, stream, reader, logger)
	case frameSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			logger.Warn("bad subscribe frame", "error", err)
			return
		}
		s.serveSubscription(req.Channel, stream, reader, logger)
	default:
		logger.Warn("unexpected opening frame", "type", frameType)
	}
}

func (s *Server) serveControl(ctx context.Context, clientID string, stream net.Conn, reader *bufio.Reader, logger *slog.Logger) {
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return // connection closed
		}
		if frameType != frameRequest {
			logger.Warn("unexpected frame on control stream", "type", frameType)
			continue
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			logger.Warn("bad request frame", "error", err)
			continue
		}

		resp := Response{ID: req.ID}
		result, err := s.handler.ServeRPC(ctx, clientID, req.Method, req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = fmt.Sprintf("marshal result: %v", err)
			} else {
				resp.Result = raw
			}
		}

		stream.SetWriteDeadline(time.Now().Add(s.publishTimeout))
		if err := writeJSON(stream, frameResponse, resp); err != nil {
			logger.Debug("write response failed", "error", err)
			return
		}
	}
}

func (s *Server) serveSubscription(channel string, stream net.Conn, reader *bufio.Reader, logger *slog.Logger) {
	sub := &serverSub{channel: channel, stream: stream}
	if channel == "" {
		sub.write(frameSubscribed, SubscribeAck{Error: "empty channel"}, s.publishTimeout)
		return
	}

	// The ack must precede any publication on the stream, so it is written
	// before Publish can take the write lock.
	sub.mu.Lock()
	s.subMu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*serverSub]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	s.subMu.Unlock()
	defer s.removeSub(sub)

	stream.SetWriteDeadline(time.Now().Add(s.publishTimeout))
	err := writeJSON(stream, frameSubscribed, SubscribeAck{Channel: channel})
	sub.mu.Unlock()
	if err != nil {
		return
	}
	logger.Debug("subscribed", "channel", channel)

	// The client never writes after subscribing; reading only detects the
	// stream being closed.
	for {
		if _, _, err := readFrame(reader); err != nil {
			logger.Debug("unsubscribed", "channel", channel)
			return
		}
	}
}

func (s *Server) removeSub(sub *serverSub) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	subs := s.subs[sub.channel]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(s.subs, sub.channel)
	}
}

// Publish sends msg to every stream subscribed to channel and returns how
// many received it. Messages published by one goroutine reach each
// subscriber in publish order. A subscriber whose write fails is dropped.
func (s *Server) Publish(channel string, msg any) (int, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal publication: %w", err)
	}
	pub := Publication{Data: raw}

	s.subMu.RLock()
	subs := make([]*serverSub, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	delivered := 0
	var errs []error
	for _, sub := range subs {
		if err := sub.write(framePublication, pub, s.publishTimeout); err != nil {
			errs = append(errs, err)
			sub.stream.Close()
			s.removeSub(sub)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Subscribers returns the number of streams subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs[channel])
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseConnections drops every connected client. The server keeps
// accepting new connections.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	sessions := make([]*yamux.Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
