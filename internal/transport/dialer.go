package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// Header names shared by Dialer and Server.
const (
	headerClientID = "X-Termlink-Client"
	headerAuth     = "Authorization"
)

// Dialer establishes control connections to a termlink endpoint.
type Dialer struct {
	// URL is the websocket endpoint, e.g. wss://host/termlink.
	URL string

	// Token, when set, is presented as a bearer token.
	Token string

	// TLSConfig is used for wss:// endpoints. Nil means the defaults.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the websocket handshake. Zero means 10s.
	HandshakeTimeout time.Duration

	// KeepAliveInterval is the yamux keepalive period. A connection
	// that misses keepalives is torn down, which is how a silent
	// network drop becomes visible. Zero means the yamux default.
	KeepAliveInterval time.Duration

	// WriteTimeout bounds a single websocket write. Zero means 10s.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Dial connects and returns a ready Client. The client is the yamux client
// side: it opens the control stream and one stream per subscription.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handshake := d.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
		TLSClientConfig:  d.TLSConfig,
	}

	clientID := uuid.New().String()
	header := http.Header{}
	header.Set(headerClientID, clientID)
	if d.Token != "" {
		header.Set(headerAuth, "Bearer "+d.Token)
	}

	wsConn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	logger = logger.With("client_id", clientID)
	session, err := yamux.Client(newWSConn(wsConn, writeTimeout), yamuxConfig(d.KeepAliveInterval, logger))
	if err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	client, err := newClient(clientID, session, logger)
	if err != nil {
		session.Close()
		return nil, err
	}
	logger.Debug("connected", "url", d.URL)
	return client, nil
}

func yamuxConfig(keepAlive time.Duration, logger *slog.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	if keepAlive > 0 {
		cfg.KeepAliveInterval = keepAlive
	}
	// yamux accepts either LogOutput or Logger, not both.
	cfg.LogOutput = nil
	cfg.Logger = slog.NewLogLogger(logger.With("component", "yamux").Handler(), slog.LevelDebug)
	return cfg
}
