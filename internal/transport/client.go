package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
)

// ErrClosed is returned by calls on a client that has been closed, and by
// calls that were in flight when the connection went away.
var ErrClosed = errors.New("transport: connection closed")

// RemoteError is an RPC rejected by the server.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
}

// Client is the caller side of one control connection. It is safe for
// concurrent use.
type Client struct {
	id      string
	session *yamux.Session
	control net.Conn
	writeMu sync.Mutex // serialize control stream writes
	logger  *slog.Logger

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	reqCounter atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

func newClient(id string, session *yamux.Session, logger *slog.Logger) (*Client, error) {
	control, err := session.Open()
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	if err := writeJSON(control, frameHello, Hello{ClientID: id}); err != nil {
		control.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	c := &Client{
		id:      id,
		session: session,
		control: control,
		logger:  logger,
		pending: make(map[string]chan Response),
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go func() {
		select {
		case <-session.CloseChan():
			c.shutdown(fmt.Errorf("%w: session ended", ErrClosed))
		case <-c.done:
		}
	}()
	return c, nil
}

// ID returns the client id presented to the server.
func (c *Client) ID() string { return c.id }

// Done is closed once the connection is gone, for whatever reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended. It is nil while Done is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears down the connection. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.done)
		c.session.Close()

		c.subsMu.Lock()
		subs := c.subs
		c.subs = make(map[*subscription]struct{})
		c.subsMu.Unlock()
		for s := range subs {
			s.Close()
		}
	})
}

// Call invokes method with params and decodes the result into result,
// which may be nil. It returns *RemoteError when the server rejects the
// call and ErrClosed when the connection ends before a response arrives.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return c.err
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}
	req := Request{ID: c.nextReqID(), Method: method, Params: raw}

	// Register pending response channel
	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		c.control.SetWriteDeadline(deadline)
	} else {
		c.control.SetWriteDeadline(time.Time{})
	}
	err = writeJSON(c.control, frameRequest, req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: send request: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%s: unmarshal result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.err)
	}
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.control)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("control stream read failed", "error", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if frameType != frameResponse {
			c.logger.Warn("unexpected frame on control stream", "type", frameType)
			continue
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.logger.Warn("bad response frame", "error", err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Subscribe opens a subscription stream for channel. handler is called
// for each publication, one at a time, in the order the server published
// them. Closing the returned io.Closer ends the subscription; it is safe
// to close more than once and after the connection has gone.
//
// Subscribe does not wait for the server's acknowledgement. A rejected
// subscription is logged and closed.
func (c *Client) Subscribe(channel string, handler func(data []byte)) (io.Closer, error) {
	select {
	case <-c.done:
		return nil, c.err
	default:
	}

	stream, err := c.session.Open()
	if err != nil {
		return nil, fmt.Errorf("open subscription stream: %w", err)
	}
	if err := writeJSON(stream, frameSubscribe, SubscribeRequest{Channel: channel}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &subscription{
		client:  c,
		channel: channel,
		stream:  stream,
		handler: handler,
	}
	c.subsMu.Lock()
	c.subs[s] = struct{}{}
	c.subsMu.Unlock()

	go s.run()
	return s, nil
}

type subscription struct {
	client  *Client
	channel string
	stream  net.Conn
	handler func(data []byte)

	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *subscription) run() {
	defer s.Close()
	logger := s.client.logger.With("channel", s.channel)
	reader := bufio.NewReader(s.stream)

	var ack SubscribeAck
	if err := readJSON(reader, frameSubscribed, &ack); err != nil {
		if !s.closed.Load() {
			logger.Debug("subscription ack failed", "error", err)
		}
		return
	}
	if ack.Error != "" {
		logger.Warn("subscription rejected", "error", ack.Error)
		return
	}

	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, io.EOF) {
				logger.Debug("subscription read failed", "error", err)
			}
			return
		}
		if frameType != framePublication {
			continue
		}
		var pub Publication
		if err := json.Unmarshal(payload, &pub); err != nil {
			logger.Warn("bad publication", "error", err)
			continue
		}
		if s.closed.Load() {
			return
		}
		s.handler(pub.Data)
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.stream.Close()
		s.client.subsMu.Lock()
		delete(s.client.subs, s)
		s.client.subsMu.Unlock()
	})
	return nil
}
