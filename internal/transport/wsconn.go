package transport

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla/websocket.Conn to io.ReadWriteCloser so it can
// carry a yamux session. Each Write is one binary message; reads are
// stitched back into a byte stream.
type wsConn struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	buf []byte // leftover from a partial read
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		msgType, msg, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		w.buf = msg
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close does not wait for writeMu: WriteControl may run alongside a
// stalled Write, and closing the conn fails that Write.
func (w *wsConn) Close() error {
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*wsConn)(nil)
