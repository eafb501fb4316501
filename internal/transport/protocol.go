package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types. Every yamux stream starts with either frameHello (the RPC
// control stream) or frameSubscribe (one stream per channel subscription).
const (
	frameHello       byte = 0x01 // client → server, opens the control stream
	frameRequest     byte = 0x02 // client → server, RPC request
	frameResponse    byte = 0x03 // server → client, RPC response
	frameSubscribe   byte = 0x04 // client → server, opens a subscription stream
	frameSubscribed  byte = 0x05 // server → client, subscription ack
	framePublication byte = 0x06 // server → client, one channel message
)

// maxFrameSize bounds a single frame. Terminal output chunks are small; a
// large paste is the worst case.
const maxFrameSize = 10 * 1024 * 1024

// Hello opens the control stream.
type Hello struct {
	ClientID string `json:"client_id"`
}

// Request is an RPC call from client to server.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Error is set when the
// server rejected the call.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SubscribeRequest opens a subscription stream for Channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
}

// SubscribeAck confirms or rejects a subscription.
type SubscribeAck struct {
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// Publication carries one channel message. Data is delivered to the
// subscriber's handler unchanged.
type Publication struct {
	Data json.RawMessage `json:"data"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][JSON payload]
// The length covers the type byte and the payload.

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload)+1 > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(payload)+1)
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, frameType byte, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameType, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// readJSON reads one frame, checks its type and decodes the payload into v.
func readJSON(r io.Reader, want byte, v any) error {
	frameType, payload, err := readFrame(r)
	if err != nil {
		return err
	}
	if frameType != want {
		return fmt.Errorf("unexpected frame type 0x%02x, want 0x%02x", frameType, want)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame 0x%02x: %w", frameType, err)
	}
	return nil
}
