// Package codec converts terminal text to and from the base64 frames carried
// on the wire.
//
// Frames are the standard base64 alphabet applied to the UTF-8 bytes of the
// text. Go strings are byte sequences, so the round trip is exact for any
// input, including multi-byte code points and bytes that are not valid UTF-8
// (meta-key sequences from a raw terminal, for example).
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeError reports a frame that is not valid base64.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode returns the frame for text.
func Encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// EncodeBytes returns the frame for raw bytes.
func EncodeBytes(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode returns the text carried by frame. Frames with the trailing padding
// stripped are accepted.
func Decode(frame string) (string, error) {
	data, err := DecodeBytes(frame)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeBytes returns the raw bytes carried by frame.
func DecodeBytes(frame string) ([]byte, error) {
	enc := base64.StdEncoding
	if !strings.HasSuffix(frame, "=") && len(frame)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(frame)
	if err != nil {
		return nil, &DecodeError{Frame: frame, Err: err}
	}
	return data, nil
}

// DecodeOrRaw decodes an inbound frame, falling back to the frame itself when
// it is malformed. The second result is false when the fallback was taken.
// Use it for inbound data only; outbound text always goes through Encode.
func DecodeOrRaw(frame string) (string, bool) {
	text, err := Decode(frame)
	if err != nil {
		return frame, false
	}
	return text, true
}
