package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, frameRequest, Request{ID: "r1", Method: "terminal.input"}))

	var req Request
	require.NoError(t, readJSON(&buf, frameRequest, &req))
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, "terminal.input", req.Method)
}

func TestReadJSONWrongType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, frameResponse, Response{ID: "r1"}))

	var req Request
	assert.Error(t, readJSON(&buf, frameRequest, &req))
}

func TestReadFrameRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0))
	_, _, err := readFrame(&buf)
	assert.ErrorContains(t, err, "empty frame")
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(maxFrameSize+1))
	_, _, err := readFrame(&buf)
	assert.ErrorContains(t, err, "too large")
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, framePublication, []byte(`{"data":1}`)))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, _, err := readFrame(truncated)
	assert.Error(t, err)
}
