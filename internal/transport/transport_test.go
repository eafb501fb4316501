package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resizeParams struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func startServer(t *testing.T, handler RPCHandler, opts ...ServerOption) (*Server, string) {
	t.Helper()
	srv := NewServer(handler, opts...)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	t.Cleanup(srv.CloseConnections)
	return srv, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	d := &Dialer{URL: url}
	client, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCallRoundTrip(t *testing.T) {
	handler := RPCHandlerFunc(func(_ context.Context, _ string, method string, params json.RawMessage) (any, error) {
		var p resizeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]any{"method": method, "area": p.Cols * p.Rows}, nil
	})
	_, url := startServer(t, handler)
	client := dial(t, url)

	var result struct {
		Method string `json:"method"`
		Area   int    `json:"area"`
	}
	err := client.Call(context.Background(), "terminal.resize", resizeParams{SessionID: "s1", Cols: 80, Rows: 24}, &result)
	require.NoError(t, err)
	assert.Equal(t, "terminal.resize", result.Method)
	assert.Equal(t, 80*24, result.Area)
}

func TestCallNilResult(t *testing.T) {
	handler := RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	})
	_, url := startServer(t, handler)
	client := dial(t, url)

	require.NoError(t, client.Call(context.Background(), "terminal.input", map[string]string{"data": "bHM="}, nil))
}

func TestCallRemoteError(t *testing.T) {
	handler := RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, errors.New("session not found")
	})
	_, url := startServer(t, handler)
	client := dial(t, url)

	err := client.Call(context.Background(), "terminal.input", nil, nil)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "terminal.input", remoteErr.Method)
	assert.Equal(t, "session not found", remoteErr.Message)
}

func TestCallsPreserveOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	handler := RPCHandlerFunc(func(_ context.Context, _ string, _ string, params json.RawMessage) (any, error) {
		var p struct {
			Data string `json:"data"`
		}
		json.Unmarshal(params, &p)
		mu.Lock()
		got = append(got, p.Data)
		mu.Unlock()
		return nil, nil
	})
	_, url := startServer(t, handler)
	client := dial(t, url)

	var want []string
	for i := 0; i < 20; i++ {
		data := fmt.Sprintf("k%d", i)
		want = append(want, data)
		require.NoError(t, client.Call(context.Background(), "terminal.input", map[string]string{"data": data}, nil))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestCloseFailsInFlightCalls(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	handler := RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	_, url := startServer(t, handler)
	defer close(release)
	client := dial(t, url)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(context.Background(), "terminal.input", nil, nil)
	}()

	<-entered
	client.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not fail after Close")
	}

	err := client.Call(context.Background(), "terminal.input", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCallContextCancel(t *testing.T) {
	release := make(chan struct{})
	handler := RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	_, url := startServer(t, handler)
	defer close(release)
	client := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "terminal.input", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeOrderedDelivery(t *testing.T) {
	srv, url := startServer(t, RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	}))
	client := dial(t, url)

	var mu sync.Mutex
	var got []int
	sub, err := client.Subscribe("terminal#session#abc", func(data []byte) {
		var msg struct {
			Seq int `json:"seq"`
		}
		json.Unmarshal(data, &msg)
		mu.Lock()
		got = append(got, msg.Seq)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return srv.Subscribers("terminal#session#abc") == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 1; i <= 50; i++ {
		n, err := srv.Publish("terminal#session#abc", map[string]int{"seq": i})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	_, err = srv.Publish("terminal#session#other", map[string]int{"seq": 999})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		assert.Equal(t, i+1, seq)
	}
}

func TestSubscriptionCloseUnsubscribes(t *testing.T) {
	srv, url := startServer(t, RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	}))
	client := dial(t, url)

	sub, err := client.Subscribe("ch", func([]byte) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Subscribers("ch") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return srv.Subscribers("ch") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriptionCloseAfterConnectionDrop(t *testing.T) {
	srv, url := startServer(t, RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	}))
	client := dial(t, url)

	sub, err := client.Subscribe("ch", func([]byte) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.CloseConnections()
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the dropped connection")
	}
	assert.ErrorIs(t, client.Err(), ErrClosed)
	assert.NoError(t, sub.Close())

	_, err = client.Subscribe("ch", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTokenRequired(t *testing.T) {
	_, url := startServer(t, RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	}), WithToken("s3cret"))

	_, err := (&Dialer{URL: url, Token: "wrong"}).Dial(context.Background())
	require.Error(t, err)

	client, err := (&Dialer{URL: url, Token: "s3cret"}).Dial(context.Background())
	require.NoError(t, err)
	client.Close()
}

func TestServerCountsConnections(t *testing.T) {
	srv, url := startServer(t, RPCHandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	}))
	client := dial(t, url)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, client.ID())

	client.Close()
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
