package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer is a minimal central system.
type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	conn     *websocket.Conn
	path     string
	auth     string
	received chan []json.RawMessage
	accepted chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{received: make(chan []json.RawMessage, 16), accepted: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.path = r.URL.Path
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		s.accepted <- struct{}{}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var parts []json.RawMessage
			if json.Unmarshal(data, &parts) == nil {
				s.received <- parts
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) send(t *testing.T, msg string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (s *testServer) next(t *testing.T) []json.RawMessage {
	t.Helper()
	select {
	case m := <-s.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func (s *testServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.Close()
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var v string
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func connect(t *testing.T, s *testServer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(s.URL, "http") + "/ocpp"
	cfg.Identity = "CP001"
	cfg.CallTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	<-s.accepted
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectPathAndAuth(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, func(cfg *Config) { cfg.Password = "secret" })
	assert.True(t, c.Connected())
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "/ocpp/CP001", s.path)
	assert.Equal(t, "Basic Q1AwMDE6c2VjcmV0", s.auth)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestCallResult(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, nil)

	type heartbeatConf struct {
		CurrentTime string `json:"currentTime"`
	}
	done := make(chan error, 1)
	var conf heartbeatConf
	go func() { done <- c.Call(context.Background(), "Heartbeat", struct{}{}, &conf) }()

	msg := s.next(t)
	require.Len(t, msg, 4)
	assert.Equal(t, "2", string(msg[0]))
	assert.Equal(t, "Heartbeat", str(t, msg[2]))
	assert.JSONEq(t, "{}", string(msg[3]))
	s.send(t, `[3,`+string(msg[1])+`,{"currentTime":"2024-01-01T00:00:00Z"}]`)

	require.NoError(t, <-done)
	assert.Equal(t, "2024-01-01T00:00:00Z", conf.CurrentTime)
	assert.Equal(t, 0, c.Pending())
}

func TestCallError(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, nil)

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "Authorize", map[string]string{"idTag": "A"}, nil) }()
	msg := s.next(t)
	s.send(t, `[4,`+string(msg[1])+`,"GenericError","boom",{"reason":"x"}]`)

	err := <-done
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, GenericError, callErr.Code)
	assert.Equal(t, "boom", callErr.Description)
	assert.JSONEq(t, `{"reason":"x"}`, string(callErr.Details))
}

func TestCallTimeoutDropsLateResult(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, func(cfg *Config) { cfg.CallTimeout = 50 * time.Millisecond })

	err := c.Call(context.Background(), "Heartbeat", struct{}{}, nil)
	assert.ErrorIs(t, err, ErrRpcTimeout)
	assert.Equal(t, 0, c.Pending())

	msg := s.next(t)
	s.send(t, `[3,`+string(msg[1])+`,{}]`)

	// the connection survives the late arrival
	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "Heartbeat", struct{}{}, nil) }()
	msg = s.next(t)
	s.send(t, `[3,`+string(msg[1])+`,{}]`)
	require.NoError(t, <-done)
}

func TestMessageIdsAreUnique(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, func(cfg *Config) { cfg.CallTimeout = 20 * time.Millisecond })
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		_ = c.Call(context.Background(), "Heartbeat", struct{}{}, nil)
		id := str(t, s.next(t)[1])
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestInboundCall(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, nil)
	require.NoError(t, c.Handle("Reset", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewCallError(FormationViolation, "%v", err)
		}
		return map[string]string{"status": "Accepted", "echo": req.Type}, nil
	}))
	assert.ErrorIs(t, c.Handle("Reset", nil), ErrDuplicateHandler)

	s.send(t, `[2,"abc","Reset",{"type":"Soft"}]`)
	msg := s.next(t)
	require.Len(t, msg, 3)
	assert.Equal(t, "3", string(msg[0]))
	assert.Equal(t, "abc", str(t, msg[1]))
	assert.JSONEq(t, `{"status":"Accepted","echo":"Soft"}`, string(msg[2]))

	s.send(t, `[2,"bad","Reset","not an object"]`)
	msg = s.next(t)
	assert.Equal(t, "4", string(msg[0]))
	assert.Equal(t, string(FormationViolation), str(t, msg[2]))
}

func TestInboundUnknownAction(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, nil)

	s.send(t, `[2,"x1","SetChargingProfile",{}]`)
	msg := s.next(t)
	require.Len(t, msg, 5)
	assert.Equal(t, "4", string(msg[0]))
	assert.Equal(t, "x1", str(t, msg[1]))
	assert.Equal(t, "NotImplemented", str(t, msg[2]))
	assert.Equal(t, "", str(t, msg[3]))
	assert.JSONEq(t, "{}", string(msg[4]))
}

func TestInboundHandlerFailures(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, nil)
	require.NoError(t, c.Handle("Fails", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, errors.New("broken")
	}))
	require.NoError(t, c.Handle("Panics", func(context.Context, json.RawMessage) (interface{}, error) {
		panic("oops")
	}))

	s.send(t, `[2,"f","Fails",{}]`)
	msg := s.next(t)
	assert.Equal(t, "InternalError", str(t, msg[2]))
	assert.Equal(t, "broken", str(t, msg[3]))

	s.send(t, `[2,"p","Panics",{}]`)
	msg = s.next(t)
	assert.Equal(t, "InternalError", str(t, msg[2]))
	assert.True(t, c.Connected())
}

func TestConnectionCloseFailsPendingCalls(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s, func(cfg *Config) { cfg.CallTimeout = 5 * time.Second })

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "Heartbeat", struct{}{}, nil) }()
	s.next(t)
	s.dropConnection()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}
	<-c.Done()
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Call(context.Background(), "Heartbeat", struct{}{}, nil), ErrNotConnected)
}

func TestDecode(t *testing.T) {
	_, err := decode([]byte(`[2,"1"]`))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	_, err = decode([]byte(`{}`))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	f, err := decode([]byte(`[4,"9","NotSupported","nope"]`))
	require.NoError(t, err)
	assert.Equal(t, NotSupported, f.code)
	assert.Equal(t, "nope", f.description)
}
