package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

// Handler serves one inbound action. A returned *CallError is sent as is,
// any other error as InternalError.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

type Config struct {
	URL              string
	Identity         string
	Password         string
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables websocket keepalive when positive.
	PingInterval time.Duration
}

func NewDefaultConfig() Config {
	return Config{
		CallTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     60 * time.Second,
	}
}

type pendingCall struct {
	messageID string
	action    string
	sentAt    time.Time
	responder chan response
}

type response struct {
	payload json.RawMessage
	err     error
}

// connection is one websocket session; pending calls die with it.
type connection struct {
	ws      *websocket.Conn
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// Client speaks OCPP-J to the central system. It never reconnects on its own.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	nextID atomic.Uint64

	connMu sync.Mutex
	conn   *connection
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		handlers: make(map[string]Handler),
		pending:  make(map[string]*pendingCall),
	}
}

// Handle registers the handler of action. Only one handler per action is allowed.
func (c *Client) Handle(action string, h Handler) error {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, ok := c.handlers[action]; ok {
		return errors.Wrap(ErrDuplicateHandler, action)
	}
	c.handlers[action] = h
	return nil
}

func (c *Client) endpoint() string {
	return strings.TrimSuffix(c.cfg.URL, "/") + "/" + c.cfg.Identity
}

// Connect dials the central system.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	header := http.Header{}
	if c.cfg.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.cfg.Identity + ":" + c.cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint(), header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial %s: status %d", c.endpoint(), resp.StatusCode)
		}
		return errors.Wrapf(err, "dial %s", c.endpoint())
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close()
		return fmt.Errorf("central system did not accept subprotocol %s", Subprotocol)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{ws: ws, done: make(chan struct{}), ctx: connCtx, cancel: cancel}
	c.conn = conn
	if c.cfg.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		})
		go c.keepalive(conn)
	}
	go c.readLoop(conn)
	klog.V(2).InfoS("Connected to central system", "url", c.endpoint())
	return nil
}

func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Done is closed when the current connection ends. Without a connection it
// returns a closed channel.
func (c *Client) Done() <-chan struct{} {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.conn.done
}

func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.ws.Close()
	<-conn.done
	return err
}

func (c *Client) current() *connection {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) keepalive(conn *connection) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				klog.V(2).InfoS("Failed to ping central system", "err", err)
				_ = conn.ws.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *connection) {
	defer func() {
		_ = conn.ws.Close()
		conn.cancel()
		c.failPending(ErrConnectionClosed)
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		close(conn.done)
		klog.V(2).InfoS("Disconnected from central system")
	}()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				klog.V(2).InfoS("Websocket read failed", "err", err)
			}
			return
		}
		if c.cfg.PingInterval > 0 {
			_ = conn.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		}
		klog.V(5).InfoS("Received message", "message", string(data))
		c.dispatch(conn, data)
	}
}

func (c *Client) dispatch(conn *connection, data []byte) {
	f, err := decode(data)
	if err != nil {
		klog.V(2).InfoS("Dropping malformed message", "err", err, "message", string(data))
		if f != nil && f.typ == MessageTypeCall && f.id != "" {
			c.sendError(conn, f.id, FormationViolation, err.Error())
		}
		return
	}
	switch f.typ {
	case MessageTypeCall:
		c.handlersMu.RLock()
		h, ok := c.handlers[f.action]
		c.handlersMu.RUnlock()
		if !ok {
			klog.V(3).InfoS("No handler for action", "action", f.action, "messageId", f.id)
			c.sendError(conn, f.id, NotImplemented, "")
			return
		}
		go c.invoke(conn, h, f)
	case MessageTypeCallResult:
		c.resolve(f.id, response{payload: f.payload})
	case MessageTypeCallError:
		c.resolve(f.id, response{err: &CallError{Code: f.code, Description: f.description, Details: f.details}})
	}
}

func (c *Client) invoke(conn *connection, h Handler, f *frame) {
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(fmt.Errorf("%v", r), "Handler panicked", "action", f.action, "messageId", f.id)
			c.sendError(conn, f.id, InternalError, fmt.Sprint(r))
		}
	}()
	result, err := h(conn.ctx, f.payload)
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			c.sendError(conn, f.id, callErr.Code, callErr.Description)
			return
		}
		klog.ErrorS(err, "Handler failed", "action", f.action, "messageId", f.id)
		c.sendError(conn, f.id, InternalError, err.Error())
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		c.sendError(conn, f.id, InternalError, err.Error())
		return
	}
	msg, err := encodeResult(f.id, payload)
	if err != nil {
		c.sendError(conn, f.id, InternalError, err.Error())
		return
	}
	if err := c.write(conn, msg); err != nil {
		klog.V(2).InfoS("Failed to send call result", "action", f.action, "messageId", f.id, "err", err)
	}
}

func (c *Client) sendError(conn *connection, id string, code ErrorCode, description string) {
	msg, err := encodeError(id, code, description, nil)
	if err != nil {
		klog.ErrorS(err, "Failed to encode call error", "messageId", id)
		return
	}
	if err := c.write(conn, msg); err != nil {
		klog.V(2).InfoS("Failed to send call error", "messageId", id, "err", err)
	}
}

func (c *Client) write(conn *connection, msg []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	klog.V(5).InfoS("Sending message", "message", string(msg))
	return conn.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) resolve(id string, r response) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		klog.V(2).InfoS("Dropping response without pending call", "messageId", id)
		return
	}
	klog.V(4).InfoS("Call completed", "action", p.action, "messageId", id, "elapsed", time.Since(p.sentAt))
	p.responder <- r
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.pendingMu.Unlock()
	for _, p := range pending {
		p.responder <- response{err: err}
	}
}

func (c *Client) discard(id string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}

// Pending returns the number of calls waiting for an answer.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Call sends action and decodes the result into resp. It waits at most
// CallTimeout, or less when ctx expires earlier.
func (c *Client) Call(ctx context.Context, action string, req interface{}, resp interface{}) error {
	conn := c.current()
	if conn == nil {
		return errors.Wrap(ErrNotConnected, action)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "encode %s", action)
	}
	id := strconv.FormatUint(c.nextID.Inc(), 10)
	msg, err := encodeCall(id, action, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", action)
	}

	p := &pendingCall{messageID: id, action: action, sentAt: time.Now(), responder: make(chan response, 1)}
	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	if err := c.write(conn, msg); err != nil {
		c.discard(id)
		return errors.Wrapf(ErrConnectionClosed, "send %s: %v", action, err)
	}

	select {
	case r := <-p.responder:
		if r.err != nil {
			return r.err
		}
		if resp == nil {
			return nil
		}
		if err := json.Unmarshal(r.payload, resp); err != nil {
			return errors.Wrapf(err, "decode %s result", action)
		}
		return nil
	case <-ctx.Done():
		c.discard(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			klog.V(2).InfoS("Call timed out", "action", action, "messageId", id)
			return errors.Wrapf(ErrRpcTimeout, "%s %s", action, id)
		}
		return ctx.Err()
	}
}
