// Package channel maintains the bidirectional event stream between the client
// and the chat backend over a WebSocket, reconnecting on transient drops.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/parley/internal/models"
)

// Boundary events raised by the channel itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventChannelError = "channelError"

	// eventAck carries the reply to an EmitWithAck frame.
	eventAck = "ack"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 8 << 20 // images travel inline
	sendBuffer   = 64
)

var (
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("channel closed")

	// ErrNotConnected is returned while the channel is between connections.
	ErrNotConnected = errors.New("channel not connected")

	// ErrSendBufferFull is returned when the write pump cannot keep up.
	ErrSendBufferFull = errors.New("channel send buffer full")
)

// TransportError reports that the channel could not be (re)established.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a frame the channel could not understand.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Frame is the JSON envelope exchanged on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// Handler receives the raw data of an event.
// For EventChannelError the data is a JSON object {"error": "..."} and the
// typed error is available through LastError.
type Handler func(data json.RawMessage)

// AckFunc receives the backend's reply to an EmitWithAck call.
type AckFunc func(data json.RawMessage)

// HandlerID identifies a registration for Off.
type HandlerID uint64

// Config holds connection settings.
type Config struct {
	URL              string
	Token            string
	MaxRetries       int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	HandshakeTimeout time.Duration
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// link is one physical connection. A Channel replaces its link on reconnect.
type link struct {
	ws   *websocket.Conn
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.stop)
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = l.ws.Close()
	})
}

// Channel is the single live event stream for one identity.
// All methods are safe for concurrent use. Handlers run sequentially on the
// read goroutine in arrival order.
type Channel struct {
	cfg      Config
	identity models.Identity
	logger   *slog.Logger
	dialer   websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	link     *link
	closed   bool
	handlers map[string][]handlerEntry
	nextID   HandlerID
	acks     map[string]AckFunc
	lastErr  error
}

// Dial opens the channel for identity. The initial connection is attempted
// once; later drops are retried with exponential backoff.
func Dial(ctx context.Context, cfg Config, identity models.Identity, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		identity: identity,
		logger:   logger.With("component", "channel", "user_id", identity.UserID),
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string][]handlerEntry),
		acks:     make(map[string]AckFunc),
	}

	l, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, &TransportError{Attempts: 1, Err: err}
	}
	c.link = l
	go c.run(l)

	c.logger.Info("channel connected", "url", cfg.URL)
	return c, nil
}

// Identity returns the identity the channel is keyed to.
func (c *Channel) Identity() models.Identity {
	return c.identity
}

// Connected reports whether a live connection exists right now.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && !c.closed
}

// LastError returns the most recent error surfaced through EventChannelError.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// On registers fn for event and returns an id for Off.
func (c *Channel) On(event string, fn Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	return id
}

// Off removes a registration. Unknown ids are ignored.
func (c *Channel) Off(event string, id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (c *Channel) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Emit sends event with payload. It never blocks on the network.
func (c *Channel) Emit(event string, payload any) error {
	return c.emit(Frame{Event: event}, payload)
}

// EmitWithAck sends event and calls ack with the backend's reply.
func (c *Channel) EmitWithAck(event string, payload any, ack AckFunc) error {
	id := uuid.New().String()
	c.mu.Lock()
	c.acks[id] = ack
	c.mu.Unlock()

	if err := c.emit(Frame{Event: event, Ack: id}, payload); err != nil {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Channel) emit(frame Frame, payload any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", frame.Event, err)
		}
		frame.Data = data
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.link == nil {
		return ErrNotConnected
	}
	select {
	case c.link.send <- raw:
		c.logger.Debug("emit", "event", frame.Event)
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Disconnect closes the channel for good and waits for the read loop to exit.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.acks = make(map[string]AckFunc)
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		l.close()
	}
	<-c.done
	c.logger.Info("channel disconnected")
	return nil
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("userId", strconv.FormatInt(c.identity.UserID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) connect(ctx context.Context) (*link, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	l := &link{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		stop: make(chan struct{}),
	}
	go writePump(l)
	return l, nil
}

func writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case msg := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.close()
				return
			}
		case <-ticker.C:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}
		}
	}
}

// run reads frames until the channel is closed or reconnect gives up.
func (c *Channel) run(l *link) {
	defer close(c.done)

	for {
		err := c.readLoop(l)
		l.close()

		c.mu.Lock()
		closed := c.closed
		c.link = nil
		c.mu.Unlock()
		if closed {
			return
		}

		c.logger.Warn("channel dropped, reconnecting", "error", err)
		c.dispatch(EventDisconnect, nil)

		next, attempts, rerr := c.reconnect()
		if rerr != nil {
			if errors.Is(rerr, ErrClosed) || errors.Is(rerr, context.Canceled) {
				return
			}
			terr := &TransportError{Attempts: attempts, Err: rerr}
			c.logger.Error("channel reconnect exhausted", "attempts", attempts, "error", rerr)
			c.fail(terr)
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.close()
			return
		}
		c.link = next
		c.mu.Unlock()

		c.logger.Info("channel reconnected", "attempts", attempts)
		c.dispatch(EventConnect, nil)
		l = next
	}
}

func (c *Channel) reconnect() (*link, int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialInterval
	exp.MaxInterval = c.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), c.ctx)

	var (
		next     *link
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrClosed)
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
		defer cancel()
		l, err := c.connect(ctx)
		if err != nil {
			c.logger.Debug("reconnect attempt failed", "attempt", attempts, "error", err)
			return err
		}
		next = l
		return nil
	}, policy)
	return next, attempts, err
}

func (c *Channel) readLoop(l *link) error {
	for {
		_, raw, err := l.ws.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			if err == nil {
				err = errors.New("frame without event name")
			}
			c.fail(&ProtocolError{Raw: raw, Err: err})
			continue
		}

		if frame.Event == eventAck {
			c.resolveAck(frame)
			continue
		}
		c.dispatch(frame.Event, frame.Data)
	}
}

func (c *Channel) resolveAck(frame Frame) {
	c.mu.Lock()
	fn, ok := c.acks[frame.Ack]
	delete(c.acks, frame.Ack)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ack for unknown emit", "ack", frame.Ack)
		return
	}
	c.safeCall(eventAck, func() { fn(frame.Data) })
}

// fail records err and raises EventChannelError.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Error("channel error", "error", err)
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	c.dispatch(EventChannelError, data)
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.mu.Unlock()

	if len(entries) == 0 {
		c.logger.Debug("event without handlers", "event", event)
		return
	}
	for _, e := range entries {
		fn := e.fn
		c.safeCall(event, func() { fn(data) })
	}
}

// safeCall keeps a misbehaving handler from killing the read loop.
func (c *Channel) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
