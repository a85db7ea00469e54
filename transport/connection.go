// Package transport adapts a Twilio Media Streams WebSocket connection to the
// frame.Adapter contract.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/frame"
)

// Verify interface compliance at compile time.
var _ frame.Adapter = (*Connection)(nil)

const (
	defaultQueueSize  = 100
	defaultCloseGrace = 2 * time.Second
	defaultWriteWait  = 5 * time.Second
	defaultReadLimit  = 1 << 20
)

// Option configures a Connection.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	queueSize  int
	closeGrace time.Duration
	writeWait  time.Duration
	readLimit  int64
	onDrop     func()
}

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithQueueSize sets the number of outbound messages buffered before the
// oldest is dropped.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithCloseGrace sets how long Close waits for the peer to acknowledge the
// close handshake.
func WithCloseGrace(d time.Duration) Option {
	return func(o *options) {
		o.closeGrace = d
	}
}

// WithWriteWait sets the per-message write deadline.
func WithWriteWait(d time.Duration) Option {
	return func(o *options) {
		o.writeWait = d
	}
}

// WithReadLimit sets the maximum inbound message size.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		o.readLimit = n
	}
}

// WithDropHandler registers a callback run each time a queued outbound
// message is discarded to make room.
func WithDropHandler(fn func()) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

func buildOptions(opts []Option) options {
	cfg := options{
		logger:     slog.Default(),
		queueSize:  defaultQueueSize,
		closeGrace: defaultCloseGrace,
		writeWait:  defaultWriteWait,
		readLimit:  defaultReadLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultQueueSize
	}
	return cfg
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an incoming Media Streams request.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Connection, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewConnection(wsConn, opts...), nil
}

// Connection is one Media Streams WebSocket. Reading starts when the frame
// handler is registered; writes go through a bounded queue that drops the
// oldest message when full.
type Connection struct {
	wsConn   *websocket.Conn
	opts     options
	logger   *slog.Logger
	dispatch frame.Dispatcher
	queue    *frame.Queue

	done      chan struct{}
	readDone  chan struct{}
	startRead sync.Once
	closeOnce sync.Once

	mu          sync.RWMutex
	streamSID   string
	callSID     string
	closed      bool
	readStarted bool
}

// NewConnection wraps an established WebSocket and starts its writer.
func NewConnection(wsConn *websocket.Conn, opts ...Option) *Connection {
	cfg := buildOptions(opts)
	wsConn.SetReadLimit(cfg.readLimit)

	c := &Connection{
		wsConn:   wsConn,
		opts:     cfg,
		logger:   cfg.logger.With("side", "telephony", "provider", bridge.ProviderTwilio, "remote", wsConn.RemoteAddr().String()),
		queue:    frame.NewQueue(cfg.queueSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// StreamSID returns the stream SID once the start event has been read.
func (c *Connection) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the associated call SID once the start event has been read.
func (c *Connection) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// OnFrame registers the frame handler and starts reading.
func (c *Connection) OnFrame(handler func(frame.Frame)) error {
	if err := c.dispatch.SetFrameHandler(handler); err != nil {
		return err
	}
	c.startRead.Do(func() {
		c.mu.Lock()
		c.readStarted = true
		c.mu.Unlock()
		go c.readLoop()
	})
	return nil
}

// OnClosed registers the close handler.
func (c *Connection) OnClosed(handler func(error)) error {
	return c.dispatch.SetClosedHandler(handler)
}

// Send queues a frame for the peer. Audio becomes a media message, a mark
// control a mark message and a clear control a clear message, all tagged
// with the stream SID. A clear discards audio still queued locally.
func (c *Connection) Send(f frame.Frame) error {
	c.mu.RLock()
	closed, streamSID := c.closed, c.streamSID
	c.mu.RUnlock()

	if closed {
		return frame.ErrConnectionClosed
	}

	data, err := encodeFrame(streamSID, f)
	if err != nil {
		return err
	}

	if ctl, ok := f.(frame.Control); ok && ctl.Kind == frame.KindClear {
		if n := c.queue.Reset(); n > 0 {
			c.logger.Debug("discarded queued audio on clear", "messages", n)
		}
	}

	if c.queue.Push(data) {
		c.logger.Debug("outbound queue full, dropped oldest message")
		if c.opts.onDrop != nil {
			c.opts.onDrop()
		}
	}
	return nil
}

// Close performs the close handshake, waits up to the close grace for the
// peer, then releases the socket.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()

		deadline := time.Now().Add(c.opts.closeGrace)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.wsConn.WriteControl(websocket.CloseMessage, msg, deadline); err == nil && c.isReading() {
			select {
			case <-c.readDone:
			case <-time.After(c.opts.closeGrace):
				c.logger.Debug("peer did not complete close handshake")
			}
		}

		_ = c.wsConn.Close()
		c.dispatch.Fire(nil)
	})
	return nil
}

func (c *Connection) fail(cause error) {
	c.closeOnce.Do(func() {
		c.markClosed()
		_ = c.wsConn.Close()
		if cause != nil {
			c.logger.Warn("connection failed", "error", cause)
		}
		c.dispatch.Fire(cause)
	})
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *Connection) isReading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readStarted
}

// readLoop reads messages from the WebSocket.
func (c *Connection) readLoop() {
	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			close(c.readDone)
			c.fail(closeCause(err))
			return
		}

		f, err := parseMessage(data)
		if err != nil {
			if errors.Is(err, errIgnoredEvent) {
				c.logger.Debug("ignoring event", "error", err)
			} else {
				c.logger.Warn("dropping unparseable message", "error", err)
			}
			continue
		}

		if ctl, ok := f.(frame.Control); ok && ctl.Kind == frame.KindStart {
			c.mu.Lock()
			c.streamSID = ctl.Field(frame.FieldStreamSID)
			c.callSID = ctl.Field(frame.FieldCallSID)
			c.mu.Unlock()
			c.logger.Debug("stream started", "stream_sid", ctl.Field(frame.FieldStreamSID))
		}

		c.dispatch.Deliver(f)
	}
}

// writeLoop drains the outbound queue onto the WebSocket.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue.C():
			_ = c.wsConn.SetWriteDeadline(time.Now().Add(c.opts.writeWait))
			if err := c.wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("%w: write: %v", frame.ErrUpstreamProtocol, err))
				return
			}
		}
	}
}

// closeCause maps a read error to the value reported to the close handler:
// nil for a normal close by the peer, a wrapped ErrUpstreamProtocol otherwise.
func closeCause(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: %v", frame.ErrUpstreamProtocol, err)
}
