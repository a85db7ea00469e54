// Package agent adapts an ElevenLabs Conversational AI WebSocket to the
// frame.Adapter contract.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/frame"
)

// Verify interface compliance at compile time.
var _ frame.Adapter = (*Conn)(nil)

// Config holds agent connection settings.
type Config struct {
	URL     string
	AgentID string
	APIKey  string

	// AudioFormat, when set, overrides the agent's input and output audio
	// format, e.g. "ulaw_8000" to skip transcoding entirely.
	AudioFormat string
	Language    string

	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	CloseGrace        time.Duration
	WriteWait         time.Duration
	QueueSize         int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = bridge.DefaultAgentURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	return c
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithLogger sets the logger handed to every connection.
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// WithDropHandler registers a callback run each time a queued outbound
// message is discarded to make room.
func WithDropHandler(fn func()) DialerOption {
	return func(d *Dialer) {
		d.onDrop = fn
	}
}

// Dialer opens agent connections.
type Dialer struct {
	cfg      Config
	endpoint *url.URL
	ws       *websocket.Dialer
	logger   *slog.Logger
	onDrop   func()
}

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config, opts ...DialerOption) (*Dialer, error) {
	cfg = cfg.withDefaults()
	if cfg.AgentID == "" {
		return nil, errors.New("agent: agent ID is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("agent: API key is required")
	}

	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("agent: invalid URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("agent_id", cfg.AgentID)
	endpoint.RawQuery = q.Encode()

	d := &Dialer{
		cfg:      cfg,
		endpoint: endpoint,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dial connects to the agent and sends the conversation initiation message.
// vars are passed to the agent as dynamic variables.
func (d *Dialer) Dial(ctx context.Context, vars map[string]string) (*Conn, error) {
	header := http.Header{}
	header.Set(bridge.APIKeyHeader, d.cfg.APIKey)

	wsConn, resp, err := d.ws.DialContext(ctx, d.endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent: dial: %w", err)
	}

	c := &Conn{
		wsConn: wsConn,
		cfg:    d.cfg,
		logger: d.logger.With("side", "agent", "provider", bridge.ProviderElevenLabs),
		onDrop: d.onDrop,
		queue:  frame.NewQueue(d.cfg.QueueSize),
		done:   make(chan struct{}),
	}

	initMsg, err := json.Marshal(newInitiation(d.cfg.AudioFormat, d.cfg.Language, vars))
	if err != nil {
		_ = wsConn.Close()
		return nil, fmt.Errorf("agent: encode initiation: %w", err)
	}
	if err := c.write(websocket.TextMessage, initMsg); err != nil {
		_ = wsConn.Close()
		return nil, fmt.Errorf("agent: send initiation: %w", err)
	}

	go c.writeLoop()
	go c.keepAlive()
	return c, nil
}

// DialAdapter is Dial for callers that only need the frame.Adapter surface.
// A failed dial returns a nil interface.
func (d *Dialer) DialAdapter(ctx context.Context, vars map[string]string) (frame.Adapter, error) {
	conn, err := d.Dial(ctx, vars)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn is one agent WebSocket. Reading starts when the frame handler is
// registered. Pings from the agent are answered without surfacing a frame.
type Conn struct {
	wsConn *websocket.Conn
	cfg    Config
	logger *slog.Logger
	onDrop func()

	dispatch frame.Dispatcher
	queue    *frame.Queue
	writeMu  sync.Mutex // serializes writes (gorilla/websocket requirement)

	done      chan struct{}
	startRead sync.Once
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// OnFrame registers the frame handler and starts reading.
func (c *Conn) OnFrame(handler func(frame.Frame)) error {
	if err := c.dispatch.SetFrameHandler(handler); err != nil {
		return err
	}
	c.startRead.Do(func() { go c.readLoop() })
	return nil
}

// OnClosed registers the close handler.
func (c *Conn) OnClosed(handler func(error)) error {
	return c.dispatch.SetClosedHandler(handler)
}

// Send queues an audio frame for the agent.
func (c *Conn) Send(f frame.Frame) error {
	if c.isClosed() {
		return frame.ErrConnectionClosed
	}

	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

// Close sends a close frame bounded by the close grace and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.CloseGrace))
		_ = c.wsConn.Close()
		c.dispatch.Fire(nil)
	})
	return nil
}

func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.markClosed()
		_ = c.wsConn.Close()
		if cause != nil {
			c.logger.Warn("connection failed", "error", cause)
		}
		c.dispatch.Fire(cause)
	})
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) enqueue(data []byte) {
	if c.queue.Push(data) {
		c.logger.Debug("outbound queue full, dropped oldest message")
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.wsConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.wsConn.WriteMessage(messageType, data)
}

// readLoop reads messages from the WebSocket.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			c.fail(closeCause(err))
			return
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			c.logger.Warn("dropping unparseable message", "error", err)
			continue
		}

		if msg.Type == typePing {
			c.pong(msg)
			continue
		}

		f, err := msg.toFrame()
		if err != nil {
			if errors.Is(err, errIgnoredMessage) {
				c.logger.Debug("ignoring message", "type", msg.Type)
			} else {
				c.logger.Warn("dropping message", "type", msg.Type, "error", err)
			}
			continue
		}
		c.dispatch.Deliver(f)
	}
}

func (c *Conn) pong(msg serverMessage) {
	if msg.Ping == nil || c.isClosed() {
		return
	}
	data, err := json.Marshal(pongMessage{Type: typePong, EventID: msg.Ping.EventID})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// writeLoop drains the outbound queue onto the WebSocket.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue.C():
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("%w: write: %v", frame.ErrUpstreamProtocol, err))
				return
			}
		}
	}
}

// keepAlive pings the agent while the connection is open.
func (c *Conn) keepAlive() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("%w: ping: %v", frame.ErrUpstreamProtocol, err))
				return
			}
		}
	}
}

func closeCause(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: %v", frame.ErrUpstreamProtocol, err)
}
