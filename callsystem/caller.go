// Package callsystem places and tracks outbound Twilio calls that are
// answered by the relay's voice webhook.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/internal/client"
	"github.com/agentplexus/omnivoice-bridge/metrics"
)

// ErrNoDestination is returned by PlaceCall without a destination number.
var ErrNoDestination = errors.New("callsystem: destination number is required")

// Status is a normalized call status.
type Status string

// Call statuses.
const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusEnded    Status = "ended"
	StatusBusy     Status = "busy"
	StatusNoAnswer Status = "no_answer"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further status changes are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

// MapStatus maps a Twilio call status to a Status.
func MapStatus(status string) Status {
	switch status {
	case "queued", "initiated", "ringing":
		return StatusRinging
	case "in-progress", "answered":
		return StatusAnswered
	case "completed":
		return StatusEnded
	case "busy":
		return StatusBusy
	case "no-answer":
		return StatusNoAnswer
	case "failed", "canceled":
		return StatusFailed
	default:
		return StatusRinging
	}
}

// API is the subset of the Twilio REST client used to place calls.
type API interface {
	CreateCall(ctx context.Context, params client.CallParams) (*client.Call, error)
	GetCall(ctx context.Context, callSID string) (*client.Call, error)
	HangupCall(ctx context.Context, callSID string) (*client.Call, error)
}

var _ API = (*client.Client)(nil)

// Call is a call placed or observed by the Caller.
type Call struct {
	SID       string    `json:"call_sid"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Status    Status    `json:"status"`
	Direction string    `json:"direction"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config configures a Caller.
type Config struct {
	// From is the caller ID for outbound calls.
	From string

	// PublicURL is the externally reachable base URL of the relay, e.g.
	// https://abc123.ngrok.app.
	PublicURL string

	// VoicePath is the webhook path Twilio fetches TwiML from.
	VoicePath string

	// StatusPath, when set, receives Twilio status callbacks.
	StatusPath string

	// RingTimeout limits how long the destination rings.
	RingTimeout time.Duration
}

// Option configures the Caller.
type Option func(*Caller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Caller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Caller) {
		c.metrics = m
	}
}

// Caller places outbound calls whose answer webhook points back at the relay.
type Caller struct {
	api     API
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	calls map[string]*Call
}

// New creates a Caller.
func New(api API, cfg Config, opts ...Option) (*Caller, error) {
	if api == nil {
		return nil, errors.New("callsystem: twilio client is required")
	}
	if cfg.From == "" {
		return nil, errors.New("callsystem: from number is required")
	}
	if cfg.PublicURL == "" {
		return nil, errors.New("callsystem: public URL is required")
	}
	if cfg.VoicePath == "" {
		cfg.VoicePath = bridge.DefaultVoicePath
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	c := &Caller{
		api:    api,
		cfg:    cfg,
		logger: slog.Default(),
		calls:  make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WebhookURL returns the URL Twilio fetches call-control TwiML from.
func (c *Caller) WebhookURL() string {
	return c.cfg.PublicURL + c.cfg.VoicePath
}

// PlaceCall dials to and returns the new call SID. Once answered, Twilio
// requests the voice webhook which connects the call to the media stream.
func (c *Caller) PlaceCall(ctx context.Context, to string) (string, error) {
	if to == "" {
		return "", ErrNoDestination
	}

	params := client.CallParams{
		To:   to,
		From: c.cfg.From,
		URL:  c.WebhookURL(),
	}
	if c.cfg.StatusPath != "" {
		params.StatusCallback = c.cfg.PublicURL + c.cfg.StatusPath
	}
	if c.cfg.RingTimeout > 0 {
		params.Timeout = int(c.cfg.RingTimeout.Seconds())
	}

	twilioCall, err := c.api.CreateCall(ctx, params)
	if c.metrics != nil {
		c.metrics.CallPlaced(err)
	}
	if err != nil {
		c.logger.Error("failed to place call", "to", to, "error", err)
		return "", fmt.Errorf("failed to place call: %w", err)
	}

	now := time.Now()
	call := &Call{
		SID:       twilioCall.SID,
		To:        to,
		From:      c.cfg.From,
		Status:    MapStatus(twilioCall.Status),
		Direction: "outbound-api",
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.mu.Lock()
	c.calls[call.SID] = call
	c.mu.Unlock()

	c.logger.Info("call initiated", "call_sid", call.SID, "to", to)
	return call.SID, nil
}

// Status returns the current state of a call, asking Twilio when the call
// is unknown locally or still in progress.
func (c *Caller) Status(ctx context.Context, callSID string) (Call, error) {
	c.mu.RLock()
	cached, ok := c.calls[callSID]
	var snapshot Call
	if ok {
		snapshot = *cached
	}
	c.mu.RUnlock()

	if ok && snapshot.Status.Terminal() {
		return snapshot, nil
	}

	twilioCall, err := c.api.GetCall(ctx, callSID)
	if err != nil {
		return Call{}, fmt.Errorf("failed to get call: %w", err)
	}

	call := Call{
		SID:       twilioCall.SID,
		To:        twilioCall.To,
		From:      twilioCall.From,
		Status:    MapStatus(twilioCall.Status),
		Direction: twilioCall.Direction,
		UpdatedAt: time.Now(),
	}
	if ok {
		call.CreatedAt = snapshot.CreatedAt
		c.update(callSID, call.Status)
	}
	return call, nil
}

// Hangup completes a call.
func (c *Caller) Hangup(ctx context.Context, callSID string) error {
	if _, err := c.api.HangupCall(ctx, callSID); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	c.update(callSID, StatusEnded)
	c.logger.Info("call hung up", "call_sid", callSID)
	return nil
}

// HandleStatusCallback records a Twilio status callback. Calls reaching a
// terminal status are forgotten.
func (c *Caller) HandleStatusCallback(callSID, status string) {
	mapped := MapStatus(status)
	c.logger.Info("call status", "call_sid", callSID, "status", status)

	c.mu.Lock()
	defer c.mu.Unlock()
	if mapped.Terminal() {
		delete(c.calls, callSID)
		return
	}
	if call, ok := c.calls[callSID]; ok {
		call.Status = mapped
		call.UpdatedAt = time.Now()
	}
}

// Calls returns the tracked calls ordered by creation time.
func (c *Caller) Calls() []Call {
	c.mu.RLock()
	out := make([]Call, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, *call)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Caller) update(callSID string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call, ok := c.calls[callSID]; ok {
		call.Status = status
		call.UpdatedAt = time.Now()
	}
}
