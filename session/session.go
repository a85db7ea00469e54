// Package session bridges one telephony stream to one agent conversation.
//
// Each Session runs a single goroutine that owns all of its state. Both
// adapters post their frames and close notifications to the session's inbox,
// so handling is serialized per call and needs no locking beyond what
// outside readers of the state use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/codec"
	"github.com/agentplexus/omnivoice-bridge/frame"
	"github.com/agentplexus/omnivoice-bridge/metrics"
)

const tracerName = "github.com/agentplexus/omnivoice-bridge/session"

// DialFunc opens the agent leg. vars are the stream's custom parameters.
type DialFunc func(ctx context.Context, vars map[string]string) (frame.Adapter, error)

// Config holds per-session settings.
type Config struct {
	// HandshakeTimeout bounds the wait between stream start and agent
	// ready. Zero disables the bound.
	HandshakeTimeout time.Duration

	// Quality selects the resampler used when rates differ.
	Quality codec.Quality

	// InboxSize is the number of pending events buffered per session.
	InboxSize int
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		Quality:          codec.QualityLinear,
		InboxSize:        64,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics the session reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for the session span.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		s.tracer = tracer
	}
}

type messageKind int

const (
	msgTelephonyFrame messageKind = iota
	msgAgentFrame
	msgTelephonyClosed
	msgAgentClosed
	msgAgentDialed
	msgHandshakeTimeout
	msgAbort
)

type message struct {
	kind  messageKind
	frame frame.Frame
	agent frame.Adapter
	err   error
}

// Session relays audio for one call.
type Session struct {
	id        string
	createdAt time.Time
	cfg       Config
	telephony frame.Adapter
	dial      DialFunc
	registry  *Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	inbox     chan message
	done      chan struct{}
	closeOnce sync.Once
	postMu    sync.RWMutex
	finished  bool

	mu        sync.RWMutex
	state     State
	streamSID string
	callSID   string

	// Owned by the Run goroutine.
	ctx        context.Context
	span       trace.Span
	agent      frame.Adapter
	params     map[string]string
	ready      frame.Control
	upstream   *codec.Converter
	downstream *codec.Converter
	registered bool
	startedAt  time.Time
	cancelDial context.CancelFunc
	timer      *time.Timer
	endReason  string
}

// New creates a session for an accepted telephony connection. Nothing
// happens until Run is called.
func New(telephony frame.Adapter, dial DialFunc, registry *Registry, cfg Config, opts ...Option) *Session {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}

	s := &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		cfg:       cfg,
		telephony: telephony,
		dial:      dial,
		registry:  registry,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		inbox:     make(chan message, cfg.InboxSize),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	s.logger = s.logger.With("session_id", s.id)
	return s
}

// ID returns the session's correlation ID.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StreamSID returns the stream SID once the stream has started.
func (s *Session) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

// CallSID returns the call SID once the stream has started.
func (s *Session) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close asks the session to tear down both legs. It does not wait; use Done.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		go s.post(message{kind: msgAbort})
	})
}

// Run drives the session until it is closed. Cancelling ctx tears it down.
func (s *Session) Run(ctx context.Context) error {
	defer s.finish()

	ctx, s.span = s.tracer.Start(ctx, "session",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer s.span.End()
	s.ctx = ctx

	s.metrics.SessionStarted()

	if err := s.telephony.OnClosed(func(err error) {
		go s.post(message{kind: msgTelephonyClosed, err: err})
	}); err != nil {
		return s.abortRun(fmt.Errorf("session: register close handler: %w", err))
	}
	if err := s.telephony.OnFrame(func(f frame.Frame) {
		s.post(message{kind: msgTelephonyFrame, frame: f})
	}); err != nil {
		return s.abortRun(fmt.Errorf("session: register frame handler: %w", err))
	}

	s.logger.Debug("session waiting for stream start")

	for {
		select {
		case m := <-s.inbox:
			s.handle(m)
		case <-ctx.Done():
			s.endReason = "canceled"
			s.apply(EventAbort)
		}

		if s.State() == StateClosed {
			return nil
		}
	}
}

func (s *Session) abortRun(err error) error {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.endReason = "error"
	s.apply(EventAbort)
	return err
}

// post hands m to the Run goroutine. It reports false once the session is done.
func (s *Session) post(m message) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()

	if s.finished {
		return false
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

// finish releases blocked posters, then closes any agent that was dialed
// after the session stopped reading.
func (s *Session) finish() {
	close(s.done)

	s.postMu.Lock()
	s.finished = true
	s.postMu.Unlock()

	for {
		select {
		case m := <-s.inbox:
			if m.kind == msgAgentDialed && m.agent != nil {
				_ = m.agent.Close()
			}
		default:
			return
		}
	}
}

func (s *Session) handle(m message) {
	switch m.kind {
	case msgTelephonyFrame:
		s.onTelephonyFrame(m.frame)

	case msgAgentFrame:
		s.onAgentFrame(m.frame)

	case msgTelephonyClosed:
		if m.err != nil {
			s.logger.Warn("telephony connection failed", "error", m.err)
			s.span.RecordError(m.err)
		}
		s.apply(EventTelephonyClosed)

	case msgAgentClosed:
		if m.err != nil {
			s.logger.Warn("agent connection failed", "error", m.err)
			s.span.RecordError(m.err)
		}
		s.apply(EventAgentClosed)

	case msgAgentDialed:
		s.onAgentDialed(m.agent, m.err)

	case msgHandshakeTimeout:
		if s.State() == StateAwaitingAgent {
			s.logger.Warn("agent handshake timed out", "timeout", s.cfg.HandshakeTimeout)
			s.metrics.AgentFailures.WithLabelValues("handshake").Inc()
		}
		s.apply(EventHandshakeTimeout)

	case msgAbort:
		s.apply(EventAbort)
	}
}

// apply runs one transition and its effects. A failing effect aborts the
// session and skips the effects after it.
func (s *Session) apply(e Event) {
	prev := s.State()
	next, effects := Transition(prev, e)
	if next == prev && len(effects) == 0 {
		s.logger.Debug("event ignored", "event", e.String(), "state", prev.String())
		return
	}

	s.setState(next)
	s.span.AddEvent("transition", trace.WithAttributes(
		attribute.String("event", e.String()),
		attribute.String("from", prev.String()),
		attribute.String("to", next.String()),
	))
	s.logger.Debug("state transition", "event", e.String(), "from", prev.String(), "to", next.String())

	if next == StateClosing && s.endReason == "" {
		s.endReason = e.String()
	}

	for _, eff := range effects {
		if err := s.perform(eff); err != nil {
			s.logger.Error("session effect failed", "effect", eff.String(), "error", err)
			s.span.RecordError(err)
			s.apply(EventAbort)
			return
		}
	}
}

func (s *Session) perform(eff Effect) error {
	switch eff {
	case EffectRegister:
		if err := s.registry.Register(s.StreamSID(), s.CallSID(), s); err != nil {
			if errors.Is(err, ErrDuplicateStream) {
				s.metrics.DuplicateStreams.Inc()
			}
			return fmt.Errorf("register stream %s: %w", s.StreamSID(), err)
		}
		s.registered = true
		s.startedAt = time.Now()

	case EffectDialAgent:
		ctx, cancel := context.WithCancel(s.ctx)
		s.cancelDial = cancel
		vars := make(map[string]string, len(s.params))
		for k, v := range s.params {
			vars[k] = v
		}
		go func() {
			agent, err := s.dial(ctx, vars)
			if !s.post(message{kind: msgAgentDialed, agent: agent, err: err}) && agent != nil {
				_ = agent.Close()
			}
		}()

	case EffectArmHandshakeTimer:
		if s.cfg.HandshakeTimeout > 0 {
			s.timer = time.AfterFunc(s.cfg.HandshakeTimeout, func() {
				s.post(message{kind: msgHandshakeTimeout})
			})
		}

	case EffectStopTimer:
		if s.timer != nil {
			s.timer.Stop()
		}

	case EffectStartBridge:
		if err := s.startBridge(); err != nil {
			s.metrics.AgentFailures.WithLabelValues("converter").Inc()
			return err
		}

	case EffectCloseAgent:
		if s.cancelDial != nil {
			s.cancelDial()
		}
		if s.agent != nil {
			_ = s.agent.Close()
		}

	case EffectCloseTelephony:
		_ = s.telephony.Close()

	case EffectFinish:
		s.apply(EventShutdownComplete)

	case EffectUnregister:
		if s.registered {
			s.registry.Unregister(s.StreamSID())
		}
		s.metrics.SessionEnded(time.Since(s.createdAt), s.endReason)
		s.span.SetAttributes(attribute.String("session.end_reason", s.endReason))
		s.logger.Info("session closed", "reason", s.endReason, "duration", time.Since(s.createdAt).Round(time.Millisecond))
	}
	return nil
}

// startBridge builds the converters from the formats the agent reported.
func (s *Session) startBridge() error {
	in, err := agentFormat(s.ready.Field(frame.FieldInputFormat))
	if err != nil {
		return err
	}
	out, err := agentFormat(s.ready.Field(frame.FieldOutputFormat))
	if err != nil {
		return err
	}

	if s.upstream, err = codec.NewConverter(codec.Mulaw8k, in, s.cfg.Quality); err != nil {
		return err
	}
	if s.downstream, err = codec.NewConverter(out, codec.Mulaw8k, s.cfg.Quality); err != nil {
		return err
	}

	if !s.startedAt.IsZero() {
		s.metrics.AgentHandshakeDuration.Observe(time.Since(s.startedAt).Seconds())
	}
	s.registry.Update(s.StreamSID(), StateBridged)
	s.span.SetAttributes(
		attribute.String("agent.input_format", in.String()),
		attribute.String("agent.output_format", out.String()),
	)
	s.logger.Info("call bridged",
		"conversation_id", s.ready.Field(frame.FieldConversationID),
		"input_format", in.String(),
		"output_format", out.String(),
	)
	return nil
}

// agentFormat parses a format reported by the agent. Agents that report
// nothing are assumed to use 16kHz linear PCM.
func agentFormat(name string) (codec.Format, error) {
	if name == "" {
		return codec.PCM16k, nil
	}
	return codec.ParseFormat(name)
}

func (s *Session) onTelephonyFrame(f frame.Frame) {
	switch v := f.(type) {
	case frame.Audio:
		s.forward(v, metrics.DirectionToAgent)

	case frame.Control:
		switch v.Kind {
		case frame.KindConnected:
			s.logger.Debug("telephony connected", "protocol", v.Field("protocol"))

		case frame.KindStart:
			if s.State() != StateIdle {
				s.logger.Warn("ignoring repeated start", "stream_sid", v.Field(frame.FieldStreamSID))
				return
			}
			s.mu.Lock()
			s.streamSID = v.Field(frame.FieldStreamSID)
			s.callSID = v.Field(frame.FieldCallSID)
			s.mu.Unlock()
			s.params = v.Params
			s.logger = s.logger.With("stream_sid", s.streamSID, "call_sid", s.callSID)
			s.span.SetAttributes(
				attribute.String("twilio.stream_sid", s.streamSID),
				attribute.String("twilio.call_sid", s.callSID),
			)
			if err := checkTelephonyFormat(v); err != nil {
				s.logger.Error("rejecting stream", "error", err)
				s.span.RecordError(err)
				s.apply(EventAbort)
				return
			}
			s.logger.Info("stream started")
			s.apply(EventStart)

		case frame.KindStop:
			s.logger.Info("stream stopped")
			s.apply(EventStop)

		case frame.KindMark:
			s.logger.Debug("mark played", "name", v.Field(frame.FieldName))

		case frame.KindDTMF:
			s.logger.Info("dtmf received", "digit", v.Field(frame.FieldDigit))
		}
	}
}

// checkTelephonyFormat rejects streams whose start event announces audio other
// than 8kHz u-law. Missing fields are accepted.
func checkTelephonyFormat(start frame.Control) error {
	if enc := start.Field(frame.FieldEncoding); enc != "" && enc != bridge.AudioEncodingMulaw {
		return fmt.Errorf("%w: unsupported media encoding %q", frame.ErrUpstreamProtocol, enc)
	}
	rate := start.Field(frame.FieldSampleRate)
	if rate != "" && rate != "0" && rate != strconv.Itoa(bridge.TelephonySampleRate) {
		return fmt.Errorf("%w: unsupported media sample rate %s", frame.ErrUpstreamProtocol, rate)
	}
	return nil
}

func (s *Session) onAgentDialed(agent frame.Adapter, err error) {
	if err != nil {
		if s.State() != StateAwaitingAgent || errors.Is(err, context.Canceled) {
			s.logger.Debug("agent dial abandoned", "error", err)
			s.apply(EventAgentFailed)
			return
		}
		s.metrics.AgentFailures.WithLabelValues("dial").Inc()
		s.logger.Error("agent connection failed", "error", err)
		s.span.RecordError(err)
		s.apply(EventAgentFailed)
		return
	}
	if s.State() != StateAwaitingAgent {
		_ = agent.Close()
		return
	}

	s.agent = agent
	if err := agent.OnClosed(func(err error) {
		go s.post(message{kind: msgAgentClosed, err: err})
	}); err != nil {
		s.logger.Error("agent close handler", "error", err)
		s.apply(EventAgentFailed)
		return
	}
	if err := agent.OnFrame(func(f frame.Frame) {
		s.post(message{kind: msgAgentFrame, frame: f})
	}); err != nil {
		s.logger.Error("agent frame handler", "error", err)
		s.apply(EventAgentFailed)
		return
	}
	s.logger.Info("agent connected")
}

func (s *Session) onAgentFrame(f frame.Frame) {
	switch v := f.(type) {
	case frame.Audio:
		s.forward(v, metrics.DirectionToTelephony)

	case frame.Control:
		switch v.Kind {
		case frame.KindReady:
			if s.State() != StateAwaitingAgent {
				s.logger.Debug("ignoring repeated agent ready")
				return
			}
			s.ready = v
			s.apply(EventAgentReady)

		case frame.KindTranscript:
			s.logger.Info("transcript", "role", "user", "text", v.Field(frame.FieldText))

		case frame.KindAgentResponse:
			s.logger.Info("transcript", "role", "agent", "text", v.Field(frame.FieldText))

		case frame.KindInterruption:
			if !s.State().Forwarding() {
				return
			}
			s.logger.Debug("agent interrupted, clearing telephony playback")
			if err := s.telephony.Send(frame.Control{Kind: frame.KindClear}); errors.Is(err, frame.ErrConnectionClosed) {
				s.apply(EventTelephonyClosed)
			}
		}
	}
}

// forward converts an audio frame and sends it to the opposite leg. Audio
// outside the bridged state is dropped, never queued.
func (s *Session) forward(a frame.Audio, direction string) {
	if !s.State().Forwarding() {
		s.metrics.FrameDropped(direction, metrics.ReasonNotBridged)
		return
	}

	conv, dst, closed := s.upstream, s.agent, EventAgentClosed
	if direction == metrics.DirectionToTelephony {
		conv, dst, closed = s.downstream, s.telephony, EventTelephonyClosed
	}

	payload, err := conv.Convert(a.Payload)
	if err != nil {
		s.metrics.FrameDropped(direction, metrics.ReasonMalformed)
		s.logger.Debug("dropping malformed audio", "direction", direction, "error", err)
		return
	}
	if len(payload) == 0 {
		return
	}

	if err := dst.Send(frame.Audio{Payload: payload, Seq: a.Seq}); err != nil {
		if errors.Is(err, frame.ErrConnectionClosed) {
			s.apply(closed)
			return
		}
		s.logger.Warn("audio send failed", "direction", direction, "error", err)
		return
	}
	s.metrics.FrameForwarded(direction)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
