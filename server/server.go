// Package server exposes the relay over HTTP: the Twilio voice webhook, the
// Media Streams WebSocket endpoint, call origination and introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/callsystem"
	"github.com/agentplexus/omnivoice-bridge/metrics"
	"github.com/agentplexus/omnivoice-bridge/session"
	"github.com/agentplexus/omnivoice-bridge/transport"
	"github.com/agentplexus/omnivoice-bridge/twiml"
)

// Caller places outbound calls and tracks their status.
type Caller interface {
	PlaceCall(ctx context.Context, to string) (string, error)
	HandleStatusCallback(callSID, status string)
	Calls() []callsystem.Call
}

var _ Caller = (*callsystem.Caller)(nil)

// Config configures the HTTP surface.
type Config struct {
	PublicURL  string
	MediaPath  string
	VoicePath  string
	StatusPath string
	Greeting   string

	// DefaultTo is dialed by /make-call without a ?to= parameter.
	DefaultTo string

	// AuthToken validates X-Twilio-Signature when ValidateSignature is set.
	AuthToken         string
	ValidateSignature bool

	Session    session.Config
	QueueSize  int
	CloseGrace time.Duration

	// CallTimeout bounds the REST request made by /make-call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MediaPath == "" {
		c.MediaPath = bridge.DefaultMediaPath
	}
	if c.VoicePath == "" {
		c.VoicePath = bridge.DefaultVoicePath
	}
	if c.Greeting == "" {
		c.Greeting = twiml.DefaultGreeting
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics and the gatherer served on /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithTracer sets the tracer handed to sessions.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithCaller enables /make-call and the status callback.
func WithCaller(c Caller) Option {
	return func(s *Server) {
		s.caller = c
	}
}

// Server is the relay's HTTP server.
type Server struct {
	cfg      Config
	dial     session.DialFunc
	registry *session.Registry
	caller   Caller
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	tracer   trace.Tracer

	baseCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closing    bool
	httpServer *http.Server
}

// New creates a server. dial opens the agent leg of each session.
func New(cfg Config, dial session.DialFunc, registry *session.Registry, opts ...Option) *Server {
	if registry == nil {
		registry = session.NewRegistry()
	}

	s := &Server{
		cfg:      cfg.withDefaults(),
		dial:     dial,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		s.metrics = metrics.New(reg)
		if s.gatherer == nil {
			s.gatherer = reg
		}
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.Handle("POST "+s.cfg.VoicePath, s.instrument(s.cfg.VoicePath, s.signed(s.handleVoice)))
	mux.Handle("GET /make-call", s.instrument("/make-call", http.HandlerFunc(s.handleMakeCall)))
	if s.cfg.StatusPath != "" {
		mux.Handle("POST "+s.cfg.StatusPath, s.instrument(s.cfg.StatusPath, s.signed(s.handleStatus)))
	}
	mux.HandleFunc("GET "+s.cfg.MediaPath, s.handleMedia)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{streamSid}", s.handleSession)
	mux.HandleFunc("GET /calls", s.handleCalls)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr, "media_path", s.cfg.MediaPath)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, closes every session and waits for
// them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.logger.Info("closing sessions", "active", s.registry.Len())
	s.registry.CloseAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("AI Voice Agent Server Running"))
}

// handleVoice returns TwiML that greets the caller and connects the call to
// the media stream endpoint.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{}
	for key, name := range map[string]string{"From": "caller", "To": "called"} {
		if v := r.PostForm.Get(key); v != "" {
			params[name] = v
		}
	}

	doc, err := twiml.ConnectStream(twiml.StreamOptions{
		Greeting:   s.cfg.Greeting,
		StreamURL:  twiml.StreamURL(s.cfg.PublicURL, r.Host, s.cfg.MediaPath),
		Parameters: params,
	})
	if err != nil {
		s.logger.Error("failed to build twiml", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("voice webhook", "call_sid", r.PostForm.Get("CallSid"), "from", r.PostForm.Get("From"))
	w.Header().Set("Content-Type", twiml.ContentType)
	_, _ = w.Write([]byte(doc))
}

// handleMakeCall places a call in the background and answers immediately;
// failures are only logged.
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	if s.caller == nil {
		http.Error(w, "call origination is not configured", http.StatusServiceUnavailable)
		return
	}

	to := r.URL.Query().Get("to")
	if to == "" {
		to = s.cfg.DefaultTo
	}
	if to == "" {
		http.Error(w, "no destination number", http.StatusBadRequest)
		return
	}

	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.CallTimeout)
		defer cancel()
		if _, err := s.caller.PlaceCall(ctx, to); err != nil {
			s.logger.Error("make-call failed", "to", to, "error", err)
		}
	}()

	_, _ = w.Write([]byte("Call initiated"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.caller != nil {
		s.caller.HandleStatusCallback(r.PostForm.Get("CallSid"), r.PostForm.Get("CallStatus"))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMedia upgrades a Media Streams connection and runs its session until
// the call ends.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	logger := s.logger.With("remote_addr", r.RemoteAddr)

	topts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithQueueSize(s.cfg.QueueSize),
		transport.WithDropHandler(func() {
			s.metrics.FrameDropped(metrics.DirectionToTelephony, metrics.ReasonQueueFull)
		}),
	}
	if s.cfg.CloseGrace > 0 {
		topts = append(topts, transport.WithCloseGrace(s.cfg.CloseGrace))
	}
	conn, err := transport.Accept(w, r, topts...)
	if err != nil {
		logger.Warn("media stream upgrade failed", "error", err)
		return
	}

	opts := []session.Option{session.WithLogger(logger), session.WithMetrics(s.metrics)}
	if s.tracer != nil {
		opts = append(opts, session.WithTracer(s.tracer))
	}
	sess := session.New(conn, s.dial, s.registry, s.cfg.Session, opts...)

	logger.Info("media stream connected", "session_id", sess.ID())
	if err := sess.Run(s.baseCtx); err != nil {
		logger.Error("session failed", "session_id", sess.ID(), "error", err)
	}
}

// track registers background work unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

type sessionsResponse struct {
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	writeJSON(w, sessionsResponse{Count: len(snap), Sessions: snap})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Lookup(r.PathValue("streamSid"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

type callsResponse struct {
	Count int               `json:"count"`
	Calls []callsystem.Call `json:"calls"`
}

func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	calls := []callsystem.Call{}
	if s.caller != nil {
		calls = s.caller.Calls()
	}
	writeJSON(w, callsResponse{Count: len(calls), Calls: calls})
}

// signed parses the form and, when enabled, rejects requests without a valid
// Twilio signature.
func (s *Server) signed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if s.cfg.ValidateSignature && !twiml.ValidateRequest(r, s.cfg.AuthToken, s.cfg.PublicURL) {
			s.logger.Warn("rejected webhook with invalid signature", "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

// instrument counts requests by path and status code.
func (s *Server) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.WebhookRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
