// Package config loads relay configuration from a YAML file, a .env file and
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/codec"
)

// Config represents the complete relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Twilio  TwilioConfig  `yaml:"twilio"`
	Agent   AgentConfig   `yaml:"agent"`
	Audio   AudioConfig   `yaml:"audio"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	PublicURL         string `yaml:"public_url"` // externally reachable base URL, e.g. an ngrok tunnel
	MediaPath         string `yaml:"media_path"`
	VoicePath         string `yaml:"voice_path"`
	StatusPath        string `yaml:"status_path"`
	Greeting          string `yaml:"greeting"`
	ValidateSignature bool   `yaml:"validate_signature"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout"` // seconds
}

// TwilioConfig contains Twilio credentials and call defaults
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	PhoneNumber string `yaml:"phone_number"` // caller ID for outbound calls
	DefaultTo   string `yaml:"default_to"`   // destination used by /make-call without ?to=
	APIBaseURL  string `yaml:"api_base_url"`
	RingTimeout int    `yaml:"ring_timeout"` // seconds
}

// AgentConfig contains ElevenLabs Conversational AI configuration
type AgentConfig struct {
	URL               string `yaml:"url"`
	AgentID           string `yaml:"agent_id"`
	APIKey            string `yaml:"api_key"`
	AudioOverride     string `yaml:"audio_override"` // e.g. ulaw_8000; empty keeps the agent's formats
	Language          string `yaml:"language"`
	HandshakeTimeout  int    `yaml:"handshake_timeout"`  // seconds, 0 disables
	KeepAliveInterval int    `yaml:"keepalive_interval"` // seconds
	DialTimeout       int    `yaml:"dial_timeout"`       // seconds
}

// AudioConfig contains relay audio parameters
type AudioConfig struct {
	Resampler  string `yaml:"resampler"` // linear or high
	QueueSize  int    `yaml:"queue_size"`
	CloseGrace int    `yaml:"close_grace_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"` // OTLP gRPC collector; empty disables export
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			MediaPath:       bridge.DefaultMediaPath,
			VoicePath:       bridge.DefaultVoicePath,
			StatusPath:      "/call-status",
			Greeting:        "Hello! This is your AI voice agent. Let me connect you.",
			ShutdownTimeout: 10,
		},
		Twilio: TwilioConfig{
			APIBaseURL:  bridge.DefaultAPIBaseURL,
			RingTimeout: 30,
		},
		Agent: AgentConfig{
			URL:               bridge.DefaultAgentURL,
			HandshakeTimeout:  15,
			KeepAliveInterval: 10,
			DialTimeout:       10,
		},
		Audio: AudioConfig{
			Resampler:  string(codec.QualityLinear),
			QueueSize:  100,
			CloseGrace: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Load reads the configuration file at path over the defaults, loads .env
// from the working directory and applies environment overrides. A missing
// file is not an error; the relay can run from the environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	setString(&c.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&c.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")
	setString(&c.Twilio.DefaultTo, "MY_PHONE_NUMBER")
	setString(&c.Server.PublicURL, "NGROK_URL")
	setString(&c.Server.PublicURL, "PUBLIC_URL")
	setString(&c.Agent.AgentID, "ELEVENLABS_AGENT_ID")
	setString(&c.Agent.APIKey, "ELEVENLABS_API_KEY")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	c.Server.PublicURL = normalizePublicURL(c.Server.PublicURL)
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// normalizePublicURL adds https:// to a bare host and drops the trailing slash.
func normalizePublicURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u != "" && !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return u
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if c.Server.ValidateSignature && c.Twilio.AuthToken == "" {
		return fmt.Errorf("server config: validate_signature requires twilio.auth_token")
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	for name, p := range map[string]string{"media_path": s.MediaPath, "voice_path": s.VoicePath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /, got %q", name, p)
		}
	}
	if s.StatusPath != "" && !strings.HasPrefix(s.StatusPath, "/") {
		return fmt.Errorf("status_path must start with /, got %q", s.StatusPath)
	}
	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}
	return nil
}

// Validate validates agent configuration
func (a *AgentConfig) Validate() error {
	if a.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if a.AudioOverride != "" {
		if _, err := codec.ParseFormat(a.AudioOverride); err != nil {
			return fmt.Errorf("audio_override: %w", err)
		}
	}
	if a.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout cannot be negative (0 disables it), got %d", a.HandshakeTimeout)
	}
	if a.KeepAliveInterval < 1 {
		return fmt.Errorf("keepalive_interval must be at least 1 second, got %d", a.KeepAliveInterval)
	}
	if a.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", a.DialTimeout)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if _, err := codec.ParseQuality(a.Resampler); err != nil {
		return fmt.Errorf("resampler: %w", err)
	}
	if a.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", a.QueueSize)
	}
	if a.CloseGrace < 0 {
		return fmt.Errorf("close_grace_ms cannot be negative, got %d", a.CloseGrace)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}
	return nil
}

// RequireAgent reports missing agent credentials, which only serving needs.
func (c *Config) RequireAgent() error {
	if c.Agent.AgentID == "" || c.Agent.APIKey == "" {
		return errors.New("agent config: ELEVENLABS_AGENT_ID and ELEVENLABS_API_KEY are required")
	}
	return nil
}

// RequireTwilio reports missing settings needed to place calls.
func (c *Config) RequireTwilio() error {
	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		return errors.New("twilio config: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	if c.Twilio.PhoneNumber == "" {
		return errors.New("twilio config: TWILIO_PHONE_NUMBER is required")
	}
	if c.Server.PublicURL == "" {
		return errors.New("server config: public_url (or NGROK_URL) is required to place calls")
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (s *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetShutdownTimeout returns the shutdown timeout as a duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetRingTimeout returns the ring timeout as a duration
func (t *TwilioConfig) GetRingTimeout() time.Duration {
	return time.Duration(t.RingTimeout) * time.Second
}

// GetHandshakeTimeout returns the agent handshake timeout as a duration
func (a *AgentConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(a.HandshakeTimeout) * time.Second
}

// GetKeepAliveInterval returns the keep-alive interval as a duration
func (a *AgentConfig) GetKeepAliveInterval() time.Duration {
	return time.Duration(a.KeepAliveInterval) * time.Second
}

// GetDialTimeout returns the agent dial timeout as a duration
func (a *AgentConfig) GetDialTimeout() time.Duration {
	return time.Duration(a.DialTimeout) * time.Second
}

// GetCloseGrace returns the close grace period as a duration
func (a *AudioConfig) GetCloseGrace() time.Duration {
	return time.Duration(a.CloseGrace) * time.Millisecond
}

// GetQuality returns the parsed resampler quality
func (a *AudioConfig) GetQuality() codec.Quality {
	q, err := codec.ParseQuality(a.Resampler)
	if err != nil {
		return codec.QualityLinear
	}
	return q
}
