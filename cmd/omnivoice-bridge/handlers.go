package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	bridge "github.com/agentplexus/omnivoice-bridge"
	"github.com/agentplexus/omnivoice-bridge/agent"
	"github.com/agentplexus/omnivoice-bridge/callsystem"
	"github.com/agentplexus/omnivoice-bridge/config"
	"github.com/agentplexus/omnivoice-bridge/internal/client"
	"github.com/agentplexus/omnivoice-bridge/metrics"
	"github.com/agentplexus/omnivoice-bridge/observability"
	"github.com/agentplexus/omnivoice-bridge/server"
	"github.com/agentplexus/omnivoice-bridge/session"
)

// runServe wires the relay and serves until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.RequireAgent(); err != nil {
		return err
	}

	logger, logCloser, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "omnivoice-bridge",
		ServiceVersion: bridge.Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	dialer, err := agent.NewDialer(agent.Config{
		URL:               cfg.Agent.URL,
		AgentID:           cfg.Agent.AgentID,
		APIKey:            cfg.Agent.APIKey,
		AudioFormat:       cfg.Agent.AudioOverride,
		Language:          cfg.Agent.Language,
		DialTimeout:       cfg.Agent.GetDialTimeout(),
		KeepAliveInterval: cfg.Agent.GetKeepAliveInterval(),
		CloseGrace:        cfg.Audio.GetCloseGrace(),
		QueueSize:         cfg.Audio.QueueSize,
	},
		agent.WithLogger(logger),
		agent.WithDropHandler(func() {
			m.FrameDropped(metrics.DirectionToAgent, metrics.ReasonQueueFull)
		}),
	)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m, reg),
		server.WithTracer(tracer),
	}
	if err := cfg.RequireTwilio(); err != nil {
		logger.Warn("call origination disabled", "reason", err)
	} else {
		caller, err := newCaller(cfg, logger, m)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithCaller(caller))
	}

	srv := server.New(server.Config{
		PublicURL:         cfg.Server.PublicURL,
		MediaPath:         cfg.Server.MediaPath,
		VoicePath:         cfg.Server.VoicePath,
		StatusPath:        cfg.Server.StatusPath,
		Greeting:          cfg.Server.Greeting,
		DefaultTo:         cfg.Twilio.DefaultTo,
		AuthToken:         cfg.Twilio.AuthToken,
		ValidateSignature: cfg.Server.ValidateSignature,
		Session: session.Config{
			HandshakeTimeout: cfg.Agent.GetHandshakeTimeout(),
			Quality:          cfg.Audio.GetQuality(),
		},
		QueueSize:  cfg.Audio.QueueSize,
		CloseGrace: cfg.Audio.GetCloseGrace(),
	}, dialer.DialAdapter, session.NewRegistry(), opts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting omnivoice-bridge",
		"version", bridge.Version,
		"addr", cfg.Server.ListenAddr(),
		"public_url", cfg.Server.PublicURL,
		"audio_override", cfg.Agent.AudioOverride,
	)
	if err := srv.ListenAndServe(ctx, cfg.Server.ListenAddr(), cfg.Server.GetShutdownTimeout()); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newTwilioClient(cfg *config.Config) (*client.Client, error) {
	return client.New(client.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})
}

func newCaller(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*callsystem.Caller, error) {
	twilioClient, err := newTwilioClient(cfg)
	if err != nil {
		return nil, err
	}
	opts := []callsystem.Option{callsystem.WithLogger(logger)}
	if m != nil {
		opts = append(opts, callsystem.WithMetrics(m))
	}
	return callsystem.New(twilioClient, callsystem.Config{
		From:        cfg.Twilio.PhoneNumber,
		PublicURL:   cfg.Server.PublicURL,
		VoicePath:   cfg.Server.VoicePath,
		StatusPath:  cfg.Server.StatusPath,
		RingTimeout: cfg.Twilio.GetRingTimeout(),
	}, opts...)
}

// loadTwilio loads configuration and builds a Twilio client for the call
// management commands.
func loadTwilio(configPath string) (*config.Config, *client.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	twilioClient, err := newTwilioClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, twilioClient, nil
}

func runCall(cmd *cobra.Command, configPath, to string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireTwilio(); err != nil {
		return err
	}
	if to == "" {
		to = cfg.Twilio.DefaultTo
	}
	if to == "" {
		return errors.New("no destination: pass a number or set MY_PHONE_NUMBER")
	}

	caller, err := newCaller(cfg, slog.Default(), nil)
	if err != nil {
		return err
	}
	callSID, err := caller.PlaceCall(cmd.Context(), to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Call initiated! SID: %s\n", callSID)
	fmt.Fprintf(out, "Webhook: %s\n", caller.WebhookURL())
	return nil
}

func runCallStatus(cmd *cobra.Command, configPath, callSID string) error {
	_, twilioClient, err := loadTwilio(configPath)
	if err != nil {
		return err
	}

	call, err := twilioClient.GetCall(cmd.Context(), callSID)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("call %s not found", callSID)
		}
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "SID:\t%s\n", call.SID)
	fmt.Fprintf(w, "Status:\t%s (%s)\n", callsystem.MapStatus(call.Status), call.Status)
	fmt.Fprintf(w, "Direction:\t%s\n", call.Direction)
	fmt.Fprintf(w, "From:\t%s\n", call.From)
	fmt.Fprintf(w, "To:\t%s\n", call.To)
	if call.Duration != "" {
		fmt.Fprintf(w, "Duration:\t%ss\n", call.Duration)
	}
	return w.Flush()
}

func runHangup(cmd *cobra.Command, configPath, callSID string) error {
	_, twilioClient, err := loadTwilio(configPath)
	if err != nil {
		return err
	}

	call, err := twilioClient.HangupCall(cmd.Context(), callSID)
	if err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Call %s: %s\n", call.SID, call.Status)
	return nil
}

func runNumbers(cmd *cobra.Command, configPath string) error {
	_, twilioClient, err := loadTwilio(configPath)
	if err != nil {
		return err
	}

	numbers, err := twilioClient.ListPhoneNumbers(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tNAME\tVOICE URL")
	for _, n := range numbers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", n.PhoneNumber, n.FriendlyName, n.VoiceURL)
	}
	return w.Flush()
}
