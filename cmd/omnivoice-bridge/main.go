// Package main provides the CLI entry point for omnivoice-bridge, which
// relays Twilio phone calls to an ElevenLabs Conversational AI agent.
//
// # Basic Usage
//
// Start the relay:
//
//	omnivoice-bridge serve --config bridge.yaml
//
// Place an outbound call answered by the agent:
//
//	omnivoice-bridge call +15551234567
//
// # Environment Variables
//
//   - TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN: Twilio credentials
//   - TWILIO_PHONE_NUMBER: caller ID for outbound calls
//   - MY_PHONE_NUMBER: default destination for /make-call and `call`
//   - NGROK_URL or PUBLIC_URL: public base URL Twilio reaches the relay on
//   - ELEVENLABS_AGENT_ID, ELEVENLABS_API_KEY: agent credentials
//   - PORT: HTTP port (default 3000)
//   - LOG_LEVEL: debug, info, warn or error
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	bridge "github.com/agentplexus/omnivoice-bridge"
)

// Build information, set with -ldflags "-X main.commit=...".
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "omnivoice-bridge",
		Short: "Relay Twilio calls to an ElevenLabs voice agent",
		Long: `omnivoice-bridge answers Twilio calls with a greeting, opens a bidirectional
Media Stream and relays its audio to an ElevenLabs Conversational AI agent,
transcoding between 8kHz u-law and the agent's PCM format.`,
		Version:      bridge.Version + " (commit: " + commit + ", built: " + date + ")",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
		buildCallStatusCmd(),
		buildHangupCmd(),
		buildNumbersCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
