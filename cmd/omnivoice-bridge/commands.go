package main

import (
	"fmt"

	"github.com/spf13/cobra"

	bridge "github.com/agentplexus/omnivoice-bridge"
)

const defaultConfigPath = "bridge.yaml"

// buildServeCmd creates the "serve" command that runs the relay.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the HTTP server exposing the Twilio voice webhook, the Media Streams
endpoint, /make-call, /sessions and /metrics.

Configuration is read from the YAML file if present, then .env, then the
environment. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with environment configuration only
  omnivoice-bridge serve

  # Start with a config file and debug logging
  omnivoice-bridge serve --config /etc/omnivoice/bridge.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildCallCmd creates the "call" command that places an outbound call.
func buildCallCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "call [number]",
		Short: "Place an outbound call answered by the agent",
		Long: `Place an outbound call whose answer webhook points at the relay's public URL.
Without a number the configured default destination (MY_PHONE_NUMBER) is dialed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := ""
			if len(args) == 1 {
				to = args[0]
			}
			return runCall(cmd, configPath, to)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildCallStatusCmd creates the "call-status" command.
func buildCallStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "call-status <callSid>",
		Short: "Show the status of a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallStatus(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildHangupCmd creates the "hangup" command.
func buildHangupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hangup <callSid>",
		Short: "End an in-progress call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHangup(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildNumbersCmd creates the "numbers" command listing the account's
// phone numbers, useful for picking TWILIO_PHONE_NUMBER.
func buildNumbersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "numbers",
		Short: "List the Twilio account's phone numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNumbers(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "omnivoice-bridge %s (commit: %s, built: %s)\n", bridge.Version, commit, date)
		},
	}
}
