package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumenxr/lumen/cmd/lumen/commands"
	"github.com/lumenxr/lumen/logger"
)

var rootCmd = &cobra.Command{
	Use:   "lumen",
	Short: "Lumen - multi-client XR compositor broker",
	Long: `Lumen - multi-client XR compositor broker.

Lumen accepts frame submissions from many concurrent XR app sessions,
paces each one against the shared display, merges their layer stacks in
z-order and drives a single downstream compositor.

Available commands:
  run     - Run the broker over a headless display with demo clients
  config  - Show or initialize the runtime configuration
  version - Print version information

Examples:
  lumen run --clients 3      # Broker + three synthetic clients
  lumen run --monitor        # Also serve the WebSocket observer surface
  lumen config show          # Show the effective configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOut); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "emit JSON structured logs")

	rootCmd.AddCommand(commands.NewRunCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
