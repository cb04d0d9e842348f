// Pixels-central talks to Pixels dice over Bluetooth LE.
//
// It scans for dice, remembers the ones it has seen, and runs one-shot
// commands against a die (battery, rename, flash, animation upload).
// The monitor command keeps dice connected and mirrors their rolls to
// the log and, when configured, to an MQTT broker.
//
// Usage:
//
//	pixels-central [command] [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	dieFlag    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pixels-central",
	Short: "Scan, configure and monitor Pixels dice",
	Long: `A command line central for Pixels Bluetooth dice.

Dice are picked with --die, which accepts a name, a Bluetooth address
or a hex device id. Dice seen before are remembered, so later commands
only need a short scan to find their current address.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/pixels-central/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&dieFlag, "die", "d", "", "die name, address or hex device id")

	rootCmd.AddCommand(scanCmd, infoCmd, batteryCmd, rssiCmd, playCmd, stopCmd,
		flashCmd, renameCmd, uploadCmd, settingsCmd, telemetryCmd, monitorCmd, forgetCmd)
}
