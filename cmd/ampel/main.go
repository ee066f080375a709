// ampel drives a race start light over BLE or a BLE-UART bridge: it
// loads race schedules from DriftClub, uploads them to the device, keeps
// the device clock in sync and serves an operator API.
//
// Usage:
//
//	ampel serve [-c ampel.cfg]
//	ampel send manualStart duration=120 preDelay=10
//	ampel fetch g/<club>/<event>
//	ampel sync g/<club>/<event>
//	ampel profiles
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ampel",
	Short: "Race start light controller",
	Long: `ampel controls a DriftAmpel-style race start light.

It connects over Bluetooth LE (or a BLE-UART bridge on a serial port or
socket), loads race schedules from the DriftClub event API, uploads them
to the device and keeps the device clock in sync.

Examples:
  # Run the operator API with auto-trigger
  ampel serve -c ampel.cfg

  # One-shot commands
  ampel send yellowFlag on=true
  ampel send '{"intent":"setText","text":"Final"}'

  # Schedules
  ampel fetch g/my-club/my-event
  ampel sync g/my-club/my-event`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(profilesCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "ampel.cfg", "Configuration file")
	pf.StringP("profile", "p", "", "Device profile (overrides config)")
	pf.String("transport", "", "Transport: ble, serial, tcp, unix or mem (overrides config)")
	pf.String("address", "", "Serial device, socket path or host:port for bridge transports")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
}
