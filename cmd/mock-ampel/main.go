// mock-ampel simulates a start light behind a BLE-UART bridge so the host
// can be exercised without hardware. It answers the bridge hello, keeps
// settings, display text and the schedule, runs countdowns and pushes
// status lines the way the firmware does.
//
// Usage:
//
//	mock-ampel --listen 127.0.0.1:7131 [--profile ampel-json] [--skew 3s] [--trace]
//	mock-ampel --socket /tmp/ampel_bridge
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

var (
	listenAddr  string
	socketPath  string
	profileName string
	skew        time.Duration
	trace       bool
)

var rootCmd = &cobra.Command{
	Use:          "mock-ampel",
	Short:        "Simulated start light behind a BLE-UART bridge",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&listenAddr, "listen", "127.0.0.1:7131", "TCP address to accept the host on")
	f.StringVar(&socketPath, "socket", "", "Unix socket path (overrides --listen)")
	f.StringVarP(&profileName, "profile", "p", "driftampel", "device generation to simulate")
	f.DurationVar(&skew, "skew", 0, "initial device clock error")
	f.BoolVar(&trace, "trace", false, "log every frame")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func listen() (net.Listener, func(), error) {
	if socketPath != "" {
		os.Remove(socketPath)
		l, err := net.Listen("unix", socketPath)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { os.Remove(socketPath) }, nil
	}
	l, err := net.Listen("tcp", listenAddr)
	return l, func() {}, err
}

func run(cmd *cobra.Command, args []string) error {
	profile, err := protocol.NewRegistry().Get(profileName)
	if err != nil {
		return err
	}
	if trace {
		log.Default().SetLevel(log.DEBUG)
	}
	logger := log.GetLogger("mock-ampel")

	listener, cleanup, err := listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer cleanup()
	defer listener.Close()

	sim := NewSimulator(profile, skew)
	logger.Info("simulating %s (%s) on %s", sim.name, profile.Name, listener.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	// One host at a time, like the real bridge.
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			return err
		}
		logger.Info("host connected from %s", conn.RemoteAddr())
		if err := sim.Serve(conn); err != nil {
			logger.Warn("connection ended: %v", err)
		}
		conn.Close()
		logger.Info("host disconnected")
	}
}
