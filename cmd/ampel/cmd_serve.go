package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Atomregen/startAmpelBLE/pkg/api"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and keep the device connected",
	Long: `Connect to the device, load the configured schedule and serve the
operator API (HTTP and WebSocket) until interrupted. With auto_trigger the
host fires scheduled starts on devices without their own scheduler.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Operator API address (overrides [server] address)")
	serveCmd.Flags().Bool("no-connect", false, "Do not connect to the device on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openLedger(); err != nil {
		return err
	}
	if err := a.newController(true); err != nil {
		return err
	}

	if a.settings.Metrics.Enabled {
		cfg := metrics.DefaultMetricsServerConfig()
		cfg.Address = a.settings.Metrics.Address
		cfg.Username = a.settings.Metrics.Username
		cfg.Password = a.settings.Metrics.Password
		cfg.Ready = func() (bool, string) {
			st := a.ctl.Status()
			if st.State == transport.Ready.String() {
				return true, "ready: " + st.Device
			}
			return false, st.State + ": " + st.Message
		}
		ms := metrics.NewMetricsServerWithConfig(a.metrics, cfg)
		errCh := ms.StartAsync()
		go func() {
			if err := <-errCh; err != nil {
				a.log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ms.Shutdown(ctx)
		}()
	}

	addr := a.settings.Server.Address
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		addr = v
	}
	srv := api.New(api.Config{Addr: addr, Device: a.ctl, History: a.ledger, Version: version})
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if noConnect, _ := cmd.Flags().GetBool("no-connect"); !noConnect {
		go bringUp(ctx, a)
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// bringUp connects and, when identifiers are configured, loads and
// uploads the schedule. Failures are logged; the operator can retry
// through the API.
func bringUp(ctx context.Context, a *app) {
	if err := a.ctl.Connect(ctx); err != nil {
		a.log.WithError(err).Warn("initial connect failed")
		return
	}
	if len(a.settings.Schedule.IDs) == 0 {
		return
	}
	res, err := a.ctl.Sync(ctx, nil)
	if err != nil {
		a.log.WithError(err).Warn("initial schedule sync failed")
		return
	}
	a.log.Info("schedule ready: %d races, %d frames", res.Sessions, res.Frames)
}
