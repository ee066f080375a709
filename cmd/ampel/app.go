package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Atomregen/startAmpelBLE/pkg/ble"
	"github.com/Atomregen/startAmpelBLE/pkg/config"
	"github.com/Atomregen/startAmpelBLE/pkg/device"
	"github.com/Atomregen/startAmpelBLE/pkg/driftclub"
	"github.com/Atomregen/startAmpelBLE/pkg/ledger"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/reactor"
	"github.com/Atomregen/startAmpelBLE/pkg/serial"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

// app is everything one command needs, built from settings and flags.
type app struct {
	settings config.Settings
	profiles *protocol.Registry
	profile  *protocol.Profile
	metrics  *metrics.AmpelMetrics
	log      *log.Logger

	reactor *reactor.Reactor
	client  *driftclub.Client
	ledger  *ledger.Store
	ctl     *device.Controller

	closers []io.Closer
}

// loadSettings reads the config file and applies command-line overrides.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	s, err := config.LoadSettings(path)
	if err != nil {
		return s, err
	}
	if v, _ := cmd.Flags().GetString("profile"); v != "" {
		s.Device.Profile = v
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		s.Device.Transport = v
	}
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		s.Device.Address = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		s.Log.Level = v
	}
	return s, s.Validate()
}

// newApp sets up logging, profiles, metrics and the event API client.
// Device and ledger are opened on demand.
func newApp(cmd *cobra.Command) (*app, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, log: log.GetLogger("ampel")}

	closer, err := log.Setup(log.Options{
		Level:      s.Log.Level,
		Format:     s.Log.Format,
		File:       s.Log.File,
		MaxSize:    s.Log.MaxSize,
		MaxBackups: s.Log.MaxBackups,
		TimeFormat: s.Log.TimeFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("log setup: %w", err)
	}
	a.closers = append(a.closers, closer)

	a.profiles, err = buildRegistry(s)
	if err != nil {
		return nil, err
	}
	a.profile, err = a.profiles.Get(s.Device.Profile)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.NewAmpelMetrics()
	a.client, err = driftclub.New(driftclub.Options{
		BaseURL:   s.API.BaseURL,
		Timeout:   s.API.Timeout,
		CacheSize: s.API.EventCacheSize,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildRegistry adds the profiles file and [profile <name>] sections to
// the built-in profiles.
func buildRegistry(s config.Settings) (*protocol.Registry, error) {
	r := protocol.NewRegistry()
	if s.Device.ProfilesFile != "" {
		if _, err := r.LoadProfilesFile(s.Device.ProfilesFile); err != nil {
			return nil, err
		}
	}
	for name, opts := range s.Profiles {
		if err := r.RegisterOptions(name, opts); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// dialer picks the link implementation for the configured transport.
func dialer(s config.DeviceSettings) (device.Dialer, error) {
	switch s.Transport {
	case "ble":
		return func(p *protocol.Profile) (transport.Link, error) {
			return ble.NewLink(p), nil
		}, nil
	case "serial":
		return bridge(serial.DialSerial(s.Address, 0)), nil
	case "tcp":
		return bridge(serial.DialTCP(s.Address)), nil
	case "unix":
		return bridge(serial.DialUnix(s.Address)), nil
	case "mem":
		return func(p *protocol.Profile) (transport.Link, error) {
			name := p.DeviceName
			if name == "" {
				name = p.NamePrefix + "-dry-run"
			}
			channels := make([]string, 0, len(p.Channels))
			for ch := range p.Channels {
				channels = append(channels, ch)
			}
			return transport.NewMemLink(name, channels...), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", s.Transport)
}

func bridge(dial serial.Dialer) device.Dialer {
	return func(p *protocol.Profile) (transport.Link, error) {
		return serial.NewLink(p, dial), nil
	}
}

// openLedger opens the persistent upload and start ledger.
func (a *app) openLedger() error {
	store, err := ledger.Open(ledger.Options{Path: a.settings.Ledger.Path, InMemory: a.settings.Ledger.InMemory})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = store
	a.closers = append(a.closers, store)
	return nil
}

// newController starts the reactor and builds the device controller.
func (a *app) newController(background bool) error {
	dial, err := dialer(a.settings.Device)
	if err != nil {
		return err
	}
	a.reactor = reactor.New()
	a.reactor.Run()

	sch := a.settings.Schedule
	opts := device.Options{
		Profile:          a.profile,
		Dial:             dial,
		Reactor:          a.reactor,
		Fetcher:          a.client,
		Ledger:           a.ledger,
		Metrics:          a.metrics,
		ConnectAttempts:  a.settings.Device.ConnectAttempts,
		ConnectBaseDelay: a.settings.Device.ConnectBaseDelay,
		PreDelay:         sch.PreDelay,
		IDs:              sch.IDs,
		Tolerance:        sch.Tolerance,
		MaxSessions:      sch.MaxSessions,
	}
	if background {
		opts.AutoTrigger = sch.AutoTrigger
		opts.ResyncInterval = sch.ResyncInterval
		opts.LiveProgress = sch.LiveProgress
		opts.LivePollInterval = sch.LivePollInterval
	}
	a.ctl = device.New(opts)
	return nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	if a.ctl != nil {
		a.ctl.Close()
	}
	if a.reactor != nil {
		a.reactor.End()
		a.reactor.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("close")
		}
	}
}
