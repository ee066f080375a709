// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
)

// DeviceSettings is the [device] section.
type DeviceSettings struct {
	Profile          string        `env:"PROFILE"`
	ProfilesFile     string        `env:"PROFILES_FILE"`
	Transport        string        `env:"TRANSPORT"`
	Address          string        `env:"ADDRESS"`
	ConnectAttempts  int           `env:"CONNECT_ATTEMPTS"`
	ConnectBaseDelay time.Duration `env:"CONNECT_BASE_DELAY"`
}

// APISettings is the [api] section.
type APISettings struct {
	BaseURL        string        `env:"BASE_URL"`
	Timeout        time.Duration `env:"TIMEOUT"`
	EventCacheSize int           `env:"EVENT_CACHE_SIZE"`
}

// ScheduleSettings is the [schedule] section. Zero Tolerance or
// MaxSessions means "use the profile value".
type ScheduleSettings struct {
	IDs              []string      `env:"IDS" envSeparator:","`
	Tolerance        int           `env:"TOLERANCE"`
	MaxSessions      int           `env:"MAX_SESSIONS"`
	PreDelay         int           `env:"PRE_DELAY"`
	AutoTrigger      bool          `env:"AUTO_TRIGGER"`
	ResyncInterval   time.Duration `env:"RESYNC_INTERVAL"`
	LiveProgress     bool          `env:"LIVE_PROGRESS"`
	LivePollInterval time.Duration `env:"LIVE_POLL_INTERVAL"`
}

// ServerSettings is the [server] section.
type ServerSettings struct {
	Address string `env:"ADDRESS"`
}

// MetricsSettings is the [metrics] section.
type MetricsSettings struct {
	Enabled  bool   `env:"ENABLED"`
	Address  string `env:"ADDRESS"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
}

// LedgerSettings is the [ledger] section.
type LedgerSettings struct {
	Path     string `env:"PATH"`
	InMemory bool   `env:"IN_MEMORY"`
}

// LogSettings is the [log] section.
type LogSettings struct {
	Level      string `env:"LEVEL"`
	Format     string `env:"FORMAT"`
	File       string `env:"FILE"`
	MaxSize    int    `env:"MAX_SIZE"`
	MaxBackups int    `env:"MAX_BACKUPS"`
	TimeFormat string `env:"TIME_FORMAT"`
}

// Settings is the typed view of ampel.cfg. Environment variables named
// AMPEL_<SECTION>_<OPTION> override file values.
type Settings struct {
	Device   DeviceSettings   `envPrefix:"DEVICE_"`
	API      APISettings      `envPrefix:"API_"`
	Schedule ScheduleSettings `envPrefix:"SCHEDULE_"`
	Server   ServerSettings   `envPrefix:"SERVER_"`
	Metrics  MetricsSettings  `envPrefix:"METRICS_"`
	Ledger   LedgerSettings   `envPrefix:"LEDGER_"`
	Log      LogSettings      `envPrefix:"LOG_"`

	// Profiles holds raw [profile <name>] sections keyed by name.
	Profiles map[string]map[string]string
}

// Defaults returns the settings used when no file or variable says otherwise.
func Defaults() Settings {
	return Settings{
		Device: DeviceSettings{
			Profile:          "driftampel",
			Transport:        "ble",
			ConnectAttempts:  3,
			ConnectBaseDelay: 500 * time.Millisecond,
		},
		API: APISettings{
			BaseURL:        "https://driftclub.com",
			Timeout:        10 * time.Second,
			EventCacheSize: 64,
		},
		Schedule: ScheduleSettings{
			PreDelay:         10,
			AutoTrigger:      true,
			LivePollInterval: 5 * time.Second,
		},
		Server:  ServerSettings{Address: ":7130"},
		Metrics: MetricsSettings{Address: ":9130"},
		Ledger:  LedgerSettings{Path: "ampel-ledger"},
		Log:     LogSettings{Level: "info", Format: "text", MaxSize: 10, MaxBackups: 5},
	}
}

var transports = []string{"ble", "serial", "tcp", "unix", "mem"}

// LoadSettings builds Settings from defaults, then the config file at path
// (skipped when path is empty or missing), then a .env file next to the
// working directory, then AMPEL_* environment variables.
func LoadSettings(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			if err != nil {
				return s, err
			}
			if err := s.apply(cfg); err != nil {
				return s, err
			}
		} else if !os.IsNotExist(err) {
			return s, err
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return s, err
	}
	if err := env.ParseWithOptions(&s, env.Options{Prefix: "AMPEL_"}); err != nil {
		return s, errors.Wrap(err, errors.ErrConfigType, "environment override")
	}
	return s, s.Validate()
}

// LoadDotEnv loads KEY=value pairs from file into the process environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadDotEnv(file string) error {
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return errors.Wrap(err, errors.ErrConfigValidation, "load "+file)
	}
	return nil
}

// apply overlays the parsed file onto s.
func (s *Settings) apply(cfg *Config) error {
	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}
	str := func(sec *Section, opt string, dst *string) {
		v, e := sec.Get(opt, *dst)
		set(e)
		*dst = v
	}
	num := func(sec *Section, opt string, dst *int) {
		v, e := sec.GetInt(opt, *dst)
		set(e)
		*dst = v
	}
	dur := func(sec *Section, opt string, dst *time.Duration) {
		v, e := sec.GetDuration(opt, *dst)
		set(e)
		*dst = v
	}
	flag := func(sec *Section, opt string, dst *bool) {
		v, e := sec.GetBool(opt, *dst)
		set(e)
		*dst = v
	}

	dev := cfg.Section("device")
	str(dev, "profile", &s.Device.Profile)
	str(dev, "profiles_file", &s.Device.ProfilesFile)
	tr, e := dev.GetChoice("transport", transports, s.Device.Transport)
	set(e)
	s.Device.Transport = tr
	str(dev, "address", &s.Device.Address)
	one := 1
	attempts, e := dev.GetIntWithBounds("connect_attempts", &one, nil, s.Device.ConnectAttempts)
	set(e)
	s.Device.ConnectAttempts = attempts
	dur(dev, "connect_base_delay", &s.Device.ConnectBaseDelay)

	api := cfg.Section("api")
	str(api, "base_url", &s.API.BaseURL)
	dur(api, "timeout", &s.API.Timeout)
	num(api, "event_cache_size", &s.API.EventCacheSize)

	sch := cfg.Section("schedule")
	ids, e := sch.GetList("ids", ",", s.Schedule.IDs)
	set(e)
	s.Schedule.IDs = ids
	num(sch, "tolerance", &s.Schedule.Tolerance)
	num(sch, "max_sessions", &s.Schedule.MaxSessions)
	num(sch, "pre_delay", &s.Schedule.PreDelay)
	flag(sch, "auto_trigger", &s.Schedule.AutoTrigger)
	dur(sch, "resync_interval", &s.Schedule.ResyncInterval)
	flag(sch, "live_progress", &s.Schedule.LiveProgress)
	dur(sch, "live_poll_interval", &s.Schedule.LivePollInterval)

	str(cfg.Section("server"), "address", &s.Server.Address)

	met := cfg.Section("metrics")
	flag(met, "enabled", &s.Metrics.Enabled)
	str(met, "address", &s.Metrics.Address)
	str(met, "username", &s.Metrics.Username)
	str(met, "password", &s.Metrics.Password)

	led := cfg.Section("ledger")
	str(led, "path", &s.Ledger.Path)
	flag(led, "in_memory", &s.Ledger.InMemory)

	lg := cfg.Section("log")
	str(lg, "level", &s.Log.Level)
	str(lg, "format", &s.Log.Format)
	str(lg, "file", &s.Log.File)
	num(lg, "max_size", &s.Log.MaxSize)
	num(lg, "max_backups", &s.Log.MaxBackups)
	str(lg, "time_format", &s.Log.TimeFormat)

	for _, sec := range cfg.GetPrefixSections("profile ") {
		name := strings.TrimSpace(strings.TrimPrefix(sec.GetName(), "profile "))
		if s.Profiles == nil {
			s.Profiles = make(map[string]map[string]string)
		}
		s.Profiles[name] = sec.RawOptions()
	}
	return err
}

// Validate checks cross-field constraints that single getters cannot.
func (s *Settings) Validate() error {
	if s.Device.ConnectAttempts < 1 {
		return errors.ConfigValidationError("device", "connect_attempts", "must be at least 1")
	}
	if s.Device.Transport != "ble" && s.Device.Transport != "mem" && s.Device.Address == "" {
		msg := "required for transport " + s.Device.Transport
		if s.Device.Transport == "serial" {
			msg += ` (use "auto" to pick the first dongle)`
		}
		return errors.ConfigValidationError("device", "address", msg)
	}
	if s.Schedule.Tolerance < 0 {
		return errors.ConfigValidationError("schedule", "tolerance", "must not be negative")
	}
	if s.Schedule.MaxSessions < 0 {
		return errors.ConfigValidationError("schedule", "max_sessions", "must not be negative")
	}
	if s.Schedule.LiveProgress && s.Schedule.LivePollInterval <= 0 {
		return errors.ConfigValidationError("schedule", "live_poll_interval", "must be positive")
	}
	return nil
}
