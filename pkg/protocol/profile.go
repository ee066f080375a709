// Device protocol profiles
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Generation selects the wire grammar.
type Generation string

const (
	GenerationFlat Generation = "flat"
	GenerationJSON Generation = "json"
)

// Transfer selects how a schedule is pushed to the device.
type Transfer string

const (
	TransferChunked  Transfer = "chunked"
	TransferPerEntry Transfer = "per_entry"
)

// TextEncoding selects how free text is embedded in flat commands.
type TextEncoding string

const (
	TextPercent  TextEncoding = "percent"
	TextSanitize TextEncoding = "sanitize"
)

// Logical channel names. A profile maps each to a characteristic UUID.
const (
	ChannelCmd      = "cmd"
	ChannelSettings = "settings"
	ChannelSchedule = "schedule"
	ChannelStatus   = "status"
	ChannelTime     = "time"
)

// Profile describes one device generation: how to find it, which
// channels it exposes and how commands are encoded for it.
type Profile struct {
	Name       string
	Generation Generation

	// Exactly one of DeviceName and NamePrefix is normally set.
	DeviceName  string
	NamePrefix  string
	ServiceUUID string
	Channels    map[string]string

	NameMaxLen      int
	RestrictCharset bool
	TextEncoding    TextEncoding

	// Tolerance is how many seconds a session may lie in the past and
	// still be kept in a schedule.
	Tolerance   int
	MaxSessions int

	ClockSyncPeriod time.Duration
	RawTimeChannel  bool
	SettleDelay     time.Duration

	Transfer   Transfer
	ChunkSize  int
	ChunkDelay time.Duration

	// HostTrigger makes the host fire scheduled starts itself instead of
	// relying on the device scheduler.
	HostTrigger bool

	MaxWriteSize     int
	RandomStartMaxMs int

	// Verbs renames flat verbs, e.g. "text" -> "ledText" for firmware
	// that uses the older names.
	Verbs map[string]string
}

// Matches reports whether an advertised peripheral name selects this profile.
func (p *Profile) Matches(name string) bool {
	if name == "" {
		return false
	}
	if p.DeviceName != "" && name == p.DeviceName {
		return true
	}
	return p.NamePrefix != "" && strings.HasPrefix(name, p.NamePrefix)
}

// NameFilter describes the scan filter for logs and errors.
func (p *Profile) NameFilter() string {
	if p.DeviceName != "" {
		return p.DeviceName
	}
	return p.NamePrefix + "*"
}

// HasChannel reports whether the profile declares a channel.
func (p *Profile) HasChannel(name string) bool {
	_, ok := p.Channels[name]
	return ok
}

// Verb returns the flat verb to send in place of the default verb name.
func (p *Profile) Verb(name string) string {
	if v, ok := p.Verbs[name]; ok && v != "" {
		return v
	}
	return name
}

// Clone returns a deep copy safe to modify.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Channels = make(map[string]string, len(p.Channels))
	for k, v := range p.Channels {
		c.Channels[k] = v
	}
	c.Verbs = make(map[string]string, len(p.Verbs))
	for k, v := range p.Verbs {
		c.Verbs[k] = v
	}
	return &c
}

// Validate checks the fields every component relies on.
func (p *Profile) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("profile: name is required")
	case p.Generation != GenerationFlat && p.Generation != GenerationJSON:
		return fmt.Errorf("profile %s: unknown generation %q", p.Name, p.Generation)
	case p.DeviceName == "" && p.NamePrefix == "":
		return fmt.Errorf("profile %s: device_name or name_prefix is required", p.Name)
	case p.Channels[ChannelCmd] == "":
		return fmt.Errorf("profile %s: cmd channel is required", p.Name)
	case p.Transfer != TransferChunked && p.Transfer != TransferPerEntry:
		return fmt.Errorf("profile %s: unknown transfer %q", p.Name, p.Transfer)
	case p.Transfer == TransferChunked && p.ChunkSize <= 0:
		return fmt.Errorf("profile %s: chunk_size must be positive", p.Name)
	case p.Transfer == TransferChunked && p.Channels[ChannelSchedule] == "":
		return fmt.Errorf("profile %s: chunked transfer needs a schedule channel", p.Name)
	case p.RawTimeChannel && p.Channels[ChannelTime] == "":
		return fmt.Errorf("profile %s: raw time needs a time channel", p.Name)
	case p.MaxSessions <= 0 || p.NameMaxLen <= 0 || p.MaxWriteSize <= 0:
		return fmt.Errorf("profile %s: max_sessions, name_max_len and max_write_size must be positive", p.Name)
	case p.ClockSyncPeriod <= 0:
		return fmt.Errorf("profile %s: clock_sync_period must be positive", p.Name)
	}
	return nil
}

const driftAmpelBase = "-e8f2-537e-4f6c-d104768a1214"

// DriftAmpel is the flat-string generation of the original controller.
func DriftAmpel() *Profile {
	return &Profile{
		Name:        "driftampel",
		Generation:  GenerationFlat,
		DeviceName:  "DriftAmpel",
		ServiceUUID: "19b10000" + driftAmpelBase,
		Channels: map[string]string{
			ChannelCmd:    "19b10001" + driftAmpelBase,
			ChannelStatus: "19b10002" + driftAmpelBase,
		},
		NameMaxLen:       30,
		TextEncoding:     TextPercent,
		Tolerance:        300,
		MaxSessions:      20,
		ClockSyncPeriod:  60 * time.Second,
		SettleDelay:      100 * time.Millisecond,
		Transfer:         TransferPerEntry,
		HostTrigger:      true,
		MaxWriteSize:     240,
		RandomStartMaxMs: 3000,
		Verbs:            map[string]string{},
	}
}

// AmpelJSON is the structured generation with chunked schedule transfer.
func AmpelJSON() *Profile {
	return &Profile{
		Name:        "ampel-json",
		Generation:  GenerationJSON,
		NamePrefix:  "Ampel",
		ServiceUUID: "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
		Channels: map[string]string{
			ChannelCmd:      "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			ChannelSettings: "beb5483e-36e1-4688-b7f5-ea07361b26a9",
			ChannelSchedule: "beb5483e-36e1-4688-b7f5-ea07361b26aa",
			ChannelStatus:   "beb5483e-36e1-4688-b7f5-ea07361b26ab",
			ChannelTime:     "beb5483e-36e1-4688-b7f5-ea07361b26ac",
		},
		NameMaxLen:       15,
		RestrictCharset:  true,
		TextEncoding:     TextSanitize,
		Tolerance:        60,
		MaxSessions:      10,
		ClockSyncPeriod:  30 * time.Second,
		RawTimeChannel:   true,
		SettleDelay:      50 * time.Millisecond,
		Transfer:         TransferChunked,
		ChunkSize:        100,
		ChunkDelay:       40 * time.Millisecond,
		MaxWriteSize:     200,
		RandomStartMaxMs: 3000,
		Verbs:            map[string]string{},
	}
}

// Registry holds the profiles selectable by name.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry returns a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]*Profile)}
	r.profiles["driftampel"] = DriftAmpel()
	r.profiles["ampel-json"] = AmpelJSON()
	return r
}

// Register adds or replaces a profile after validating it.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[p.Name] = p
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the named profile.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found (known: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return p.Clone(), nil
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
