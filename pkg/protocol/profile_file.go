// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// profileDoc is one custom profile as written in a profiles file or a
// [profile <name>] config section. Unset fields inherit from Base.
type profileDoc struct {
	Name            string            `yaml:"name"`
	Base            string            `yaml:"base"`
	Generation      *Generation       `yaml:"generation"`
	DeviceName      *string           `yaml:"device_name"`
	NamePrefix      *string           `yaml:"name_prefix"`
	ServiceUUID     *string           `yaml:"service_uuid"`
	Channels        map[string]string `yaml:"channels"`
	NameMaxLen      *int              `yaml:"name_max_len"`
	RestrictCharset *bool             `yaml:"restrict_charset"`
	TextEncoding    *TextEncoding     `yaml:"text_encoding"`
	Tolerance       *int              `yaml:"tolerance"`
	MaxSessions     *int              `yaml:"max_sessions"`
	ClockSyncPeriod *time.Duration    `yaml:"clock_sync_period"`
	RawTimeChannel  *bool             `yaml:"raw_time_channel"`
	SettleDelay     *time.Duration    `yaml:"settle_delay"`
	Transfer        *Transfer         `yaml:"transfer"`
	ChunkSize       *int              `yaml:"chunk_size"`
	ChunkDelay      *time.Duration    `yaml:"chunk_delay"`
	HostTrigger     *bool             `yaml:"host_trigger"`
	MaxWriteSize    *int              `yaml:"max_write_size"`
	RandomStartMax  *int              `yaml:"random_start_max_ms"`
	Verbs           map[string]string `yaml:"verbs"`
}

type profileFile struct {
	Profiles []profileDoc `yaml:"profiles"`
}

func (d *profileDoc) build(r *Registry) (*Profile, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("profile: name is required")
	}
	base := d.Base
	if base == "" {
		base = "driftampel"
	}
	p, err := r.Get(base)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", d.Name, err)
	}
	p.Name = d.Name
	if d.Generation != nil {
		p.Generation = *d.Generation
	}
	if d.DeviceName != nil {
		p.DeviceName = *d.DeviceName
		if d.NamePrefix == nil {
			p.NamePrefix = ""
		}
	}
	if d.NamePrefix != nil {
		p.NamePrefix = *d.NamePrefix
		if d.DeviceName == nil {
			p.DeviceName = ""
		}
	}
	if d.ServiceUUID != nil {
		p.ServiceUUID = *d.ServiceUUID
	}
	for k, v := range d.Channels {
		if v == "" {
			delete(p.Channels, k)
			continue
		}
		p.Channels[k] = v
	}
	setInt(&p.NameMaxLen, d.NameMaxLen)
	setBool(&p.RestrictCharset, d.RestrictCharset)
	if d.TextEncoding != nil {
		p.TextEncoding = *d.TextEncoding
	}
	setInt(&p.Tolerance, d.Tolerance)
	setInt(&p.MaxSessions, d.MaxSessions)
	setDuration(&p.ClockSyncPeriod, d.ClockSyncPeriod)
	setBool(&p.RawTimeChannel, d.RawTimeChannel)
	setDuration(&p.SettleDelay, d.SettleDelay)
	if d.Transfer != nil {
		p.Transfer = *d.Transfer
	}
	setInt(&p.ChunkSize, d.ChunkSize)
	setDuration(&p.ChunkDelay, d.ChunkDelay)
	setBool(&p.HostTrigger, d.HostTrigger)
	setInt(&p.MaxWriteSize, d.MaxWriteSize)
	setInt(&p.RandomStartMaxMs, d.RandomStartMax)
	for k, v := range d.Verbs {
		p.Verbs[k] = v
	}
	return p, p.Validate()
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

// LoadProfiles reads a YAML profiles document and registers every entry.
// Profiles may use earlier entries of the same file as their base.
func (r *Registry) LoadProfiles(rd io.Reader) ([]string, error) {
	var f profileFile
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	var names []string
	for i := range f.Profiles {
		p, err := f.Profiles[i].build(r)
		if err != nil {
			return names, err
		}
		if err := r.Register(p); err != nil {
			return names, err
		}
		names = append(names, p.Name)
	}
	return names, nil
}

// LoadProfilesFile is LoadProfiles on a file path.
func (r *Registry) LoadProfilesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.LoadProfiles(f)
}

// RegisterOptions registers a profile from flat key/value options, as found
// in a [profile <name>] config section. Channel UUIDs use "channel_<name>"
// keys and verb overrides use "verb_<kind>" keys.
func (r *Registry) RegisterOptions(name string, opts map[string]string) error {
	d := profileDoc{Name: name, Channels: map[string]string{}, Verbs: map[string]string{}}
	for key, raw := range opts {
		v := strings.TrimSpace(raw)
		var err error
		switch {
		case key == "base":
			d.Base = v
		case key == "generation":
			g := Generation(v)
			d.Generation = &g
		case key == "device_name":
			d.DeviceName = &v
		case key == "name_prefix":
			d.NamePrefix = &v
		case key == "service_uuid":
			d.ServiceUUID = &v
		case strings.HasPrefix(key, "channel_"):
			d.Channels[strings.TrimPrefix(key, "channel_")] = v
		case strings.HasPrefix(key, "verb_"):
			d.Verbs[strings.TrimPrefix(key, "verb_")] = v
		case key == "text_encoding":
			te := TextEncoding(v)
			d.TextEncoding = &te
		case key == "transfer":
			tr := Transfer(v)
			d.Transfer = &tr
		case key == "name_max_len":
			d.NameMaxLen, err = optInt(v)
		case key == "tolerance":
			d.Tolerance, err = optInt(v)
		case key == "max_sessions":
			d.MaxSessions, err = optInt(v)
		case key == "chunk_size":
			d.ChunkSize, err = optInt(v)
		case key == "max_write_size":
			d.MaxWriteSize, err = optInt(v)
		case key == "random_start_max_ms":
			d.RandomStartMax, err = optInt(v)
		case key == "restrict_charset":
			d.RestrictCharset, err = optBool(v)
		case key == "raw_time_channel":
			d.RawTimeChannel, err = optBool(v)
		case key == "host_trigger":
			d.HostTrigger, err = optBool(v)
		case key == "clock_sync_period":
			d.ClockSyncPeriod, err = optDuration(v)
		case key == "settle_delay":
			d.SettleDelay, err = optDuration(v)
		case key == "chunk_delay":
			d.ChunkDelay, err = optDuration(v)
		default:
			return fmt.Errorf("profile %s: unknown option %q", name, key)
		}
		if err != nil {
			return fmt.Errorf("profile %s: option %s: %w", name, key, err)
		}
	}
	p, err := d.build(r)
	if err != nil {
		return err
	}
	return r.Register(p)
}

func optInt(v string) (*int, error) {
	i, err := strconv.Atoi(v)
	return &i, err
}

func optBool(v string) (*bool, error) {
	b, err := strconv.ParseBool(v)
	return &b, err
}

func optDuration(v string) (*time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		return &d, nil
	}
	d, err := time.ParseDuration(v)
	return &d, err
}
