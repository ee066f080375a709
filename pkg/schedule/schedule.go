// Package schedule holds the normalized race schedule and pushes it to
// the device.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

// DefaultDuration is used when a session carries no usable duration.
const DefaultDuration = 300

// Session is one race as the host understands it.
type Session struct {
	Name      string `json:"name"`
	StartTime int64  `json:"startTime"`
	Duration  int    `json:"duration"`
	Laps      int    `json:"laps,omitempty"`
	// StartDelay is in milliseconds.
	StartDelay int    `json:"startDelay"`
	SessionID  string `json:"sessionID,omitempty"`
}

// Start returns StartTime as a time.Time.
func (s Session) Start() time.Time {
	return time.Unix(s.StartTime, 0)
}

// LapLimited reports whether laps, not time, end the race.
func (s Session) LapLimited() bool {
	return s.Laps > 0 && s.Duration == 0
}

// Entry converts the session to device form, applying the profile's name
// rules.
func (s Session) Entry(p *protocol.Profile) protocol.Entry {
	return protocol.Entry{
		Name:     p.CleanName(s.Name),
		Start:    s.StartTime,
		Duration: s.Duration,
		DelayMs:  s.StartDelay,
		Laps:     s.Laps,
	}
}

// ParseDuration converts "HH:MM:SS" to seconds. Anything else yields
// DefaultDuration.
func ParseDuration(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return DefaultDuration
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return DefaultDuration
		}
		v[i] = n
	}
	return v[0]*3600 + v[1]*60 + v[2]
}

// Schedule is an ordered, filtered and capped list of sessions.
type Schedule struct {
	Sessions []Session `json:"sessions"`
	// BuiltAt is the reference time used for filtering.
	BuiltAt time.Time `json:"builtAt"`
}

// Build sorts sessions by start time (stable), drops those that started
// more than tolerance seconds before now, and keeps at most max.
func Build(sessions []Session, now time.Time, tolerance, max int) Schedule {
	sorted := make([]Session, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime < sorted[j].StartTime
	})

	cutoff := now.Unix() - int64(tolerance)
	kept := sorted[:0]
	for _, s := range sorted {
		if s.StartTime >= cutoff {
			kept = append(kept, s)
		}
	}
	if max > 0 && len(kept) > max {
		kept = kept[:max]
	}
	return Schedule{Sessions: kept, BuiltAt: now}
}

// Len returns the number of sessions.
func (s Schedule) Len() int {
	return len(s.Sessions)
}

// Entries converts every session to device form.
func (s Schedule) Entries(p *protocol.Profile) []protocol.Entry {
	out := make([]protocol.Entry, len(s.Sessions))
	for i, sess := range s.Sessions {
		out[i] = sess.Entry(p)
	}
	return out
}

// Digest identifies the device-side content of the schedule: the SHA-256
// of its transfer encoding. Equal digests mean a re-upload is a no-op.
func (s Schedule) Digest(p *protocol.Profile) string {
	body, err := protocol.EncodeEntries(s.Entries(p))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Next returns the index of the first session starting at or after now,
// or -1.
func (s Schedule) Next(now time.Time) int {
	for i, sess := range s.Sessions {
		if sess.StartTime >= now.Unix() {
			return i
		}
	}
	return -1
}

// Current returns the index of the session most recently started at now,
// or -1 if none has started.
func (s Schedule) Current(now time.Time) int {
	idx := -1
	for i, sess := range s.Sessions {
		if sess.StartTime <= now.Unix() {
			idx = i
		}
	}
	return idx
}
