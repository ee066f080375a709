// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLinkClosed is returned by MemLink operations after Close or Drop.
var ErrLinkClosed = errors.New("transport: link closed")

// Write is one recorded MemLink write.
type Write struct {
	Channel string
	Data    []byte
	Start   time.Time
	End     time.Time
}

// MemLink is an in-memory Link for tests and dry runs. It records every
// write with its timing and tracks how many writes overlap.
type MemLink struct {
	Events

	// PeripheralName is reported by Name.
	PeripheralName string
	// Available lists the channels Connect resolves.
	Available []string
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// WriteDelay simulates the radio round trip of one write.
	WriteDelay time.Duration
	// FailWrite may return an error to fail a specific write.
	FailWrite func(channel string, data []byte) error
	// OnWrite runs after each successful write, e.g. to answer with a
	// notification.
	OnWrite func(l *MemLink, channel string, data []byte)
	// ReadValues backs Read.
	ReadValues map[string][]byte

	mu          sync.Mutex
	writes      []Write
	connected   bool
	inFlight    int32
	maxInFlight int32
}

// NewMemLink returns a MemLink exposing the given channels.
func NewMemLink(name string, channels ...string) *MemLink {
	return &MemLink{PeripheralName: name, Available: channels, ReadValues: map[string][]byte{}}
}

// Connect implements Link.
func (l *MemLink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.ConnectErr != nil {
		return l.ConnectErr
	}
	if l.IsDisconnected() {
		return ErrLinkClosed
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

// Name implements Link.
func (l *MemLink) Name() string { return l.PeripheralName }

// Channels implements Link.
func (l *MemLink) Channels() []string {
	return append([]string(nil), l.Available...)
}

// Write implements Link.
func (l *MemLink) Write(ctx context.Context, channel string, data []byte) error {
	if l.IsDisconnected() {
		return ErrLinkClosed
	}
	n := atomic.AddInt32(&l.inFlight, 1)
	defer atomic.AddInt32(&l.inFlight, -1)
	for {
		max := atomic.LoadInt32(&l.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&l.maxInFlight, max, n) {
			break
		}
	}

	start := time.Now()
	if l.WriteDelay > 0 {
		select {
		case <-time.After(l.WriteDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if l.FailWrite != nil {
		if err := l.FailWrite(channel, data); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.writes = append(l.writes, Write{
		Channel: channel,
		Data:    append([]byte(nil), data...),
		Start:   start,
		End:     time.Now(),
	})
	l.mu.Unlock()
	if l.OnWrite != nil {
		l.OnWrite(l, channel, data)
	}
	return nil
}

// Read implements Link.
func (l *MemLink) Read(ctx context.Context, channel string) ([]byte, error) {
	if l.IsDisconnected() {
		return nil, ErrLinkClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.ReadValues[channel]
	if !ok {
		return nil, errors.New("transport: channel " + channel + " not readable")
	}
	return append([]byte(nil), v...), nil
}

// Close implements Link.
func (l *MemLink) Close() error {
	l.MarkDisconnected()
	return nil
}

// Drop simulates an unsolicited link loss.
func (l *MemLink) Drop() {
	l.MarkDisconnected()
}

// Writes returns a copy of all recorded writes.
func (l *MemLink) Writes() []Write {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Write(nil), l.writes...)
}

// Frames returns the recorded payloads as strings.
func (l *MemLink) Frames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.writes))
	for i, w := range l.writes {
		out[i] = string(w.Data)
	}
	return out
}

// MaxInFlight is the highest number of concurrent writes observed.
func (l *MemLink) MaxInFlight() int {
	return int(atomic.LoadInt32(&l.maxInFlight))
}
