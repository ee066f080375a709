// Package transport defines the device link abstraction shared by the BLE,
// serial bridge and in-memory implementations.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle of a device session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Notification is one status push received from the device.
type Notification struct {
	Channel string
	Data    []byte
	At      time.Time
}

// Link is one connection attempt to one peripheral. A Link is not reused:
// once Disconnected() is closed a new Link must be created.
type Link interface {
	// Connect discovers the peripheral and resolves its channels.
	Connect(ctx context.Context) error

	// Name is the advertised name of the connected peripheral.
	Name() string

	// Channels lists the logical channels that were resolved.
	Channels() []string

	// Write performs one transport-level write.
	Write(ctx context.Context, channel string, data []byte) error

	// Read reads the current value of a readable channel.
	Read(ctx context.Context, channel string) ([]byte, error)

	// Notifications delivers status pushes. It is closed after
	// Disconnected() is closed.
	Notifications() <-chan Notification

	// Disconnected is closed exactly once when the link is lost or closed.
	Disconnected() <-chan struct{}

	// Close tears the link down. It is idempotent.
	Close() error
}

// Events implements the notification and disconnect plumbing of a Link.
// Implementations embed it and call Notify and MarkDisconnected.
type Events struct {
	initOnce sync.Once
	doneOnce sync.Once
	mu       sync.RWMutex
	notes    chan Notification
	done     chan struct{}
	closed   bool
}

func (e *Events) init() {
	e.initOnce.Do(func() {
		e.notes = make(chan Notification, 32)
		e.done = make(chan struct{})
	})
}

// Notifications implements Link.
func (e *Events) Notifications() <-chan Notification {
	e.init()
	return e.notes
}

// Disconnected implements Link.
func (e *Events) Disconnected() <-chan struct{} {
	e.init()
	return e.done
}

// IsDisconnected reports whether MarkDisconnected has been called.
func (e *Events) IsDisconnected() bool {
	e.init()
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Notify queues a notification. When the subscriber lags the oldest
// pending notification is dropped. Notifications after disconnect are
// discarded.
func (e *Events) Notify(channel string, data []byte) {
	e.init()
	n := Notification{Channel: channel, Data: append([]byte(nil), data...), At: time.Now()}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for {
		select {
		case e.notes <- n:
			return
		default:
		}
		select {
		case <-e.notes:
		default:
		}
	}
}

// MarkDisconnected closes Disconnected() and then Notifications(). Safe
// to call more than once.
func (e *Events) MarkDisconnected() {
	e.init()
	e.doneOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.notes)
		e.mu.Unlock()
	})
}
