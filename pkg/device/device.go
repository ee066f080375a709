// Package device owns the connection to one Ampel: connect with retry,
// the per-connection write queue and periodic tasks, command dispatch,
// schedule upload and the host-side start trigger.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package device

import (
	"context"
	"sync"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/clocksync"
	"github.com/Atomregen/startAmpelBLE/pkg/driftclub"
	"github.com/Atomregen/startAmpelBLE/pkg/ledger"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/reactor"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

// Dialer creates a fresh, unconnected link for one connection attempt.
type Dialer func(p *protocol.Profile) (transport.Link, error)

// Fetcher is the event API as the controller uses it.
type Fetcher interface {
	Fetch(ctx context.Context, ids []string, opts driftclub.FetchOptions) (schedule.Schedule, error)
	Progress(ctx context.Context, sessionID string) (driftclub.Progress, error)
}

// Options configures a Controller.
type Options struct {
	Profile *protocol.Profile
	Dial    Dialer
	Reactor *reactor.Reactor

	// Optional collaborators.
	Fetcher Fetcher
	Ledger  *ledger.Store
	Metrics *metrics.AmpelMetrics

	ConnectAttempts  int
	ConnectBaseDelay time.Duration

	// PreDelay is the countdown in seconds before a start.
	PreDelay int
	// IDs are the schedule identifiers used by Resync when none are given.
	IDs []string
	// Tolerance and MaxSessions override the profile when positive.
	Tolerance   int
	MaxSessions int

	AutoTrigger      bool
	ResyncInterval   time.Duration
	LiveProgress     bool
	LivePollInterval time.Duration

	// Now is the host clock, time.Now when nil.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.ConnectAttempts < 1 {
		o.ConnectAttempts = 3
	}
	if o.ConnectBaseDelay <= 0 {
		o.ConnectBaseDelay = 500 * time.Millisecond
	}
	if o.PreDelay <= 0 {
		o.PreDelay = 10
	}
	if o.Tolerance <= 0 {
		o.Tolerance = o.Profile.Tolerance
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = o.Profile.MaxSessions
	}
	if o.LivePollInterval <= 0 {
		o.LivePollInterval = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Event is pushed to subscribers.
type Event struct {
	Type    string    `json:"type"`
	Status  *Status   `json:"status,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Data    string    `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// Event types.
const (
	EventStatus       = "status"
	EventNotification = "notification"
	EventSchedule     = "schedule"
	EventTrigger      = "trigger"
)

// ScheduleStatus summarizes the loaded schedule.
type ScheduleStatus struct {
	Sessions int    `json:"sessions"`
	Digest   string `json:"digest,omitempty"`
	Uploaded string `json:"uploaded,omitempty"`
	Next     int    `json:"next"`
	Started  int    `json:"started"`
}

// Status is a snapshot for the operator.
type Status struct {
	State       string                  `json:"state"`
	Message     string                  `json:"message"`
	Profile     string                  `json:"profile"`
	Device      string                  `json:"device,omitempty"`
	Channels    []string                `json:"channels,omitempty"`
	Settings    protocol.DeviceSettings `json:"settings"`
	YellowFlag  bool                    `json:"yellowFlag"`
	QueueDepth  int                     `json:"queueDepth"`
	Clock       *clocksync.Stats        `json:"clock,omitempty"`
	Schedule    ScheduleStatus          `json:"schedule"`
	AutoTrigger bool                    `json:"autoTrigger"`
	Timers      []string                `json:"timers,omitempty"`
}

// Controller is the long-lived owner of at most one DeviceSession.
type Controller struct {
	opts    Options
	profile *protocol.Profile
	reactor *reactor.Reactor
	metrics *metrics.AmpelMetrics
	log     *log.Logger

	mu       sync.Mutex
	state    transport.State
	message  string
	session  *DeviceSession
	ids      []string
	sched    schedule.Schedule
	started  map[string]bool
	settings protocol.DeviceSettings
	yellow   bool
	waiters  []chan protocol.DeviceSettings

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a controller in the Disconnected state.
func New(opts Options) *Controller {
	opts.setDefaults()
	c := &Controller{
		opts:    opts,
		profile: opts.Profile,
		reactor: opts.Reactor,
		metrics: opts.Metrics,
		log:     log.GetLogger("device"),
		message: "disconnected",
		ids:     append([]string(nil), opts.IDs...),
		started: make(map[string]bool),
		subs:    make(map[int]chan Event),
	}
	c.metrics.SetLinkState(transport.Disconnected.String())
	return c
}

// Profile returns the active profile.
func (c *Controller) Profile() *protocol.Profile {
	return c.profile
}

// State returns the link state.
func (c *Controller) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Message returns the latest operator-facing status line.
func (c *Controller) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

func (c *Controller) current() *DeviceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) setState(st transport.State, msg string) {
	c.mu.Lock()
	c.state = st
	c.message = msg
	c.mu.Unlock()
	c.metrics.SetLinkState(st.String())
	c.log.WithField("state", st.String()).Info(msg)
	c.broadcastStatus()
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	c.message = msg
	c.mu.Unlock()
	c.broadcastStatus()
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:       c.state.String(),
		Message:     c.message,
		Profile:     c.profile.Name,
		Settings:    c.settings,
		YellowFlag:  c.yellow,
		AutoTrigger: c.autoTriggerEnabled(),
		Schedule: ScheduleStatus{
			Sessions: c.sched.Len(),
			Next:     c.sched.Next(c.opts.Now()),
		},
	}
	if c.sched.Len() > 0 {
		st.Schedule.Digest = c.sched.Digest(c.profile)
	}
	for _, sess := range c.sched.Sessions {
		if c.started[startKey(sess)] {
			st.Schedule.Started++
		}
	}
	s := c.session
	c.mu.Unlock()
	st.Timers = c.reactor.Names()

	if s != nil {
		st.Device = s.link.Name()
		st.Channels = s.link.Channels()
		st.QueueDepth = s.queue.Len()
		stats := s.clock.GetStats()
		st.Clock = &stats
		st.Schedule.Uploaded = s.uploadedDigest()
	}
	return st
}

func (c *Controller) autoTriggerEnabled() bool {
	return c.opts.AutoTrigger && c.profile.HostTrigger
}

// Subscribe returns a stream of events and a function that ends the
// subscription. Slow subscribers miss events.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) broadcastStatus() {
	c.subMu.Lock()
	n := len(c.subs)
	c.subMu.Unlock()
	if n == 0 {
		return
	}
	st := c.Status()
	c.broadcast(Event{Type: EventStatus, Status: &st})
}

// Close disconnects and ends all subscriptions.
func (c *Controller) Close() error {
	c.Disconnect()
	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return nil
}

func startKey(s schedule.Session) string {
	return ledger.StartKey(s.SessionID, s.Name, s.StartTime)
}
