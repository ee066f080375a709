package device

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Atomregen/startAmpelBLE/pkg/clocksync"
	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/reactor"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
	"github.com/Atomregen/startAmpelBLE/pkg/writequeue"
)

// DeviceSession is everything that lives exactly as long as one
// connection: the link, its write queue, the clock sync and the timers
// registered on its behalf.
type DeviceSession struct {
	link  transport.Link
	queue *writequeue.Queue
	clock *clocksync.ClockSync

	mu       sync.Mutex
	timers   []*reactor.Timer
	uploaded string
	lastLap  map[string]int
	finished map[string]bool

	uploadMu sync.Mutex
	resyncing int32
	polling   int32
	done      chan struct{}
}

func (s *DeviceSession) uploadedDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded
}

func (s *DeviceSession) addTimer(t *reactor.Timer) {
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

// Connect opens a link with retry and starts the session tasks. It is a
// no-op when already connected.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case transport.Ready:
		c.mu.Unlock()
		return nil
	case transport.Connecting:
		c.mu.Unlock()
		return errors.New(errors.ErrConnectionFailed, "connect already in progress")
	}
	c.state = transport.Connecting
	c.mu.Unlock()
	c.setState(transport.Connecting, "searching for "+c.profile.NameFilter())

	link, err := c.dial(ctx)
	if err != nil {
		c.setState(transport.Disconnected, "connect failed: "+err.Error())
		return err
	}

	s := &DeviceSession{
		link:     link,
		queue:    writequeue.New(link, c.profile.SettleDelay, writequeue.WithMetrics(c.metrics)),
		lastLap:  make(map[string]int),
		finished: make(map[string]bool),
		done:     make(chan struct{}),
	}
	s.clock = clocksync.New(c.reactor, s.queue, c.profile, c.metrics)
	s.clock.Now = c.opts.Now

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.setState(transport.Ready, "connected to "+link.Name())

	go c.pump(s)
	s.clock.Start()
	c.startTasks(s)
	return nil
}

// dial runs the connect attempts. Only DeviceNotFound is retried.
func (c *Controller) dial(ctx context.Context) (transport.Link, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.ConnectBaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.ConnectAttempts-1)), ctx)

	var (
		link     transport.Link
		attempts int
	)
	op := func() error {
		attempts++
		l, err := c.opts.Dial(c.profile)
		if err != nil {
			c.metrics.RecordConnect("error")
			return backoff.Permanent(err)
		}
		if err := l.Connect(ctx); err != nil {
			l.Close()
			if ctx.Err() != nil {
				c.metrics.RecordConnect("cancelled")
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, errors.ErrDeviceNotFound) {
				c.metrics.RecordConnect("not_found")
				return err
			}
			c.metrics.RecordConnect("error")
			return backoff.Permanent(err)
		}
		c.metrics.RecordConnect("ok")
		link = l
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.WithError(err).WithFields(log.Fields{"attempt": attempts, "retry_in": next}).Warn("connect attempt failed")
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, errors.ErrDeviceNotFound) {
			return nil, errors.ConnectionFailedError(attempts, err)
		}
		return nil, err
	}
	return link, nil
}

// startTasks registers the optional periodic tasks of a session.
func (c *Controller) startTasks(s *DeviceSession) {
	if c.autoTriggerEnabled() {
		s.addTimer(c.reactor.RegisterNamedTimer("autotrigger", func(eventtime float64) float64 {
			c.autoTick(s)
			return eventtime + 1
		}, reactor.NOW))
	}
	if c.opts.ResyncInterval > 0 && c.opts.Fetcher != nil {
		period := c.opts.ResyncInterval.Seconds()
		s.addTimer(c.reactor.RegisterNamedTimer("resync", func(eventtime float64) float64 {
			c.resyncTick(s)
			return eventtime + period
		}, c.reactor.After(c.opts.ResyncInterval)))
	}
	if c.opts.LiveProgress && c.opts.Fetcher != nil {
		period := c.opts.LivePollInterval.Seconds()
		s.addTimer(c.reactor.RegisterNamedTimer("liveprogress", func(eventtime float64) float64 {
			c.progressTick(s)
			return eventtime + period
		}, c.reactor.After(c.opts.LivePollInterval)))
	}
}

// Disconnect tears the session down. Safe when not connected.
func (c *Controller) Disconnect() {
	if s := c.current(); s != nil {
		c.teardown(s, "disconnected")
	}
}

// teardown unregisters every timer of s before the state becomes
// Disconnected, then fails pending writes and closes the link.
func (c *Controller) teardown(s *DeviceSession, reason string) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	// The schedule belongs to the connection. Identifiers survive so the
	// next sync can reload it.
	c.sched = schedule.Schedule{}
	c.started = make(map[string]bool)
	c.mu.Unlock()
	c.metrics.SetScheduleSessions(0)

	s.clock.Stop()
	s.mu.Lock()
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()
	for _, t := range timers {
		c.reactor.UnregisterTimer(t)
	}

	s.queue.Close()
	close(s.done)
	if err := s.link.Close(); err != nil {
		c.log.WithError(err).Debug("link close")
	}
	c.setState(transport.Disconnected, reason)
	c.broadcast(Event{Type: EventSchedule})
}

// pump forwards notifications until the session ends.
func (c *Controller) pump(s *DeviceSession) {
	notes := s.link.Notifications()
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			c.handleNotification(s, n)
		case <-s.link.Disconnected():
			c.teardown(s, "connection lost")
			return
		case <-s.done:
			return
		}
	}
}

func (c *Controller) handleNotification(s *DeviceSession, n transport.Notification) {
	c.metrics.RecordNotification(n.Channel)
	c.log.Wire("rx", n.Channel, n.Data)

	parsed := protocol.ParseSettings(n.Data)
	text := strings.TrimSpace(string(n.Data))

	c.mu.Lock()
	c.message = "device: " + text
	var waiters []chan protocol.DeviceSettings
	if !parsed.Empty() {
		c.settings.Merge(parsed)
		if parsed.YellowFlag != nil {
			c.yellow = *parsed.YellowFlag
		}
	}
	if parsed.Reported() {
		waiters = c.waiters
		c.waiters = nil
	}
	settings := c.settings
	c.mu.Unlock()

	if parsed.Time != 0 {
		s.clock.HandleDeviceTime(parsed.Time)
	}
	for _, w := range waiters {
		w <- settings
	}
	c.broadcast(Event{Type: EventNotification, Channel: n.Channel, Data: text, At: n.At})
	c.broadcastStatus()
}

func (s *DeviceSession) tryBegin(flag *int32) bool {
	return atomic.CompareAndSwapInt32(flag, 0, 1)
}

func (s *DeviceSession) end(flag *int32) {
	atomic.StoreInt32(flag, 0)
}
