package device

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/driftclub"
	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/ledger"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
)

const (
	// triggerWindow is how close to the trigger time a tick must land.
	triggerWindow = 2 * time.Second
	// textLead separates the name display from the start command.
	textLead = 500 * time.Millisecond

	backgroundTimeout = 30 * time.Second
)

// Schedule returns the loaded schedule.
func (c *Controller) Schedule() schedule.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched
}

// IDs returns the identifiers of the last fetch.
func (c *Controller) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// SetSchedule replaces the loaded schedule, applying the filter and cap.
func (c *Controller) SetSchedule(sessions []schedule.Session) schedule.Schedule {
	s := schedule.Build(sessions, c.opts.Now(), c.opts.Tolerance, c.opts.MaxSessions)
	c.mu.Lock()
	c.sched = s
	c.mu.Unlock()
	c.metrics.SetScheduleSessions(s.Len())
	c.broadcast(Event{Type: EventSchedule})
	c.broadcastStatus()
	return s
}

// Fetch loads a schedule from the event API. Empty ids reuse the last
// identifiers.
func (c *Controller) Fetch(ctx context.Context, ids []string) (schedule.Schedule, error) {
	if c.opts.Fetcher == nil {
		return schedule.Schedule{}, fmt.Errorf("no event API configured")
	}
	if len(ids) == 0 {
		ids = c.IDs()
	}
	if len(ids) == 0 {
		return schedule.Schedule{}, errors.NoSessionsFoundError("no identifiers")
	}

	c.setMessage("loading schedule")
	s, err := c.opts.Fetcher.Fetch(ctx, ids, driftclub.FetchOptions{
		Tolerance:   c.opts.Tolerance,
		MaxSessions: c.opts.MaxSessions,
		Now:         c.opts.Now(),
	})
	if err != nil {
		if errors.Is(err, errors.ErrNoSessionsFound) {
			c.mu.Lock()
			c.ids = append([]string(nil), ids...)
			c.sched = schedule.Schedule{}
			c.mu.Unlock()
			c.metrics.SetScheduleSessions(0)
			c.broadcast(Event{Type: EventSchedule})
		}
		c.setMessage("schedule fetch failed: " + err.Error())
		return s, err
	}

	c.mu.Lock()
	c.ids = append([]string(nil), ids...)
	c.sched = s
	c.message = fmt.Sprintf("%d races loaded", s.Len())
	c.mu.Unlock()
	c.metrics.SetScheduleSessions(s.Len())
	c.broadcast(Event{Type: EventSchedule})
	c.broadcastStatus()
	return s, nil
}

// Upload pushes the loaded schedule to the device. Without force, an
// upload whose digest matches the last successful one is skipped.
func (c *Controller) Upload(ctx context.Context, force bool) (schedule.Result, error) {
	s := c.current()
	if s == nil {
		return schedule.Result{}, errors.NotConnectedError("upload")
	}
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	sched := c.Schedule()
	digest := sched.Digest(c.profile)
	if !force && digest == s.uploadedDigest() {
		c.log.WithField("digest", digest).Debug("schedule unchanged, upload skipped")
		return schedule.Result{Digest: digest, Sessions: sched.Len(), Mode: string(c.profile.Transfer), Skipped: true}, nil
	}

	res, err := schedule.NewUploader(s.queue, c.profile, c.opts.Ledger, c.metrics).Upload(ctx, sched, s.link.Name())
	if err != nil {
		c.setMessage("schedule upload failed: " + err.Error())
		return res, err
	}
	s.mu.Lock()
	s.uploaded = res.Digest
	s.mu.Unlock()
	c.setMessage(fmt.Sprintf("%d races uploaded", res.Sessions))
	return res, nil
}

// Sync fetches and uploads in one step.
func (c *Controller) Sync(ctx context.Context, ids []string) (schedule.Result, error) {
	if _, err := c.Fetch(ctx, ids); err != nil {
		return schedule.Result{}, err
	}
	return c.Upload(ctx, false)
}

// Resync refetches the last identifiers and uploads only on change. It
// reports whether anything was written.
func (c *Controller) Resync(ctx context.Context) (bool, error) {
	res, err := c.Sync(ctx, nil)
	if err != nil {
		return false, err
	}
	return !res.Skipped, nil
}

// TriggerSession starts the schedule entry at index now.
func (c *Controller) TriggerSession(ctx context.Context, index int) error {
	s := c.current()
	if s == nil {
		return errors.NotConnectedError("trigger")
	}
	sched := c.Schedule()
	if index < 0 || index >= sched.Len() {
		return fmt.Errorf("no race at index %d (have %d)", index, sched.Len())
	}
	sess := sched.Sessions[index]

	if err := c.Send(ctx, protocol.SetText{Text: sess.Name}); err != nil {
		return err
	}
	t := time.NewTimer(textLead)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
	if err := c.Send(ctx, c.startIntent(sess)); err != nil {
		return err
	}
	c.markStarted(s, sess)
	c.setMessage(fmt.Sprintf("race %q started", sess.Name))
	return nil
}

func (c *Controller) startIntent(sess schedule.Session) protocol.ManualStart {
	return protocol.ManualStart{Duration: sess.Duration, PreDelay: c.opts.PreDelay, Name: sess.Name}
}

func (c *Controller) isStarted(s *DeviceSession, sess schedule.Session) bool {
	key := startKey(sess)
	c.mu.Lock()
	done := c.started[key]
	c.mu.Unlock()
	if done || c.opts.Ledger == nil {
		return done
	}
	ok, err := c.opts.Ledger.WasStarted(s.link.Name(), key)
	if err != nil {
		c.log.WithError(err).Warn("ledger lookup failed")
		return false
	}
	if ok {
		c.mu.Lock()
		c.started[key] = true
		c.mu.Unlock()
	}
	return ok
}

func (c *Controller) markStarted(s *DeviceSession, sess schedule.Session) {
	key := startKey(sess)
	c.mu.Lock()
	c.started[key] = true
	c.mu.Unlock()
	if c.opts.Ledger == nil {
		return
	}
	err := c.opts.Ledger.MarkStarted(&ledger.Start{
		Device:    s.link.Name(),
		Key:       key,
		Name:      sess.Name,
		StartTime: sess.StartTime,
	})
	if err != nil {
		c.log.WithError(err).Warn("ledger: start not recorded")
	}
}

// autoTick runs on the reactor once a second. A session fires when the
// host clock is within triggerWindow of its start minus the pre-delay.
func (c *Controller) autoTick(s *DeviceSession) {
	now := c.opts.Now()
	pre := time.Duration(c.opts.PreDelay) * time.Second
	for _, sess := range c.Schedule().Sessions {
		at := sess.Start().Add(-pre)
		if math.Abs(float64(now.Sub(at))) >= float64(triggerWindow) {
			continue
		}
		if c.isStarted(s, sess) {
			continue
		}
		c.fireAuto(s, sess)
	}
}

// fireAuto shows the name, then issues the start textLead later. It does
// not block the reactor.
func (c *Controller) fireAuto(s *DeviceSession, sess schedule.Session) {
	c.markStarted(s, sess)
	c.metrics.RecordAutoTrigger()
	c.log.WithFields(log.Fields{"race": sess.Name, "start": sess.Start().Format(time.TimeOnly)}).Info("auto trigger")

	text, err := protocol.Encode(c.profile, protocol.SetText{Text: sess.Name})
	if err == nil {
		c.watch(s.queue.Enqueue(text), "auto trigger text")
	}
	start, err := protocol.Encode(c.profile, c.startIntent(sess))
	if err != nil {
		c.log.WithError(err).Errorf("encode start for %q", sess.Name)
		return
	}
	s.addTimer(c.reactor.Once("autostart", func(float64) {
		c.watch(s.queue.Enqueue(start), "auto trigger start")
	}, c.reactor.After(textLead)))

	c.broadcast(Event{Type: EventTrigger, Data: sess.Name})
	c.setMessage(fmt.Sprintf("race %q auto-started", sess.Name))
}

// watch logs the outcome of a fire-and-forget write.
func (c *Controller) watch(done <-chan error, what string) {
	go func() {
		err := <-done
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrNotConnected):
			c.log.WithError(err).Debugf("%s dropped", what)
		default:
			c.log.WithError(err).Warnf("%s failed", what)
		}
	}()
}

func (c *Controller) resyncTick(s *DeviceSession) {
	if len(c.IDs()) == 0 || !s.tryBegin(&s.resyncing) {
		return
	}
	go func() {
		defer s.end(&s.resyncing)
		ctx, cancel := c.sessionContext(s, backgroundTimeout)
		defer cancel()
		changed, err := c.Resync(ctx)
		if err != nil {
			c.log.WithError(err).Warn("periodic resync failed")
			return
		}
		if changed {
			c.log.Info("schedule changed, uploaded")
		}
	}()
}

// progressTick polls the leaderboard of the running session and mirrors
// its lap count on the display until the session is finished.
func (c *Controller) progressTick(s *DeviceSession) {
	if !s.tryBegin(&s.polling) {
		return
	}
	go func() {
		defer s.end(&s.polling)
		sched := c.Schedule()
		idx := sched.Current(c.opts.Now())
		if idx < 0 {
			return
		}
		sess := sched.Sessions[idx]
		s.mu.Lock()
		done := s.finished[sess.SessionID]
		s.mu.Unlock()
		if sess.SessionID == "" || done {
			return
		}

		ctx, cancel := c.sessionContext(s, backgroundTimeout)
		defer cancel()
		p, err := c.opts.Fetcher.Progress(ctx, sess.SessionID)
		if err != nil {
			c.log.WithError(err).Debug("live progress poll failed")
			return
		}
		if p.Finished() {
			s.mu.Lock()
			s.finished[sess.SessionID] = true
			s.mu.Unlock()
			c.log.WithField("race", sess.Name).Info("race finished, live progress stopped")
			return
		}

		s.mu.Lock()
		last, seen := s.lastLap[sess.SessionID]
		s.lastLap[sess.SessionID] = p.Lap
		s.mu.Unlock()
		if seen && last == p.Lap {
			return
		}
		total := p.TotalLaps
		if total == 0 {
			total = sess.Laps
		}
		pl, err := protocol.Encode(c.profile, protocol.SetLapDisplay{Lap: p.Lap, Total: total})
		if err != nil {
			c.log.WithError(err).Error("encode lap display")
			return
		}
		c.watch(s.queue.Enqueue(pl), "lap display")
	}()
}

// sessionContext is cancelled when s ends or after d.
func (c *Controller) sessionContext(s *DeviceSession, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
