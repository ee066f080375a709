// Package clocksync keeps the device wall clock aligned with the host.
// The device schedules starts against its own clock, so the host pushes
// the time periodically and again whenever a status report shows drift.
package clocksync

import (
	"math"
	"sync"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/reactor"
)

const (
	// DEFAULT_SKEW_THRESHOLD is the drift that triggers an immediate push
	DEFAULT_SKEW_THRESHOLD = 2 * time.Second

	// DECAY is the smoothing factor of the reported skew average
	DECAY = 1.0 / 30.0
)

// Enqueuer is the fire-and-forget side of the write queue.
type Enqueuer interface {
	Enqueue(p protocol.Payload) <-chan error
}

// Stats describes the sync state for status reports.
type Stats struct {
	Pushes     int           `json:"pushes"`
	Resyncs    int           `json:"resyncs"`
	LastPush   time.Time     `json:"last_push"`
	LastSkew   time.Duration `json:"last_skew"`
	AvgSkew    float64       `json:"avg_skew_seconds"`
	Samples    int           `json:"samples"`
	Running    bool          `json:"running"`
	PeriodSecs float64       `json:"period_seconds"`
}

// ClockSync pushes SetTime through the write queue on a reactor timer.
type ClockSync struct {
	mu sync.Mutex

	reactor *reactor.Reactor
	queue   Enqueuer
	profile *protocol.Profile
	log     *log.Logger
	metrics *metrics.AmpelMetrics

	Period        time.Duration
	SkewThreshold time.Duration
	// Now is the host clock.
	Now func() time.Time

	timer    *reactor.Timer
	pushes   int
	resyncs  int
	lastPush time.Time
	lastSkew time.Duration
	avgSkew  float64
	samples  int
}

// New creates a clock sync for one session. Period defaults to the
// profile's ClockSyncPeriod.
func New(r *reactor.Reactor, q Enqueuer, profile *protocol.Profile, m *metrics.AmpelMetrics) *ClockSync {
	return &ClockSync{
		reactor:       r,
		queue:         q,
		profile:       profile,
		log:           log.GetLogger("clocksync"),
		metrics:       m,
		Period:        profile.ClockSyncPeriod,
		SkewThreshold: DEFAULT_SKEW_THRESHOLD,
		Now:           time.Now,
	}
}

// Start pushes the time immediately and then every Period.
func (cs *ClockSync) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.timer != nil {
		return
	}
	cs.timer = cs.reactor.RegisterNamedTimer("clocksync", cs.onTimer, reactor.NOW)
}

// Stop unregisters the timer. No push is started after Stop returns.
func (cs *ClockSync) Stop() {
	cs.mu.Lock()
	timer := cs.timer
	cs.timer = nil
	cs.mu.Unlock()
	if timer != nil {
		cs.reactor.UnregisterTimer(timer)
	}
}

func (cs *ClockSync) onTimer(eventtime float64) float64 {
	cs.push()
	return eventtime + cs.Period.Seconds()
}

func (cs *ClockSync) push() {
	now := cs.Now()
	p, err := protocol.Encode(cs.profile, protocol.SetTime{Unix: now.Unix()})
	if err != nil {
		cs.log.WithError(err).Error("encode setTime")
		return
	}
	cs.mu.Lock()
	cs.pushes++
	cs.lastPush = now
	cs.mu.Unlock()
	cs.metrics.RecordClockSync()

	done := cs.queue.Enqueue(p)
	go func() {
		err := <-done
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrNotConnected):
			// orphaned firing after the session went away
			cs.log.Debug("clock push dropped: %v", err)
		default:
			cs.log.WithError(err).Warn("clock push failed")
		}
	}()
}

// HandleDeviceTime records a device clock report. It returns the skew
// (device minus host) and whether a resync was requested.
func (cs *ClockSync) HandleDeviceTime(deviceUnix int64) (time.Duration, bool) {
	host := cs.Now()
	skew := time.Unix(deviceUnix, 0).Sub(host.Truncate(time.Second))

	cs.mu.Lock()
	cs.lastSkew = skew
	if cs.samples == 0 {
		cs.avgSkew = skew.Seconds()
	} else {
		cs.avgSkew += DECAY * (skew.Seconds() - cs.avgSkew)
	}
	cs.samples++
	resync := math.Abs(skew.Seconds()) > cs.SkewThreshold.Seconds()
	timer := cs.timer
	if resync && timer != nil {
		cs.resyncs++
	}
	cs.mu.Unlock()

	cs.metrics.SetClockSkew(skew)
	if resync && timer != nil {
		cs.log.Info("device clock off by %v, resyncing", skew)
		cs.reactor.UpdateTimer(timer, reactor.NOW)
		return skew, true
	}
	return skew, false
}

// GetStats returns current statistics.
func (cs *ClockSync) GetStats() Stats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return Stats{
		Pushes:     cs.pushes,
		Resyncs:    cs.resyncs,
		LastPush:   cs.lastPush,
		LastSkew:   cs.lastSkew,
		AvgSkew:    cs.avgSkew,
		Samples:    cs.samples,
		Running:    cs.timer != nil,
		PeriodSecs: cs.Period.Seconds(),
	}
}
