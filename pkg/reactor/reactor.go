// Package reactor dispatches the periodic device tasks (clock sync,
// auto-trigger, live progress) from a single goroutine.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	hosterrors "github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
)

// Wake times are float seconds on the reactor's monotonic clock.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// maxSleep caps one idle wait of the dispatch loop.
const maxSleep = time.Second

// TimerCallback is called when a timer fires.
// The callback receives the event time and returns the next wake time.
// Return NEVER to leave the timer idle.
type TimerCallback func(eventtime float64) float64

// Timer is one registration; it is never reused after UnregisterTimer.
type Timer struct {
	id        uint64
	name      string
	callback  TimerCallback
	waketime  float64
	isRunning bool
	removed   bool
	mu        sync.Mutex
}

// Name returns the label the timer was registered with.
func (t *Timer) Name() string {
	return t.name
}

// Reactor manages timers and dispatches them from one goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	// wake interrupts the idle wait when timers change.
	wake chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time

	log *log.Logger
}

// New returns a stopped reactor; timers registered before Run fire once
// it starts.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		timers:    make([]*Timer, 0),
		nextWake:  NEVER,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		log:       log.GetLogger("reactor"),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// After returns the wake time d from now.
func (r *Reactor) After(d time.Duration) float64 {
	return r.Monotonic() + d.Seconds()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterNamedTimer adds a timer first due at waketime. The name shows
// up in panic logs and in Names.
func (r *Reactor) RegisterNamedTimer(name string, callback TimerCallback, waketime float64) *Timer {
	timer := &Timer{name: name, callback: callback, waketime: waketime}
	r.addTimer(timer)
	return timer
}

func (r *Reactor) addTimer(timer *Timer) {
	timer.id = atomic.AddUint64(&r.nextTimerID, 1)
	r.mu.Lock()
	r.timers = append(r.timers, timer)
	if timer.waketime < r.nextWake {
		r.nextWake = timer.waketime
	}
	r.mu.Unlock()
	r.kick()
}

// UnregisterTimer removes a timer. Once it returns the callback is not
// started again; a callback already running is allowed to finish.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	if timer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.mu.Lock()
	timer.waketime = NEVER
	timer.removed = true
	timer.mu.Unlock()

	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer updates a timer's wake time.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.isRunning || timer.removed {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.kick()
}

// NumTimers returns the number of registered timers.
func (r *Reactor) NumTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Once runs fn a single time at waketime and then drops the timer. The
// returned timer can be unregistered to cancel it.
func (r *Reactor) Once(name string, fn func(eventtime float64), waketime float64) *Timer {
	timer := &Timer{name: name, waketime: waketime}
	timer.callback = func(eventtime float64) float64 {
		r.UnregisterTimer(timer)
		fn(eventtime)
		return NEVER
	}
	r.addTimer(timer)
	return timer
}

// Names lists the registered timers, for status output.
func (r *Reactor) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.timers))
	for _, t := range r.timers {
		names = append(names, t.name)
	}
	return names
}

// Run starts the dispatch goroutine. Calling it twice is a no-op.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}

	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops dispatching; pending timers never fire.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch goroutine has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Done is closed once End has been called.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		timeout := r.checkTimers(r.Monotonic())
		if timeout <= 0 {
			continue
		}

		delay := time.Duration(timeout * float64(time.Second))
		if delay > maxSleep {
			delay = maxSleep
		}
		sleep := time.NewTimer(delay)
		select {
		case <-sleep.C:
		case <-r.wake:
			sleep.Stop()
		case <-r.ctx.Done():
			sleep.Stop()
			return
		}
	}
}

// checkTimers fires every due timer and returns the seconds until the
// next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		if !timer.removed && eventtime >= timer.waketime {
			timer.waketime = NEVER
			timer.isRunning = true
			timer.mu.Unlock()

			newWaketime := r.fire(timer, eventtime)

			timer.mu.Lock()
			timer.isRunning = false
			if !timer.removed && newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime := timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	return delay
}

// fire runs one callback. A panicking callback is logged and its timer
// left idle so the loop keeps serving the others.
func (r *Reactor) fire(timer *Timer, eventtime float64) (next float64) {
	defer func() {
		if err := hosterrors.FromPanic(recover()); err != nil {
			r.log.WithError(err).WithField("timer", timer.name).Error("timer callback panicked")
			next = NEVER
		}
	}()
	return timer.callback(eventtime)
}
