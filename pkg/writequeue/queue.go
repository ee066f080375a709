// Package writequeue serializes transport writes for one device session.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package writequeue

import (
	"context"
	"sync"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

// Writer is the write side of a transport.Link.
type Writer interface {
	Write(ctx context.Context, channel string, data []byte) error
}

type job struct {
	ctx     context.Context
	payload protocol.Payload
	done    chan error
}

// Queue is a FIFO with a single worker: at most one write is in flight,
// writes start in submission order, and after every write the worker
// waits the settle delay before starting the next one.
type Queue struct {
	w       Writer
	settle  time.Duration
	log     *log.Logger
	metrics *metrics.AmpelMetrics

	mu      sync.Mutex
	pending []*job
	closed  bool
	signal  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics records writes and queue depth.
func WithMetrics(m *metrics.AmpelMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger replaces the default "writequeue" logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New starts a queue writing to w with the given settle delay.
func New(w Writer, settle time.Duration, opts ...Option) *Queue {
	q := &Queue{
		w:       w,
		settle:  settle,
		log:     log.GetLogger("writequeue"),
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Submit queues p and blocks until it has been written and its settle
// delay has elapsed. A closed queue fails immediately with NotConnected.
func (q *Queue) Submit(ctx context.Context, p protocol.Payload) error {
	done, err := q.push(ctx, p)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The job stays queued and is skipped when it comes up.
		return ctx.Err()
	}
}

// Enqueue queues p without waiting. The returned channel receives the
// write result exactly once.
func (q *Queue) Enqueue(p protocol.Payload) <-chan error {
	done, err := q.push(context.Background(), p)
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		return ch
	}
	return done
}

func (q *Queue) push(ctx context.Context, p protocol.Payload) (chan error, error) {
	p.Data = append([]byte(nil), p.Data...)
	j := &job{ctx: ctx, payload: p, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.NotConnectedError("write " + p.Channel)
	}
	q.pending = append(q.pending, j)
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return j.done, nil
}

// Len returns the number of jobs not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close fails every pending job with NotConnected and stops the worker
// after the write in progress, if any. It does not wait for that write;
// use Stopped for that. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.stop)
	for _, j := range pending {
		j.done <- errors.NotConnectedError("write " + j.payload.Channel)
	}
	q.metrics.SetQueueDepth(0)
}

// Stopped is closed when the worker has exited.
func (q *Queue) Stopped() <-chan struct{} {
	return q.stopped
}

func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.metrics.SetQueueDepth(len(q.pending))
	return j
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		j := q.next()
		if j == nil {
			select {
			case <-q.signal:
				continue
			case <-q.stop:
				return
			}
		}
		select {
		case <-q.stop:
			j.done <- errors.NotConnectedError("write " + j.payload.Channel)
			return
		default:
		}

		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		err := q.write(j)
		if !q.wait(j.payload) {
			j.done <- err
			return
		}
		j.done <- err
	}
}

func (q *Queue) write(j *job) error {
	p := j.payload
	start := time.Now()
	err := q.w.Write(j.ctx, p.Channel, p.Data)
	elapsed := time.Since(start)
	if err != nil {
		q.metrics.RecordWrite(p.Channel, "error", elapsed)
		q.log.WithError(err).WithField("channel", p.Channel).Warn("write failed")
		if errors.Is(err, errors.ErrNotConnected) {
			return err
		}
		return errors.WriteFailedError(p.Channel, err)
	}
	q.metrics.RecordWrite(p.Channel, "ok", elapsed)
	return nil
}

// wait sleeps the settle delay. It returns false if the queue was
// closed meanwhile.
func (q *Queue) wait(p protocol.Payload) bool {
	d := q.settle
	if p.Settle > 0 {
		d = p.Settle
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.stop:
		return false
	}
}
