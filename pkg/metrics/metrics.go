// Metrics for the Ampel host controller
//
// Collectors are registered on a private prometheus.Registry so every
// AmpelMetrics instance (and every test) starts from zero. All Record
// and Set methods are safe on a nil receiver.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ampel"

// AmpelMetrics holds all controller metrics
type AmpelMetrics struct {
	registry *prometheus.Registry

	// Link
	LinkState       *prometheus.GaugeVec
	ConnectAttempts *prometheus.CounterVec
	Notifications   *prometheus.CounterVec

	// Write queue
	WritesTotal  *prometheus.CounterVec
	WriteLatency *prometheus.HistogramVec
	QueueDepth   prometheus.Gauge

	// Clock
	ClockSyncs prometheus.Counter
	ClockSkew  prometheus.Gauge

	// Schedule
	Uploads          *prometheus.CounterVec
	UploadFrames     prometheus.Counter
	ScheduleSessions prometheus.Gauge
	AutoTriggers     prometheus.Counter

	// Event API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
	CacheLookup *prometheus.CounterVec
}

var linkStates = []string{"disconnected", "connecting", "ready"}

// NewAmpelMetrics creates a metrics set on its own registry, including the
// Go runtime and process collectors.
func NewAmpelMetrics() *AmpelMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &AmpelMetrics{
		registry: reg,

		LinkState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "1 for the current link state, 0 otherwise",
		}, []string{"state"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "notifications_total",
			Help:      "Status notifications received",
		}, []string{"channel"}),

		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "writes_total",
			Help:      "Transport writes by channel and result",
		}, []string{"channel", "result"}),
		WriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "write_duration_seconds",
			Help:      "Duration of one transport write, settle delay excluded",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"channel"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs waiting in the write queue",
		}),

		ClockSyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "syncs_total",
			Help:      "Clock pushes queued",
		}),
		ClockSkew: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "skew_seconds",
			Help:      "Last observed device clock minus host clock",
		}),

		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "uploads_total",
			Help:      "Schedule uploads by transfer mode and result",
		}, []string{"mode", "result"}),
		UploadFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "upload_frames_total",
			Help:      "Frames written by schedule uploads",
		}),
		ScheduleSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "sessions",
			Help:      "Sessions in the current schedule",
		}),
		AutoTriggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "auto_triggers_total",
			Help:      "Starts fired by the host-side trigger",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driftclub",
			Name:      "requests_total",
			Help:      "Event API requests by endpoint and outcome",
		}, []string{"endpoint", "status"}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "driftclub",
			Name:      "request_duration_seconds",
			Help:      "Event API request duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"endpoint"}),
		CacheLookup: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driftclub",
			Name:      "event_cache_total",
			Help:      "Event id cache lookups by result",
		}, []string{"result"}),
	}
}

// Registry returns the registry backing this metrics set.
func (m *AmpelMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetLinkState marks state as the current link state.
func (m *AmpelMetrics) SetLinkState(state string) {
	if m == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.LinkState.WithLabelValues(s).Set(v)
	}
}

// RecordConnect counts one connection attempt.
func (m *AmpelMetrics) RecordConnect(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

// RecordNotification counts one status push.
func (m *AmpelMetrics) RecordNotification(channel string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel).Inc()
}

// RecordWrite counts one transport write and its latency.
func (m *AmpelMetrics) RecordWrite(channel, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(channel, result).Inc()
	m.WriteLatency.WithLabelValues(channel).Observe(d.Seconds())
}

// SetQueueDepth records the number of pending write jobs.
func (m *AmpelMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordClockSync counts one clock push.
func (m *AmpelMetrics) RecordClockSync() {
	if m == nil {
		return
	}
	m.ClockSyncs.Inc()
}

// SetClockSkew records the device clock offset.
func (m *AmpelMetrics) SetClockSkew(skew time.Duration) {
	if m == nil {
		return
	}
	m.ClockSkew.Set(skew.Seconds())
}

// RecordUpload counts one schedule upload.
func (m *AmpelMetrics) RecordUpload(mode, result string, frames int) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(mode, result).Inc()
	m.UploadFrames.Add(float64(frames))
}

// SetScheduleSessions records the size of the current schedule.
func (m *AmpelMetrics) SetScheduleSessions(n int) {
	if m == nil {
		return
	}
	m.ScheduleSessions.Set(float64(n))
}

// RecordAutoTrigger counts one host-fired start.
func (m *AmpelMetrics) RecordAutoTrigger() {
	if m == nil {
		return
	}
	m.AutoTriggers.Inc()
}

// RecordAPIRequest counts one event API request.
func (m *AmpelMetrics) RecordAPIRequest(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(endpoint, status).Inc()
	m.APILatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordCacheLookup counts an event cache hit or miss.
func (m *AmpelMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookup.WithLabelValues(result).Inc()
}

var (
	globalMetrics     *AmpelMetrics
	globalMetricsOnce sync.Once
)

// GlobalMetrics returns the process-wide metrics set
func GlobalMetrics() *AmpelMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewAmpelMetrics()
	})
	return globalMetrics
}
