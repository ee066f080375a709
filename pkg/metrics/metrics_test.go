// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLinkStateIsExclusive(t *testing.T) {
	m := NewAmpelMetrics()
	m.SetLinkState("connecting")
	m.SetLinkState("ready")

	if v := testutil.ToFloat64(m.LinkState.WithLabelValues("ready")); v != 1 {
		t.Errorf("ready = %v", v)
	}
	if v := testutil.ToFloat64(m.LinkState.WithLabelValues("connecting")); v != 0 {
		t.Errorf("connecting = %v", v)
	}
}

func TestRecorders(t *testing.T) {
	m := NewAmpelMetrics()
	m.RecordWrite("cmd", "ok", 10*time.Millisecond)
	m.RecordWrite("cmd", "error", 10*time.Millisecond)
	m.RecordWrite("cmd", "ok", 10*time.Millisecond)
	m.SetQueueDepth(3)
	m.RecordUpload("per_entry", "ok", 4)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.SetClockSkew(-1500 * time.Millisecond)

	if v := testutil.ToFloat64(m.WritesTotal.WithLabelValues("cmd", "ok")); v != 2 {
		t.Errorf("ok writes = %v", v)
	}
	if v := testutil.ToFloat64(m.QueueDepth); v != 3 {
		t.Errorf("queue depth = %v", v)
	}
	if v := testutil.ToFloat64(m.UploadFrames); v != 4 {
		t.Errorf("upload frames = %v", v)
	}
	if v := testutil.ToFloat64(m.CacheLookup.WithLabelValues("miss")); v != 1 {
		t.Errorf("cache misses = %v", v)
	}
	if v := testutil.ToFloat64(m.ClockSkew); v != -1.5 {
		t.Errorf("skew = %v", v)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *AmpelMetrics
	m.SetLinkState("ready")
	m.RecordWrite("cmd", "ok", time.Millisecond)
	m.RecordAutoTrigger()
	m.RecordAPIRequest("event", "200", time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a := NewAmpelMetrics()
	b := NewAmpelMetrics()
	a.RecordAutoTrigger()
	if v := testutil.ToFloat64(b.AutoTriggers); v != 0 {
		t.Errorf("second instance saw %v triggers", v)
	}
	if GlobalMetrics() != GlobalMetrics() {
		t.Error("GlobalMetrics should return one instance")
	}
}
