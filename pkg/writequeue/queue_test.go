// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package writequeue

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

func cmd(s string) protocol.Payload {
	return protocol.Payload{Channel: protocol.ChannelCmd, Data: []byte(s)}
}

func TestQueueOrderAndSingleFlight(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	link.WriteDelay = 2 * time.Millisecond
	q := New(link, time.Millisecond)
	defer q.Close()

	var chans []<-chan error
	want := []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h"}
	for _, s := range want {
		chans = append(chans, q.Enqueue(cmd(s)))
	}
	for _, ch := range chans {
		if err := <-ch; err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	got := link.Frames()
	if len(got) != len(want) {
		t.Fatalf("got %d writes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %s, want %s", i, got[i], want[i])
		}
	}
	if link.MaxInFlight() != 1 {
		t.Errorf("max in flight = %d, want 1", link.MaxInFlight())
	}
}

func TestQueueConcurrentSubmitters(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	link.WriteDelay = time.Millisecond
	q := New(link, 0)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Submit(context.Background(), cmd("/cancel")); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := len(link.Writes()); n != 20 {
		t.Errorf("writes = %d", n)
	}
	if link.MaxInFlight() != 1 {
		t.Errorf("max in flight = %d, want 1", link.MaxInFlight())
	}
}

func TestQueueFailureIsolation(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	gattErr := stderrors.New("gatt: write rejected")
	link.FailWrite = func(channel string, data []byte) error {
		if string(data) == "/bad" {
			return gattErr
		}
		return nil
	}
	q := New(link, 0)
	defer q.Close()

	first := q.Enqueue(cmd("/bad"))
	second := q.Enqueue(cmd("/good"))

	err := <-first
	if !errors.Is(err, errors.ErrWriteFailed) || !stderrors.Is(err, gattErr) {
		t.Errorf("first = %v, want WriteFailed wrapping the cause", err)
	}
	if err := <-second; err != nil {
		t.Errorf("second = %v, want nil", err)
	}
}

func TestQueueSettleDeferral(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	settle := 50 * time.Millisecond
	q := New(link, settle)
	defer q.Close()

	a := q.Enqueue(cmd("/a"))
	b := q.Enqueue(cmd("/b"))
	<-a
	<-b

	w := link.Writes()
	if len(w) != 2 {
		t.Fatalf("writes = %d", len(w))
	}
	if gap := w[1].Start.Sub(w[0].End); gap < settle {
		t.Errorf("second write started %v after the first finished, want >= %v", gap, settle)
	}
}

func TestQueueChunkDelayOverride(t *testing.T) {
	link := transport.NewMemLink("Ampel", "schedule")
	q := New(link, time.Second)
	defer q.Close()

	start := time.Now()
	p := protocol.Payload{Channel: protocol.ChannelSchedule, Data: []byte("RESET"), Settle: 10 * time.Millisecond}
	if err := q.Submit(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("payload settle override ignored, took %v", elapsed)
	}
}

func TestQueueClosedFailsFast(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	q := New(link, 0)
	q.Close()

	start := time.Now()
	err := q.Submit(context.Background(), cmd("/cancel"))
	if !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("Submit after Close = %v, want NotConnected", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("NotConnected should be returned without queueing")
	}
	if len(link.Writes()) != 0 {
		t.Error("nothing should be written")
	}
	<-q.Stopped()
}

func TestQueueCloseFailsPending(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	link.WriteDelay = 30 * time.Millisecond
	q := New(link, 0)

	first := q.Enqueue(cmd("/a"))
	time.Sleep(5 * time.Millisecond)
	rest := []<-chan error{q.Enqueue(cmd("/b")), q.Enqueue(cmd("/c"))}
	q.Close()

	for _, ch := range rest {
		if err := <-ch; !errors.Is(err, errors.ErrNotConnected) {
			t.Errorf("pending job = %v, want NotConnected", err)
		}
	}
	if err := <-first; err != nil {
		t.Errorf("in-flight job = %v, want nil", err)
	}
	<-q.Stopped()
	if n := len(link.Writes()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestQueueSubmitContextCancel(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	link.WriteDelay = 50 * time.Millisecond
	q := New(link, 0)
	defer q.Close()

	q.Enqueue(cmd("/slow"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Submit(ctx, cmd("/never")); !stderrors.Is(err, context.Canceled) {
		t.Errorf("Submit = %v, want context.Canceled", err)
	}
	done := q.Enqueue(cmd("/after"))
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, f := range link.Frames() {
		if f == "/never" {
			t.Error("cancelled job was written")
		}
	}
}

func TestQueueMetrics(t *testing.T) {
	link := transport.NewMemLink("DriftAmpel", "cmd")
	m := metrics.NewAmpelMetrics()
	q := New(link, 0, WithMetrics(m))
	defer q.Close()

	if err := q.Submit(context.Background(), cmd("/cancel")); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d", q.Len())
	}
}
