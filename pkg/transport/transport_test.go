// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	if Ready.String() != "ready" || Disconnected.String() != "disconnected" || Connecting.String() != "connecting" {
		t.Error("unexpected state names")
	}
}

func TestEventsDisconnectOnce(t *testing.T) {
	var e Events
	e.Notify("status", []byte("a"))
	e.MarkDisconnected()
	e.MarkDisconnected()

	select {
	case <-e.Disconnected():
	default:
		t.Fatal("Disconnected not closed")
	}
	n, ok := <-e.Notifications()
	if !ok || string(n.Data) != "a" {
		t.Fatalf("expected buffered notification, got %v %v", n, ok)
	}
	if _, ok := <-e.Notifications(); ok {
		t.Fatal("notifications should be closed")
	}
	e.Notify("status", []byte("late"))
}

func TestEventsDropsOldest(t *testing.T) {
	var e Events
	for i := 0; i < 40; i++ {
		e.Notify("status", []byte{byte(i)})
	}
	first := <-e.Notifications()
	if first.Data[0] != 8 {
		t.Errorf("oldest kept = %d, want 8", first.Data[0])
	}
}

func TestMemLinkRecordsWrites(t *testing.T) {
	l := NewMemLink("DriftAmpel", "cmd", "status")
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Write(context.Background(), "cmd", []byte("/cancel"))
	l.Write(context.Background(), "cmd", []byte("/vol=3"))
	frames := l.Frames()
	if len(frames) != 2 || frames[0] != "/cancel" || frames[1] != "/vol=3" {
		t.Errorf("frames = %v", frames)
	}
	l.Drop()
	if err := l.Write(context.Background(), "cmd", []byte("x")); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("write after drop = %v", err)
	}
}

func TestMemLinkTracksOverlap(t *testing.T) {
	l := NewMemLink("x", "cmd")
	l.WriteDelay = 20 * time.Millisecond
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Write(context.Background(), "cmd", []byte("a"))
		}()
	}
	wg.Wait()
	if l.MaxInFlight() < 2 {
		t.Errorf("expected overlapping writes to be observed, max=%d", l.MaxInFlight())
	}
}

func TestMemLinkFailWrite(t *testing.T) {
	l := NewMemLink("x", "cmd")
	boom := errors.New("gatt error")
	l.FailWrite = func(channel string, data []byte) error {
		if string(data) == "bad" {
			return boom
		}
		return nil
	}
	if err := l.Write(context.Background(), "cmd", []byte("bad")); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if err := l.Write(context.Background(), "cmd", []byte("good")); err != nil {
		t.Errorf("err = %v", err)
	}
	if len(l.Writes()) != 1 {
		t.Errorf("failed writes should not be recorded")
	}
}
