package main

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/serial"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

func attach(t *testing.T, sim *Simulator, host *protocol.Profile) *serial.Link {
	t.Helper()
	hostEnd, devEnd := net.Pipe()
	go sim.Serve(devEnd)
	t.Cleanup(func() { devEnd.Close() })

	l := serial.NewLink(host, func(ctx context.Context) (serial.Conn, error) { return hostEnd, nil })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func write(t *testing.T, l transport.Link, channel, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Write(ctx, channel, []byte(data)); err != nil {
		t.Fatalf("Write %s: %v", data, err)
	}
}

// waitStatus returns the first status line starting with prefix.
func waitStatus(t *testing.T, l transport.Link, prefix string) string {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-l.Notifications():
			if !ok {
				t.Fatalf("link closed waiting for %q", prefix)
			}
			if s := string(n.Data); strings.HasPrefix(s, prefix) {
				return s
			}
		case <-timeout:
			t.Fatalf("no status line starting with %q", prefix)
		}
	}
}

func TestHelloAndSettingsReport(t *testing.T) {
	sim := NewSimulator(protocol.DriftAmpel(), 0)
	l := attach(t, sim, protocol.DriftAmpel())
	if l.Name() != "DriftAmpel" {
		t.Errorf("Name = %q", l.Name())
	}

	write(t, l, "cmd", "/vol=7")
	line := waitStatus(t, l, "SET:")
	s := protocol.ParseSettings([]byte(line))
	if s.Volume == nil || *s.Volume != 7 {
		t.Errorf("settings after /vol=7: %s", line)
	}
	if s.Version != firmwareVersion {
		t.Errorf("version = %q", s.Version)
	}
}

func TestServiceMismatch(t *testing.T) {
	dev := protocol.DriftAmpel()
	dev.ServiceUUID = "00000000-0000-0000-0000-000000000000"
	sim := NewSimulator(dev, 0)

	hostEnd, devEnd := net.Pipe()
	go sim.Serve(devEnd)
	defer devEnd.Close()
	l := serial.NewLink(protocol.DriftAmpel(), func(ctx context.Context) (serial.Conn, error) { return hostEnd, nil })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := l.Connect(ctx); !errors.Is(err, errors.ErrServiceUnavailable) {
		t.Fatalf("Connect = %v, want SERVICE_UNAVAILABLE", err)
	}
}

func TestSetTimeMovesDeviceClock(t *testing.T) {
	sim := NewSimulator(protocol.DriftAmpel(), -90*time.Second)
	l := attach(t, sim, protocol.DriftAmpel())

	target := time.Now().Unix() + 3600
	write(t, l, "cmd", "/setTime="+itoa64(target))
	waitStatus(t, l, "SYNC OK")
	if d := sim.deviceNow().Unix() - target; d < -1 || d > 1 {
		t.Errorf("device clock off by %ds", d)
	}
}

func TestRawTimeChannel(t *testing.T) {
	sim := NewSimulator(protocol.AmpelJSON(), 0)
	l := attach(t, sim, protocol.AmpelJSON())

	write(t, l, "time", string(protocol.RawTime(1700000000)))
	if got := waitStatus(t, l, "SYNC OK"); got != "SYNC OK time=1700000000" {
		t.Errorf("status = %q", got)
	}
}

func TestChunkedScheduleUpload(t *testing.T) {
	p := protocol.AmpelJSON()
	sim := NewSimulator(p, 0)
	l := attach(t, sim, p)

	far := time.Now().Unix() + 3600
	entries := []protocol.Entry{
		{Name: "Heat 1", Start: far, Duration: 300, DelayMs: 1200},
		{Name: "Final", Start: far + 600, Duration: 0, Laps: 12},
	}
	body, err := protocol.EncodeEntries(entries)
	if err != nil {
		t.Fatal(err)
	}
	for _, pl := range protocol.ChunkPayloads(p, body) {
		write(t, l, pl.Channel, string(pl.Data))
	}
	if got := waitStatus(t, l, "SCHEDULE"); got != "SCHEDULE 2 entries" {
		t.Errorf("status = %q", got)
	}
	stored := sim.Entries()
	if len(stored) != 2 || stored[1].Name != "Final" || stored[1].Laps != 12 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestReadSettings(t *testing.T) {
	sim := NewSimulator(protocol.AmpelJSON(), 0)
	l := attach(t, sim, protocol.AmpelJSON())

	write(t, l, "settings", `{"cmd":"config","brt_strip":33}`)
	waitStatus(t, l, "{")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := l.Read(ctx, "settings")
	if err != nil {
		t.Fatal(err)
	}
	s := protocol.ParseSettings(data)
	if s.StripBrightness == nil || *s.StripBrightness != 33 {
		t.Errorf("read settings = %s", data)
	}
}

func TestDeviceSchedulerFiresDueEntry(t *testing.T) {
	p := protocol.AmpelJSON()
	sim := NewSimulator(p, 0)
	l := attach(t, sim, p)

	payload, err := protocol.Encode(p, protocol.AddScheduleEntry{Entry: protocol.Entry{
		Name: "Heat 3", Start: time.Now().Unix() - 1, Duration: 0,
	}})
	if err != nil {
		t.Fatal(err)
	}
	write(t, l, payload.Channel, string(payload.Data))
	waitStatus(t, l, "SCHEDULE added")
	if got := waitStatus(t, l, "TEXT"); got != "TEXT Heat 3" {
		t.Errorf("status = %q", got)
	}
	waitStatus(t, l, "GO")
}

func TestFlatCommands(t *testing.T) {
	p := protocol.DriftAmpel()
	p.Verbs["text"] = "ledText"
	sim := NewSimulator(p, 0)

	for _, cmd := range []string{
		"/ledText=Heat%201",
		"/yellowFlagOn",
		"/add&s=1700000600&d=300&r=0&n=Heat%202",
		"/add&s=1700001200&d=0&r=0&n=Final&l=8",
		"/lapDisp=4",
	} {
		sim.handleFlat([]byte(cmd))
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()
	if sim.text != "Heat 1" {
		t.Errorf("text = %q", sim.text)
	}
	if !sim.yellow {
		t.Error("yellow flag not set")
	}
	if sim.lap != 4 {
		t.Errorf("lap = %d", sim.lap)
	}
	if len(sim.entries) != 2 || sim.entries[0].Name != "Heat 2" || sim.entries[1].Laps != 8 {
		t.Errorf("entries = %+v", sim.entries)
	}
}

func TestCountdownCancel(t *testing.T) {
	sim := NewSimulator(protocol.DriftAmpel(), 0)
	l := attach(t, sim, protocol.DriftAmpel())

	write(t, l, "cmd", "/mStart&dur=60&preT=10")
	if got := waitStatus(t, l, "COUNTDOWN"); got != "COUNTDOWN 10" {
		t.Errorf("status = %q", got)
	}
	write(t, l, "cmd", "/cancel")
	waitStatus(t, l, "CANCELLED")
	sim.mu.Lock()
	pending := len(sim.timers)
	sim.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d race timers left after cancel", pending)
	}
}

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }
