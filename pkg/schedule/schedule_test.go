package schedule

import (
	"testing"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"00:05:00", 300},
		{"01:00:00", 3600},
		{"00:00:45", 45},
		{"1:2:3", 3723},
		{" 00:10:00 ", 600},
		{"", DefaultDuration},
		{"05:00", DefaultDuration},
		{"aa:bb:cc", DefaultDuration},
		{"00:-1:00", DefaultDuration},
		{"00:00:00:00", DefaultDuration},
	}
	for _, tt := range tests {
		if got := ParseDuration(tt.in); got != tt.want {
			t.Errorf("ParseDuration(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBuildFiltersSortsAndCaps(t *testing.T) {
	now := time.Unix(1000, 0)
	sessions := []Session{
		{Name: "late", StartTime: 2000},
		{Name: "old", StartTime: 600},
		{Name: "edge", StartTime: 700},
		{Name: "tieA", StartTime: 1500},
		{Name: "tieB", StartTime: 1500},
		{Name: "soon", StartTime: 1100},
	}
	s := Build(sessions, now, 300, 0)
	want := []string{"edge", "soon", "tieA", "tieB", "late"}
	if s.Len() != len(want) {
		t.Fatalf("got %d sessions, want %d", s.Len(), len(want))
	}
	for i, name := range want {
		if s.Sessions[i].Name != name {
			t.Errorf("session %d = %s, want %s", i, s.Sessions[i].Name, name)
		}
	}

	capped := Build(sessions, now, 300, 3)
	if capped.Len() != 3 {
		t.Fatalf("cap: got %d", capped.Len())
	}
	for i := range capped.Sessions {
		if capped.Sessions[i] != s.Sessions[i] {
			t.Errorf("cap reordered at %d: %+v", i, capped.Sessions[i])
		}
	}

	if sessions[0].Name != "late" {
		t.Error("Build must not modify its input")
	}
}

func TestBuildToleranceZero(t *testing.T) {
	now := time.Unix(1000, 0)
	s := Build([]Session{{StartTime: 999}, {StartTime: 1000}}, now, 0, 10)
	if s.Len() != 1 || s.Sessions[0].StartTime != 1000 {
		t.Errorf("got %+v", s.Sessions)
	}
}

func TestEntriesApplyProfileNameRules(t *testing.T) {
	p := protocol.AmpelJSON()
	s := Schedule{Sessions: []Session{{Name: "Qualifying Müller #1 extra long", StartTime: 5, Duration: 60, StartDelay: 1500}}}
	e := s.Entries(p)[0]
	if e.Name != "Qualifying Mull" {
		t.Errorf("name = %q", e.Name)
	}
	if e.Start != 5 || e.Duration != 60 || e.DelayMs != 1500 {
		t.Errorf("entry = %+v", e)
	}
}

func TestDigest(t *testing.T) {
	p := protocol.AmpelJSON()
	a := Schedule{Sessions: []Session{{Name: "A", StartTime: 10, Duration: 60}}}
	b := Schedule{Sessions: []Session{{Name: "A", StartTime: 10, Duration: 60}}}
	c := Schedule{Sessions: []Session{{Name: "A", StartTime: 11, Duration: 60}}}
	if a.Digest(p) != b.Digest(p) {
		t.Error("equal schedules must share a digest")
	}
	if a.Digest(p) == c.Digest(p) {
		t.Error("different schedules must differ")
	}
	if len(a.Digest(p)) != 64 {
		t.Errorf("digest length %d", len(a.Digest(p)))
	}
}

func TestNextAndCurrent(t *testing.T) {
	s := Schedule{Sessions: []Session{{StartTime: 100}, {StartTime: 200}, {StartTime: 300}}}
	if got := s.Next(time.Unix(150, 0)); got != 1 {
		t.Errorf("Next = %d", got)
	}
	if got := s.Current(time.Unix(250, 0)); got != 1 {
		t.Errorf("Current = %d", got)
	}
	if got := s.Current(time.Unix(50, 0)); got != -1 {
		t.Errorf("Current before start = %d", got)
	}
	if got := s.Next(time.Unix(400, 0)); got != -1 {
		t.Errorf("Next after end = %d", got)
	}
}

func TestLapLimited(t *testing.T) {
	if !(Session{Laps: 10}).LapLimited() {
		t.Error("laps without duration is lap limited")
	}
	if (Session{Laps: 10, Duration: 60}).LapLimited() {
		t.Error("duration wins when both are set")
	}
}
