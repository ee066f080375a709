package driftclub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
)

var testNow = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

func iso(offset time.Duration) string {
	return testNow.Add(offset).Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, Metrics: metrics.NewAmpelMetrics()})
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestResolve(t *testing.T) {
	tests := []struct {
		in     []string
		mode   Mode
		routes []string
	}{
		{[]string{"g/AAA/BBB/1", "g/AAA/BBB/2"}, ModeDirect, []string{"g/AAA/BBB/1", "g/AAA/BBB/2"}},
		{[]string{"g/AAA/BBB/1"}, ModeDirect, []string{"g/AAA/BBB/1"}},
		{[]string{"g/AAA/BBB"}, ModeEvent, []string{"g/AAA/BBB"}},
		{[]string{"https://driftclub.com/event/g/AAA/BBB"}, ModeEvent, []string{"g/AAA/BBB"}},
		{[]string{"https://driftclub.com/event/g/AAA/BBB/?tab=races"}, ModeEvent, []string{"g/AAA/BBB"}},
		{[]string{" summer-cup ", ""}, ModeEvent, []string{"summer-cup"}},
		{nil, ModeEvent, nil},
	}
	for _, tt := range tests {
		mode, routes := Resolve(tt.in)
		if mode != tt.mode {
			t.Errorf("Resolve(%v) mode = %s, want %s", tt.in, mode, tt.mode)
		}
		if len(routes) != len(tt.routes) {
			t.Errorf("Resolve(%v) routes = %v, want %v", tt.in, routes, tt.routes)
			continue
		}
		for i := range routes {
			if routes[i] != tt.routes[i] {
				t.Errorf("Resolve(%v) routes = %v, want %v", tt.in, routes, tt.routes)
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Run("time limited", func(t *testing.T) {
		s, ok := Normalize(map[string]interface{}{
			"_id":  "abc",
			"name": "Heat 1",
			"setup": map[string]interface{}{
				"startTime": iso(0), "duration": "00:07:30", "laps": 12.0, "startDelay": 2.5,
			},
		})
		if !ok {
			t.Fatal("not normalized")
		}
		if s.Name != "Heat 1" || s.SessionID != "abc" || s.StartTime != testNow.Unix() {
			t.Errorf("session = %+v", s)
		}
		if s.Duration != 450 || s.Laps != 0 || s.StartDelay != 2500 {
			t.Errorf("duration/laps/delay = %d/%d/%d", s.Duration, s.Laps, s.StartDelay)
		}
	})
	t.Run("lap limited", func(t *testing.T) {
		s, ok := Normalize(map[string]interface{}{
			"id":   "x",
			"name": "Final",
			"setup": map[string]interface{}{
				"startTime": iso(0), "duration": "00:10:00", "laps": 25.0, "finishType": "Laps",
			},
		})
		if !ok || s.Duration != 0 || s.Laps != 25 || s.SessionID != "x" {
			t.Errorf("session = %+v ok=%v", s, ok)
		}
	})
	t.Run("nested setup and fallback duration", func(t *testing.T) {
		s, ok := Normalize(map[string]interface{}{
			"name":   "Nested",
			"config": map[string]interface{}{"startTime": float64(testNow.Unix() * 1000), "duration": "bogus"},
		})
		if !ok || s.StartTime != testNow.Unix() || s.Duration != 300 {
			t.Errorf("session = %+v ok=%v", s, ok)
		}
	})
	t.Run("missing setup", func(t *testing.T) {
		if _, ok := Normalize(map[string]interface{}{"name": "Empty", "setup": map[string]interface{}{}}); ok {
			t.Error("session without startTime must be skipped")
		}
	})
}

func TestParseTimeWithoutOffsetIsLocal(t *testing.T) {
	saved := localZone
	localZone = time.FixedZone("CEST", 2*3600)
	defer func() { localZone = saved }()

	tests := []struct {
		in   string
		want int64
	}{
		{"2026-06-01T16:00:00", testNow.Unix()},
		{"2026-06-01 16:00:00", testNow.Unix()},
		{"2026-06-01T16:00:00.500", testNow.Unix()},
		{"2026-06-01T14:00:00Z", testNow.Unix()},
		{"2026-06-01T16:00:00+02:00", testNow.Unix()},
	}
	for _, tt := range tests {
		got, ok := parseTime(tt.in)
		if !ok || got != tt.want {
			t.Errorf("parseTime(%q) = %d, %v, want %d", tt.in, got, ok, tt.want)
		}
	}
}

func TestErrorBodyKeepsRunes(t *testing.T) {
	body := "x" + strings.Repeat("ü", 100)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, body, http.StatusBadGateway)
	}))
	_, err := c.Sessions(context.Background(), []string{"g/A/B/1"})
	if !errors.Is(err, errors.ErrAPIUnreachable) {
		t.Fatalf("err = %v", err)
	}
	if !utf8.ValidString(err.Error()) {
		t.Errorf("error text is not valid UTF-8: %q", err.Error())
	}
	if got := truncate("aü", 2); got != "a" {
		t.Errorf("truncate = %q", got)
	}
}

// Two direct identifiers resolve to two sessions ordered by start time.
func TestFetchDirectIdentifiers(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathSession {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("sessionRoute") {
		case "g/AAA/BBB/1":
			time.Sleep(20 * time.Millisecond)
			writeJSON(w, map[string]interface{}{"_id": "s1", "name": "Race 1",
				"setup": map[string]interface{}{"startTime": iso(10 * time.Minute), "duration": "00:05:00"}})
		case "g/AAA/BBB/2":
			writeJSON(w, map[string]interface{}{"_id": "s2", "name": "Race 2",
				"setup": map[string]interface{}{"startTime": iso(20 * time.Minute), "duration": "00:05:00"}})
		default:
			http.NotFound(w, r)
		}
	}))

	s, err := c.Fetch(context.Background(), []string{"g/AAA/BBB/1", "g/AAA/BBB/2"},
		FetchOptions{Tolerance: 300, MaxSessions: 20, Now: testNow})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Len() != 2 || s.Sessions[0].SessionID != "s1" || s.Sessions[1].SessionID != "s2" {
		t.Fatalf("sessions = %+v", s.Sessions)
	}
	if s.Sessions[0].StartTime >= s.Sessions[1].StartTime {
		t.Error("sessions not ordered by start time")
	}
}

func TestFetchDirectSkipsFailures(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("sessionRoute") {
		case "ok":
			writeJSON(w, map[string]interface{}{"session": map[string]interface{}{"_id": "s1", "name": "Ok",
				"setup": map[string]interface{}{"startTime": iso(time.Minute)}}})
		case "nosetup":
			writeJSON(w, map[string]interface{}{"_id": "s2", "name": "No setup"})
		case "garbage":
			w.Write([]byte("<html>"))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))

	s, err := c.Fetch(context.Background(), []string{"ok", "nosetup", "garbage", "down"},
		FetchOptions{Tolerance: 300, MaxSessions: 20, Now: testNow})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Len() != 1 || s.Sessions[0].Name != "Ok" {
		t.Errorf("sessions = %+v", s.Sessions)
	}
}

func TestFetchDirectAllUnreachable(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	_, err := c.Fetch(context.Background(), []string{"a", "b"}, FetchOptions{Now: testNow})
	if !errors.Is(err, errors.ErrAPIUnreachable) {
		t.Errorf("err = %v, want API unreachable", err)
	}
}

// An event link resolves to three children; the one 400 s in the past is
// dropped with a 300 s tolerance.
func TestFetchEventFiltersStale(t *testing.T) {
	var eventCalls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathEvent:
			atomic.AddInt32(&eventCalls, 1)
			if r.URL.Query().Get("eventRoute") != "g/AAA/BBB" {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, map[string]interface{}{"_id": "ev1"})
		case pathChildren:
			if r.URL.Query().Get("eventID") != "ev1" {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, map[string]interface{}{"sessions": []interface{}{
				map[string]interface{}{"_id": "late", "name": "Late",
					"setup": map[string]interface{}{"startTime": iso(30 * time.Minute)}},
				map[string]interface{}{"_id": "stale", "name": "Stale",
					"setup": map[string]interface{}{"startTime": iso(-400 * time.Second)}},
				map[string]interface{}{"_id": "soon", "name": "Soon",
					"race": map[string]interface{}{"startTime": iso(5 * time.Minute), "laps": 10, "finishType": "laps"}},
				map[string]interface{}{"_id": "broken", "name": "Broken"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))

	opts := FetchOptions{Tolerance: 300, MaxSessions: 20, Now: testNow}
	s, err := c.Fetch(context.Background(), []string{"https://driftclub.com/event/g/AAA/BBB"}, opts)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Len() != 2 || s.Sessions[0].SessionID != "soon" || s.Sessions[1].SessionID != "late" {
		t.Fatalf("sessions = %+v", s.Sessions)
	}
	if s.Sessions[0].Laps != 10 || s.Sessions[0].Duration != 0 {
		t.Errorf("nested lap session = %+v", s.Sessions[0])
	}

	if _, err := c.Fetch(context.Background(), []string{"g/AAA/BBB"}, opts); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&eventCalls); n != 1 {
		t.Errorf("event endpoint called %d times, want 1 (cached)", n)
	}
}

func TestFetchEventErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    errors.ErrorCode
	}{
		{"event without id", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]interface{}{"name": "no id"})
		}, errors.ErrAPIMalformed},
		{"children not json", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == pathEvent {
				writeJSON(w, map[string]interface{}{"id": 42})
				return
			}
			w.Write([]byte("nope"))
		}, errors.ErrAPIMalformed},
		{"event 404", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}, errors.ErrAPIUnreachable},
		{"no children", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == pathEvent {
				writeJSON(w, map[string]interface{}{"_id": "ev"})
				return
			}
			writeJSON(w, map[string]interface{}{"sessions": []interface{}{}})
		}, errors.ErrNoSessionsFound},
		{"all stale", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == pathEvent {
				writeJSON(w, map[string]interface{}{"_id": "ev"})
				return
			}
			writeJSON(w, map[string]interface{}{"sessions": []interface{}{
				map[string]interface{}{"name": "old", "setup": map[string]interface{}{"startTime": iso(-time.Hour)}},
			}})
		}, errors.ErrNoSessionsFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			_, err := c.Fetch(context.Background(), []string{"g/AAA/BBB"},
				FetchOptions{Tolerance: 60, MaxSessions: 10, Now: testNow})
			if !errors.Is(err, tt.code) {
				t.Errorf("err = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < breakerTrip; i++ {
		_, err := c.EventID(context.Background(), "route")
		if !errors.Is(err, errors.ErrAPIUnreachable) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if c.BreakerState() != "open" {
		t.Fatalf("breaker state = %s, want open", c.BreakerState())
	}
	_, err = c.EventID(context.Background(), "route")
	if !errors.Is(err, errors.ErrAPIUnreachable) || !stderrors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want fast failure from open breaker", err)
	}
}

func TestProgress(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("sessionID") {
		case "running":
			writeJSON(w, map[string]interface{}{"state": "running", "entries": []interface{}{
				map[string]interface{}{"driver": "a", "laps": 4},
				map[string]interface{}{"driver": "b", "laps": 6},
			}})
		case "direct":
			writeJSON(w, map[string]interface{}{"leaderboard": map[string]interface{}{"status": "running", "currentLap": 3, "totalLaps": 20}})
		case "done":
			writeJSON(w, map[string]interface{}{"state": "finished"})
		}
	}))

	p, err := c.Progress(context.Background(), "running")
	if err != nil || p.Lap != 6 || p.Finished() {
		t.Errorf("running = %+v, %v", p, err)
	}
	p, err = c.Progress(context.Background(), "direct")
	if err != nil || p.Lap != 3 || p.TotalLaps != 20 || p.State != "running" {
		t.Errorf("direct = %+v, %v", p, err)
	}
	p, err = c.Progress(context.Background(), "done")
	if err != nil || !p.Finished() {
		t.Errorf("done = %+v, %v", p, err)
	}
}
