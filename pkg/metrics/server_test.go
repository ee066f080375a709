package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, method, path string, auth ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestScrapeExposesAmpelSeries(t *testing.T) {
	am := NewAmpelMetrics()
	am.SetLinkState("ready")
	am.RecordWrite("cmd", "ok", 3*time.Millisecond)
	am.RecordUpload("chunked", "ok", 5)

	ms := NewMetricsServerWithConfig(am, DefaultMetricsServerConfig())
	rec := get(t, ms.Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`ampel_link_state{state="ready"} 1`,
		`ampel_link_state{state="disconnected"} 0`,
		`ampel_queue_writes_total{channel="cmd",result="ok"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestScrapeMethods(t *testing.T) {
	ms := NewMetricsServerWithConfig(NewAmpelMetrics(), DefaultMetricsServerConfig())
	if rec := get(t, ms.Handler(), http.MethodHead, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("HEAD = %d", rec.Code)
	}
	if rec := get(t, ms.Handler(), http.MethodPost, "/metrics"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := DefaultMetricsServerConfig()
	cfg.Username, cfg.Password = "race", "control"
	ms := NewMetricsServerWithConfig(NewAmpelMetrics(), cfg)

	tests := []struct {
		name string
		auth []string
		code int
	}{
		{"none", nil, http.StatusUnauthorized},
		{"wrong password", []string{"race", "x"}, http.StatusUnauthorized},
		{"ok", []string{"race", "control"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, ms.Handler(), http.MethodGet, "/metrics", tt.auth...)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
	// Probes stay open for the supervisor.
	if rec := get(t, ms.Handler(), http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Errorf("/health behind auth: %d", rec.Code)
	}
}

func TestReadyFollowsDevice(t *testing.T) {
	connected := false
	cfg := DefaultMetricsServerConfig()
	cfg.Ready = func() (bool, string) {
		if connected {
			return true, "ready: DriftAmpel"
		}
		return false, "disconnected"
	}
	ms := NewMetricsServerWithConfig(NewAmpelMetrics(), cfg)

	rec := get(t, ms.Handler(), http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "disconnected") {
		t.Errorf("before connect: %d %q", rec.Code, rec.Body.String())
	}
	connected = true
	rec = get(t, ms.Handler(), http.MethodGet, "/ready")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "DriftAmpel") {
		t.Errorf("after connect: %d %q", rec.Code, rec.Body.String())
	}
}

func TestStartAndShutdown(t *testing.T) {
	cfg := DefaultMetricsServerConfig()
	cfg.Address = "127.0.0.1:0"
	ms := NewMetricsServerWithConfig(NewAmpelMetrics(), cfg)
	errCh := ms.StartAsync()

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := ms.Addr(); !strings.HasSuffix(a, ":0") {
			addr = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not bind")
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("/health = %s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ms.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Errorf("Start returned %v", err)
	}
}
