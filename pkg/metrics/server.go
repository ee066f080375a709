// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports whether the host is ready to drive the light and a
// short reason either way.
type ReadyFunc func() (bool, string)

// MetricsServerConfig configures the scrape endpoint.
type MetricsServerConfig struct {
	Address  string
	Username string
	Password string
	// Ready backs /ready; nil means ready once the server listens.
	Ready ReadyFunc

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMetricsServerConfig listens on :9130 without auth.
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:      ":9130",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// MetricsServer exposes /metrics, /health and /ready.
type MetricsServer struct {
	cfg    MetricsServerConfig
	router *mux.Router
	server *http.Server

	mu        sync.Mutex
	listener  net.Listener
	startTime time.Time
}

// NewMetricsServerWithConfig builds the server; nothing listens until
// Start.
func NewMetricsServerWithConfig(am *AmpelMetrics, cfg MetricsServerConfig) *MetricsServer {
	ms := &MetricsServer{cfg: cfg, router: mux.NewRouter()}

	scrape := promhttp.HandlerFor(am.Registry(), promhttp.HandlerOpts{})
	ms.router.Handle("/metrics", ms.basicAuth(scrape)).Methods(http.MethodGet, http.MethodHead)
	ms.router.HandleFunc("/health", ms.handleHealth).Methods(http.MethodGet)
	ms.router.HandleFunc("/ready", ms.handleReady).Methods(http.MethodGet)

	ms.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      ms.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return ms
}

// Handler returns the router, for tests and embedding.
func (ms *MetricsServer) Handler() http.Handler { return ms.router }

// Start listens and serves until Shutdown.
func (ms *MetricsServer) Start() error {
	l, err := net.Listen("tcp", ms.cfg.Address)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	ms.mu.Lock()
	ms.listener = l
	ms.startTime = time.Now()
	ms.mu.Unlock()

	if err := ms.server.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields at most one
// error and is then closed.
func (ms *MetricsServer) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := ms.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Addr is the bound address once listening, else the configured one.
func (ms *MetricsServer) Addr() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.cfg.Address
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

func (ms *MetricsServer) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ms.cfg.Username == "" && ms.cfg.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(ms.cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(ms.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="ampel metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	var uptime float64
	if !ms.startTime.IsZero() {
		uptime = time.Since(ms.startTime).Seconds()
	}
	ms.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "uptime": uptime})
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, reason := true, "ok"
	if ms.cfg.Ready != nil {
		ready, reason = ms.cfg.Ready()
	}
	w.Header().Set("Content-Type", "text/plain")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintln(w, reason)
}
