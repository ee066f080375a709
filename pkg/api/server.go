// Package api serves the operator API: REST endpoints and JSON-RPC 2.0
// over WebSocket, both routed to the same method table, plus status
// pushes from the device controller.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Atomregen/startAmpelBLE/pkg/device"
	"github.com/Atomregen/startAmpelBLE/pkg/ledger"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":7130"

// Device is the controller surface the API drives.
type Device interface {
	Status() device.Status
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, in protocol.Intent) error
	RefreshSettings(ctx context.Context) (protocol.DeviceSettings, error)
	Fetch(ctx context.Context, ids []string) (schedule.Schedule, error)
	Schedule() schedule.Schedule
	Upload(ctx context.Context, force bool) (schedule.Result, error)
	Sync(ctx context.Context, ids []string) (schedule.Result, error)
	TriggerSession(ctx context.Context, index int) error
	Subscribe() (<-chan device.Event, func())
}

// History lists recorded uploads, newest first.
type History interface {
	Uploads(limit int) ([]ledger.Upload, error)
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Device  Device
	History History
	Version string
}

// Server is the operator API server.
type Server struct {
	device  Device
	history History
	version string
	log     *log.Logger

	httpServer *http.Server
	addr       string
	router     *mux.Router

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	startTime time.Time
}

// New creates a server. Routes are ready immediately; Start only listens.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		device:    cfg.Device,
		history:   cfg.History,
		version:   cfg.Version,
		addr:      cfg.Addr,
		log:       log.GetLogger("api"),
		wsClients: make(map[int64]*WSClient),
		stop:      make(chan struct{}),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Stop. It also forwards controller
// events to WebSocket clients.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)
	s.log.Info("operator API listening on %s", s.addr)

	s.startForwarding()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every WebSocket client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// route binds one REST endpoint to a method of the dispatch table.
type route struct {
	verb   string
	path   string
	method string
	// query builds params from the URL for GET endpoints.
	query func(r *http.Request) json.RawMessage
}

var restRoutes = []route{
	{http.MethodGet, "/server/info", "server.info", nil},
	{http.MethodGet, "/device/status", "device.status", nil},
	{http.MethodPost, "/device/connect", "device.connect", nil},
	{http.MethodPost, "/device/disconnect", "device.disconnect", nil},
	{http.MethodPost, "/device/command", "device.command", nil},
	{http.MethodPost, "/device/settings/refresh", "device.settings.refresh", nil},
	{http.MethodPost, "/schedule/fetch", "schedule.fetch", nil},
	{http.MethodGet, "/schedule", "schedule.get", nil},
	{http.MethodPost, "/schedule/upload", "schedule.upload", nil},
	{http.MethodPost, "/schedule/sync", "schedule.sync", nil},
	{http.MethodPost, "/schedule/trigger", "schedule.trigger", nil},
	{http.MethodGet, "/history", "history.list", limitQuery},
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	for _, rt := range restRoutes {
		r.HandleFunc(rt.path, s.rest(rt)).Methods(rt.verb, http.MethodOptions)
	}
	r.HandleFunc("/websocket", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

// corsMiddleware allows the browser frontend on another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startForwarding subscribes to the controller and pushes its events to
// WebSocket clients until Stop.
func (s *Server) startForwarding() {
	if s.device == nil {
		return
	}
	events, cancel := s.device.Subscribe()
	go s.forwardEvents(events, cancel)
}

func (s *Server) forwardEvents(events <-chan device.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if n := notification(ev, s.eventtime()); n != nil {
				s.broadcast(n)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Server) eventtime() float64 {
	return float64(time.Since(s.startTime).Milliseconds()) / 1000.0
}

// notification maps a controller event to its JSON-RPC push.
func notification(ev device.Event, eventtime float64) *jsonRPCNotification {
	switch ev.Type {
	case device.EventStatus:
		return &jsonRPCNotification{JSONRPC: "2.0", Method: "notify_status_update", Params: []any{ev.Status, eventtime}}
	case device.EventNotification:
		return &jsonRPCNotification{JSONRPC: "2.0", Method: "notify_device_status", Params: []any{map[string]any{
			"channel": ev.Channel,
			"data":    ev.Data,
			"at":      ev.At,
		}}}
	case device.EventSchedule:
		return &jsonRPCNotification{JSONRPC: "2.0", Method: "notify_schedule_update", Params: []any{eventtime}}
	case device.EventTrigger:
		return &jsonRPCNotification{JSONRPC: "2.0", Method: "notify_race_started", Params: []any{map[string]any{"name": ev.Data}}}
	}
	return nil
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

func (s *Server) clientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}
