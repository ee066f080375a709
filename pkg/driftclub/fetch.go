package driftclub

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
)

// Mode is how identifiers are resolved.
type Mode int

const (
	// ModeDirect looks up every identifier as a session route.
	ModeDirect Mode = iota
	// ModeEvent resolves a single event route to its child sessions.
	ModeEvent
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "event"
}

// Resolve normalizes operator input and picks the lookup mode. Full links
// are cut down to the part after "/event/". Several identifiers, or one
// four-segment "g/<group>/<event>/<session>" path, select direct mode.
func Resolve(ids []string) (Mode, []string) {
	var routes []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if i := strings.Index(id, "/event/"); i >= 0 {
			id = id[i+len("/event/"):]
		}
		if i := strings.IndexAny(id, "?#"); i >= 0 {
			id = id[:i]
		}
		id = strings.Trim(id, "/")
		if id != "" {
			routes = append(routes, id)
		}
	}
	if len(routes) > 1 {
		return ModeDirect, routes
	}
	if len(routes) == 1 && strings.HasPrefix(routes[0], "g/") && len(strings.Split(routes[0], "/")) == 4 {
		return ModeDirect, routes
	}
	return ModeEvent, routes
}

// FetchOptions controls filtering of the fetched sessions.
type FetchOptions struct {
	Tolerance   int
	MaxSessions int
	// Now defaults to time.Now().
	Now time.Time
}

// Fetch resolves ids to sessions, then sorts, filters and caps them.
func (c *Client) Fetch(ctx context.Context, ids []string, opts FetchOptions) (schedule.Schedule, error) {
	sessions, err := c.Sessions(ctx, ids)
	if err != nil {
		return schedule.Schedule{}, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	s := schedule.Build(sessions, now, opts.Tolerance, opts.MaxSessions)
	c.log.WithFields(log.Fields{"fetched": len(sessions), "kept": s.Len()}).Info("schedule fetched")
	if s.Len() == 0 {
		return s, errors.NoSessionsFoundError(strings.Join(ids, ", "))
	}
	return s, nil
}

// Sessions resolves ids to unfiltered sessions in lookup order.
func (c *Client) Sessions(ctx context.Context, ids []string) ([]schedule.Session, error) {
	mode, routes := Resolve(ids)
	if len(routes) == 0 {
		return nil, errors.NoSessionsFoundError("empty input")
	}
	c.log.WithFields(log.Fields{"mode": mode.String(), "ids": len(routes)}).Debug("resolving identifiers")
	if mode == ModeDirect {
		return c.direct(ctx, routes)
	}
	return c.event(ctx, routes[0])
}

// direct fetches each route concurrently. Failures are logged and
// skipped; the batch fails only when every route was unreachable.
func (c *Client) direct(ctx context.Context, routes []string) ([]schedule.Session, error) {
	found := make([]*schedule.Session, len(routes))
	var (
		mu       sync.Mutex
		failures int
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, route := range routes {
		i, route := i, route
		g.Go(func() error {
			s, err := c.session(gctx, route)
			if err != nil {
				c.log.WithError(err).WithField("route", route).Warn("session lookup failed")
				if errors.Is(err, errors.ErrAPIUnreachable) {
					mu.Lock()
					failures++
					lastErr = err
					mu.Unlock()
				}
				return nil
			}
			if s == nil {
				c.log.WithField("route", route).Warn("session has no setup, skipped")
				return nil
			}
			found[i] = s
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failures == len(routes) {
		return nil, lastErr
	}
	out := make([]schedule.Session, 0, len(routes))
	for _, s := range found {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// session looks up one session route. A nil session with a nil error
// means the response carried no usable setup.
func (c *Client) session(ctx context.Context, route string) (*schedule.Session, error) {
	body, err := c.get(ctx, "session", pathSession, "sessionRoute", route)
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.APIMalformedError(pathSession, err.Error())
	}
	if inner, ok := obj["session"].(map[string]interface{}); ok {
		obj = inner
	}
	s, ok := Normalize(obj)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// EventID resolves an event route, consulting the cache first.
func (c *Client) EventID(ctx context.Context, route string) (string, error) {
	if v, ok := c.events.Get(route); ok {
		c.metrics.RecordCacheLookup(true)
		return v.(string), nil
	}
	c.metrics.RecordCacheLookup(false)

	body, err := c.get(ctx, "event", pathEvent, "eventRoute", route)
	if err != nil {
		return "", err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", errors.APIMalformedError(pathEvent, err.Error())
	}
	id := idOf(obj)
	if id == "" {
		return "", errors.APIMalformedError(pathEvent, "response has no _id or id")
	}
	c.events.Add(route, id)
	return id, nil
}

func (c *Client) event(ctx context.Context, route string) ([]schedule.Session, error) {
	id, err := c.EventID(ctx, route)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, "children", pathChildren, "eventID", id)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.APIMalformedError(pathChildren, err.Error())
	}

	out := make([]schedule.Session, 0, len(resp.Sessions))
	for _, child := range resp.Sessions {
		s, ok := Normalize(child)
		if !ok {
			c.log.WithField("session", idOf(child)).Debug("child has no setup, skipped")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Normalize converts one API session object. It reports false when no
// setup with a parseable startTime can be found.
func Normalize(obj map[string]interface{}) (schedule.Session, bool) {
	setup := findSetup(obj)
	if setup == nil {
		return schedule.Session{}, false
	}
	start, ok := parseTime(setup["startTime"])
	if !ok {
		return schedule.Session{}, false
	}

	s := schedule.Session{
		Name:      stringOf(obj["name"]),
		StartTime: start,
		Duration:  schedule.DefaultDuration,
		SessionID: idOf(obj),
	}
	if s.Name == "" {
		s.Name = stringOf(setup["name"])
	}

	switch d := setup["duration"].(type) {
	case string:
		s.Duration = schedule.ParseDuration(d)
	case float64:
		if d > 0 {
			s.Duration = int(d)
		}
	}

	laps, _ := intOf(setup["laps"])
	finish := stringOf(setup["finishType"])
	if finish == "" {
		finish = stringOf(obj["finishType"])
	}
	if strings.EqualFold(finish, "laps") && laps > 0 {
		s.Duration = 0
		s.Laps = laps
	}

	if v, ok := numberOf(setup["startDelay"]); ok && v > 0 {
		s.StartDelay = int(math.Round(v * 1000))
	}
	return s, true
}

// findSetup returns obj["setup"] or, failing that, the first nested
// object that carries a startTime.
func findSetup(obj map[string]interface{}) map[string]interface{} {
	if setup, ok := obj["setup"].(map[string]interface{}); ok {
		if _, has := setup["startTime"]; has {
			return setup
		}
	}
	for _, v := range obj {
		if m, ok := v.(map[string]interface{}); ok {
			if _, has := m["startTime"]; has {
				return m
			}
		}
	}
	return nil
}

// localZone interprets ISO times that carry no offset.
var localZone = time.Local

// parseTime accepts an ISO-8601 string or a numeric epoch in seconds or
// milliseconds.
func parseTime(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.Unix(), true
		}
		for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.999", "2006-01-02 15:04:05"} {
			if parsed, err := time.ParseInLocation(layout, t, localZone); err == nil {
				return parsed.Unix(), true
			}
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return epoch(n), true
		}
	case float64:
		return epoch(int64(t)), true
	}
	return 0, false
}

func epoch(n int64) int64 {
	if n > 1e12 {
		return n / 1000
	}
	return n
}

func idOf(obj map[string]interface{}) string {
	if id := stringOf(obj["_id"]); id != "" {
		return id
	}
	return stringOf(obj["id"])
}

func stringOf(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func numberOf(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func intOf(v interface{}) (int, bool) {
	f, ok := numberOf(v)
	return int(f), ok
}
