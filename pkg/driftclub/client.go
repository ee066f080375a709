// Package driftclub fetches race sessions from the DriftClub event API
// and normalizes them into schedule sessions.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package driftclub

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sony/gobreaker"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
)

const (
	DefaultBaseURL     = "https://driftclub.com"
	DefaultTimeout     = 10 * time.Second
	DefaultCacheSize   = 64
	DefaultConcurrency = 4

	// The breaker opens after this many consecutive transport failures
	// and stays open for breakerOpenFor.
	breakerTrip    = 5
	breakerOpenFor = 30 * time.Second
)

// API paths.
const (
	pathSession     = "/api/session"
	pathEvent       = "/api/event"
	pathChildren    = "/api/event/children"
	pathLeaderboard = "/api/session/leaderboard"
)

// Options configures a Client. Zero fields take defaults.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	CacheSize   int
	Concurrency int
	Metrics     *metrics.AmpelMetrics
}

// Client talks to the event API.
type Client struct {
	http        *resty.Client
	breaker     *gobreaker.CircuitBreaker
	events      *lru.Cache
	concurrency int
	metrics     *metrics.AmpelMetrics
	log         *log.Logger
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("event cache: %w", err)
	}

	c := &Client{
		events:      cache,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		log:         log.GetLogger("driftclub"),
	}

	c.http = resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "startAmpel/1.0")
	c.http.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		c.log.WithFields(log.Fields{
			"status":  r.StatusCode(),
			"path":    r.Request.RawRequest.URL.Path,
			"query":   r.Request.RawRequest.URL.RawQuery,
			"latency": r.Time(),
		}).Debug("HTTP client request")
		return nil
	})

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "driftclub",
		Timeout: breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.WithFields(log.Fields{"from": from.String(), "to": to.String()}).Warn("circuit breaker state change")
		},
	})
	return c, nil
}

// BreakerState reports the circuit breaker state ("closed", "open",
// "half-open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// statusError is a non-2xx response. It does not count against the
// breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return "HTTP " + strconv.Itoa(e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// get performs one GET through the breaker and returns the body of a 2xx
// response. Transport failures and non-2xx statuses are APIUnreachable.
func (c *Client) get(ctx context.Context, endpoint, path, key, value string) ([]byte, error) {
	url := path + "?" + key + "=" + value
	start := time.Now()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam(key, value).
			Get(path)
	})
	if err != nil {
		status := "error"
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "breaker_open"
		}
		c.metrics.RecordAPIRequest(endpoint, status, time.Since(start))
		return nil, errors.APIUnreachableError(url, err)
	}

	resp := out.(*resty.Response)
	c.metrics.RecordAPIRequest(endpoint, strconv.Itoa(resp.StatusCode()), time.Since(start))
	if resp.IsError() {
		body := truncate(resp.String(), 120)
		return nil, errors.APIUnreachableError(url, &statusError{code: resp.StatusCode(), body: body}).
			SetContext("status", resp.StatusCode())
	}
	return resp.Body(), nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
