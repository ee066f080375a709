// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [name] block with access tracking.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[key]
	return v, ok
}

// GetUnusedOptions returns options that no getter has read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	return result
}

// option reads and parses one option. A missing option yields the first
// fallback, or a missing-option error when none is given.
func option[T any](s *Section, name, kind string, parse func(string) (T, error), fallback []T) (T, error) {
	var zero T
	v, ok := s.lookup(name)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return zero, ErrMissingOption(s.name, name)
	}
	out, err := parse(strings.TrimSpace(v))
	if err != nil {
		return zero, ErrInvalidValue(s.name, name, v, kind, err)
	}
	return out, nil
}

// Get returns the raw string value.
func (s *Section) Get(name string, fallback ...string) (string, error) {
	return option(s, name, "string", func(v string) (string, error) { return v, nil }, fallback)
}

func (s *Section) GetInt(name string, fallback ...int) (int, error) {
	return option(s, name, "integer", strconv.Atoi, fallback)
}

// GetIntWithBounds is GetInt with optional inclusive limits.
func (s *Section) GetIntWithBounds(name string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(name, fallback...)
	if err != nil {
		return 0, err
	}
	if minVal != nil && v < *minVal {
		return 0, ErrOutOfRange(s.name, name, float64(v), "must have minimum of "+strconv.Itoa(*minVal))
	}
	if maxVal != nil && v > *maxVal {
		return 0, ErrOutOfRange(s.name, name, float64(v), "must have maximum of "+strconv.Itoa(*maxVal))
	}
	return v, nil
}

// GetDuration accepts Go durations ("500ms", "1m") and bare seconds
// ("1.5").
func (s *Section) GetDuration(name string, fallback ...time.Duration) (time.Duration, error) {
	return option(s, name, "duration", func(v string) (time.Duration, error) {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(v)
	}, fallback)
}

// GetBool accepts 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBool(name string, fallback ...bool) (bool, error) {
	return option(s, name, "boolean", func(v string) (bool, error) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("unrecognized boolean %q", v)
	}, fallback)
}

// GetChoice returns a string option that must be one of choices.
func (s *Section) GetChoice(name string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(name, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, name, v, choices)
}

// GetList splits on sep and drops blank items. Race identifiers are
// listed this way.
func (s *Section) GetList(name string, sep string, fallback ...[]string) ([]string, error) {
	return option(s, name, "list", func(v string) ([]string, error) {
		var items []string
		for _, p := range strings.Split(v, sep) {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		return items, nil
	}, fallback)
}

// RawOptions returns a copy of the raw options map.
func (s *Section) RawOptions() map[string]string {
	result := make(map[string]string, len(s.options))
	for k, v := range s.options {
		result[k] = v
	}
	return result
}
