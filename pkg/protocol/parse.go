// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Command is a parsed flat command as the device firmware sees it.
type Command struct {
	Verb     string
	Value    string
	HasValue bool
	Params   map[string]string
	// Keys keeps parameter order.
	Keys []string
}

// Param returns a parameter value or "".
func (c Command) Param(key string) string {
	return c.Params[key]
}

// IntParam parses a numeric parameter.
func (c Command) IntParam(key string) (int64, error) {
	v, ok := c.Params[key]
	if !ok {
		return 0, fmt.Errorf("%s: missing parameter %q", c.Verb, key)
	}
	return strconv.ParseInt(v, 10, 64)
}

// ParseFlat splits "/verb[=value][&k=v...]" with the device delimiter
// rules: '&' separates fields, the first '=' in a field separates key and
// value, values are percent-decoded.
func ParseFlat(data []byte) (Command, error) {
	s := string(data)
	if !strings.HasPrefix(s, "/") {
		return Command{}, fmt.Errorf("flat command must start with '/': %q", s)
	}
	fields := strings.Split(s[1:], "&")
	head := fields[0]
	cmd := Command{Params: map[string]string{}}
	if verb, value, ok := strings.Cut(head, "="); ok {
		v, err := url.PathUnescape(value)
		if err != nil {
			return Command{}, fmt.Errorf("verb %s: %w", verb, err)
		}
		cmd.Verb, cmd.Value, cmd.HasValue = verb, v, true
	} else {
		cmd.Verb = head
	}
	if cmd.Verb == "" {
		return Command{}, fmt.Errorf("empty verb in %q", s)
	}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return Command{}, fmt.Errorf("%s: malformed parameter %q", cmd.Verb, f)
		}
		dv, err := url.PathUnescape(v)
		if err != nil {
			return Command{}, fmt.Errorf("%s: parameter %s: %w", cmd.Verb, k, err)
		}
		if _, dup := cmd.Params[k]; dup {
			return Command{}, fmt.Errorf("%s: duplicate parameter %q", cmd.Verb, k)
		}
		cmd.Params[k] = dv
		cmd.Keys = append(cmd.Keys, k)
	}
	return cmd, nil
}

// DeviceSettings is the device configuration as last reported. Nil
// pointers mean the device did not report the value.
type DeviceSettings struct {
	Volume           *int              `json:"volume,omitempty"`
	MatrixBrightness *int              `json:"matrixBrightness,omitempty"`
	StripBrightness  *int              `json:"stripBrightness,omitempty"`
	YellowFlag       *bool             `json:"yellowFlag,omitempty"`
	Version          string            `json:"version,omitempty"`
	Time             int64             `json:"time,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Empty reports whether nothing was recognized.
func (s DeviceSettings) Empty() bool {
	return s.Volume == nil && s.MatrixBrightness == nil && s.StripBrightness == nil &&
		s.YellowFlag == nil && s.Version == "" && s.Time == 0 && len(s.Extra) == 0
}

// Reported reports whether a device setting was recognized. A bare time
// value, as carried by clock acknowledgements, does not count.
func (s DeviceSettings) Reported() bool {
	return s.Volume != nil || s.MatrixBrightness != nil || s.StripBrightness != nil ||
		s.YellowFlag != nil || s.Version != "" || len(s.Extra) > 0
}

// Merge overlays the values reported in o.
func (s *DeviceSettings) Merge(o DeviceSettings) {
	if o.Volume != nil {
		s.Volume = o.Volume
	}
	if o.MatrixBrightness != nil {
		s.MatrixBrightness = o.MatrixBrightness
	}
	if o.StripBrightness != nil {
		s.StripBrightness = o.StripBrightness
	}
	if o.YellowFlag != nil {
		s.YellowFlag = o.YellowFlag
	}
	if o.Version != "" {
		s.Version = o.Version
	}
	if o.Time != 0 {
		s.Time = o.Time
	}
	for k, v := range o.Extra {
		if s.Extra == nil {
			s.Extra = map[string]string{}
		}
		s.Extra[k] = v
	}
}

var kvPattern = regexp.MustCompile(`([A-Za-z_]+)\s*[=:]\s*([^\s;,&]+)`)

// ParseSettings reads a settings report in any of the shapes devices
// send: a JSON object, a "SET:k=v;k=v" push, or free text with embedded
// key=value tokens. Unknown keys in the first two shapes land in Extra.
func ParseSettings(data []byte) DeviceSettings {
	var out DeviceSettings
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		var obj map[string]interface{}
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			for k, v := range obj {
				out.set(k, jsonScalar(v), true)
			}
			return out
		}
	case bytes.HasPrefix(trimmed, []byte("SET:")):
		for _, part := range strings.Split(string(trimmed[4:]), ";") {
			k, v, ok := strings.Cut(part, "=")
			if ok {
				out.set(strings.TrimSpace(k), strings.TrimSpace(v), true)
			}
		}
		return out
	}
	for _, m := range kvPattern.FindAllStringSubmatch(string(trimmed), -1) {
		out.set(m[1], m[2], false)
	}
	return out
}

func jsonScalar(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func (s *DeviceSettings) set(key, value string, keepExtra bool) {
	intp := func() *int {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil
		}
		i := int(f)
		return &i
	}
	switch strings.ToLower(key) {
	case "vol", "volume":
		if v := intp(); v != nil {
			s.Volume = v
		}
	case "brt_matrix", "brt_led_matrix":
		if v := intp(); v != nil {
			s.MatrixBrightness = v
		}
	case "brt_strip", "brt_led_strip":
		if v := intp(); v != nil {
			s.StripBrightness = v
		}
	case "yellowflag":
		b := value == "1" || strings.EqualFold(value, "true") || strings.EqualFold(value, "on")
		s.YellowFlag = &b
	case "version", "ver":
		s.Version = value
	case "time":
		if t, err := strconv.ParseInt(value, 10, 64); err == nil {
			s.Time = t
		}
	default:
		if keepExtra && key != "" {
			if s.Extra == nil {
				s.Extra = map[string]string{}
			}
			s.Extra[key] = value
		}
	}
}
