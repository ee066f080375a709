// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"reflect"
	"testing"
)

func TestParseFlat(t *testing.T) {
	cmd, err := ParseFlat([]byte("/add&s=1700000600&d=300&r=0&n=Heat%201"))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Verb != "add" || cmd.HasValue {
		t.Errorf("verb = %q hasValue=%v", cmd.Verb, cmd.HasValue)
	}
	if !reflect.DeepEqual(cmd.Keys, []string{"s", "d", "r", "n"}) {
		t.Errorf("keys = %v", cmd.Keys)
	}
	if cmd.Param("n") != "Heat 1" {
		t.Errorf("n = %q", cmd.Param("n"))
	}
	if s, _ := cmd.IntParam("s"); s != 1700000600 {
		t.Errorf("s = %d", s)
	}
	if _, err := cmd.IntParam("l"); err == nil {
		t.Error("missing param should error")
	}

	cmd, err = ParseFlat([]byte("/vol=20"))
	if err != nil || cmd.Verb != "vol" || cmd.Value != "20" || !cmd.HasValue {
		t.Errorf("vol: %+v %v", cmd, err)
	}
}

func TestParseFlatErrors(t *testing.T) {
	for _, in := range []string{"vol=1", "/", "/add&s", "/add&=3", "/add&s=1&s=2", "/text=%zz"} {
		if _, err := ParseFlat([]byte(in)); err == nil {
			t.Errorf("ParseFlat(%q) should fail", in)
		}
	}
}

func intPtr(i int) *int { return &i }

func TestParseSettingsJSON(t *testing.T) {
	s := ParseSettings([]byte(`{"vol":15,"brt_led_matrix":60,"brt_strip":30,"yellowFlag":true,"version":"2.1","mode":"race"}`))
	if !reflect.DeepEqual(s.Volume, intPtr(15)) || !reflect.DeepEqual(s.MatrixBrightness, intPtr(60)) ||
		!reflect.DeepEqual(s.StripBrightness, intPtr(30)) {
		t.Errorf("numbers: %+v", s)
	}
	if s.YellowFlag == nil || !*s.YellowFlag {
		t.Error("yellowFlag not parsed")
	}
	if s.Version != "2.1" || s.Extra["mode"] != "race" {
		t.Errorf("version/extra: %+v", s)
	}
}

func TestParseSettingsPush(t *testing.T) {
	s := ParseSettings([]byte("SET:vol=3;brt_matrix=10;time=1700000000;ver=1.0"))
	if *s.Volume != 3 || *s.MatrixBrightness != 10 || s.Time != 1700000000 || s.Version != "1.0" {
		t.Errorf("got %+v", s)
	}
}

func TestParseSettingsFreeText(t *testing.T) {
	s := ParseSettings([]byte("Ampel ready, vol=12 brt_strip: 5 time=1700000042"))
	if s.Volume == nil || *s.Volume != 12 {
		t.Errorf("vol = %v", s.Volume)
	}
	if s.StripBrightness == nil || *s.StripBrightness != 5 {
		t.Errorf("strip = %v", s.StripBrightness)
	}
	if s.Time != 1700000042 {
		t.Errorf("time = %d", s.Time)
	}
	if len(s.Extra) != 0 {
		t.Errorf("free text should not collect extras: %v", s.Extra)
	}

	if !ParseSettings([]byte("hello")).Empty() {
		t.Error("plain status should parse to empty settings")
	}
}

func TestSettingsMerge(t *testing.T) {
	base := ParseSettings([]byte(`{"vol":1,"version":"a"}`))
	base.Merge(ParseSettings([]byte("SET:vol=9;brt_strip=4")))
	if *base.Volume != 9 || *base.StripBrightness != 4 || base.Version != "a" {
		t.Errorf("merged %+v", base)
	}
}
