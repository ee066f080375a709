// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Intent is one operator command, independent of wire grammar.
type Intent interface {
	Kind() string
}

// Intent kinds, also used as keys in Profile.Verbs and by the operator API.
const (
	KindSetTime          = "setTime"
	KindManualStart      = "manualStart"
	KindCancel           = "cancel"
	KindSetText          = "setText"
	KindSetVolume        = "setVolume"
	KindSetBrightness    = "setBrightness"
	KindYellowFlag       = "yellowFlag"
	KindClearSchedule    = "clearSchedule"
	KindAddScheduleEntry = "addScheduleEntry"
	KindSetMatrixSpeed   = "setMatrixSpeed"
	KindSetSoundDelay    = "setSoundDelay"
	KindSetVoice         = "setVoice"
	KindSetLapDisplay    = "setLapDisplay"
	KindGreenLight       = "greenLight"
	KindRequestSettings  = "requestSettings"
)

// Brightness targets.
const (
	TargetMatrix = "matrix"
	TargetStrip  = "strip"
)

// Entry is one schedule entry in device form. The JSON keys are the
// chunked transfer format.
type Entry struct {
	Name     string `json:"n"`
	Start    int64  `json:"t"`
	Duration int    `json:"d"`
	DelayMs  int    `json:"dl"`
	Laps     int    `json:"l,omitempty"`
}

type SetTime struct {
	Unix int64 `json:"unix"`
}

// ManualStart starts a race after PreDelay seconds. Duration is in
// seconds. Randomize adds a random extra delay on the device.
type ManualStart struct {
	Duration  int    `json:"duration"`
	PreDelay  int    `json:"preDelay"`
	Randomize bool   `json:"randomize"`
	Name      string `json:"name,omitempty"`
}

type Cancel struct{}

type SetText struct {
	Text string `json:"text"`
}

type SetVolume struct {
	Level int `json:"level"`
}

type SetBrightness struct {
	Target string `json:"target"`
	Level  int    `json:"level"`
}

type YellowFlag struct {
	On bool `json:"on"`
}

type ClearSchedule struct{}

type AddScheduleEntry struct {
	Entry Entry `json:"entry"`
}

type SetMatrixSpeed struct {
	Speed int `json:"speed"`
}

type SetSoundDelay struct {
	Ms int `json:"ms"`
}

type SetVoice struct {
	Track int `json:"track"`
}

type SetLapDisplay struct {
	Lap   int `json:"lap"`
	Total int `json:"total,omitempty"`
}

type GreenLight struct {
	On bool `json:"on"`
}

type RequestSettings struct{}

func (SetTime) Kind() string          { return KindSetTime }
func (ManualStart) Kind() string      { return KindManualStart }
func (Cancel) Kind() string           { return KindCancel }
func (SetText) Kind() string          { return KindSetText }
func (SetVolume) Kind() string        { return KindSetVolume }
func (SetBrightness) Kind() string    { return KindSetBrightness }
func (YellowFlag) Kind() string       { return KindYellowFlag }
func (ClearSchedule) Kind() string    { return KindClearSchedule }
func (AddScheduleEntry) Kind() string { return KindAddScheduleEntry }
func (SetMatrixSpeed) Kind() string   { return KindSetMatrixSpeed }
func (SetSoundDelay) Kind() string    { return KindSetSoundDelay }
func (SetVoice) Kind() string         { return KindSetVoice }
func (SetLapDisplay) Kind() string    { return KindSetLapDisplay }
func (GreenLight) Kind() string       { return KindGreenLight }
func (RequestSettings) Kind() string  { return KindRequestSettings }

// DecodeIntent builds an intent from a JSON object whose "intent" field
// names the kind and whose remaining fields fill the intent struct.
func DecodeIntent(data []byte) (Intent, error) {
	var head struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}

	var in Intent
	var err error
	switch head.Intent {
	case KindSetTime:
		var v SetTime
		err = json.Unmarshal(data, &v)
		in = v
	case KindManualStart:
		var v ManualStart
		err = json.Unmarshal(data, &v)
		in = v
	case KindCancel:
		in = Cancel{}
	case KindSetText:
		var v SetText
		err = json.Unmarshal(data, &v)
		in = v
	case KindSetVolume:
		var v SetVolume
		err = json.Unmarshal(data, &v)
		in = v
	case KindSetBrightness:
		var v SetBrightness
		err = json.Unmarshal(data, &v)
		if err == nil && v.Target != TargetMatrix && v.Target != TargetStrip {
			err = fmt.Errorf("brightness target must be %q or %q", TargetMatrix, TargetStrip)
		}
		in = v
	case KindYellowFlag:
		var v YellowFlag
		err = json.Unmarshal(data, &v)
		in = v
	case KindClearSchedule:
		in = ClearSchedule{}
	case KindAddScheduleEntry:
		var v AddScheduleEntry
		err = json.Unmarshal(data, &v)
		in = v
	case KindSetMatrixSpeed:
		var v SetMatrixSpeed
		err = json.Unmarshal(data, &v)
		in = v
	case KindSetSoundDelay:
		var v SetSoundDelay
		err = json.Unmarshal(data, &v)
		in = v
	case KindSetVoice:
		var v SetVoice
		err = json.Unmarshal(data, &v)
		in = v
	case KindSetLapDisplay:
		var v SetLapDisplay
		err = json.Unmarshal(data, &v)
		in = v
	case KindGreenLight:
		var v GreenLight
		err = json.Unmarshal(data, &v)
		in = v
	case KindRequestSettings:
		in = RequestSettings{}
	case "":
		return nil, fmt.Errorf("decode intent: missing \"intent\" field")
	default:
		return nil, fmt.Errorf("decode intent: unknown intent %q", head.Intent)
	}
	if err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", head.Intent, err)
	}
	return in, nil
}
