// Command serialization for both device generations
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
)

// Payload is one transport write.
type Payload struct {
	Channel string
	Data    []byte
	// Settle overrides the profile settle delay after this write when
	// non-zero. Chunked uploads use it for inter-chunk pacing.
	Settle time.Duration
}

func (p Payload) String() string {
	return p.Channel + ":" + string(p.Data)
}

// Encode turns an intent into exactly one payload in the profile's
// grammar. It performs no I/O.
func Encode(p *Profile, in Intent) (Payload, error) {
	if st, ok := in.(SetTime); ok && p.RawTimeChannel {
		return checkSize(p, Payload{Channel: ChannelTime, Data: RawTime(st.Unix)})
	}
	var out Payload
	var err error
	switch p.Generation {
	case GenerationJSON:
		out, err = encodeJSON(p, in)
	default:
		out, err = encodeFlat(p, in)
	}
	if err != nil {
		return Payload{}, err
	}
	return checkSize(p, out)
}

func checkSize(p *Profile, out Payload) (Payload, error) {
	if p.MaxWriteSize > 0 && len(out.Data) > p.MaxWriteSize {
		return Payload{}, errors.PayloadTooLargeError(len(out.Data), p.MaxWriteSize)
	}
	return out, nil
}

// RawTime encodes a Unix timestamp as 4 little-endian bytes.
func RawTime(unix int64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(unix))
	return b
}

// flat builds "/verb", "/verb=value" or "/verb&k=v&k=v".
type flat struct {
	sb strings.Builder
}

func newFlat(verb string) *flat {
	f := &flat{}
	f.sb.WriteByte('/')
	f.sb.WriteString(verb)
	return f
}

func (f *flat) value(v string) *flat {
	f.sb.WriteByte('=')
	f.sb.WriteString(v)
	return f
}

func (f *flat) param(k, v string) *flat {
	f.sb.WriteByte('&')
	f.sb.WriteString(k)
	f.sb.WriteByte('=')
	f.sb.WriteString(v)
	return f
}

func (f *flat) payload() Payload {
	return Payload{Channel: ChannelCmd, Data: []byte(f.sb.String())}
}

func itoa(i int) string { return strconv.Itoa(i) }

func encodeFlat(p *Profile, in Intent) (Payload, error) {
	v := p.Verb
	switch c := in.(type) {
	case SetTime:
		return newFlat(v("setTime")).value(strconv.FormatInt(c.Unix, 10)).payload(), nil
	case ManualStart:
		if c.Randomize {
			return newFlat(v("rndStart")).
				param("dur", itoa(c.Duration)).
				param("preT", itoa(c.PreDelay)).
				param("rnd", itoa(p.RandomStartMaxMs)).payload(), nil
		}
		return newFlat(v("mStart")).
			param("dur", itoa(c.Duration)).
			param("preT", itoa(c.PreDelay)).payload(), nil
	case Cancel:
		return newFlat(v("cancel")).payload(), nil
	case SetText:
		return newFlat(v("text")).value(p.flatText(c.Text)).payload(), nil
	case SetVolume:
		return newFlat(v("vol")).value(itoa(c.Level)).payload(), nil
	case SetBrightness:
		verb := "brt_matrix"
		if c.Target == TargetStrip {
			verb = "brt_strip"
		}
		return newFlat(v(verb)).value(itoa(c.Level)).payload(), nil
	case YellowFlag:
		if c.On {
			return newFlat(v("yellowFlagOn")).payload(), nil
		}
		return newFlat(v("yellowFlagOff")).payload(), nil
	case ClearSchedule:
		return newFlat(v("clear")).payload(), nil
	case AddScheduleEntry:
		return flatEntry(p, c.Entry), nil
	case SetMatrixSpeed:
		return newFlat(v("matrixSpeed")).value(itoa(c.Speed)).payload(), nil
	case SetSoundDelay:
		return newFlat(v("soundDelay")).value(itoa(c.Ms)).payload(), nil
	case SetVoice:
		return newFlat(v("voice")).value(itoa(c.Track)).payload(), nil
	case SetLapDisplay:
		return newFlat(v("lapDisp")).value(itoa(c.Lap)).payload(), nil
	case GreenLight:
		if c.On {
			return newFlat(v("greenOn")).payload(), nil
		}
		return newFlat(v("greenOff5")).payload(), nil
	case RequestSettings:
		return newFlat(v("getSettings")).payload(), nil
	}
	return Payload{}, errors.UnknownIntentError(in.Kind())
}

// flatEntry encodes an "add" command. A name whose escaped form would push
// the command past MaxWriteSize is shortened rune by rune until it fits.
func flatEntry(p *Profile, e Entry) Payload {
	name := []rune(p.CleanName(e.Name))
	for {
		f := newFlat(p.Verb("add")).
			param("s", strconv.FormatInt(e.Start, 10)).
			param("d", itoa(e.Duration)).
			param("r", itoa(e.DelayMs)).
			param("n", p.flatText(string(name)))
		if e.Laps > 0 {
			f.param("l", itoa(e.Laps))
		}
		out := f.payload()
		if p.MaxWriteSize <= 0 || len(out.Data) <= p.MaxWriteSize || len(name) == 0 {
			return out
		}
		name = name[:len(name)-1]
	}
}

// startCmd is the JSON "start" command. Field order is the wire order.
type startCmd struct {
	Cmd  string `json:"cmd"`
	Type string `json:"type"`
	Time *int64 `json:"time,omitempty"`
	Dur  *int   `json:"dur,omitempty"`
	Rnd  *int   `json:"rnd,omitempty"`
	Name string `json:"name,omitempty"`
	Laps int    `json:"laps,omitempty"`
}

type syncCmd struct {
	Cmd  string `json:"cmd"`
	Time int64  `json:"time"`
}

func encodeJSON(p *Profile, in Intent) (Payload, error) {
	configCh := ChannelCmd
	if p.HasChannel(ChannelSettings) {
		configCh = ChannelSettings
	}
	config := func(field string, value interface{}) (Payload, error) {
		obj := map[string]interface{}{"cmd": "config"}
		if field != "" {
			obj[field] = value
		}
		return marshal(configCh, obj)
	}

	switch c := in.(type) {
	case SetTime:
		return marshal(ChannelCmd, syncCmd{Cmd: "sync", Time: c.Unix})
	case ManualStart:
		pre := int64(c.PreDelay)
		dur := c.Duration
		rnd := 0
		if c.Randomize {
			rnd = p.RandomStartMaxMs
		}
		return marshal(ChannelCmd, startCmd{
			Cmd: "start", Type: "man",
			Time: &pre, Dur: &dur, Rnd: &rnd,
			Name: p.CleanName(c.Name),
		})
	case Cancel:
		return marshal(ChannelCmd, startCmd{Cmd: "start", Type: "cancel"})
	case AddScheduleEntry:
		e := c.Entry
		start := e.Start
		dur := e.Duration
		rnd := e.DelayMs
		return marshal(ChannelCmd, startCmd{
			Cmd: "start", Type: "auto",
			Time: &start, Dur: &dur, Rnd: &rnd,
			Name: p.CleanName(e.Name),
			Laps: e.Laps,
		})
	case ClearSchedule:
		return marshal(ChannelCmd, map[string]string{"cmd": "clear"})
	case SetText:
		return config("text", p.jsonText(c.Text))
	case SetVolume:
		return config("vol", c.Level)
	case SetBrightness:
		if c.Target == TargetStrip {
			return config("brt_strip", c.Level)
		}
		return config("brt_matrix", c.Level)
	case YellowFlag:
		return config("yellowFlag", c.On)
	case SetMatrixSpeed:
		return config("matrixSpeed", c.Speed)
	case SetSoundDelay:
		return config("soundDelay", c.Ms)
	case SetVoice:
		return config("voice", c.Track)
	case SetLapDisplay:
		return config("lapDisp", c.Lap)
	case GreenLight:
		return config("green", c.On)
	case RequestSettings:
		return config("", nil)
	}
	return Payload{}, errors.UnknownIntentError(in.Kind())
}

func marshal(channel string, v interface{}) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Channel: channel, Data: data}, nil
}

// EncodeEntries is the chunked-transfer body: the JSON array of entries.
func EncodeEntries(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Frames for the chunked schedule transfer.
var (
	FrameReset = []byte("RESET")
	FrameParse = []byte("PARSE")
)

// ChunkPayloads splits an encoded schedule into RESET, data chunks of at
// most p.ChunkSize bytes, and PARSE, all on the schedule channel.
func ChunkPayloads(p *Profile, body []byte) []Payload {
	out := make([]Payload, 0, len(body)/p.ChunkSize+3)
	out = append(out, Payload{Channel: ChannelSchedule, Data: FrameReset, Settle: p.ChunkDelay})
	for off := 0; off < len(body); off += p.ChunkSize {
		end := off + p.ChunkSize
		if end > len(body) {
			end = len(body)
		}
		out = append(out, Payload{Channel: ChannelSchedule, Data: body[off:end], Settle: p.ChunkDelay})
	}
	out = append(out, Payload{Channel: ChannelSchedule, Data: FrameParse})
	return out
}
