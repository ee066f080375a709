// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
)

func allIntents() []Intent {
	return []Intent{
		SetTime{Unix: 1700000000},
		ManualStart{Duration: 300, PreDelay: 10},
		ManualStart{Duration: 120, PreDelay: 5, Randomize: true, Name: "Finale"},
		Cancel{},
		SetText{Text: "Lauf 3 & Finale = Spaß"},
		SetVolume{Level: 20},
		SetBrightness{Target: TargetMatrix, Level: 80},
		SetBrightness{Target: TargetStrip, Level: 40},
		YellowFlag{On: true},
		YellowFlag{On: false},
		ClearSchedule{},
		AddScheduleEntry{Entry: Entry{Name: "Qualifying A", Start: 1700000600, Duration: 300, DelayMs: 5000}},
		AddScheduleEntry{Entry: Entry{Name: "Final", Start: 1700001200, Laps: 12}},
		SetMatrixSpeed{Speed: 3},
		SetSoundDelay{Ms: 150},
		SetVoice{Track: 2},
		SetLapDisplay{Lap: 4},
		GreenLight{On: true},
		GreenLight{On: false},
		RequestSettings{},
	}
}

func TestFlatGrammarRoundTrip(t *testing.T) {
	p := DriftAmpel()
	for _, in := range allIntents() {
		out, err := Encode(p, in)
		if err != nil {
			t.Fatalf("Encode(%T): %v", in, err)
		}
		if out.Channel != ChannelCmd {
			t.Errorf("%T: channel = %s", in, out.Channel)
		}
		if _, err := ParseFlat(out.Data); err != nil {
			t.Errorf("%T: %q does not parse: %v", in, out.Data, err)
		}
	}
}

func TestJSONGrammarRoundTrip(t *testing.T) {
	p := AmpelJSON()
	p.RawTimeChannel = false
	valid := map[string]bool{"sync": true, "start": true, "config": true, "clear": true}
	for _, in := range allIntents() {
		out, err := Encode(p, in)
		if err != nil {
			t.Fatalf("Encode(%T): %v", in, err)
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(out.Data, &obj); err != nil {
			t.Errorf("%T: %q is not JSON: %v", in, out.Data, err)
			continue
		}
		if cmd, _ := obj["cmd"].(string); !valid[cmd] {
			t.Errorf("%T: unexpected cmd %v", in, obj["cmd"])
		}
	}
}

func TestFlatEncodings(t *testing.T) {
	p := DriftAmpel()
	tests := []struct {
		in   Intent
		want string
	}{
		{SetTime{Unix: 1700000000}, "/setTime=1700000000"},
		{ManualStart{Duration: 300, PreDelay: 10}, "/mStart&dur=300&preT=10"},
		{ManualStart{Duration: 60, PreDelay: 3, Randomize: true}, "/rndStart&dur=60&preT=3&rnd=3000"},
		{Cancel{}, "/cancel"},
		{SetText{Text: "A&B=C ü"}, "/text=A%26B%3DC%20%C3%BC"},
		{SetVolume{Level: 25}, "/vol=25"},
		{SetBrightness{Target: TargetStrip, Level: 9}, "/brt_strip=9"},
		{YellowFlag{On: true}, "/yellowFlagOn"},
		{ClearSchedule{}, "/clear"},
		{AddScheduleEntry{Entry: Entry{Name: "Heat 1", Start: 1700000600, Duration: 300, DelayMs: 5000}},
			"/add&s=1700000600&d=300&r=5000&n=Heat%201"},
		{AddScheduleEntry{Entry: Entry{Name: "F", Start: 10, Laps: 12}}, "/add&s=10&d=0&r=0&n=F&l=12"},
		{GreenLight{On: false}, "/greenOff5"},
		{RequestSettings{}, "/getSettings"},
	}
	for _, tt := range tests {
		out, err := Encode(p, tt.in)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", tt.in, err)
		}
		if string(out.Data) != tt.want {
			t.Errorf("Encode(%+v) = %q, want %q", tt.in, out.Data, tt.want)
		}
	}
}

func TestFlatTextSurvivesDeviceParser(t *testing.T) {
	p := DriftAmpel()
	text := "Lauf 3 & Finale = Spaß"
	out, _ := Encode(p, SetText{Text: text})
	cmd, err := ParseFlat(out.Data)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Verb != "text" || cmd.Value != text {
		t.Errorf("parsed %+v, want text %q", cmd, text)
	}
}

func TestVerbOverride(t *testing.T) {
	p := DriftAmpel()
	p.Verbs["text"] = "ledText"
	p.Verbs["brt_matrix"] = "brt_led_matrix"
	out, _ := Encode(p, SetText{Text: "hi"})
	if string(out.Data) != "/ledText=hi" {
		t.Errorf("got %q", out.Data)
	}
	out, _ = Encode(p, SetBrightness{Target: TargetMatrix, Level: 1})
	if string(out.Data) != "/brt_led_matrix=1" {
		t.Errorf("got %q", out.Data)
	}
}

func TestJSONEncodings(t *testing.T) {
	p := AmpelJSON()
	tests := []struct {
		in      Intent
		channel string
		want    string
	}{
		{Cancel{}, ChannelCmd, `{"cmd":"start","type":"cancel"}`},
		{ManualStart{Duration: 300, PreDelay: 10}, ChannelCmd, `{"cmd":"start","type":"man","time":10,"dur":300,"rnd":0}`},
		{ManualStart{Duration: 300, PreDelay: 0, Randomize: true}, ChannelCmd, `{"cmd":"start","type":"man","time":0,"dur":300,"rnd":3000}`},
		{AddScheduleEntry{Entry: Entry{Name: "Qualifying Heat One", Start: 1700000600, Duration: 300, DelayMs: 2000}}, ChannelCmd,
			`{"cmd":"start","type":"auto","time":1700000600,"dur":300,"rnd":2000,"name":"Qualifying Heat"}`},
		{ClearSchedule{}, ChannelCmd, `{"cmd":"clear"}`},
		{SetVolume{Level: 7}, ChannelSettings, `{"cmd":"config","vol":7}`},
		{YellowFlag{On: true}, ChannelSettings, `{"cmd":"config","yellowFlag":true}`},
		{SetText{Text: "Grüße!"}, ChannelSettings, `{"cmd":"config","text":"Grue"}`},
		{RequestSettings{}, ChannelSettings, `{"cmd":"config"}`},
	}
	for _, tt := range tests {
		out, err := Encode(p, tt.in)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", tt.in, err)
		}
		if out.Channel != tt.channel || string(out.Data) != tt.want {
			t.Errorf("Encode(%+v) = %s %s, want %s %s", tt.in, out.Channel, out.Data, tt.channel, tt.want)
		}
	}
}

func TestRawTimeChannel(t *testing.T) {
	p := AmpelJSON()
	out, err := Encode(p, SetTime{Unix: 1700000000})
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != ChannelTime || len(out.Data) != 4 {
		t.Fatalf("got %s %x", out.Channel, out.Data)
	}
	if got := binary.LittleEndian.Uint32(out.Data); got != 1700000000 {
		t.Errorf("decoded %d", got)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	p := DriftAmpel()
	_, err := Encode(p, SetText{Text: strings.Repeat("x", 300)})
	if !errors.Is(err, errors.ErrPayloadTooLarge) {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestLongEntryNameIsShortened(t *testing.T) {
	p := DriftAmpel()
	name := strings.Repeat("€", 30)
	out, err := Encode(p, AddScheduleEntry{Entry: Entry{Name: name, Start: 1700000600, Duration: 300, Laps: 12}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(out.Data) > p.MaxWriteSize {
		t.Fatalf("%d bytes, limit %d", len(out.Data), p.MaxWriteSize)
	}
	cmd, err := ParseFlat(out.Data)
	if err != nil {
		t.Fatal(err)
	}
	got := cmd.Param("n")
	if got == "" || len(got) >= len(name) || !strings.HasPrefix(name, got) {
		t.Errorf("name = %q", got)
	}
	if cmd.Param("l") != "12" {
		t.Errorf("laps dropped: %v", cmd.Params)
	}

	short, err := Encode(p, AddScheduleEntry{Entry: Entry{Name: "Heat 1", Start: 1700000600, Duration: 300}})
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := ParseFlat(short.Data); c.Param("n") != "Heat 1" {
		t.Errorf("short name altered: %q", c.Param("n"))
	}
}

type bogus struct{}

func (bogus) Kind() string { return "bogus" }

func TestUnknownIntent(t *testing.T) {
	if _, err := Encode(DriftAmpel(), bogus{}); !errors.Is(err, errors.ErrUnknownIntent) {
		t.Errorf("flat: %v", err)
	}
	if _, err := Encode(AmpelJSON(), bogus{}); !errors.Is(err, errors.ErrUnknownIntent) {
		t.Errorf("json: %v", err)
	}
}

func TestChunkPayloads(t *testing.T) {
	p := AmpelJSON()
	body := []byte(strings.Repeat("a", 250))
	frames := ChunkPayloads(p, body)
	if len(frames) != 5 {
		t.Fatalf("got %d frames", len(frames))
	}
	if string(frames[0].Data) != "RESET" || string(frames[4].Data) != "PARSE" {
		t.Errorf("framing = %s ... %s", frames[0].Data, frames[4].Data)
	}
	var joined []byte
	for _, f := range frames[1:4] {
		if len(f.Data) > p.ChunkSize {
			t.Errorf("chunk of %d bytes", len(f.Data))
		}
		if f.Channel != ChannelSchedule || f.Settle != p.ChunkDelay {
			t.Errorf("chunk %+v", f)
		}
		joined = append(joined, f.Data...)
	}
	if string(joined) != string(body) {
		t.Error("chunks do not reassemble the body")
	}

	empty := ChunkPayloads(p, nil)
	if len(empty) != 2 {
		t.Errorf("empty body should be RESET+PARSE, got %d frames", len(empty))
	}
}

func TestEncodeEntries(t *testing.T) {
	data, err := EncodeEntries([]Entry{{Name: "A", Start: 1, Duration: 2, DelayMs: 3}, {Name: "B", Start: 4, Laps: 5}})
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"n":"A","t":1,"d":2,"dl":3},{"n":"B","t":4,"d":0,"dl":0,"l":5}]`
	if string(data) != want {
		t.Errorf("got %s", data)
	}
	if data, _ := EncodeEntries(nil); string(data) != "[]" {
		t.Errorf("nil entries = %s", data)
	}
}

func TestDecodeIntent(t *testing.T) {
	in, err := DecodeIntent([]byte(`{"intent":"manualStart","duration":90,"preDelay":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if ms, ok := in.(ManualStart); !ok || ms.Duration != 90 || ms.PreDelay != 5 {
		t.Errorf("got %#v", in)
	}
	if _, err := DecodeIntent([]byte(`{"intent":"setBrightness","target":"roof","level":1}`)); err == nil {
		t.Error("bad target should fail")
	}
	if _, err := DecodeIntent([]byte(`{"intent":"explode"}`)); err == nil {
		t.Error("unknown intent should fail")
	}
	if _, err := DecodeIntent([]byte(`{}`)); err == nil {
		t.Error("missing intent should fail")
	}
}
