package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/serial"
)

const firmwareVersion = "sim-1.4"

// Simulator is one start light behind a BLE-UART bridge. It speaks the
// bridge framing on one connection at a time.
type Simulator struct {
	profile *protocol.Profile
	name    string
	log     *log.Logger
	verbs   map[string]string

	// Now is the host clock; the device clock is Now plus offset.
	Now func() time.Time

	mu       sync.Mutex
	conn     io.Writer
	writeMu  sync.Mutex
	offset   time.Duration
	volume   int
	matrix   int
	strip    int
	yellow   bool
	text     string
	lap      int
	entries  []protocol.Entry
	fired    map[int]bool
	chunk    bytes.Buffer
	timers   []*time.Timer
	received []string
}

// NewSimulator creates a device for profile p. skew is the initial
// error of the device clock.
func NewSimulator(p *protocol.Profile, skew time.Duration) *Simulator {
	name := p.DeviceName
	if name == "" {
		name = p.NamePrefix + "-Sim"
	}
	verbs := make(map[string]string)
	for _, v := range []string{"setTime", "mStart", "rndStart", "cancel", "text", "vol", "brt_matrix",
		"brt_strip", "yellowFlagOn", "yellowFlagOff", "clear", "add", "matrixSpeed", "soundDelay",
		"voice", "lapDisp", "greenOn", "greenOff5", "getSettings"} {
		verbs[p.Verb(v)] = v
	}
	return &Simulator{
		profile: p,
		name:    name,
		log:     log.GetLogger("mock-ampel"),
		verbs:   verbs,
		Now:     time.Now,
		offset:  skew,
		volume:  20,
		matrix:  50,
		strip:   80,
		fired:   make(map[int]bool),
	}
}

func (s *Simulator) deviceNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Now().Add(s.offset)
}

// Serve handles one bridge connection until it fails or closes.
func (s *Simulator) Serve(conn io.ReadWriteCloser) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	if !s.profile.HostTrigger {
		go s.scheduler(done)
	}

	var dec serial.Decoder
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		for _, f := range dec.Feed(buf[:n]) {
			s.handleFrame(f)
		}
	}
}

func (s *Simulator) send(channel byte, payload []byte) {
	frame, err := serial.EncodeFrame(channel, payload)
	if err != nil {
		s.log.Warn("reply dropped: %v", err)
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		s.log.Debug("write failed: %v", err)
	}
}

// status pushes a line on the status characteristic.
func (s *Simulator) status(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	s.log.Wire("tx", protocol.ChannelStatus, []byte(line))
	s.send(serial.ChannelStatus, []byte(line))
}

func (s *Simulator) handleFrame(f serial.Frame) {
	switch {
	case f.Channel == serial.ChannelControl:
		s.hello(string(f.Payload))
	case f.Channel&serial.ChannelRead != 0:
		s.read(f.Channel &^ serial.ChannelRead)
	default:
		name := serial.ChannelName(f.Channel)
		s.log.Wire("rx", name, f.Payload)
		s.mu.Lock()
		s.received = append(s.received, name+":"+string(f.Payload))
		s.mu.Unlock()
		switch name {
		case protocol.ChannelCmd, protocol.ChannelSettings:
			if s.profile.Generation == protocol.GenerationJSON {
				s.handleJSON(f.Payload)
			} else {
				s.handleFlat(f.Payload)
			}
		case protocol.ChannelSchedule:
			s.handleChunk(f.Payload)
		case protocol.ChannelTime:
			if len(f.Payload) == 4 {
				s.setClock(int64(binary.LittleEndian.Uint32(f.Payload)))
			}
		}
	}
}

func (s *Simulator) hello(service string) {
	channels := make([]string, 0, len(s.profile.Channels))
	for ch := range s.profile.Channels {
		channels = append(channels, ch)
	}
	h := serial.Hello{
		Name:     s.name,
		Service:  strings.EqualFold(service, s.profile.ServiceUUID),
		Channels: channels,
	}
	data, _ := json.Marshal(h)
	s.log.Info("host attached, service match %v", h.Service)
	s.send(serial.ChannelControl, data)
}

func (s *Simulator) read(ch byte) {
	var data []byte
	switch serial.ChannelName(ch) {
	case protocol.ChannelSettings:
		data = s.settingsJSON()
	case protocol.ChannelStatus:
		s.mu.Lock()
		data = []byte(s.text)
		s.mu.Unlock()
	}
	s.send(ch|serial.ChannelRead, data)
}

func (s *Simulator) setClock(unix int64) {
	s.mu.Lock()
	s.offset = time.Unix(unix, 0).Sub(s.Now())
	s.mu.Unlock()
	s.status("SYNC OK time=%d", unix)
}

func (s *Simulator) settingsJSON() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(map[string]interface{}{
		"vol":        s.volume,
		"brt_matrix": s.matrix,
		"brt_strip":  s.strip,
		"yellowFlag": s.yellow,
		"ver":        firmwareVersion,
		"time":       s.Now().Add(s.offset).Unix(),
	})
	return data
}

func (s *Simulator) reportSettings() {
	if s.profile.Generation == protocol.GenerationJSON {
		data := s.settingsJSON()
		s.log.Wire("tx", protocol.ChannelStatus, data)
		s.send(serial.ChannelStatus, data)
		return
	}
	s.mu.Lock()
	yf := 0
	if s.yellow {
		yf = 1
	}
	line := fmt.Sprintf("SET:vol=%d;brt_matrix=%d;brt_strip=%d;yellowFlag=%d;ver=%s;time=%d",
		s.volume, s.matrix, s.strip, yf, firmwareVersion, s.Now().Add(s.offset).Unix())
	s.mu.Unlock()
	s.status("%s", line)
}

func (s *Simulator) handleFlat(data []byte) {
	cmd, err := protocol.ParseFlat(data)
	if err != nil {
		s.status("ERR %v", err)
		return
	}
	verb, ok := s.verbs[cmd.Verb]
	if !ok {
		s.status("ERR unknown command %s", cmd.Verb)
		return
	}
	num := func() int {
		n, _ := strconv.Atoi(cmd.Value)
		return n
	}
	param := func(k string) int {
		n, _ := cmd.IntParam(k)
		return int(n)
	}

	switch verb {
	case "setTime":
		t, err := strconv.ParseInt(cmd.Value, 10, 64)
		if err != nil {
			s.status("ERR bad time %q", cmd.Value)
			return
		}
		s.setClock(t)
	case "mStart":
		s.startRace("", param("dur"), param("preT"), 0)
	case "rndStart":
		s.startRace("", param("dur"), param("preT"), param("rnd"))
	case "cancel":
		s.cancelRace()
	case "text":
		s.setText(cmd.Value)
	case "vol":
		s.setSetting(&s.volume, num())
	case "brt_matrix":
		s.setSetting(&s.matrix, num())
	case "brt_strip":
		s.setSetting(&s.strip, num())
	case "yellowFlagOn", "yellowFlagOff":
		s.mu.Lock()
		s.yellow = verb == "yellowFlagOn"
		s.mu.Unlock()
		s.reportSettings()
	case "clear":
		s.mu.Lock()
		s.entries = nil
		s.fired = make(map[int]bool)
		s.mu.Unlock()
		s.status("SCHEDULE cleared")
	case "add":
		e := protocol.Entry{Name: cmd.Param("n"), Duration: param("d"), DelayMs: param("r"), Laps: param("l")}
		start, _ := cmd.IntParam("s")
		e.Start = start
		s.mu.Lock()
		s.entries = append(s.entries, e)
		n := len(s.entries)
		s.mu.Unlock()
		s.status("SCHEDULE %d entries", n)
	case "lapDisp":
		s.mu.Lock()
		s.lap = num()
		s.mu.Unlock()
		s.status("LAP %d", num())
	case "getSettings":
		s.reportSettings()
	default:
		s.status("OK %s", verb)
	}
}

// jsonCmd is the union of the JSON command shapes.
type jsonCmd struct {
	Cmd  string `json:"cmd"`
	Type string `json:"type"`
	Time *int64 `json:"time"`
	Dur  int    `json:"dur"`
	Rnd  int    `json:"rnd"`
	Name string `json:"name"`
	Laps int    `json:"laps"`

	Text       *string `json:"text"`
	Vol        *int    `json:"vol"`
	BrtMatrix  *int    `json:"brt_matrix"`
	BrtStrip   *int    `json:"brt_strip"`
	YellowFlag *bool   `json:"yellowFlag"`
	LapDisp    *int    `json:"lapDisp"`
}

func (s *Simulator) handleJSON(data []byte) {
	var c jsonCmd
	if err := json.Unmarshal(data, &c); err != nil {
		s.status("ERR %v", err)
		return
	}
	switch c.Cmd {
	case "sync":
		if c.Time != nil {
			s.setClock(*c.Time)
		}
	case "start":
		switch c.Type {
		case "cancel":
			s.cancelRace()
		case "man":
			pre := 0
			if c.Time != nil {
				pre = int(*c.Time)
			}
			s.startRace(c.Name, c.Dur, pre, c.Rnd)
		case "auto":
			if c.Time == nil {
				s.status("ERR auto start without time")
				return
			}
			s.mu.Lock()
			s.entries = append(s.entries, protocol.Entry{Name: c.Name, Start: *c.Time, Duration: c.Dur, DelayMs: c.Rnd, Laps: c.Laps})
			s.mu.Unlock()
			s.status("SCHEDULE added %s", c.Name)
		default:
			s.status("ERR unknown start type %q", c.Type)
		}
	case "clear":
		s.mu.Lock()
		s.entries = nil
		s.fired = make(map[int]bool)
		s.mu.Unlock()
		s.status("SCHEDULE cleared")
	case "config":
		s.mu.Lock()
		if c.Vol != nil {
			s.volume = *c.Vol
		}
		if c.BrtMatrix != nil {
			s.matrix = *c.BrtMatrix
		}
		if c.BrtStrip != nil {
			s.strip = *c.BrtStrip
		}
		if c.YellowFlag != nil {
			s.yellow = *c.YellowFlag
		}
		if c.LapDisp != nil {
			s.lap = *c.LapDisp
		}
		s.mu.Unlock()
		if c.Text != nil {
			s.setText(*c.Text)
			return
		}
		s.reportSettings()
	default:
		s.status("ERR unknown cmd %q", c.Cmd)
	}
}

func (s *Simulator) handleChunk(data []byte) {
	switch {
	case bytes.Equal(data, protocol.FrameReset):
		s.mu.Lock()
		s.chunk.Reset()
		s.mu.Unlock()
	case bytes.Equal(data, protocol.FrameParse):
		s.mu.Lock()
		var entries []protocol.Entry
		err := json.Unmarshal(s.chunk.Bytes(), &entries)
		if err == nil {
			s.entries = entries
			s.fired = make(map[int]bool)
		}
		s.chunk.Reset()
		s.mu.Unlock()
		if err != nil {
			s.status("ERR schedule parse: %v", err)
			return
		}
		s.status("SCHEDULE %d entries", len(entries))
	default:
		s.mu.Lock()
		s.chunk.Write(data)
		s.mu.Unlock()
	}
}

func (s *Simulator) setSetting(dst *int, v int) {
	s.mu.Lock()
	*dst = v
	s.mu.Unlock()
	s.reportSettings()
}

func (s *Simulator) setText(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
	s.status("TEXT %s", text)
}

// startRace runs the countdown, the green light and, for timed races,
// the finish.
func (s *Simulator) startRace(name string, dur, pre, rndMs int) {
	s.cancelTimers()
	if name != "" {
		s.setText(name)
	}
	s.status("COUNTDOWN %d", pre)

	goAfter := time.Duration(pre)*time.Second + time.Duration(rndMs/2)*time.Millisecond
	timers := []*time.Timer{time.AfterFunc(goAfter, func() { s.status("GO") })}
	if dur > 0 {
		timers = append(timers, time.AfterFunc(goAfter+time.Duration(dur)*time.Second, func() { s.status("FINISH") }))
	}
	s.mu.Lock()
	s.timers = timers
	s.mu.Unlock()
}

func (s *Simulator) cancelTimers() {
	s.mu.Lock()
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (s *Simulator) cancelRace() {
	s.cancelTimers()
	s.status("CANCELLED")
}

// scheduler fires uploaded entries on the device clock.
func (s *Simulator) scheduler(done <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.fireDue()
		case <-done:
			return
		}
	}
}

func (s *Simulator) fireDue() {
	now := s.deviceNow().Unix()
	s.mu.Lock()
	var due []protocol.Entry
	for i, e := range s.entries {
		if !s.fired[i] && now >= e.Start {
			s.fired[i] = true
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	for _, e := range due {
		s.log.WithField("race", e.Name).Info("scheduled start")
		s.startRace(e.Name, e.Duration, 0, e.DelayMs)
	}
}

// Received lists the frames the host wrote, as "channel:payload".
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Entries returns the stored schedule.
func (s *Simulator) Entries() []protocol.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Entry(nil), s.entries...)
}
