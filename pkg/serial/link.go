package serial

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

// Conn is the byte stream under a bridge link. *Port implements it, and
// so does any net.Conn.
type Conn interface {
	io.ReadWriteCloser
}

// Dialer opens the byte stream for one connection attempt.
type Dialer func(ctx context.Context) (Conn, error)

// DialSerial opens a BLE-UART dongle on a serial device.
func DialSerial(device string, baud int) Dialer {
	return func(ctx context.Context) (Conn, error) {
		resolved, err := ResolveDevice(device)
		if err != nil {
			return nil, err
		}
		cfg := DefaultConfig()
		cfg.Device = resolved
		if baud > 0 {
			cfg.BaudRate = baud
		}
		port, err := Open(cfg)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// DialUnix connects to a bridge on a Unix socket.
func DialUnix(path string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		ctx, cancel := withDialTimeout(ctx)
		defer cancel()
		return dialRetry(ctx, "unix", path)
	}
}

// DialTCP connects to a bridge on host:port.
func DialTCP(address string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		ctx, cancel := withDialTimeout(ctx)
		defer cancel()
		return dialRetry(ctx, "tcp", address)
	}
}

func withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultConfig().ConnectTimeout)
}

var channelBytes = map[string]byte{
	protocol.ChannelCmd:      ChannelCmd,
	protocol.ChannelSettings: ChannelSettings,
	protocol.ChannelSchedule: ChannelSchedule,
	protocol.ChannelStatus:   ChannelStatus,
	protocol.ChannelTime:     ChannelTime,
}

// ChannelByte maps a logical channel to its bridge byte.
func ChannelByte(name string) (byte, bool) {
	b, ok := channelBytes[name]
	return b, ok
}

// ChannelName maps a bridge byte back to its logical channel.
func ChannelName(b byte) string {
	for name, v := range channelBytes {
		if v == b&^ChannelRead {
			return name
		}
	}
	return fmt.Sprintf("0x%02x", b)
}

// Hello is the bridge's answer to the host hello on the control channel.
type Hello struct {
	Name     string   `json:"name"`
	Service  bool     `json:"service"`
	Channels []string `json:"channels"`
}

const (
	helloTimeout = 5 * time.Second
	readTimeout  = 2 * time.Second
)

// Link is a transport.Link over the bridge framing. The host opens with
// the service UUID on the control channel; the bridge answers with the
// peripheral it is attached to and the characteristics it resolved.
type Link struct {
	transport.Events

	profile *protocol.Profile
	dial    Dialer
	log     *log.Logger

	mu       sync.Mutex
	conn     Conn
	name     string
	channels []string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	hello     chan []byte
	reads     map[byte]chan []byte

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLink creates a bridge link for one connection attempt.
func NewLink(profile *protocol.Profile, dial Dialer) *Link {
	return &Link{
		profile: profile,
		dial:    dial,
		log:     log.GetLogger("bridge"),
		reads:   make(map[byte]chan []byte),
	}
}

// Connect implements transport.Link.
func (l *Link) Connect(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		l.MarkDisconnected()
		return errors.DeviceNotFoundError(l.profile.NameFilter()).SetContext("cause", err.Error())
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.pendingMu.Lock()
	l.hello = make(chan []byte, 1)
	l.pendingMu.Unlock()

	l.wg.Add(1)
	go l.readLoop(conn)

	if err := l.send(ChannelControl, []byte(l.profile.ServiceUUID)); err != nil {
		l.Close()
		return errors.DeviceNotFoundError(l.profile.NameFilter()).SetContext("cause", err.Error())
	}

	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()
	var raw []byte
	select {
	case raw = <-l.hello:
	case <-timer.C:
		l.Close()
		return errors.DeviceNotFoundError(l.profile.NameFilter())
	case <-l.Disconnected():
		return errors.DeviceNotFoundError(l.profile.NameFilter())
	case <-ctx.Done():
		l.Close()
		return ctx.Err()
	}

	var h Hello
	if err := json.Unmarshal(raw, &h); err != nil {
		l.Close()
		return errors.ServiceUnavailableError(l.profile.ServiceUUID, err)
	}
	if err := l.accept(h); err != nil {
		l.Close()
		return err
	}
	l.log.Info("bridge attached to %s (%v)", h.Name, l.channels)
	return nil
}

func (l *Link) accept(h Hello) error {
	if h.Name == "" || !l.profile.Matches(h.Name) {
		return errors.DeviceNotFoundError(l.profile.NameFilter()).SetContext("advertised", h.Name)
	}
	if !h.Service {
		return errors.ServiceUnavailableError(l.profile.ServiceUUID, nil)
	}
	var resolved []string
	for _, ch := range h.Channels {
		if l.profile.HasChannel(ch) {
			resolved = append(resolved, ch)
		}
	}
	hasCmd := false
	for _, ch := range resolved {
		if ch == protocol.ChannelCmd {
			hasCmd = true
		}
	}
	if !hasCmd {
		return errors.CharacteristicUnavailableError(protocol.ChannelCmd, nil)
	}
	l.mu.Lock()
	l.name = h.Name
	l.channels = resolved
	l.mu.Unlock()
	return nil
}

// Name implements transport.Link.
func (l *Link) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// Channels implements transport.Link.
func (l *Link) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.channels...)
}

func (l *Link) resolved(channel string) (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.channels {
		if ch == channel {
			return channelBytes[channel], nil
		}
	}
	return 0, errors.CharacteristicUnavailableError(channel, nil)
}

// Write implements transport.Link. The bridge does not acknowledge
// writes; a write is complete once the frame is on the wire.
func (l *Link) Write(ctx context.Context, channel string, data []byte) error {
	if l.IsDisconnected() {
		return errors.NotConnectedError("write " + channel)
	}
	b, err := l.resolved(channel)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.send(b, data); err != nil {
		return err
	}
	l.log.Wire("TX", channel, data)
	return nil
}

// Read implements transport.Link.
func (l *Link) Read(ctx context.Context, channel string) ([]byte, error) {
	if l.IsDisconnected() {
		return nil, errors.NotConnectedError("read " + channel)
	}
	b, err := l.resolved(channel)
	if err != nil {
		return nil, err
	}

	reply := make(chan []byte, 1)
	l.pendingMu.Lock()
	l.reads[b] = reply
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		if l.reads[b] == reply {
			delete(l.reads, b)
		}
		l.pendingMu.Unlock()
	}()

	if err := l.send(b|ChannelRead, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()
	select {
	case data := <-reply:
		l.log.Wire("RX", channel, data)
		return data, nil
	case <-timer.C:
		return nil, fmt.Errorf("serial: read %s: %w", channel, ErrTimeout)
	case <-l.Disconnected():
		return nil, errors.NotConnectedError("read " + channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) send(channel byte, payload []byte) error {
	frame, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for len(frame) > 0 {
		n, err := conn.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

func (l *Link) readLoop(conn Conn) {
	defer l.wg.Done()
	defer l.shutdown()

	var dec Decoder
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if stderrors.Is(err, ErrTimeout) {
				continue
			}
			if !l.IsDisconnected() && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, ErrClosed) {
				l.log.Warn("bridge read failed: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		for _, f := range dec.Feed(buf[:n]) {
			l.dispatch(f)
		}
	}
}

func (l *Link) dispatch(f Frame) {
	switch {
	case f.Channel == ChannelControl:
		l.pendingMu.Lock()
		ch := l.hello
		l.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- f.Payload:
			default:
			}
		}
	case f.Channel&ChannelRead != 0:
		l.pendingMu.Lock()
		ch := l.reads[f.Channel&^ChannelRead]
		l.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- f.Payload:
			default:
			}
		}
	default:
		name := ChannelName(f.Channel)
		l.log.Wire("RX", name, f.Payload)
		l.Notify(name, f.Payload)
	}
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.MarkDisconnected()
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// Close implements transport.Link.
func (l *Link) Close() error {
	l.shutdown()
	l.wg.Wait()
	return nil
}
