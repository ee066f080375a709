// Package serial carries the device link over a BLE-UART bridge: a USB
// dongle on a tty, a Unix socket or a TCP endpoint such as mock-ampel.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

var (
	ErrNotConnected = errors.New("serial: not connected")
	ErrTimeout      = errors.New("serial: operation timed out")
	ErrClosed       = errors.New("serial: port closed")
	ErrNoBridge     = errors.New("serial: no bridge dongle found")
)

// AutoDevice asks DialSerial to pick the first USB-UART dongle.
const AutoDevice = "auto"

// Config holds the tty settings for a bridge dongle.
type Config struct {
	Device         string
	BaudRate       int
	ConnectTimeout time.Duration
	// ReadTimeout bounds one poll so the read loop notices Close.
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings of the stock bridge firmware.
func DefaultConfig() Config {
	return Config{
		BaudRate:       115200,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    100 * time.Millisecond,
	}
}

var standardSpeeds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// Port is a raw tty opened for the bridge.
type Port struct {
	mu      sync.Mutex
	fd      int
	device  string
	timeout time.Duration
	closed  bool
	saved   *unix.Termios
}

// Open puts the tty in raw 8N1 mode at the configured rate.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	def := DefaultConfig()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	fail := func(step string, err error) (*Port, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: %s %s: %w", step, cfg.Device, err)
	}

	saved, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fail("get termios", err)
	}
	t := *saved
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	custom, err := setSpeed(&t, cfg.BaudRate)
	if err != nil {
		return fail("baud", err)
	}
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		return fail("set termios", err)
	}
	if custom {
		if err := setCustomSpeed(fd, cfg.BaudRate); err != nil {
			return fail("custom baud", err)
		}
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return fail("set blocking", err)
	}
	return &Port{fd: fd, device: cfg.Device, timeout: cfg.ReadTimeout, saved: saved}, nil
}

// Read waits at most the read timeout for data and returns ErrTimeout
// when none arrived.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd, timeout := p.fd, p.timeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	switch {
	case errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("serial: poll: %w", err)
	case n == 0:
		return 0, ErrTimeout
	case pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
		// Dongle unplugged.
		return 0, io.EOF
	}
	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Close restores the saved tty settings and closes the descriptor.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.saved != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.saved)
	}
	return unix.Close(p.fd)
}

// Device returns the tty path.
func (p *Port) Device() string { return p.device }

// dongleHints rank USB-UART chips used by BLE bridge dongles.
var dongleHints = []string{"cp210", "slab", "ch34", "wch", "ftdi", "ttyusb", "usbserial"}

func dongleRank(path string) int {
	lower := strings.ToLower(path)
	for i, h := range dongleHints {
		if strings.Contains(lower, h) {
			return i
		}
	}
	return len(dongleHints)
}

// FindBridge lists candidate dongles, most likely first, with symlinks
// resolved and duplicates removed.
func FindBridge() ([]string, error) {
	seen := map[string]bool{}
	type cand struct {
		path string
		rank int
	}
	var cands []cand
	for _, pattern := range bridgeGlobs {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if seen[resolved] {
				continue
			}
			seen[resolved] = true
			// Rank on the by-id name, which carries the chip vendor.
			cands = append(cands, cand{resolved, dongleRank(m)})
		}
	}
	if len(cands) == 0 {
		return nil, ErrNoBridge
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].rank < cands[j].rank })
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.path
	}
	return out, nil
}

// ResolveDevice maps "auto" to the best dongle and follows by-id links.
func ResolveDevice(device string) (string, error) {
	if device == "" || device == AutoDevice {
		found, err := FindBridge()
		if err != nil {
			return "", err
		}
		return found[0], nil
	}
	if strings.HasPrefix(device, "/dev/serial/") {
		resolved, err := filepath.EvalSymlinks(device)
		if err != nil {
			return "", fmt.Errorf("serial: resolve %s: %w", device, err)
		}
		return resolved, nil
	}
	return device, nil
}

// dialRetry dials network/address until it succeeds or ctx ends. A
// bridge that is still starting refuses or has no socket yet, so those
// are retried; other errors are returned at once.
func dialRetry(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	var conn net.Conn
	op := func() error {
		c, err := d.DialContext(ctx, network, address)
		if err == nil {
			conn = c
			return nil
		}
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	return conn, nil
}
