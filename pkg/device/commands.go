package device

import (
	"context"
	"fmt"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

// settingsTimeout bounds the wait for a settings report after a request.
const settingsTimeout = 3 * time.Second

// Send encodes one intent and writes it through the queue, blocking until
// the write and its settle delay are done.
func (c *Controller) Send(ctx context.Context, in protocol.Intent) error {
	s := c.current()
	if s == nil {
		return errors.NotConnectedError(in.Kind())
	}
	if ms, ok := in.(protocol.ManualStart); ok && ms.PreDelay <= 0 {
		ms.PreDelay = c.opts.PreDelay
		in = ms
	}
	p, err := protocol.Encode(c.profile, in)
	if err != nil {
		return err
	}
	c.log.Wire("tx", p.Channel, p.Data)
	if err := s.queue.Submit(ctx, p); err != nil {
		c.setMessage(in.Kind() + " failed: " + err.Error())
		return err
	}

	if yf, ok := in.(protocol.YellowFlag); ok {
		c.mu.Lock()
		c.yellow = yf.On
		c.mu.Unlock()
		c.broadcastStatus()
	}
	return nil
}

// Settings returns the last reported device settings.
func (c *Controller) Settings() protocol.DeviceSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// RefreshSettings reads the settings channel when the device has one,
// otherwise asks for a report and waits for it on the status stream.
func (c *Controller) RefreshSettings(ctx context.Context) (protocol.DeviceSettings, error) {
	s := c.current()
	if s == nil {
		return protocol.DeviceSettings{}, errors.NotConnectedError("refresh settings")
	}

	if c.readable(s) {
		data, err := s.link.Read(ctx, protocol.ChannelSettings)
		if err != nil {
			return c.Settings(), fmt.Errorf("read settings: %w", err)
		}
		c.log.Wire("rx", protocol.ChannelSettings, data)
		parsed := protocol.ParseSettings(data)
		c.mu.Lock()
		c.settings.Merge(parsed)
		if parsed.YellowFlag != nil {
			c.yellow = *parsed.YellowFlag
		}
		out := c.settings
		c.mu.Unlock()
		if parsed.Time != 0 {
			s.clock.HandleDeviceTime(parsed.Time)
		}
		c.broadcastStatus()
		return out, nil
	}

	w := make(chan protocol.DeviceSettings, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	defer c.dropWaiter(w)

	if err := c.Send(ctx, protocol.RequestSettings{}); err != nil {
		return c.Settings(), err
	}
	timer := time.NewTimer(settingsTimeout)
	defer timer.Stop()
	select {
	case st := <-w:
		return st, nil
	case <-timer.C:
		return c.Settings(), fmt.Errorf("no settings report within %s", settingsTimeout)
	case <-ctx.Done():
		return c.Settings(), ctx.Err()
	case <-s.done:
		return c.Settings(), errors.NotConnectedError("refresh settings")
	}
}

func (c *Controller) readable(s *DeviceSession) bool {
	if !c.profile.HasChannel(protocol.ChannelSettings) {
		return false
	}
	for _, ch := range s.link.Channels() {
		if ch == protocol.ChannelSettings {
			return true
		}
	}
	return false
}

func (c *Controller) dropWaiter(w chan protocol.DeviceSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
