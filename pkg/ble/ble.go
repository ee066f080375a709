// Package ble implements the device link over a Bluetooth LE GATT
// connection.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/transport"
)

// ScanTimeout bounds one discovery pass.
var ScanTimeout = 10 * time.Second

var (
	enableOnce sync.Once
	enableErr  error
)

func enable(a *bluetooth.Adapter) error {
	enableOnce.Do(func() { enableErr = a.Enable() })
	return enableErr
}

// Link is a GATT central connection to one Ampel.
type Link struct {
	transport.Events

	profile *protocol.Profile
	adapter *bluetooth.Adapter
	log     *log.Logger

	mu         sync.Mutex
	name       string
	address    string
	chars      map[string]bluetooth.DeviceCharacteristic
	disconnect func() error
	closeOnce  sync.Once
}

// NewLink returns a link on the default adapter.
func NewLink(profile *protocol.Profile) *Link {
	return &Link{
		profile: profile,
		adapter: bluetooth.DefaultAdapter,
		log:     log.GetLogger("ble"),
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}
}

type found struct {
	address bluetooth.Address
	name    string
}

func (l *Link) scan(ctx context.Context) (found, error) {
	results := make(chan found, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- l.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if l.profile.Matches(r.LocalName()) {
				select {
				case results <- found{address: r.Address, name: r.LocalName()}:
				default:
				}
				a.StopScan()
			}
		})
	}()

	timer := time.NewTimer(ScanTimeout)
	defer timer.Stop()
	select {
	case f := <-results:
		return f, nil
	case err := <-scanErr:
		if err != nil {
			return found{}, errors.DeviceNotFoundError(l.profile.NameFilter()).SetContext("cause", err.Error())
		}
		select {
		case f := <-results:
			return f, nil
		default:
		}
		return found{}, errors.DeviceNotFoundError(l.profile.NameFilter())
	case <-timer.C:
	case <-ctx.Done():
	}
	l.adapter.StopScan()
	if err := ctx.Err(); err != nil {
		return found{}, err
	}
	return found{}, errors.DeviceNotFoundError(l.profile.NameFilter())
}

// Connect implements transport.Link.
func (l *Link) Connect(ctx context.Context) error {
	if err := enable(l.adapter); err != nil {
		return errors.DeviceNotFoundError(l.profile.NameFilter()).SetContext("cause", "adapter: "+err.Error())
	}
	f, err := l.scan(ctx)
	if err != nil {
		return err
	}
	l.log.Info("found %s at %s", f.name, f.address.String())

	addr := f.address.String()
	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected && device.Address.String() == addr {
			l.log.Warn("%s disconnected", f.name)
			l.MarkDisconnected()
		}
	})

	dev, err := l.adapter.Connect(f.address, bluetooth.ConnectionParams{})
	if err != nil {
		return errors.DeviceNotFoundError(l.profile.NameFilter()).SetContext("cause", err.Error())
	}
	l.mu.Lock()
	l.name = f.name
	l.address = addr
	l.disconnect = dev.Disconnect
	l.mu.Unlock()

	svcUUID, err := bluetooth.ParseUUID(l.profile.ServiceUUID)
	if err != nil {
		l.Close()
		return errors.ServiceUnavailableError(l.profile.ServiceUUID, err)
	}
	services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		l.Close()
		return errors.ServiceUnavailableError(l.profile.ServiceUUID, err)
	}

	byUUID := make(map[string]string, len(l.profile.Channels))
	for name, u := range l.profile.Channels {
		byUUID[strings.ToLower(u)] = name
	}
	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		l.Close()
		return errors.CharacteristicUnavailableError(protocol.ChannelCmd, err)
	}
	l.mu.Lock()
	for _, c := range chars {
		if name, ok := byUUID[strings.ToLower(c.UUID().String())]; ok {
			l.chars[name] = c
		}
	}
	_, hasCmd := l.chars[protocol.ChannelCmd]
	status, hasStatus := l.chars[protocol.ChannelStatus]
	l.mu.Unlock()
	if !hasCmd {
		l.Close()
		return errors.CharacteristicUnavailableError(protocol.ChannelCmd, nil)
	}
	if hasStatus {
		err := status.EnableNotifications(func(buf []byte) {
			l.log.Wire("RX", protocol.ChannelStatus, buf)
			l.Notify(protocol.ChannelStatus, buf)
		})
		if err != nil {
			l.log.Warn("status notifications unavailable: %v", err)
		}
	}
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
	out := make([]string, 0, len(l.chars))
	for name := range l.chars {
		out = append(out, name)
	}
	return out
}

func (l *Link) characteristic(channel string) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[channel]
	if !ok {
		return c, errors.CharacteristicUnavailableError(channel, nil)
	}
	return c, nil
}

// Write implements transport.Link with an acknowledged GATT write, so a
// write completes only once the peripheral has taken it.
func (l *Link) Write(ctx context.Context, channel string, data []byte) error {
	if l.IsDisconnected() {
		return errors.NotConnectedError("write " + channel)
	}
	c, err := l.characteristic(channel)
	if err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("gatt write %s: %w", channel, err)
	}
	l.log.Wire("TX", channel, data)
	return nil
}

// Read implements transport.Link.
func (l *Link) Read(ctx context.Context, channel string) ([]byte, error) {
	if l.IsDisconnected() {
		return nil, errors.NotConnectedError("read " + channel)
	}
	c, err := l.characteristic(channel)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("gatt read %s: %w", channel, err)
	}
	return buf[:n], nil
}

// Close implements transport.Link.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		disconnect := l.disconnect
		l.mu.Unlock()
		if disconnect != nil {
			err = disconnect()
		}
		l.MarkDisconnected()
	})
	return err
}
