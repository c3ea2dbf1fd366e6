//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/pkg/obd"
	"golang.org/x/sys/unix"
)

const (
	bluezService        = "org.bluez"
	profileInterface    = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
)

var profileCounter uint64

// sppProfile implements org.bluez.Profile1 in the client role and hands each
// NewConnection descriptor to the OpenSerial call waiting on that device.
type sppProfile struct {
	logger  *logrus.Logger
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan int
}

func (p *sppProfile) Release() *dbus.Error { return nil }

func (p *sppProfile) Cancel() *dbus.Error { return nil }

func (p *sppProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *sppProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	delete(p.waiters, dev)
	p.mu.Unlock()

	if !ok {
		p.logger.WithField("device", dev).Warn("Rejecting unsolicited RFCOMM connection")
		_ = unix.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no pending connect"}}
	}
	ch <- int(fd)
	return nil
}

func (p *sppProfile) expect(dev dbus.ObjectPath) chan int {
	ch := make(chan int, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

// forget drops a waiter and closes a descriptor delivered after the caller gave up.
func (p *sppProfile) forget(dev dbus.ObjectPath, ch chan int) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	select {
	case fd := <-ch:
		_ = unix.Close(fd)
	default:
	}
}

// BlueZ opens serial port profile connections through bluetoothd. The
// profile is registered on first use and unregistered by Close.
type BlueZ struct {
	adapter string
	logger  *logrus.Logger

	mu         sync.Mutex
	bus        *dbus.Conn
	profile    *sppProfile
	path       dbus.ObjectPath
	registered bool
	closed     bool
}

// NewBlueZ returns a provider bound to the named adapter (e.g. "hci0").
func NewBlueZ(adapter string, logger *logrus.Logger) *BlueZ {
	return &BlueZ{adapter: adapter, logger: logger}
}

func openBlueZ(adapter string, logger *logrus.Logger) (Provider, error) {
	return NewBlueZ(adapter, logger), nil
}

func (b *BlueZ) ensureProfile(uuid string) (*dbus.Conn, *sppProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, os.ErrClosed
	}
	if b.bus == nil {
		bus, err := dbus.SystemBus()
		if err != nil {
			return nil, nil, fmt.Errorf("bluez: system bus: %w", err)
		}
		b.bus = bus
	}
	if b.registered {
		return b.bus, b.profile, nil
	}

	id := atomic.AddUint64(&profileCounter, 1)
	b.profile = &sppProfile{logger: b.logger, waiters: make(map[dbus.ObjectPath]chan int)}
	b.path = dbus.ObjectPath("/com/github/srg/obdtrip/spp" + strconv.FormatUint(id, 10))
	if err := b.bus.Export(b.profile, b.path, profileInterface); err != nil {
		return nil, nil, fmt.Errorf("bluez: export profile: %w", err)
	}

	pm := b.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	opts := map[string]dbus.Variant{
		"Role":        dbus.MakeVariant("client"),
		"AutoConnect": dbus.MakeVariant(false),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, b.path, uuid, opts); call.Err != nil {
		_ = b.bus.Export(nil, b.path, profileInterface)
		return nil, nil, fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}
	b.registered = true
	b.logger.WithFields(logrus.Fields{
		"path": b.path,
		"uuid": uuid,
	}).Debug("Registered serial port profile")
	return b.bus, b.profile, nil
}

// RemoteDevice implements obd.SocketProvider.
func (b *BlueZ) RemoteDevice(address string) (obd.RemoteDevice, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &bluezDevice{owner: b, addr: addr}, nil
}

// Close unregisters the profile.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if !b.registered {
		return nil
	}
	pm := b.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	err := pm.Call(profileManagerIface+".UnregisterProfile", 0, b.path).Err
	_ = b.bus.Export(nil, b.path, profileInterface)
	b.registered = false
	return err
}

type bluezDevice struct {
	owner *BlueZ
	addr  Address
}

func (d *bluezDevice) Address() string {
	return d.addr.String()
}

func (d *bluezDevice) OpenSerial(ctx context.Context, serviceUUID string) (obd.Socket, error) {
	uuid := strings.ToLower(serviceUUID)
	bus, prof, err := d.owner.ensureProfile(uuid)
	if err != nil {
		return nil, err
	}

	path := dbus.ObjectPath(d.addr.BlueZPath(d.owner.adapter))
	ch := prof.expect(path)

	dev := bus.Object(bluezService, path)
	if call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, uuid); call.Err != nil {
		prof.forget(path, ch)
		return nil, fmt.Errorf("bluez: ConnectProfile %s: %w", d.addr, call.Err)
	}

	select {
	case <-ctx.Done():
		prof.forget(path, ch)
		return nil, ctx.Err()
	case fd := <-ch:
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("bluez: set nonblock: %w", err)
		}
		f := os.NewFile(uintptr(fd), "rfcomm:"+d.addr.String())
		return newFileSocket(f, func() {
			dev.Go(deviceIface+".DisconnectProfile", 0, nil, uuid)
		}), nil
	}
}
