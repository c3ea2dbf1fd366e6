//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/pkg/obd"
	"golang.org/x/sys/unix"
)

const connectPollMillis = 50

// RFCOMM dials a fixed RFCOMM channel directly, bypassing bluetoothd. The
// service UUID is not resolved through SDP; adapters almost always serve SPP
// on channel 1.
type RFCOMM struct {
	channel uint8
	logger  *logrus.Logger
}

// NewRFCOMM returns a provider dialing channel.
func NewRFCOMM(channel uint8, logger *logrus.Logger) *RFCOMM {
	return &RFCOMM{channel: channel, logger: logger}
}

func openRFCOMM(channel uint8, logger *logrus.Logger) (Provider, error) {
	return NewRFCOMM(channel, logger), nil
}

// RemoteDevice implements obd.SocketProvider.
func (r *RFCOMM) RemoteDevice(address string) (obd.RemoteDevice, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &rfcommDevice{owner: r, addr: addr}, nil
}

// Close is a no-op; every socket is owned by its obd.Socket.
func (r *RFCOMM) Close() error {
	return nil
}

type rfcommDevice struct {
	owner *RFCOMM
	addr  Address
}

func (d *rfcommDevice) Address() string {
	return d.addr.String()
}

func (d *rfcommDevice) OpenSerial(ctx context.Context, _ string) (obd.Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: d.addr.LittleEndian(), Channel: d.owner.channel}
	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		err = waitConnected(ctx, fd)
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm: connect %s channel %d: %w", d.addr, d.owner.channel, err)
	}

	d.owner.logger.WithFields(logrus.Fields{
		"address": d.addr.String(),
		"channel": d.owner.channel,
	}).Debug("RFCOMM socket connected")
	return newFileSocket(os.NewFile(uintptr(fd), "rfcomm:"+d.addr.String()), nil), nil
}

// waitConnected polls a non-blocking connect until it completes or ctx ends.
func waitConnected(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, connectPollMillis)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return err
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}
