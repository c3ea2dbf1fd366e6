package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/pkg/obd"
	"go.bug.st/serial"
)

// Serial opens a TTY: a USB ELM327, a bound /dev/rfcommN node or an
// emulator PTY. The adapter address is informational only.
type Serial struct {
	path   string
	baud   int
	logger *logrus.Logger
}

// NewSerial returns a provider for the TTY at path.
func NewSerial(path string, baud int, logger *logrus.Logger) *Serial {
	return &Serial{path: path, baud: baud, logger: logger}
}

// RemoteDevice implements obd.SocketProvider.
func (s *Serial) RemoteDevice(address string) (obd.RemoteDevice, error) {
	return &serialDevice{owner: s, address: address}, nil
}

// Close is a no-op; ports are owned by their sockets.
func (s *Serial) Close() error {
	return nil
}

type serialDevice struct {
	owner   *Serial
	address string
}

func (d *serialDevice) Address() string {
	return d.address
}

func (d *serialDevice) OpenSerial(ctx context.Context, _ string) (obd.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.owner.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.owner.path, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", d.owner.path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		d.owner.logger.WithError(err).Debug("Failed to discard stale serial input")
	}

	d.owner.logger.WithFields(logrus.Fields{
		"path": d.owner.path,
		"baud": d.owner.baud,
	}).Debug("Serial port opened")
	return &serialSocket{port: port}, nil
}

type serialSocket struct {
	port   serial.Port
	closed atomic.Bool
}

func (s *serialSocket) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialSocket) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Flush waits until queued output has been transmitted.
func (s *serialSocket) Flush() error {
	return s.port.Drain()
}

func (s *serialSocket) SetReadTimeout(d time.Duration) error {
	return s.port.SetReadTimeout(d)
}

func (s *serialSocket) IsConnected() bool {
	return !s.closed.Load()
}

func (s *serialSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}
