package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/internal/bytequeue"
	"github.com/srg/obdtrip/pkg/obd"
)

const (
	// DefaultChunkSize is the ATT payload that fits the default 23-byte MTU.
	DefaultChunkSize  = 20
	DefaultChunkDelay = 10 * time.Millisecond

	notifyQueueCap = 4096
)

// ErrCharacteristicNotFound is returned when the adapter lacks the
// configured serial service or characteristics.
var ErrCharacteristicNotFound = errors.New("characteristic not found")

// BLEOptions names the GATT service bridging the ELM327 UART.
type BLEOptions struct {
	Service    string
	Write      string
	Notify     string
	ChunkSize  int
	ChunkDelay time.Duration
}

// BLE speaks to BLE-serial OBD adapters (FFF0-style UART services).
type BLE struct {
	opts    BLEOptions
	service ble.UUID
	write   ble.UUID
	notify  ble.UUID
	logger  *logrus.Logger

	once   sync.Once
	devErr error
}

// NewBLE parses the GATT identifiers in opts.
func NewBLE(opts BLEOptions, logger *logrus.Logger) (*BLE, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}

	b := &BLE{opts: opts, logger: logger}
	var err error
	if b.service, err = ble.Parse(opts.Service); err != nil {
		return nil, fmt.Errorf("ble: service uuid %q: %w", opts.Service, err)
	}
	if b.write, err = ble.Parse(opts.Write); err != nil {
		return nil, fmt.Errorf("ble: write uuid %q: %w", opts.Write, err)
	}
	if b.notify, err = ble.Parse(opts.Notify); err != nil {
		return nil, fmt.Errorf("ble: notify uuid %q: %w", opts.Notify, err)
	}
	return b, nil
}

func (b *BLE) ensureDevice() error {
	b.once.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			b.devErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return b.devErr
}

// RemoteDevice implements obd.SocketProvider.
func (b *BLE) RemoteDevice(address string) (obd.RemoteDevice, error) {
	return &bleRemote{owner: b, address: address}, nil
}

// Close is a no-op; connections are owned by their sockets.
func (b *BLE) Close() error {
	return nil
}

type bleRemote struct {
	owner   *BLE
	address string
}

func (r *bleRemote) Address() string {
	return r.address
}

func (r *bleRemote) OpenSerial(ctx context.Context, _ string) (obd.Socket, error) {
	b := r.owner
	if err := b.ensureDevice(); err != nil {
		return nil, err
	}

	client, err := ble.Dial(ctx, ble.NewAddr(r.address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", r.address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	writeChar := findCharacteristic(profile, b.service, b.write)
	notifyChar := findCharacteristic(profile, b.service, b.notify)
	if writeChar == nil || notifyChar == nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("%w: service %s", ErrCharacteristicNotFound, b.service)
	}

	noRsp := writeChar.Property&ble.CharWriteNR != 0
	sock := newBLESocket(b.opts.ChunkSize, b.opts.ChunkDelay,
		func(p []byte) error { return client.WriteCharacteristic(writeChar, p, noRsp) },
		func() error {
			_ = client.Unsubscribe(notifyChar, false)
			return client.CancelConnection()
		})

	if err := client.Subscribe(notifyChar, false, sock.onNotify); err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.notify, err)
	}

	go func() {
		<-client.Disconnected()
		b.logger.WithField("address", r.address).Debug("BLE adapter disconnected")
		sock.remoteClosed()
	}()

	b.logger.WithFields(logrus.Fields{
		"address": r.address,
		"write":   writeChar.UUID.String(),
		"notify":  notifyChar.UUID.String(),
		"no_rsp":  noRsp,
	}).Debug("BLE serial channel ready")
	return sock, nil
}

func findCharacteristic(p *ble.Profile, service, char ble.UUID) *ble.Characteristic {
	if p == nil {
		return nil
	}
	for _, s := range p.Services {
		if !s.UUID.Equal(service) {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID.Equal(char) {
				return c
			}
		}
	}
	return nil
}

// bleSocket turns notifications into a byte stream and chunks writes to
// the ATT payload size.
type bleSocket struct {
	in         *bytequeue.Queue
	chunkSize  int
	chunkDelay time.Duration
	write      func([]byte) error
	cancel     func() error

	closed atomic.Bool
	broken atomic.Bool
	once   sync.Once
}

func newBLESocket(chunkSize int, chunkDelay time.Duration, write func([]byte) error, cancel func() error) *bleSocket {
	return &bleSocket{
		in:         bytequeue.New(notifyQueueCap),
		chunkSize:  chunkSize,
		chunkDelay: chunkDelay,
		write:      write,
		cancel:     cancel,
	}
}

func (s *bleSocket) onNotify(data []byte) {
	_, _ = s.in.Write(data)
}

func (s *bleSocket) remoteClosed() {
	s.broken.Store(true)
	_ = s.in.Close()
}

func (s *bleSocket) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *bleSocket) SetReadDeadline(t time.Time) error {
	return s.in.SetReadDeadline(t)
}

func (s *bleSocket) Write(p []byte) (int, error) {
	if s.closed.Load() || s.broken.Load() {
		return 0, io.ErrClosedPipe
	}
	written := 0
	for _, c := range chunks(p, s.chunkSize) {
		if written > 0 && s.chunkDelay > 0 {
			time.Sleep(s.chunkDelay)
		}
		if err := s.write(c); err != nil {
			return written, err
		}
		written += len(c)
	}
	return written, nil
}

// IsConnected stays true after a remote drop; the failure surfaces through I/O.
func (s *bleSocket) IsConnected() bool {
	return !s.closed.Load()
}

func (s *bleSocket) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		_ = s.in.Close()
		if s.cancel != nil {
			err = s.cancel()
		}
	})
	return err
}

func chunks(p []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make([][]byte, 0, (len(p)+size-1)/size)
	for len(p) > size {
		out = append(out, p[:size])
		p = p[size:]
	}
	if len(p) > 0 {
		out = append(out, p)
	}
	return out
}
