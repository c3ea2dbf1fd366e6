package elmsim

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/obdtrip/internal/bytequeue"
	"github.com/srg/obdtrip/pkg/obd"
)

const outputCap = 4096

// ErrUnknownService is returned when a connection asks for a service other
// than the serial port profile.
var ErrUnknownService = errors.New("service not offered by emulator")

// lineSplitter assembles command lines from a byte stream terminated by CR or LF.
type lineSplitter struct {
	buf []byte
}

func (s *lineSplitter) feed(data []byte) []string {
	var lines []string
	for _, c := range data {
		if c == '\r' || c == '\n' {
			if len(s.buf) > 0 {
				lines = append(lines, string(s.buf))
				s.buf = s.buf[:0]
			}
			continue
		}
		s.buf = append(s.buf, c)
	}
	return lines
}

// Conn is an in-process link to an Emulator and satisfies obd.Socket.
type Conn struct {
	em  *Emulator
	out *bytequeue.Queue

	mu    sync.Mutex
	lines lineSplitter

	closed atomic.Bool
	broken atomic.Bool
}

// Dial opens a new link to e.
func (e *Emulator) Dial() *Conn {
	return &Conn{em: e, out: bytequeue.New(outputCap)}
}

// Write feeds command bytes; every completed line is answered immediately.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() || c.broken.Load() {
		return 0, io.ErrClosedPipe
	}

	c.mu.Lock()
	lines := c.lines.feed(p)
	c.mu.Unlock()

	for _, line := range lines {
		if _, err := c.out.Write(c.em.Handle(line)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Read returns reply bytes, blocking until some are available.
func (c *Conn) Read(p []byte) (int, error) {
	return c.out.Read(p)
}

// SetReadDeadline bounds Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.out.SetReadDeadline(t)
}

// Close drops the link. Pending reads return io.EOF.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.out.Close()
}

// IsConnected reports whether Close has not been called. Like a Bluetooth
// socket, it stays true after the remote end drops; only I/O fails.
func (c *Conn) IsConnected() bool {
	return !c.closed.Load()
}

// drop breaks the link from the adapter side.
func (c *Conn) drop() {
	c.broken.Store(true)
	_ = c.out.Close()
}

// Provider exposes an Emulator as an obd.SocketProvider. Any address
// resolves to the same emulated adapter.
type Provider struct {
	em *Emulator

	mu        sync.Mutex
	conns     []*Conn
	failOpens int
}

// NewProvider wraps em.
func NewProvider(em *Emulator) *Provider {
	return &Provider{em: em}
}

// Emulator returns the wrapped emulator.
func (p *Provider) Emulator() *Emulator {
	return p.em
}

// FailNextOpens makes the next n opens fail, as an out-of-range adapter would.
func (p *Provider) FailNextOpens(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOpens = n
}

// DropAll breaks every open link, simulating the adapter losing power.
func (p *Provider) DropAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.drop()
	}
}

// Opens returns the number of links handed out and still tracked.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// RemoteDevice implements obd.SocketProvider.
func (p *Provider) RemoteDevice(address string) (obd.RemoteDevice, error) {
	return &remote{provider: p, address: address}, nil
}

// Close drops all links.
func (p *Provider) Close() error {
	p.DropAll()
	return nil
}

type remote struct {
	provider *Provider
	address  string
}

func (r *remote) Address() string {
	return r.address
}

func (r *remote) OpenSerial(ctx context.Context, serviceUUID string) (obd.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(serviceUUID, obd.SerialPortServiceUUID) {
		return nil, ErrUnknownService
	}

	p := r.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOpens > 0 {
		p.failOpens--
		return nil, errors.New("emulated adapter out of range")
	}

	c := p.em.Dial()
	p.conns = append(p.conns, c)
	return c, nil
}
