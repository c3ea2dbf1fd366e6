package testutils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/srg/obdtrip/pkg/obd"
)

// ErrRefused is returned by FakeAdapter for scripted failed opens.
var ErrRefused = errors.New("connection refused")

// FakeAdapter is an in-memory obd.SocketProvider that behaves like a
// well-configured ELM327: AT commands answer OK and 010D answers with the
// current speed.
//
//	adapter := testutils.NewFakeAdapter().
//	    WithSpeed(30).
//	    WithFailedOpens(2)
//	mgr := obd.NewManager(adapter, testutils.FastManagerOptions(), logger)
type FakeAdapter struct {
	mu         sync.Mutex
	failOpens  int
	resolveErr error
	responses  map[string]string
	sockets    []*FakeSocket
	resolved   []string

	speed atomic.Int32
	opens atomic.Int32
}

// NewFakeAdapter creates an adapter reporting 0 km/h.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{responses: make(map[string]string)}
}

// WithSpeed sets the speed reported by 010D.
func (a *FakeAdapter) WithSpeed(kph int) *FakeAdapter {
	a.SetSpeed(kph)
	return a
}

// WithFailedOpens makes the next n open attempts fail.
func (a *FakeAdapter) WithFailedOpens(n int) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOpens = n
	return a
}

// WithResolveError makes address resolution fail.
func (a *FakeAdapter) WithResolveError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolveErr = err
	return a
}

// WithResponse overrides the reply for cmd. An empty reply makes the adapter silent.
func (a *FakeAdapter) WithResponse(cmd, response string) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[cmd] = response
	return a
}

// SetSpeed changes the reported speed at runtime.
func (a *FakeAdapter) SetSpeed(kph int) {
	a.speed.Store(int32(kph))
}

// Opens returns the number of successful opens.
func (a *FakeAdapter) Opens() int {
	return int(a.opens.Load())
}

// Sockets returns every socket handed out so far.
func (a *FakeAdapter) Sockets() []*FakeSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeSocket(nil), a.sockets...)
}

// LastSocket returns the most recently opened socket, or nil.
func (a *FakeAdapter) LastSocket() *FakeSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sockets) == 0 {
		return nil
	}
	return a.sockets[len(a.sockets)-1]
}

// Resolved returns the addresses passed to RemoteDevice.
func (a *FakeAdapter) Resolved() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.resolved...)
}

// RemoteDevice implements obd.SocketProvider.
func (a *FakeAdapter) RemoteDevice(address string) (obd.RemoteDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolved = append(a.resolved, address)
	if a.resolveErr != nil {
		return nil, a.resolveErr
	}
	return &fakeDevice{adapter: a, address: address}, nil
}

func (a *FakeAdapter) respond(cmd string) string {
	a.mu.Lock()
	resp, ok := a.responses[cmd]
	a.mu.Unlock()
	if ok {
		return resp
	}

	switch {
	case cmd == "ATZ":
		return "\r\rELM327 v1.5\r\r>"
	case strings.HasPrefix(cmd, "AT"):
		return "OK\r\r>"
	case cmd == obd.SpeedCommand:
		return fmt.Sprintf("410D%02X\r\r>", uint8(a.speed.Load()))
	default:
		return "?\r\r>"
	}
}

type fakeDevice struct {
	adapter *FakeAdapter
	address string
}

func (d *fakeDevice) Address() string {
	return d.address
}

func (d *fakeDevice) OpenSerial(ctx context.Context, serviceUUID string) (obd.Socket, error) {
	a := d.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.failOpens > 0 {
		a.failOpens--
		return nil, ErrRefused
	}

	sock := NewFakeSocket(a.respond)
	a.sockets = append(a.sockets, sock)
	a.opens.Add(1)
	return sock, nil
}

// FakeSocket is a scripted obd.Socket. Each write queues the responder's reply
// for the next Read; Read blocks until a reply is queued or the socket closes.
type FakeSocket struct {
	respond func(cmd string) string

	mu       sync.Mutex
	written  []string
	writeErr error
	readErr  error

	replies   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// NewFakeSocket creates a connected socket answering through respond.
func NewFakeSocket(respond func(cmd string) string) *FakeSocket {
	s := &FakeSocket{
		respond: respond,
		replies: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	s.connected.Store(true)
	return s
}

// FailWrites makes every following write return err.
func (s *FakeSocket) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailReads makes every following read return err.
func (s *FakeSocket) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// SetConnected changes what IsConnected reports.
func (s *FakeSocket) SetConnected(v bool) {
	s.connected.Store(v)
}

// Written returns the commands written so far, terminators stripped.
func (s *FakeSocket) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// Closed reports whether Close was called.
func (s *FakeSocket) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *FakeSocket) Write(p []byte) (int, error) {
	if s.Closed() {
		return 0, io.ErrClosedPipe
	}

	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return 0, err
	}
	cmd := strings.TrimSuffix(string(p), obd.CommandTerminator)
	s.written = append(s.written, cmd)
	s.mu.Unlock()

	if reply := s.respond(cmd); reply != "" {
		select {
		case s.replies <- []byte(reply):
		default:
		}
	}
	return len(p), nil
}

func (s *FakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case reply := <-s.replies:
		return copy(p, reply), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *FakeSocket) Close() error {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.closed)
	})
	return nil
}

func (s *FakeSocket) IsConnected() bool {
	return s.connected.Load()
}
