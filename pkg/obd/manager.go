package obd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/internal/groutine"
	"github.com/srg/obdtrip/internal/observable"
)

// Manager owns the adapter socket, the connection state machine, the
// reconnect loop and the polling loop.
//
// Connect and Disconnect never block on I/O and never return errors: failures
// inside the background loops drive state transitions instead. Observe
// States() and Speeds() for progress.
type Manager struct {
	provider SocketProvider
	opts     *Options
	logger   *logrus.Logger

	state  *observable.Value[ConnectionState]
	speeds *observable.Stream[SpeedSample]

	mu          sync.Mutex
	target      string
	socket      Socket
	initialized bool
	cancelConn  context.CancelFunc
	cancelPoll  context.CancelFunc

	group    groutine.Group
	attempts atomic.Uint64
}

// NewManager creates a manager on top of provider. The provider is borrowed:
// the manager never closes or reconfigures it.
func NewManager(provider SocketProvider, opts *Options, logger *logrus.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Manager{
		provider: provider,
		opts:     opts,
		logger:   logger,
		state:    observable.NewValue(Disconnected),
		speeds:   observable.NewStream[SpeedSample](),
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return m.state.Get()
}

// States exposes connection state changes.
func (m *Manager) States() *observable.Value[ConnectionState] {
	return m.state
}

// Speeds exposes parsed speed samples.
func (m *Manager) Speeds() *observable.Stream[SpeedSample] {
	return m.speeds
}

// Address returns the address the manager is trying to keep connected, or ""
// when disconnected.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Attempts returns the total number of socket open attempts made so far.
func (m *Manager) Attempts() uint64 {
	return m.attempts.Load()
}

// Connect starts connecting to address in the background. It is a no-op while
// a connection is already being established.
func (m *Manager) Connect(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Get() == Connecting {
		m.logger.WithField("address", address).Debug("Connect ignored: connection already in progress")
		return
	}

	m.startConnectLocked(address)
}

// Disconnect drops the target address, publishes Disconnected and releases
// the socket. The new state is visible when Disconnect returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

// Close disconnects and waits for the background loops to exit. The state and
// speed streams are closed afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.group.Wait()
	m.state.Close()
	m.speeds.Close()
}

func (m *Manager) disconnectLocked() {
	if m.target != "" {
		m.logger.WithField("address", m.target).Info("Disconnecting from OBD adapter")
	}
	m.target = ""
	m.state.Set(Disconnected)
	m.teardownLocked()
}

// teardownLocked stops both loops and releases the socket.
func (m *Manager) teardownLocked() {
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	if m.cancelPoll != nil {
		m.cancelPoll()
		m.cancelPoll = nil
	}
	m.initialized = false
	if m.socket != nil {
		if err := m.socket.Close(); err != nil {
			m.logger.WithError(err).Debug("Error closing socket")
		}
		m.socket = nil
	}
}

func (m *Manager) startConnectLocked(address string) {
	m.teardownLocked()
	m.target = address
	m.state.Set(Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelConn = cancel

	m.logger.WithField("address", address).Info("Connecting to OBD adapter...")
	m.group.Go(ctx, "obd-connect", func(ctx context.Context) {
		m.runConnect(ctx, address)
	})
}

// runConnect dials until a socket comes up, waits for the adapter to settle
// and hands the socket to the polling loop.
func (m *Manager) runConnect(ctx context.Context, address string) {
	log := m.logger.WithField("address", address)

	sock, err := m.dialUntilConnected(ctx, address)
	if err != nil {
		log.WithError(err).Debug("Connect loop cancelled")
		return
	}
	log.Info("Socket connected, waiting for adapter to settle")

	if err := sleep(ctx, m.opts.SettleDelay); err != nil {
		_ = sock.Close()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Disconnect or a newer Connect may have won the race while we slept.
	if ctx.Err() != nil {
		_ = sock.Close()
		return
	}

	m.cancelConn()
	m.cancelConn = nil
	m.socket = sock
	m.initialized = false

	pollCtx, cancel := context.WithCancel(context.Background())
	m.cancelPoll = cancel
	m.group.Go(pollCtx, "obd-poll", func(ctx context.Context) {
		m.runPoll(ctx, sock)
	})
}

func (m *Manager) dialUntilConnected(ctx context.Context, address string) (Socket, error) {
	var dev RemoteDevice

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.attempts.Add(1)
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"attempt": attempt,
		}).Debug("Trying to open socket")

		sock, err := m.openOnce(ctx, &dev, address)
		if err == nil {
			return sock, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.logger.WithFields(logrus.Fields{
			"address": address,
			"attempt": attempt,
		}).WithError(err).Debug("Socket open failed, retrying")
	}
}

// openOnce makes one attempt bounded by AttemptTimeout. Failures return at
// once and the caller retries without backoff.
func (m *Manager) openOnce(ctx context.Context, dev *RemoteDevice, address string) (Socket, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
	defer cancel()

	fail := func(err error) (Socket, error) {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if *dev == nil {
		resolved, err := m.provider.RemoteDevice(address)
		if err != nil {
			return fail(fmt.Errorf("resolve %s: %w", address, err))
		}
		*dev = resolved
	}

	sock, err := (*dev).OpenSerial(attemptCtx, SerialPortServiceUUID)
	if err != nil {
		return fail(err)
	}
	if !sock.IsConnected() {
		_ = sock.Close()
		return fail(errors.New("socket not connected"))
	}
	return sock, nil
}

// runPoll is the maintain loop for one socket.
func (m *Manager) runPoll(ctx context.Context, sock Socket) {
	buf := make([]byte, ReceiveBufferSize)
	log := m.logger.WithField("goroutine", groutine.GetName(ctx))

	for {
		if err := sleep(ctx, m.opts.PollInterval); err != nil {
			log.Debug("Poll loop stopped")
			return
		}

		if !sock.IsConnected() {
			log.Debug("Socket not connected, skipping tick")
			continue
		}

		m.mu.Lock()
		initialized := m.initialized
		m.mu.Unlock()

		var err error
		if !initialized {
			err = m.initialize(ctx, buf)
		} else {
			err = m.requestSpeed(ctx, buf)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if IsConnectionLoss(err) {
			m.connectionLost(ctx, err)
			return
		}
		log.WithError(err).Debug("Connection not ready")
	}
}

// initialize runs the AT setup sequence and publishes Connected.
func (m *Manager) initialize(ctx context.Context, buf []byte) error {
	for _, cmd := range m.opts.initCommands() {
		if err := m.send(cmd); err != nil {
			return err
		}
		if err := sleep(ctx, m.opts.InitCommandDelay); err != nil {
			return err
		}
		resp, err := m.receive(buf)
		if err != nil {
			return err
		}
		m.logger.WithFields(logrus.Fields{
			"command":  cmd,
			"response": resp,
		}).Debug("Init command acknowledged")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.initialized = true
	m.state.Set(Connected)
	m.logger.WithField("address", m.target).Info("OBD adapter initialized")
	return nil
}

func (m *Manager) requestSpeed(ctx context.Context, buf []byte) error {
	if err := m.send(SpeedCommand); err != nil {
		return err
	}
	if err := sleep(ctx, m.opts.ResponseDelay); err != nil {
		return err
	}
	_, err := m.receive(buf)
	return err
}

func (m *Manager) currentSocket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket
}

// send writes cmd plus the terminator and flushes.
func (m *Manager) send(cmd string) error {
	sock := m.currentSocket()
	if sock == nil {
		return ErrNotReady
	}

	m.logger.WithField("command", cmd).Debug("Sending command")

	if _, err := sock.Write(FrameCommand(cmd)); err != nil {
		return &CommunicationError{Op: "send", Err: err}
	}
	if f, ok := sock.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return &CommunicationError{Op: "send", Err: err}
		}
	}
	return nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type readTimeouter interface {
	SetReadTimeout(d time.Duration) error
}

// receive performs a single read, publishes a speed sample when the response
// carries one and returns the trimmed text.
func (m *Manager) receive(buf []byte) (string, error) {
	sock := m.currentSocket()
	if sock == nil {
		return "", ErrNotReady
	}

	if m.opts.ReadTimeout > 0 {
		switch s := sock.(type) {
		case readDeadliner:
			_ = s.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		case readTimeouter:
			_ = s.SetReadTimeout(m.opts.ReadTimeout)
		}
	}

	n, err := sock.Read(buf)
	if err != nil {
		return "", &CommunicationError{Op: "receive", Err: err}
	}
	data := string(buf[:n])

	sample, ok, perr := ParseSpeed(data)
	switch {
	case perr != nil:
		m.logger.WithError(perr).Debug("Skipping malformed speed response")
	case ok:
		if m.logger.IsLevelEnabled(logrus.TraceLevel) {
			m.logger.WithFields(logrus.Fields{
				"raw":   strings.TrimSpace(data),
				"speed": sample.Kph(),
			}).Trace("Speed sample received")
		}
		m.speeds.Publish(sample)
	}

	return strings.TrimSpace(data), nil
}

// connectionLost tears the session down and reconnects to the recorded
// target, or disconnects when there is none.
func (m *Manager) connectionLost(ctx context.Context, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Someone else already replaced this session.
	if ctx.Err() != nil {
		return
	}

	target := m.target
	m.logger.WithField("address", target).WithError(cause).Warn("Connection lost")

	if target == "" {
		m.disconnectLocked()
		return
	}
	m.startConnectLocked(target)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
