// Package ptyio hosts a byte-oriented device on a pseudo-terminal so that
// serial tooling (and the serial transport) can talk to it through the slave
// path.
//
//	p, err := ptyio.Open(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(data []byte) { ... }) // bytes written by the slave side
//	_, _ = p.Write([]byte("OK\r>"))             // queued for the slave side
//	fmt.Println(p.Path())                        // "/dev/pts/5"
//
// The master is non-blocking; two goroutines poll it with PollTimeout so Close
// is observed within one poll period.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/obdtrip/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultWriteCap    = 4096
	DefaultPollTimeout = 50 * time.Millisecond
)

// ReadCallback receives bytes written by the slave side. It runs on the read
// loop goroutine and must not retain data.
type ReadCallback func(data []byte)

// Options configures Open. Zero values use the defaults.
type Options struct {
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	OnError     func(err error)
}

// Stats are monotonic counters plus the current write queue depth.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	BytesRead     uint64
	BytesWritten  uint64
	DroppedWrite  uint64
}

// PTY is the master side of a pseudo-terminal pair.
type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	path    string
	onError func(error)
	pollMs  int

	writeBuf *ringbuffer.RingBuffer
	readCb   atomic.Value // ReadCallback

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	errOnce sync.Once

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	droppedWrite atomic.Uint64
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Open allocates a PTY pair, puts the slave into raw mode and starts the I/O loops.
func Open(opts *Options) (*PTY, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = DefaultWriteCap
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:   logger,
		master:   master,
		slave:    slave,
		path:     slave.Name(),
		onError:  opts.OnError,
		pollMs:   int(poll / time.Millisecond),
		writeBuf: ringbuffer.New(writeCap),
		cancel:   cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	})
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})

	logger.WithField("path", p.path).Debug("PTY opened")
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	closeBoth := func() {
		_ = master.Close()
		_ = slave.Close()
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		closeBoth()
		return nil, nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		closeBoth()
		return nil, nil, fmt.Errorf("failed to set PTY master non-blocking: %w", err)
	}
	return master, slave, nil
}

// Path returns the slave device path.
func (p *PTY) Path() string {
	return p.path
}

// SetReadCallback installs cb, or removes the callback when cb is nil.
// Bytes arriving without a callback are discarded.
func (p *PTY) SetReadCallback(cb ReadCallback) {
	p.readCb.Store(cb)
}

// Write queues data for the slave side and never blocks. On overflow the
// tail is dropped and the returned count is short.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return 0, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.droppedWrite.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  n,
		}).Warn("PTY write buffer overflow")
	}
	return n, nil
}

// Stats returns current counters.
func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen: p.writeBuf.Length(),
		WriteQueueCap: p.writeBuf.Capacity(),
		BytesRead:     p.bytesRead.Load(),
		BytesWritten:  p.bytesWritten.Load(),
		DroppedWrite:  p.droppedWrite.Load(),
	}
}

// Close stops the loops and closes both ends. It is idempotent.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	p.wg.Wait()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}
	p.logger.WithField("path", p.path).Debug("PTY closed")
	return errors.Join(errs...)
}

func (p *PTY) fail(err error) {
	p.logger.WithError(err).Warn("PTY loop stopped")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(err) })
	}
}

func (p *PTY) readLoop(ctx context.Context) {
	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 1024)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.fail(fmt.Errorf("read poll: %w", err))
			return
		}
		if ready == 0 {
			continue
		}

		n, err := unix.Read(fd, buf)
		if n > 0 {
			p.bytesRead.Add(uint64(n))
			if cb, ok := p.readCb.Load().(ReadCallback); ok && cb != nil {
				cb(buf[:n])
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EIO):
			// No slave opened yet, or the last one closed it.
			if !sleepCtx(ctx, time.Duration(p.pollMs)*time.Millisecond) {
				return
			}
		default:
			p.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 1024)
	idle := time.Duration(p.pollMs) * time.Millisecond / 5

	for ctx.Err() == nil {
		n, err := p.writeBuf.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			if !sleepCtx(ctx, idle) {
				return
			}
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			w, err := unix.Write(fd, buf[off:n])
			if w > 0 {
				off += w
				p.bytesWritten.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.fail(fmt.Errorf("write poll: %w", perr))
					return
				}
			default:
				p.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
