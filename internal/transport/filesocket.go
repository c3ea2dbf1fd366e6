package transport

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fileSocket adapts a connected stream descriptor to obd.Socket. The
// descriptor must be non-blocking so Close and deadlines interrupt reads.
type fileSocket struct {
	f       *os.File
	closed  atomic.Bool
	once    sync.Once
	onClose func()
}

func newFileSocket(f *os.File, onClose func()) *fileSocket {
	return &fileSocket{f: f, onClose: onClose}
}

func (s *fileSocket) Read(p []byte) (int, error) {
	return s.f.Read(p)
}

func (s *fileSocket) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSocket) SetReadDeadline(t time.Time) error {
	return s.f.SetReadDeadline(t)
}

func (s *fileSocket) IsConnected() bool {
	return !s.closed.Load()
}

func (s *fileSocket) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.f.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
