package ptyio

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/srg/obdtrip/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openOrSkip(t *testing.T) *PTY {
	t.Helper()
	p, err := Open(&Options{Logger: testutils.SilentLogger(), PollTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, p *PTY) *os.File {
	t.Helper()
	f, err := os.OpenFile(p.Path(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestPTY_SlaveToMaster(t *testing.T) {
	p := openOrSkip(t)
	assert.NotEmpty(t, p.Path())

	var mu sync.Mutex
	var got []byte
	p.SetReadCallback(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	slave := openSlave(t, p)
	_, err := slave.Write([]byte("ATZ\r"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "ATZ\r"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(4), p.Stats().BytesRead)
}

func TestPTY_MasterToSlave(t *testing.T) {
	p := openOrSkip(t)
	slave := openSlave(t, p)

	n, err := p.Write([]byte("OK\r>"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	read := make(chan string, 1)
	go func() {
		var acc []byte
		buf := make([]byte, 16)
		for len(acc) < 4 {
			n, err := slave.Read(buf)
			if err != nil {
				break
			}
			acc = append(acc, buf[:n]...)
		}
		read <- string(acc)
	}()

	select {
	case s := <-read:
		assert.Equal(t, "OK\r>", s)
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not receive queued bytes")
	}
	assert.Eventually(t, func() bool { return p.Stats().BytesWritten == 4 }, time.Second, 5*time.Millisecond)
}

func TestPTY_CloseIsIdempotent(t *testing.T) {
	p := openOrSkip(t)

	require.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestPTY_WriteOverflowIsReported(t *testing.T) {
	p, err := Open(&Options{WriteCap: 8, Logger: testutils.SilentLogger()})
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	// Stop the drain loop first so the queue cannot empty under us.
	p.cancel()
	p.wg.Wait()
	defer func() { _ = p.Close() }()

	n, err := p.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, uint64(2), p.Stats().DroppedWrite)
}
