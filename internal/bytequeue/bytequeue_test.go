package bytequeue

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_WriteThenRead(t *testing.T) {
	q := New(64)

	n, err := q.Write([]byte("410D1E\r\r>"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, 9, q.Len())

	buf := make([]byte, 32)
	n, err = q.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "410D1E\r\r>", string(buf[:n]))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ReadBlocksUntilWrite(t *testing.T) {
	q := New(64)
	got := make(chan string, 1)

	go func() {
		buf := make([]byte, 16)
		n, _ := q.Read(buf)
		got <- string(buf[:n])
	}()

	select {
	case <-got:
		t.Fatal("Read MUST block on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := q.Write([]byte("OK"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "OK", s)
	case <-time.After(time.Second):
		t.Fatal("Read did not wake up")
	}
}

func TestQueue_OverflowDropsTail(t *testing.T) {
	q := New(4)

	n, err := q.Write([]byte("ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, uint64(4), q.Written())

	buf := make([]byte, 8)
	n, err = q.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(buf[:n]))
}

func TestQueue_CloseUnblocksReader(t *testing.T) {
	q := New(16)
	done := make(chan error, 1)

	go func() {
		_, err := q.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Close MUST unblock Read")
	}

	_, err := q.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.NoError(t, q.Close(), "Close MUST be idempotent")
}

func TestQueue_CloseKeepsBufferedBytes(t *testing.T) {
	q := New(16)
	_, _ = q.Write([]byte("hi"))
	_ = q.Close()

	buf := make([]byte, 4)
	n, err := q.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))

	_, err = q.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueue_ReadDeadline(t *testing.T) {
	q := New(16)
	require.NoError(t, q.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	start := time.Now()
	_, err := q.Read(make([]byte, 4))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	require.NoError(t, q.SetReadDeadline(time.Time{}))
	_, _ = q.Write([]byte("x"))
	n, err := q.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
