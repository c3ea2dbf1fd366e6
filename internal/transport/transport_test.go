package transport

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/obdtrip/internal/elmsim"
	"github.com/srg/obdtrip/internal/testutils"
	"github.com/srg/obdtrip/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"colon", "10:21:3e:48:16:76", "10:21:3E:48:16:76", false},
		{"dash", "10-21-3E-48-16-76", "10:21:3E:48:16:76", false},
		{"padded", "  AA:BB:CC:DD:EE:FF ", "AA:BB:CC:DD:EE:FF", false},
		{"short", "AA:BB:CC", "", true},
		{"eui64", "00:00:00:00:fe:80:00:00", "", true},
		{"garbage", "not-a-mac", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.String())
		})
	}
}

func TestAddress_KernelOrderAndPath(t *testing.T) {
	a, err := ParseAddress("10:21:3E:48:16:76")
	require.NoError(t, err)

	assert.Equal(t, [6]byte{0x76, 0x16, 0x48, 0x3E, 0x21, 0x10}, a.LittleEndian())
	assert.Equal(t, "/org/bluez/hci0/dev_10_21_3E_48_16_76", a.BlueZPath("hci0"))
}

func TestNew_SelectsProvider(t *testing.T) {
	logger := testutils.SilentLogger()

	t.Run("emulator", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Transport = "emulator"
		p, err := New(cfg, logger)
		require.NoError(t, err)
		defer p.Close()
		assert.IsType(t, &elmsim.Provider{}, p)
	})

	t.Run("serial", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Transport = "serial"
		cfg.SerialPath = "/dev/rfcomm0"
		p, err := New(cfg, logger)
		require.NoError(t, err)
		s, ok := p.(*Serial)
		require.True(t, ok)
		assert.Equal(t, "/dev/rfcomm0", s.path)
		assert.Equal(t, 38400, s.baud)
	})

	t.Run("ble", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Transport = "ble"
		p, err := New(cfg, logger)
		require.NoError(t, err)
		b, ok := p.(*BLE)
		require.True(t, ok)
		assert.True(t, b.service.Equal(ble.MustParse("fff0")))
		assert.Equal(t, DefaultChunkSize, b.opts.ChunkSize)
		assert.Equal(t, DefaultChunkDelay, b.opts.ChunkDelay)
	})

	t.Run("ble bad uuid", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Transport = "ble"
		cfg.BLENotify = "zz"
		_, err := New(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("bluez", func(t *testing.T) {
		cfg := config.DefaultConfig()
		p, err := New(cfg, logger)
		if runtime.GOOS != "linux" {
			assert.ErrorIs(t, err, ErrUnsupported)
			return
		}
		require.NoError(t, err)
		assert.NoError(t, p.Close(), "closing an unused BlueZ provider never touches the bus")
	})

	t.Run("rfcomm", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Transport = "rfcomm"
		p, err := New(cfg, logger)
		if runtime.GOOS != "linux" {
			assert.ErrorIs(t, err, ErrUnsupported)
			return
		}
		require.NoError(t, err)
		_, err = p.RemoteDevice("bogus")
		assert.Error(t, err, "addresses are validated before any socket is created")
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Transport = "carrier-pigeon"
		_, err := New(cfg, logger)
		assert.Error(t, err)
	})
}

func TestFileSocket(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	closes := 0
	s := newFileSocket(r, func() { closes++ })
	assert.True(t, s.IsConnected())

	_, err = w.Write([]byte("410D3C\r>"))
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "410D3C\r>", string(buf[:n]))

	require.NoError(t, s.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
	assert.Equal(t, 1, closes)
}
