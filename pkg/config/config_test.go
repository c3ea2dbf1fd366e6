package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/pkg/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "bluez", cfg.Transport)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, 1, cfg.RFCOMMChannel)
	assert.Equal(t, 38400, cfg.SerialBaud)
	assert.Equal(t, time.Second, cfg.AttemptTimeout)
	assert.Equal(t, 4*time.Second, cfg.SettleDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.InitCommandDelay)
	assert.Equal(t, 800*time.Millisecond, cfg.MaxDeltaTime)
	assert.Equal(t, "strict", cfg.Gate)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: logrus.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	path := filepath.Join(t.TempDir(), "obdtrip.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
transport: serial
serial_path: /dev/rfcomm0
serial_baud: 9600
poll_interval: 250ms
gate: legacy
init_commands: [ATZ, ATSP0]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "serial", cfg.Transport)
	assert.Equal(t, "/dev/rfcomm0", cfg.SerialPath)
	assert.Equal(t, 9600, cfg.SerialBaud)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4*time.Second, cfg.SettleDelay, "unset keys MUST keep defaults")
	assert.Equal(t, []string{"ATZ", "ATSP0"}, cfg.InitCommands)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	chdir(t, t.TempDir())

	path := filepath.Join(t.TempDir(), "obdtrip.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: 00:00:00:00:00:01\n"), 0o600))

	t.Setenv("OBDTRIP_ADDRESS", "10:21:3E:48:16:76")
	t.Setenv("OBDTRIP_RFCOMM_CHANNEL", "2")
	t.Setenv("OBDTRIP_ATTEMPT_TIMEOUT", "2s")
	t.Setenv("OBDTRIP_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10:21:3E:48:16:76", cfg.Address)
	assert.Equal(t, 2, cfg.RFCOMMChannel)
	assert.Equal(t, 2*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, logrus.WarnLevel, cfg.LogLevel)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OBDTRIP_LISTEN=127.0.0.1:8099\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("OBDTRIP_LISTEN") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8099", cfg.Listen)
}

func TestLoad_Errors(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("OBDTRIP_SERIAL_BAUD", "fast")
	_, err = Load("")
	assert.ErrorContains(t, err, "OBDTRIP_SERIAL_BAUD")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport = "usb" }, wantErr: "invalid transport"},
		{name: "serial without path", mutate: func(c *Config) { c.Transport = "serial" }, wantErr: "serial_path"},
		{name: "channel out of range", mutate: func(c *Config) { c.RFCOMMChannel = 31 }, wantErr: "rfcomm_channel"},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: "poll_interval"},
		{name: "unknown gate", mutate: func(c *Config) { c.Gate = "sometimes" }, wantErr: "gate policy"},
		{name: "emulator", mutate: func(c *Config) { c.Transport = "emulator" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ManagerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 300 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second

	opts := cfg.ManagerOptions()
	assert.Equal(t, time.Second, opts.AttemptTimeout)
	assert.Equal(t, 4*time.Second, opts.SettleDelay)
	assert.Equal(t, 300*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Nil(t, opts.InitCommands)

	cfg.InitCommands = []string{"ATZ"}
	assert.Equal(t, []string{"ATZ"}, cfg.ManagerOptions().InitCommands)
}

func TestConfig_AccumulatorOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate = "legacy"
	cfg.MaxDeltaTime = time.Second

	opts := cfg.AccumulatorOptions()
	assert.Equal(t, distance.GateLegacy, opts.Gate)
	assert.Equal(t, time.Second, opts.MaxDeltaTime)
	assert.NotNil(t, opts.Clock)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
