package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/obdtrip/internal/transport"
	"github.com/srg/obdtrip/pkg/config"
	"github.com/srg/obdtrip/pkg/distance"
	"github.com/srg/obdtrip/pkg/obd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args after resetting every flag,
// since cobra keeps flag state between executions.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	for _, c := range []*cobra.Command{rootCmd, tripCmd, emulateCmd} {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
	}

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// fastConfig writes a configuration with short manager timings.
func fastConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obdtrip.yaml")
	body := `transport: emulator
attempt_timeout: 100ms
settle_delay: 5ms
poll_interval: 10ms
init_command_delay: 1ms
response_delay: 1ms
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		verbose  bool
		fallback logrus.Level
		want     logrus.Level
		wantErr  bool
	}{
		{"fallback", "", false, logrus.WarnLevel, logrus.WarnLevel, false},
		{"verbose", "", true, logrus.WarnLevel, logrus.DebugLevel, false},
		{"level wins over verbose", "error", true, logrus.InfoLevel, logrus.ErrorLevel, false},
		{"info", "info", false, logrus.PanicLevel, logrus.InfoLevel, false},
		{"trace", "trace", false, logrus.InfoLevel, logrus.TraceLevel, false},
		{"invalid", "loud", false, logrus.InfoLevel, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			require.NoError(t, cmd.Flags().Set("log-level", tt.level))
			require.NoError(t, cmd.Flags().Set("verbose", fmt.Sprint(tt.verbose)))
			errOut := new(bytes.Buffer)
			cmd.SetErr(errOut)

			cfg := &config.Config{LogLevel: tt.fallback}
			logger, err := configureLogger(cmd, "verbose", cfg)
			if tt.wantErr {
				assert.ErrorContains(t, err, "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
			assert.Equal(t, tt.want, cfg.LogLevel, "the resolved level MUST be kept on the config")

			_, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			logger.Error("boom")
			assert.Contains(t, errOut.String(), "boom", "logs MUST go to the command's stderr")
		})
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"no address", ErrNoAddress, "no adapter address given"},
		{"unsupported", fmt.Errorf("open: %w", transport.ErrUnsupported), "not available on this platform"},
		{"missing characteristic", transport.ErrCharacteristicNotFound, "BLE serial service"},
		{"permission", fmt.Errorf("serial: open /dev/rfcomm0: %w", os.ErrPermission), "permission denied"},
		{"dbus access", fmt.Errorf("bluez: RegisterProfile: %w", &dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}), "run with sudo"},
		{"dbus unknown device", dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}, "pair it first"},
		{"not ready", obd.ErrNotReady, "not ready"},
		{"passthrough", errors.New("something odd"), "something odd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

func TestTripView_NonTerminalPrintsChanges(t *testing.T) {
	color.NoColor = true
	buf := new(bytes.Buffer)
	v := newTripView(buf, false)

	v.render(distance.Snapshot{})
	v.render(distance.Snapshot{})
	v.state = obd.Connected
	v.speed, v.hasSpeed = 54, true
	v.render(distance.Snapshot{Distance: 15.04, DistanceCorrected: 15})
	v.render(distance.Snapshot{Distance: 15.04, DistanceCorrected: 15, Paused: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "unchanged renders MUST NOT repeat")
	assert.Contains(t, lines[0], "DISCONNECTED")
	assert.Contains(t, lines[0], "--")
	assert.Contains(t, lines[1], "CONNECTED")
	assert.Contains(t, lines[1], " 54 km/h")
	assert.Contains(t, lines[1], "distance 15.0 m (15 m)")
	assert.Contains(t, lines[2], "[paused]")
}

func TestTripView_TerminalRewritesLine(t *testing.T) {
	color.NoColor = true
	buf := new(bytes.Buffer)
	v := newTripView(buf, true)

	v.render(distance.Snapshot{})
	v.render(distance.Snapshot{})

	assert.Equal(t, 2, strings.Count(buf.String(), clearLineSequence))
	assert.NotContains(t, buf.String(), "\n")

	v.summary(distance.Snapshot{Distance: 1234.56, DistanceCorrected: 1234}, 3)
	assert.Contains(t, buf.String(), "Trip distance: 1234.6 m (1234 m corrected), 3 connection attempts")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(new(bytes.Buffer)))

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}
