package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrip_EmulatorRun(t *testing.T) {
	cfg := fastConfig(t, "")

	out, err := executeCommand(t, "trip", "--config", cfg, "--duration", "600ms", "--refresh", "20ms")
	require.NoError(t, err)

	assert.Contains(t, out, "Trip started for 00:00:00:00:00:00 over emulator")
	assert.Contains(t, out, "CONNECTED")
	assert.Contains(t, out, "Trip distance:")
}

func TestTrip_FlagsOverrideConfig(t *testing.T) {
	cfg := fastConfig(t, "address: \"10:21:3E:48:16:76\"\n")

	out, err := executeCommand(t, "trip", "--config", cfg, "--gate", "legacy", "--duration", "100ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Trip started for 10:21:3E:48:16:76 over emulator")

	_, err = executeCommand(t, "trip", "--config", cfg, "--gate", "sometimes")
	assert.ErrorContains(t, err, "invalid gate policy")
}

func TestTrip_RequiresAddress(t *testing.T) {
	cfg := fastConfig(t, "")

	_, err := executeCommand(t, "trip", "--config", cfg, "--transport", "serial", "--serial-path", "/dev/null")
	assert.True(t, errors.Is(err, ErrNoAddress), "got %v", err)
}

func TestTrip_InvalidLogLevel(t *testing.T) {
	cfg := fastConfig(t, "")

	_, err := executeCommand(t, "trip", "--config", cfg, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestTrip_MissingConfigFile(t *testing.T) {
	_, err := executeCommand(t, "trip", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestEmulate_ServesOnPTY(t *testing.T) {
	link := filepath.Join(t.TempDir(), "elm327")

	out, err := executeCommand(t, "emulate", "--speed", "42", "--duration", "100ms", "--symlink", link)
	if err != nil && strings.Contains(err.Error(), "failed to open PTY") {
		t.Skipf("pty unavailable: %v", err)
	}
	require.NoError(t, err)

	assert.Contains(t, out, "ELM327 emulator listening on ")
	assert.Contains(t, out, "--serial-path "+link)
	assert.Contains(t, out, "Emulator stopped:")

	_, statErr := os.Lstat(link)
	assert.True(t, os.IsNotExist(statErr), "symlink MUST be removed on exit")
}

func TestEmulate_RejectsSpeed(t *testing.T) {
	_, err := executeCommand(t, "emulate", "--speed", "300")
	assert.ErrorContains(t, err, "invalid speed")
}
