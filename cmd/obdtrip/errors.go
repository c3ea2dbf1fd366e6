package main

import (
	"errors"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/obdtrip/internal/elmsim"
	"github.com/srg/obdtrip/internal/transport"
	"github.com/srg/obdtrip/pkg/obd"
)

// Command-level errors
var (
	// ErrNoAddress means neither the command line nor the configuration named an adapter.
	ErrNoAddress = errors.New("no adapter address")
)

// FormatUserError turns err into a message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.Is(err, ErrNoAddress):
		return "no adapter address given - pass one as an argument or set address in the config file"
	case errors.Is(err, transport.ErrUnsupported):
		return "this transport is not available on this platform - try --transport serial or emulator"
	case errors.Is(err, transport.ErrCharacteristicNotFound):
		return "the adapter does not expose the configured BLE serial service - check ble_service, ble_write and ble_notify"
	case errors.Is(err, elmsim.ErrUnknownService):
		return "the emulator only offers the serial port profile"
	case errors.Is(err, os.ErrPermission):
		return "permission denied - add your user to the dialout/bluetooth group or run with sudo: " + err.Error()
	case errors.As(err, &dbusErrPtr):
		return formatDBusError(dbusErrPtr.Name, err)
	case errors.As(err, &dbusErr):
		return formatDBusError(dbusErr.Name, err)
	case errors.Is(err, obd.ErrNotReady):
		return "adapter connection is not ready"
	}
	return err.Error()
}

func formatDBusError(name string, err error) string {
	switch {
	case strings.HasSuffix(name, ".AccessDenied"), strings.HasSuffix(name, ".NotPermitted"):
		return "BlueZ refused the request - run with sudo or grant access to org.bluez: " + err.Error()
	case strings.HasSuffix(name, ".ServiceUnknown"):
		return "bluetoothd is not running - start the bluetooth service"
	case strings.HasSuffix(name, ".DoesNotExist"), strings.HasSuffix(name, ".UnknownObject"):
		return "the adapter is not known to BlueZ - pair it first with bluetoothctl"
	}
	return err.Error()
}
