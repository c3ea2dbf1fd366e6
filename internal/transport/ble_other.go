//go:build !darwin && !linux

package transport

import "github.com/go-ble/ble"

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return nil, ErrUnsupported
}
