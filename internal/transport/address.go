package transport

import (
	"fmt"
	"net"
	"strings"
)

// Address is a Bluetooth device address in display order (MSB first).
type Address [6]byte

// ParseAddress accepts "AA:BB:CC:DD:EE:FF" and "AA-BB-CC-DD-EE-FF".
func ParseAddress(s string) (Address, error) {
	var a Address
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return a, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("invalid bluetooth address %q: want 6 bytes, got %d", s, len(hw))
	}
	copy(a[:], hw)
	return a, nil
}

// String formats the address as upper-case colon-separated hex.
func (a Address) String() string {
	return strings.ToUpper(net.HardwareAddr(a[:]).String())
}

// LittleEndian returns the byte order used by bdaddr_t in kernel sockaddrs.
func (a Address) LittleEndian() [6]byte {
	var r [6]byte
	for i := range a {
		r[i] = a[len(a)-1-i]
	}
	return r
}

// BlueZPath returns the Device1 object path of the address under adapter.
func (a Address) BlueZPath(adapter string) string {
	return fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(a.String(), ":", "_"))
}
