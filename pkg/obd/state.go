package obd

import "fmt"

// ConnectionState is the externally visible state of a Manager.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so states render by name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "DISCONNECTED":
		*s = Disconnected
	case "CONNECTING":
		*s = Connecting
	case "CONNECTED":
		*s = Connected
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}
