package obd

import (
	"context"
	"io"
)

// Socket is a duplex byte stream to an OBD adapter.
type Socket interface {
	io.ReadWriteCloser

	// IsConnected reports whether the link is up. A socket that reports false
	// is skipped by the polling loop rather than treated as failed.
	IsConnected() bool
}

// Flusher is implemented by sockets that buffer writes.
type Flusher interface {
	Flush() error
}

// RemoteDevice is a resolved handle for one adapter address.
type RemoteDevice interface {
	Address() string

	// OpenSerial opens a byte stream to the given service. It must honour ctx
	// so a per-attempt deadline can abandon a hung open.
	OpenSerial(ctx context.Context, serviceUUID string) (Socket, error)
}

// SocketProvider resolves adapter addresses. Implementations live outside the
// manager, which never owns the underlying Bluetooth adapter.
type SocketProvider interface {
	RemoteDevice(address string) (RemoteDevice, error)
}
