// Package transport provides the obd.SocketProvider implementations that
// reach a physical adapter: BlueZ profile connections and raw RFCOMM sockets
// on Linux, serial TTYs (including bound /dev/rfcommN nodes), BLE-serial
// adapters through go-ble, and the in-process ELM327 emulator.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/internal/elmsim"
	"github.com/srg/obdtrip/pkg/config"
	"github.com/srg/obdtrip/pkg/obd"
)

// ErrUnsupported is returned for transports not available on this platform.
var ErrUnsupported = errors.New("transport not supported on this platform")

// Provider is a socket provider that owns OS resources released by Close.
type Provider interface {
	obd.SocketProvider
	io.Closer
}

// New builds the provider selected by cfg.Transport.
func New(cfg *config.Config, logger *logrus.Logger) (Provider, error) {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("transport", cfg.Transport)

	switch cfg.Transport {
	case "bluez":
		log.WithField("adapter", cfg.Adapter).Debug("Using BlueZ profile transport")
		return openBlueZ(cfg.Adapter, logger)
	case "rfcomm":
		log.WithField("channel", cfg.RFCOMMChannel).Debug("Using raw RFCOMM transport")
		return openRFCOMM(uint8(cfg.RFCOMMChannel), logger)
	case "serial":
		log.WithField("path", cfg.SerialPath).Debug("Using serial transport")
		return NewSerial(cfg.SerialPath, cfg.SerialBaud, logger), nil
	case "ble":
		log.WithField("service", cfg.BLEService).Debug("Using BLE transport")
		b, err := NewBLE(BLEOptions{
			Service:    cfg.BLEService,
			Write:      cfg.BLEWrite,
			Notify:     cfg.BLENotify,
			ChunkDelay: DefaultChunkDelay,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "emulator":
		log.Debug("Using ELM327 emulator")
		em := elmsim.New(&elmsim.Options{Profile: elmsim.DriveCycle()}, logger)
		return elmsim.NewProvider(em), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}
