//go:build !linux

package transport

import "github.com/sirupsen/logrus"

func openBlueZ(string, *logrus.Logger) (Provider, error) {
	return nil, ErrUnsupported
}

func openRFCOMM(uint8, *logrus.Logger) (Provider, error) {
	return nil, ErrUnsupported
}
