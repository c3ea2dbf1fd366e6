package obd

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SerialPortServiceUUID is the RFCOMM Serial Port Profile service class.
const SerialPortServiceUUID = "00001101-0000-1000-8000-00805F9B34FB"

const (
	// CommandTerminator ends every command sent to the adapter.
	CommandTerminator = "\r"

	// SpeedCommand requests vehicle speed (mode 01, PID 0D).
	SpeedCommand = "010D"

	// SpeedResponseMarker prefixes a positive response to SpeedCommand.
	SpeedResponseMarker = "410D"

	// ReceiveBufferSize bounds a single read from the adapter.
	ReceiveBufferSize = 1024
)

// InitCommands configure the adapter once per new socket:
// reset, headers off, linefeeds off, spaces off, echo off.
var InitCommands = []string{"ATZ", "ATH0", "ATL0", "ATS0", "ATE0"}

// SpeedSample is vehicle speed in km/h.
type SpeedSample uint8

// Kph returns the sample as an int.
func (s SpeedSample) Kph() int {
	return int(s)
}

// FrameCommand appends the terminator to cmd.
func FrameCommand(cmd string) []byte {
	return []byte(cmd + CommandTerminator)
}

// ParseSpeed extracts a speed sample from a raw adapter response.
// ok is false when the response does not carry the speed marker.
// A response with the marker but without a decodable byte returns ErrParse.
func ParseSpeed(response string) (sample SpeedSample, ok bool, err error) {
	if !strings.Contains(response, SpeedResponseMarker) {
		return 0, false, nil
	}

	alnum := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, response)

	// Marker plus at least one byte.
	if len(alnum) < len(SpeedResponseMarker)+2 {
		return 0, true, fmt.Errorf("%w: %q", ErrParse, response)
	}

	v, err := strconv.ParseUint(alnum[len(alnum)-2:], 16, 8)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %q: %v", ErrParse, response, err)
	}
	return SpeedSample(v), true, nil
}
