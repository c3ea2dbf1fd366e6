// Package elmsim emulates an ELM327 OBD-II interpreter attached to a moving
// vehicle. It answers the AT configuration commands the connection manager
// sends, honours echo/header/linefeed/space settings and reports vehicle
// speed (mode 01 PID 0D) from a configurable profile.
//
// The emulator is reachable three ways: in-process through Provider (an
// obd.SocketProvider), through a Conn, or on a pseudo-terminal via ServePTY.
package elmsim

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	Identity    = "ELM327 v1.5"
	Description = "OBDII to RS232 Interpreter"
	Prompt      = ">"

	// ecuHeader is the CAN id of the engine ECU reply.
	ecuHeader = "7E8"
)

// Settings are the interpreter flags toggled by AT commands.
type Settings struct {
	Echo      bool
	Headers   bool
	Linefeeds bool
	Spaces    bool
	Protocol  string
}

// DefaultSettings are the power-on settings of an ELM327.
func DefaultSettings() Settings {
	return Settings{
		Echo:      true,
		Headers:   false,
		Linefeeds: false,
		Spaces:    true,
		Protocol:  "0",
	}
}

// Options configures an Emulator.
type Options struct {
	// Profile drives the reported speed. Nil reports the value set with SetSpeed.
	Profile Profile
	// Voltage reported by ATRV.
	Voltage float64
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type handler func(e *Emulator, args string) []string

// Emulator is a single ELM327 device. Its settings are shared by every
// connection, as on real hardware.
type Emulator struct {
	opts     Options
	logger   *logrus.Logger
	commands *orderedmap.OrderedMap[string, handler]
	started  time.Time

	mu       sync.Mutex
	settings Settings
	handled  []string

	speed        atomic.Int32
	commandCount atomic.Uint64
}

// New creates an emulator with power-on settings.
func New(opts *Options, logger *logrus.Logger) *Emulator {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Voltage == 0 {
		o.Voltage = 12.6
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Emulator{
		opts:     o,
		logger:   logger,
		commands: commandTable(),
		started:  o.Clock(),
		settings: DefaultSettings(),
	}
}

// commandTable maps command prefixes to handlers. Lookup takes the first
// prefix that matches in insertion order, so longer prefixes sharing a stem
// (ATSP, ATST before ATS) are registered first.
func commandTable() *orderedmap.OrderedMap[string, handler] {
	t := orderedmap.New[string, handler]()

	t.Set("ATZ", func(e *Emulator, _ string) []string {
		e.settings = DefaultSettings()
		return []string{"", Identity}
	})
	t.Set("ATWS", func(e *Emulator, _ string) []string {
		e.settings = DefaultSettings()
		return []string{Identity}
	})
	t.Set("ATI", func(*Emulator, string) []string { return []string{Identity} })
	t.Set("AT@1", func(*Emulator, string) []string { return []string{Description} })
	t.Set("ATRV", func(e *Emulator, _ string) []string {
		return []string{strconv.FormatFloat(e.opts.Voltage, 'f', 1, 64) + "V"}
	})
	t.Set("ATDPN", func(e *Emulator, _ string) []string { return []string{"A" + e.settings.Protocol} })
	t.Set("ATDP", func(*Emulator, string) []string { return []string{"AUTO"} })
	t.Set("ATD", func(e *Emulator, _ string) []string {
		e.settings = DefaultSettings()
		return []string{"OK"}
	})
	t.Set("ATE", flag(func(s *Settings, v bool) { s.Echo = v }))
	t.Set("ATH", flag(func(s *Settings, v bool) { s.Headers = v }))
	t.Set("ATL", flag(func(s *Settings, v bool) { s.Linefeeds = v }))
	t.Set("ATSP", func(e *Emulator, args string) []string {
		if args == "" {
			return []string{"?"}
		}
		e.settings.Protocol = strings.TrimPrefix(args, "A")
		return []string{"OK"}
	})
	t.Set("ATST", func(*Emulator, string) []string { return []string{"OK"} })
	t.Set("ATS", flag(func(s *Settings, v bool) { s.Spaces = v }))
	t.Set("AT", func(*Emulator, string) []string { return []string{"?"} })

	// 0x0C (RPM) and 0x0D (speed) are the supported PIDs 01-20.
	t.Set("0100", func(e *Emulator, _ string) []string {
		return []string{e.frame(0x41, 0x00, 0x00, 0x18, 0x00, 0x00)}
	})
	t.Set("010C", func(e *Emulator, _ string) []string {
		rpm := 800 + e.Speed()*30
		v := rpm * 4
		return []string{e.frame(0x41, 0x0C, byte(v>>8), byte(v))}
	})
	t.Set("010D", func(e *Emulator, _ string) []string {
		return []string{e.frame(0x41, 0x0D, byte(e.Speed()))}
	})

	return t
}

func flag(set func(*Settings, bool)) handler {
	return func(e *Emulator, args string) []string {
		switch args {
		case "0":
			set(&e.settings, false)
		case "1":
			set(&e.settings, true)
		default:
			return []string{"?"}
		}
		return []string{"OK"}
	}
}

// frame renders an ECU reply honouring the header and space settings.
// Callers hold e.mu.
func (e *Emulator) frame(data ...byte) string {
	parts := make([]string, 0, len(data)+2)
	if e.settings.Headers {
		parts = append(parts, ecuHeader, fmt.Sprintf("%02X", len(data)))
	}
	for _, b := range data {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	sep := ""
	if e.settings.Spaces {
		sep = " "
	}
	return strings.Join(parts, sep)
}

// SetSpeed fixes the reported speed when no profile is configured.
func (e *Emulator) SetSpeed(kph int) {
	e.speed.Store(int32(clampSpeed(kph)))
}

// Speed returns the speed that 010D reports right now.
func (e *Emulator) Speed() int {
	if e.opts.Profile != nil {
		return clampSpeed(e.opts.Profile(e.opts.Clock().Sub(e.started)))
	}
	return int(e.speed.Load())
}

// Settings returns a copy of the current interpreter settings.
func (e *Emulator) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// historyLimit bounds Handled; older commands are discarded.
const historyLimit = 1024

// CommandCount returns the number of commands processed since creation.
func (e *Emulator) CommandCount() uint64 {
	return e.commandCount.Load()
}

// Handled returns the most recent normalized commands, oldest first.
func (e *Emulator) Handled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.handled...)
}

// Handle processes one command line (without terminator) and returns the
// complete reply: optional echo, data lines and the prompt.
func (e *Emulator) Handle(line string) []byte {
	cmd := normalize(line)

	e.mu.Lock()
	defer e.mu.Unlock()

	eol := "\r"
	if e.settings.Linefeeds {
		eol = "\r\n"
	}

	var b strings.Builder
	if e.settings.Echo {
		b.WriteString(line)
		b.WriteString(eol)
	}

	if cmd != "" {
		e.commandCount.Add(1)
		if len(e.handled) == historyLimit {
			e.handled = append(e.handled[:0], e.handled[historyLimit/2:]...)
		}
		e.handled = append(e.handled, cmd)
		lines := e.dispatch(cmd)

		// Settings changed by the command apply to its own reply.
		eol = "\r"
		if e.settings.Linefeeds {
			eol = "\r\n"
		}
		for _, l := range lines {
			b.WriteString(l)
			b.WriteString(eol)
		}
		b.WriteString(eol)

		if e.logger.IsLevelEnabled(logrus.TraceLevel) {
			e.logger.WithFields(logrus.Fields{
				"command": cmd,
				"reply":   strings.Join(lines, "|"),
			}).Trace("ELM327 command handled")
		}
	}

	b.WriteString(Prompt)
	return []byte(b.String())
}

func (e *Emulator) dispatch(cmd string) []string {
	for pair := e.commands.Oldest(); pair != nil; pair = pair.Next() {
		if strings.HasPrefix(cmd, pair.Key) {
			return pair.Value(e, cmd[len(pair.Key):])
		}
	}
	if isHex(cmd) {
		return []string{"NO DATA"}
	}
	return []string{"?"}
}

func normalize(line string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}
	return s != ""
}

func clampSpeed(kph int) int {
	switch {
	case kph < 0:
		return 0
	case kph > 255:
		return 255
	default:
		return kph
	}
}
