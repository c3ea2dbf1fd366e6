package obd

import "time"

// Options tunes the manager's timing. The defaults match an ELM327-class
// adapter behind a classic Bluetooth SPP link.
type Options struct {
	// AttemptTimeout bounds a single socket open inside the retry loop.
	AttemptTimeout time.Duration
	// SettleDelay is waited after the socket opens, before the adapter is used.
	SettleDelay time.Duration
	// PollInterval is the tick of the maintain loop.
	PollInterval time.Duration
	// InitCommandDelay is waited between sending an init command and reading its reply.
	InitCommandDelay time.Duration
	// ResponseDelay is waited between sending a poll command and reading its reply.
	ResponseDelay time.Duration
	// ReadTimeout, when positive, is applied to sockets that support read
	// deadlines. Zero blocks until the adapter answers or the socket closes.
	ReadTimeout time.Duration
	// InitCommands overrides the initialization sequence; nil uses InitCommands.
	InitCommands []string
	// StateBuffer and SpeedBuffer size the per-subscriber queues.
	StateBuffer int
	SpeedBuffer int
}

// DefaultOptions returns the timings tuned for embedded OBD adapters.
func DefaultOptions() *Options {
	return &Options{
		AttemptTimeout:   1 * time.Second,
		SettleDelay:      4 * time.Second,
		PollInterval:     200 * time.Millisecond,
		InitCommandDelay: 500 * time.Millisecond,
		ResponseDelay:    200 * time.Millisecond,
		StateBuffer:      16,
		SpeedBuffer:      64,
	}
}

func (o *Options) initCommands() []string {
	if o.InitCommands != nil {
		return o.InitCommands
	}
	return InitCommands
}
