// Package distance integrates speed samples into travelled distance.
//
// Each accepted sample adds the area under the speed curve since the previous
// sample. Two totals are kept: the raw total uses the new speed for the whole
// interval, the corrected total assumes linear acceleration between the two
// samples (trapezoid) and accumulates whole meters only.
package distance

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/internal/groutine"
	"github.com/srg/obdtrip/internal/observable"
	"github.com/srg/obdtrip/pkg/obd"
)

const kphPerMps = 3.6

// GatePolicy decides when samples advance the totals.
type GatePolicy int

const (
	// GateConnectedAndActive accumulates only while not paused and connected.
	GateConnectedAndActive GatePolicy = iota
	// GateLegacy accumulates while not paused OR not connected, reproducing
	// the gate of the first-generation trip meter.
	GateLegacy
)

func (g GatePolicy) String() string {
	switch g {
	case GateConnectedAndActive:
		return "strict"
	case GateLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("GatePolicy(%d)", int(g))
	}
}

// ParseGatePolicy accepts "strict" or "legacy".
func ParseGatePolicy(s string) (GatePolicy, error) {
	switch s {
	case "", "strict":
		return GateConnectedAndActive, nil
	case "legacy":
		return GateLegacy, nil
	default:
		return 0, fmt.Errorf("invalid gate policy: %s (must be strict or legacy)", s)
	}
}

// Options configures an Accumulator.
type Options struct {
	MaxDeltaTime time.Duration    // cap on the interval credited to one sample
	Gate         GatePolicy       // see GatePolicy
	SpeedBuffer  int              // per-subscription queue for speed samples
	Clock        func() time.Time // defaults to time.Now
}

// DefaultOptions returns the 0.8 s interval cap and strict gating. The two
// gates disagree only while disconnected, where GateLegacy keeps accumulating.
func DefaultOptions() *Options {
	return &Options{
		MaxDeltaTime: 800 * time.Millisecond,
		Gate:         GateConnectedAndActive,
		SpeedBuffer:  64,
		Clock:        time.Now,
	}
}

// Source provides connection state and speed samples; *obd.Manager satisfies it.
type Source interface {
	States() *observable.Value[obd.ConnectionState]
	Speeds() *observable.Stream[obd.SpeedSample]
}

// Snapshot is a consistent view of the accumulator.
type Snapshot struct {
	Distance          float64   `json:"distance_m"`
	DistanceCorrected int       `json:"distance_corrected_m"`
	LastSpeedKph      int       `json:"last_speed_kph"`
	LastUpdate        time.Time `json:"last_update"`
	Paused            bool      `json:"paused"`
	Connected         bool      `json:"connected"`
	Running           bool      `json:"running"`
}

// Accumulator turns a speed stream into distance.
type Accumulator struct {
	src    Source
	opts   *Options
	logger *logrus.Logger

	paused    atomic.Bool
	connected atomic.Bool

	mu         sync.Mutex
	raw        float64
	corrected  int
	lastSpeed  int
	lastUpdate time.Time

	distance          *observable.Value[float64]
	distanceCorrected *observable.Value[int]

	loopMu     sync.Mutex
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

// New creates an accumulator and starts tracking the source's connection
// state. Accumulation itself starts with Begin.
func New(src Source, opts *Options, logger *logrus.Logger) *Accumulator {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}

	a := &Accumulator{
		src:               src,
		opts:              opts,
		logger:            logger,
		lastUpdate:        opts.Clock(),
		distance:          observable.NewValue(0.0),
		distanceCorrected: observable.NewValue(0),
	}

	sub := src.States().Subscribe(0)
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelWatch = cancel
	a.watchDone = make(chan struct{})
	groutine.Go(ctx, "distance-state-watch", func(ctx context.Context) {
		defer close(a.watchDone)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-sub.C():
				if !ok {
					return
				}
				a.connected.Store(st == obd.Connected)
			}
		}
	})

	return a
}

// Distance exposes the raw total in meters.
func (a *Accumulator) Distance() *observable.Value[float64] {
	return a.distance
}

// DistanceCorrected exposes the corrected total in whole meters.
func (a *Accumulator) DistanceCorrected() *observable.Value[int] {
	return a.distanceCorrected
}

// Reset zeroes both totals and the previous speed and restarts the interval baseline.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.raw = 0
	a.corrected = 0
	a.lastSpeed = 0
	a.lastUpdate = a.opts.Clock()
	a.distance.Set(0)
	a.distanceCorrected.Set(0)
}

// Begin (re)starts consuming the speed stream. A running loop is stopped first.
func (a *Accumulator) Begin() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()

	a.stopLoopLocked()

	// Subscribe before returning so no sample published after Begin is missed.
	sub := a.src.Speeds().Subscribe(a.opts.SpeedBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancelLoop = cancel
	a.loopDone = done

	a.logger.WithField("gate", a.opts.Gate).Info("Distance calculation started")
	groutine.Go(ctx, "distance-loop", func(ctx context.Context) {
		defer close(done)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				a.Record(v)
			}
		}
	})
}

// End stops the consumption loop and resets the totals. The loop is stopped
// first so no in-flight sample lands after the reset.
func (a *Accumulator) End() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.stopLoopLocked() {
		a.logger.Info("Distance calculation stopped")
	}
	a.Reset()
}

// Running reports whether the consumption loop is active.
func (a *Accumulator) Running() bool {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	return a.cancelLoop != nil
}

func (a *Accumulator) stopLoopLocked() bool {
	if a.cancelLoop == nil {
		return false
	}
	a.cancelLoop()
	<-a.loopDone
	a.cancelLoop = nil
	a.loopDone = nil
	return true
}

// Pause stops advancing the totals. Samples still refresh the interval baseline.
func (a *Accumulator) Pause() {
	a.paused.Store(true)
}

// Resume undoes Pause.
func (a *Accumulator) Resume() {
	a.paused.Store(false)
}

// Paused reports whether updates are being ignored.
func (a *Accumulator) Paused() bool {
	return a.paused.Load()
}

// Close stops both background loops and detaches distance subscribers.
func (a *Accumulator) Close() {
	a.loopMu.Lock()
	a.stopLoopLocked()
	a.loopMu.Unlock()

	a.cancelWatch()
	<-a.watchDone

	a.distance.Close()
	a.distanceCorrected.Close()
}

func (a *Accumulator) accepting() bool {
	paused := a.paused.Load()
	connected := a.connected.Load()
	if a.opts.Gate == GateLegacy {
		return !paused || !connected
	}
	return !paused && connected
}

// Record applies one sample at the current clock time. It reports whether
// the totals were advanced; a gated sample only refreshes the baseline.
func (a *Accumulator) Record(sample obd.SpeedSample) bool {
	now := a.opts.Clock()
	speed := sample.Kph()

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.accepting() {
		a.lastUpdate = now
		return false
	}

	dt := math.Min(now.Sub(a.lastUpdate).Seconds(), a.opts.MaxDeltaTime.Seconds())
	if dt < 0 {
		dt = 0
	}

	prev := float64(a.lastSpeed) / kphPerMps * dt
	cur := float64(speed) / kphPerMps * dt
	corrected := prev + (cur-prev)*0.5

	a.raw += cur
	a.corrected += int(corrected)
	a.lastSpeed = speed
	a.lastUpdate = now

	a.distance.Set(a.raw)
	a.distanceCorrected.Set(a.corrected)

	if a.logger.IsLevelEnabled(logrus.DebugLevel) {
		a.logger.WithFields(logrus.Fields{
			"speed_kph":      speed,
			"delta_time":     dt,
			"delta_dist":     cur,
			"delta_dist_cor": corrected,
			"distance":       a.raw,
			"distance_cor":   a.corrected,
		}).Debug("Distance updated")
	}
	return true
}

// Snapshot returns the current totals and flags.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	s := Snapshot{
		Distance:          a.raw,
		DistanceCorrected: a.corrected,
		LastSpeedKph:      a.lastSpeed,
		LastUpdate:        a.lastUpdate,
	}
	a.mu.Unlock()

	s.Paused = a.paused.Load()
	s.Connected = a.connected.Load()
	s.Running = a.Running()
	return s
}
