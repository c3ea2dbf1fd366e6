package elmsim

import (
	"math"
	"time"
)

// Profile maps time since the emulator started to a speed in km/h.
type Profile func(elapsed time.Duration) int

// Waypoint is a speed reached at a point in the cycle.
type Waypoint struct {
	At  time.Duration
	Kph int
}

// Constant always reports kph.
func Constant(kph int) Profile {
	return func(time.Duration) int { return kph }
}

// Waypoints interpolates linearly between points and repeats after the last
// one. Points must be sorted by At and the first should be at zero.
func Waypoints(points ...Waypoint) Profile {
	if len(points) == 0 {
		return Constant(0)
	}
	period := points[len(points)-1].At

	return func(elapsed time.Duration) int {
		if period > 0 {
			elapsed %= period
		}
		prev := points[0]
		for _, p := range points[1:] {
			if elapsed <= p.At {
				span := p.At - prev.At
				if span <= 0 {
					return p.Kph
				}
				frac := float64(elapsed-prev.At) / float64(span)
				return int(math.Round(float64(prev.Kph) + frac*float64(p.Kph-prev.Kph)))
			}
			prev = p
		}
		return prev.Kph
	}
}

// DriveCycle is a one-minute urban loop: pull away, cruise, brake, idle.
func DriveCycle() Profile {
	return Waypoints(
		Waypoint{At: 0, Kph: 0},
		Waypoint{At: 12 * time.Second, Kph: 50},
		Waypoint{At: 30 * time.Second, Kph: 50},
		Waypoint{At: 36 * time.Second, Kph: 80},
		Waypoint{At: 45 * time.Second, Kph: 80},
		Waypoint{At: 55 * time.Second, Kph: 0},
		Waypoint{At: 60 * time.Second, Kph: 0},
	)
}
