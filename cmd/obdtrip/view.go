package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/srg/obdtrip/pkg/distance"
	"github.com/srg/obdtrip/pkg/obd"
	"golang.org/x/term"
)

const clearLineSequence = "\r\033[K"

var (
	connectedColor    = color.New(color.FgGreen, color.Bold)
	connectingColor   = color.New(color.FgYellow)
	disconnectedColor = color.New(color.FgRed)
	pausedColor       = color.New(color.FgCyan)
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func stateLabel(st obd.ConnectionState) string {
	label := fmt.Sprintf("%-12s", st.String())
	switch st {
	case obd.Connected:
		return connectedColor.Sprint(label)
	case obd.Connecting:
		return connectingColor.Sprint(label)
	default:
		return disconnectedColor.Sprint(label)
	}
}

// tripView renders live trip status. On a terminal it rewrites one line;
// otherwise it appends a line whenever something visible changed.
type tripView struct {
	out io.Writer
	tty bool

	state    obd.ConnectionState
	speed    int
	hasSpeed bool
	last     string
}

func newTripView(out io.Writer, tty bool) *tripView {
	return &tripView{out: out, tty: tty}
}

func (v *tripView) line(snap distance.Snapshot) string {
	speed := " --"
	if v.hasSpeed {
		speed = fmt.Sprintf("%3d", v.speed)
	}
	s := fmt.Sprintf("%s speed %s km/h  distance %.1f m (%d m)",
		stateLabel(v.state), speed, snap.Distance, snap.DistanceCorrected)
	if snap.Paused {
		s += " " + pausedColor.Sprint("[paused]")
	}
	return s
}

func (v *tripView) render(snap distance.Snapshot) {
	l := v.line(snap)
	if v.tty {
		fmt.Fprint(v.out, clearLineSequence+l)
		return
	}
	if l != v.last {
		fmt.Fprintln(v.out, l)
	}
	v.last = l
}

// run renders until ctx is done or the manager's streams close.
func (v *tripView) run(ctx context.Context, mgr *obd.Manager, trip *distance.Accumulator, refresh time.Duration) {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	states := mgr.States().Subscribe(16)
	defer states.Unsubscribe()
	speeds := mgr.Speeds().Subscribe(16)
	defer speeds.Unsubscribe()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if v.tty {
				fmt.Fprintln(v.out)
			}
			return
		case st, ok := <-states.C():
			if !ok {
				return
			}
			v.state = st
			v.render(trip.Snapshot())
		case s, ok := <-speeds.C():
			if !ok {
				return
			}
			v.speed, v.hasSpeed = s.Kph(), true
		case <-ticker.C:
			v.render(trip.Snapshot())
		}
	}
}

func (v *tripView) summary(snap distance.Snapshot, attempts uint64) {
	fmt.Fprintf(v.out, "Trip distance: %.1f m (%d m corrected), %d connection attempts\n",
		snap.Distance, snap.DistanceCorrected, attempts)
}
