package statusapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srg/obdtrip/pkg/obd"
)

const (
	pingInterval = 20 * time.Second
	writeTimeout = 5 * time.Second
	eventBuffer  = 32
)

// Event kinds pushed on /api/v1/events.
const (
	EventState    = "state"
	EventSpeed    = "speed"
	EventDistance = "distance"
)

// Event is one WebSocket message. Only the fields of its Type are set.
type Event struct {
	Type              string               `json:"type"`
	Time              time.Time            `json:"time"`
	State             *obd.ConnectionState `json:"state,omitempty"`
	SpeedKph          *int                 `json:"speed_kph,omitempty"`
	Distance          *float64             `json:"distance_m,omitempty"`
	DistanceCorrected *int                 `json:"distance_corrected_m,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// handleEvents streams events until the client goes away. The current state
// and distance are sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	states := s.mgr.States().Subscribe(eventBuffer)
	defer states.Unsubscribe()
	speeds := s.mgr.Speeds().Subscribe(eventBuffer)
	defer speeds.Unsubscribe()
	distances := s.trip.Distance().Subscribe(eventBuffer)
	defer distances.Unsubscribe()

	// Reads are only needed to observe the close handshake.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	send := func(evt Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(evt); err != nil {
			s.logger.WithError(err).Debug("WebSocket write failed")
			return false
		}
		return true
	}

	for {
		var evt Event
		select {
		case st, ok := <-states.C():
			if !ok {
				return
			}
			evt = Event{Type: EventState, State: &st}
		case v, ok := <-speeds.C():
			if !ok {
				return
			}
			kph := v.Kph()
			evt = Event{Type: EventSpeed, SpeedKph: &kph}
		case d, ok := <-distances.C():
			if !ok {
				return
			}
			corrected := s.trip.Snapshot().DistanceCorrected
			evt = Event{Type: EventDistance, Distance: &d, DistanceCorrected: &corrected}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}

		evt.Time = time.Now()
		if !send(evt) {
			return
		}
	}
}
