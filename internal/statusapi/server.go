// Package statusapi exposes the connection manager and trip accumulator over
// HTTP: JSON endpoints for commands and snapshots plus a WebSocket stream of
// state, speed and distance events.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/internal/groutine"
	"github.com/srg/obdtrip/internal/observable"
	"github.com/srg/obdtrip/pkg/distance"
	"github.com/srg/obdtrip/pkg/obd"
)

const shutdownTimeout = 2 * time.Second

// Manager is the connection surface the API drives; *obd.Manager satisfies it.
type Manager interface {
	State() obd.ConnectionState
	States() *observable.Value[obd.ConnectionState]
	Speeds() *observable.Stream[obd.SpeedSample]
	Address() string
	Attempts() uint64
	Connect(address string)
	Disconnect()
}

// Trip is the accumulator surface; *distance.Accumulator satisfies it.
type Trip interface {
	Snapshot() distance.Snapshot
	Distance() *observable.Value[float64]
	Begin()
	End()
	Pause()
	Resume()
	Reset()
}

// Status is the body of GET /api/v1/status.
type Status struct {
	State    obd.ConnectionState `json:"state"`
	Address  string              `json:"address,omitempty"`
	Attempts uint64              `json:"attempts"`
	Trip     distance.Snapshot   `json:"trip"`
}

type connectRequest struct {
	Address string `json:"address"`
}

// Server holds handler dependencies.
type Server struct {
	mgr    Manager
	trip   Trip
	logger *logrus.Logger
	router *mux.Router

	defaultAddress string
}

// NewServer wires every route.
func NewServer(mgr Manager, trip Trip, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		mgr:    mgr,
		trip:   trip,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/trip", s.handleTrip).Methods(http.MethodGet)
	api.HandleFunc("/trip/{action}", s.handleTripAction).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
}

// SetDefaultAddress sets the adapter used by POST /connect without a body.
func (s *Server) SetDefaultAddress(address string) {
	s.defaultAddress = address
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	groutine.Go(ctx, "statusapi-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Debug("Status API shutdown")
		}
	})

	s.logger.WithField("addr", ln.Addr().String()).Info("Status API listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func (s *Server) status() Status {
	return Status{
		State:    s.mgr.State(),
		Address:  s.mgr.Address(),
		Attempts: s.mgr.Attempts(),
		Trip:     s.trip.Snapshot(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		address = s.mgr.Address()
	}
	if address == "" {
		address = s.defaultAddress
	}
	if address == "" {
		respondError(w, http.StatusBadRequest, "address is required")
		return
	}

	s.mgr.Connect(address)
	respondJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.mgr.Disconnect()
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleTrip(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.trip.Snapshot())
}

func (s *Server) handleTripAction(w http.ResponseWriter, r *http.Request) {
	switch action := mux.Vars(r)["action"]; action {
	case "begin":
		s.trip.Begin()
	case "end":
		s.trip.End()
	case "pause":
		s.trip.Pause()
	case "resume":
		s.trip.Resume()
	case "reset":
		s.trip.Reset()
	default:
		respondError(w, http.StatusNotFound, "unknown trip action: "+action)
		return
	}
	respondJSON(w, http.StatusOK, s.trip.Snapshot())
}
