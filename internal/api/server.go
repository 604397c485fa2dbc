package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/ingest"
	"github.com/carbono-zero/co2-live/internal/metrics"
	"github.com/carbono-zero/co2-live/internal/report"
	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/carbono-zero/co2-live/internal/tax"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 64 << 10

// Sessions is the session controller as seen by the HTTP layer.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (session.Snapshot, error)
	Stop(ctx context.Context, sessionID string) error
	StopAll(ctx context.Context) int
	Snapshot(sessionID string) (session.Snapshot, bool)
	Snapshots() []session.Snapshot
	OnSample(sessionID string, sm airquality.Sample) error
}

// History fetches aggregated class history from the reporting service.
type History interface {
	History(ctx context.Context, classID string, r report.Range) ([]report.HistoryPoint, error)
}

// Defaults fill in the session settings a start request leaves out.
type Defaults struct {
	Thresholds airquality.Thresholds
	Tax        tax.Config
	// Capacities maps known class ids to their room capacity.
	Capacities map[string]int
}

// Server exposes the session controller over HTTP and WebSocket.
type Server struct {
	sessions Sessions
	history  History
	hub      *Hub
	metrics  *metrics.Metrics
	defaults Defaults
	logger   *logrus.Logger
	router   *mux.Router
	now      func() time.Time
}

// NewServer wires the routes. history and m may be nil.
func NewServer(sessions Sessions, history History, hub *Hub, m *metrics.Metrics, defaults Defaults, logger *logrus.Logger) *Server {
	s := &Server{
		sessions: sessions,
		history:  history,
		hub:      hub,
		metrics:  m,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions/start/{id}", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/sessions/stop", s.handleStopAll).Methods(http.MethodPost)
	api.HandleFunc("/sessions/active", s.handleActive).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleSnapshot).Methods(http.MethodGet)

	api.HandleFunc("/readings/ws/{id}", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/readings/history/{id}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/readings/{id}", s.handleReading).Methods(http.MethodPost)

	return r
}

// Handler returns the router wrapped with access logging to w.
func (s *Server) Handler(accessLog io.Writer) http.Handler {
	if accessLog == nil {
		return s.router
	}
	return handlers.LoggingHandler(accessLog, s.router)
}

// startBody is the optional JSON body of a start request.
type startBody struct {
	Capacity      *int     `json:"capacity"`
	CO2Good       *float64 `json:"co2_good"`
	CO2Regular    *float64 `json:"co2_regular"`
	TaxRatePerTon *float64 `json:"tax_rate_per_ton"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body startBody
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := session.StartRequest{
		SessionID:  id,
		Capacity:   s.defaults.Capacities[id],
		Thresholds: s.defaults.Thresholds,
		Tax:        s.defaults.Tax,
	}
	if body.Capacity != nil {
		req.Capacity = *body.Capacity
	}
	if body.CO2Good != nil {
		req.Thresholds.Good = *body.CO2Good
	}
	if body.CO2Regular != nil {
		req.Thresholds.Regular = *body.CO2Regular
	}
	if body.TaxRatePerTon != nil {
		cfg, err := tax.NewConfig(*body.TaxRatePerTon)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Tax = cfg
	}

	snap, err := s.sessions.Start(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap, _ := s.sessions.Snapshot(id)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	n := s.sessions.StopAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	live := []session.Snapshot{}
	for _, snap := range s.sessions.Snapshots() {
		if snap.Lifecycle == session.Live {
			live = append(live, snap)
		}
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.sessions.Snapshot(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrUnknownSession)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sm, err := ingest.ParseReading(payload, s.now())
	if err != nil {
		s.metrics.ObserveSample(metrics.ResultMalformed)
		s.logger.WithError(err).WithField("session_id", id).Warn("Dropping malformed reading")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.OnSample(id, sm); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.hub.Serve(w, r, id, func() (session.Snapshot, bool) {
		return s.sessions.Snapshot(id)
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, report.ErrNotConfigured)
		return
	}

	var rng report.Range
	q := r.URL.Query()
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"start_date", &rng.Start}, {"end_date", &rng.End}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		*p.dst = t
	}

	points, err := s.history.History(r.Context(), mux.Vars(r)["id"], rng)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if points == nil {
		points = []report.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, snap := range s.sessions.Snapshots() {
		if snap.Lifecycle == session.Live {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": running,
	})
}

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidCapacity),
		errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, airquality.ErrInvalidThresholds),
		errors.Is(err, airquality.ErrMalformedSample),
		errors.Is(err, tax.ErrInvalidRate):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrSessionTerminated),
		errors.Is(err, session.ErrNotAccepting):
		return http.StatusConflict
	case errors.Is(err, report.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, report.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
