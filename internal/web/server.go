// Package web implements the add-on's local status HTTP API: health
// and version endpoints, the current device bindings, recent
// operational events, and the downlink command audit trail.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/halink/internal/buildinfo"
	"github.com/nugget/halink/internal/connwatch"
	"github.com/nugget/halink/internal/discovery"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/journal"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// deviceSource provides the current entity bindings. Satisfied by the
// gateway.
type deviceSource interface {
	Devices() map[string]*discovery.MatchedDevice
}

// Server is the status HTTP server.
type Server struct {
	listen  string
	devices deviceSource
	journal *journal.Store
	watch   *connwatch.Manager
	logger  *slog.Logger
	server  *http.Server

	ringMu sync.Mutex
	ring   []events.Event
}

// eventRingSize bounds the in-memory recent events buffer.
const eventRingSize = 200

// NewServer creates a status server. The journal and watch manager may
// be nil; their endpoints degrade to empty responses.
func NewServer(listen string, devices deviceSource, jnl *journal.Store, watch *connwatch.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:  listen,
		devices: devices,
		journal: jnl,
		watch:   watch,
		logger:  logger,
	}
}

// CollectEvents subscribes to the bus and appends events to the recent
// ring until ctx is cancelled. Run it in its own goroutine.
func (s *Server) CollectEvents(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.ringMu.Lock()
			s.ring = append(s.ring, e)
			if len(s.ring) > eventRingSize {
				s.ring = s.ring[len(s.ring)-eventRingSize:]
			}
			s.ringMu.Unlock()
		}
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/commands", s.handleCommands)

	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting status server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "halink",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

// handleHealth reports overall gateway health: healthy when every
// watched connection is ready, degraded otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "healthy"
	connections := map[string]any{}
	if s.watch != nil {
		for name, ws := range s.watch.Status() {
			connections[name] = ws
			if !ws.Ready {
				status = "degraded"
			}
		}
	}

	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":      status,
		"uptime":      buildinfo.Uptime().Truncate(time.Second).String(),
		"connections": connections,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// deviceView is the wire form of one device's bindings and last push.
type deviceView struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	ProductKey string              `json:"product_key"`
	DeviceName string              `json:"device_name"`
	Sensors    map[string]string   `json:"sensors"`
	LastPush   *journal.PushRecord `json:"last_push,omitempty"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var pushes map[string]*journal.PushRecord
	if s.journal != nil {
		var err error
		pushes, err = s.journal.AllPushes()
		if err != nil {
			s.logger.Warn("journal read failed", "error", err)
		}
	}

	views := make([]deviceView, 0)
	for id, md := range s.devices.Devices() {
		views = append(views, deviceView{
			ID:         id,
			Type:       md.Config.Type,
			ProductKey: md.Config.ProductKey,
			DeviceName: md.Config.DeviceName,
			Sensors:    md.Sensors,
			LastPush:   pushes[id],
		})
	}
	writeJSON(w, views, s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.ringMu.Lock()
	recent := make([]events.Event, len(s.ring))
	copy(recent, s.ring)
	s.ringMu.Unlock()

	writeJSON(w, recent, s.logger)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": fmt.Sprintf("invalid limit %q", v)}, s.logger)
			return
		}
		limit = n
	}

	if s.journal == nil {
		writeJSON(w, []journal.CommandRecord{}, s.logger)
		return
	}

	records, err := s.journal.RecentCommands(limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": "journal read failed"}, s.logger)
		return
	}
	if records == nil {
		records = []journal.CommandRecord{}
	}
	writeJSON(w, records, s.logger)
}
