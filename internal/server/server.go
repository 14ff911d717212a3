// Package server exposes a Collector over HTTP and streams its events to
// websocket clients. Websocket clients may also act as the position sensor.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tabular/location-collector/internal/collector"
	"github.com/tabular/location-collector/internal/export"
	"github.com/tabular/location-collector/internal/location"
	"github.com/tabular/location-collector/internal/logging"
	"github.com/tabular/location-collector/internal/sensor"
)

const maxImportBytes = 8 << 20

type Service struct {
	collector  *collector.Collector
	remote     *sensor.Remote
	logger     *logging.Logger
	version    string
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	clientsMux sync.RWMutex
	StartTime  time.Time
}

// NewService wires c to HTTP. remote may be nil, in which case sensor
// messages from websocket clients are ignored.
func NewService(c *collector.Collector, remote *sensor.Remote, logger *logging.Logger, version string) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		collector: c,
		remote:    remote,
		logger:    logger.With("component", "server"),
		version:   version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[string]*Client),
		StartTime: time.Now(),
	}
}

func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/ws/events", s.handleWebSocket).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handlePatchSettings).Methods("PATCH")
	api.HandleFunc("/tracking/start", s.handleStartTracking).Methods("POST")
	api.HandleFunc("/tracking/stop", s.handleStopTracking).Methods("POST")
	api.HandleFunc("/tracking/request", s.handleRequestLocation).Methods("POST")
	api.HandleFunc("/visibility", s.handleVisibility).Methods("POST")
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/consent", s.handleConsent).Methods("GET")
	api.HandleFunc("/analytics", s.handleAnalytics).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/export", s.handleExport).Methods("GET")
	api.HandleFunc("/import", s.handleImport).Methods("POST")
	api.HandleFunc("/cleanup", s.handleCleanup).Methods("POST")
	api.HandleFunc("/data", s.handleClearData).Methods("DELETE")

	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Info("HTTP request",
				"method", r.Method,
				"url", r.URL.String(),
				"duration", time.Since(start).String(),
				"remote_addr", r.RemoteAddr,
			)
		})
	})

	return router
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"timestamp":          time.Now().Format(time.RFC3339),
		"version":            s.version,
		"uptime":             time.Since(s.StartTime).String(),
		"active_connections": s.clientCount(),
		"tracking":           s.collector.State().IsTracking,
	})
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Settings())
}

func (s *Service) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch location.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.logger.Warn("Failed to decode settings patch", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.collector.UpdateSettings(r.Context(), patch))
}

func (s *Service) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	started := s.collector.StartTracking(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"started": started,
		"state":   s.collector.State(),
	})
}

func (s *Service) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	s.collector.StopTracking()
	writeJSON(w, http.StatusOK, s.collector.State())
}

func (s *Service) handleRequestLocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"requested": s.collector.RequestLocation(r.Context()),
	})
}

func (s *Service) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Visible *bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Visible == nil {
		http.Error(w, "Expected {\"visible\": bool}", http.StatusBadRequest)
		return
	}
	s.collector.SetVisible(r.Context(), *body.Visible)
	writeJSON(w, http.StatusOK, s.collector.State())
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.State())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.History())
}

func (s *Service) handleConsent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.ConsentLog())
}

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Analytics())
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service_uptime":     time.Since(s.StartTime).String(),
		"active_connections": s.clientCount(),
		"summary":            s.collector.Summary(),
	})
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.collector.Export(format)
	if err != nil {
		s.logger.Error("Export failed", "format", format, "error", err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename=\"location-data."+string(format)+"\"")
	io.WriteString(w, out)
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if !s.collector.Import(data) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"imported": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"imported": true,
		"summary":  s.collector.Summary(),
	})
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": s.collector.CleanupOldData(),
	})
}

func (s *Service) handleClearData(w http.ResponseWriter, r *http.Request) {
	s.collector.ClearAllData()
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
