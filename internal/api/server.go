// Package api implements the admin HTTP surface: model listing and
// control, device status, and live log streaming. It is unauthenticated
// and intended to sit behind a private network boundary, matching the
// original daemon's admin surface.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/kyleoliver/modelgated/internal/apierr"
	"github.com/kyleoliver/modelgated/internal/config"
	"github.com/kyleoliver/modelgated/internal/device"
	"github.com/kyleoliver/modelgated/internal/model"
	"github.com/kyleoliver/modelgated/internal/version"
	"github.com/sirupsen/logrus"
)

// Server is the admin API server.
type Server struct {
	settings  config.Settings
	entries   *model.Entries
	table     *model.Table
	ctrl      *model.Controller
	devices   *device.Cache
	log       *logrus.Entry
	startedAt time.Time

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer wires the admin routes onto one mux. gatewayHandler, when
// non-nil, is mounted as the catch-all so the OpenAI-compatible surface
// and the admin surface share the single configured port.
func NewServer(settings config.Settings, entries *model.Entries, table *model.Table, ctrl *model.Controller, devices *device.Cache, gatewayHandler http.Handler, log *logrus.Entry) *Server {
	s := &Server{
		settings:  settings,
		entries:   entries,
		table:     table,
		ctrl:      ctrl,
		devices:   devices,
		log:       log,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes(gatewayHandler)
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes(gatewayHandler http.Handler) {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/devices/info", s.handleDevicesInfo)
	s.mux.HandleFunc("GET /v1/models", s.handleListModels)
	s.mux.HandleFunc("GET /api/models/{alias}/info", s.handleModelInfo)
	s.mux.HandleFunc("POST /api/models/{alias}/start", s.handleStartModel)
	s.mux.HandleFunc("POST /api/models/{alias}/stop", s.handleStopModel)
	s.mux.HandleFunc("POST /api/models/stop-all", s.handleStopAll)
	s.mux.HandleFunc("GET /api/models/{alias}/logs/stream", s.handleLogStream)
	if gatewayHandler != nil {
		s.mux.Handle("/", gatewayHandler)
	}
}

// Handler exposes the combined mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening on addr (host:port from Settings).
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.WithField("addr", addr).Info("http server listening")
	return s.server.Serve(ln)
}

// Shutdown stops the server, closing its listener and all open
// connections immediately; in-flight requests are not drained.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	routing := 0
	for _, st := range s.table.All() {
		if st.Status() == model.StatusRouting {
			routing++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        version.Version(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"models_routing": routing,
		"models_total":   len(s.table.All()),
	})
}

func (s *Server) handleDevicesInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Snapshot())
}

type modelSummary struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Mode   string `json:"mode"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	states := s.table.All()
	out := make([]modelSummary, 0, len(states))
	for _, st := range states {
		entry, ok := s.entries.Resolve(st.Name())
		if !ok {
			continue
		}
		out = append(out, modelSummary{ID: st.Name(), Object: "model", Mode: entry.Mode})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": out})
}

// modelInfoResponse is the two-tier shape the admin surface returns for a
// single model: a stable "model" block with the cross-compatible fields
// plus a "node_debug_info" block free to carry host-local detail.
type modelInfoResponse struct {
	Success       bool          `json:"success"`
	Model         modelDetail   `json:"model"`
	NodeDebugInfo nodeDebugInfo `json:"node_debug_info"`
}

type modelDetail struct {
	Status          string   `json:"status"`
	PID             int      `json:"pid"`
	LastAccessUnix  int64    `json:"last_access"`
	FailureReason   string   `json:"failure_reason"`
	Mode            string   `json:"mode"`
	PendingRequests int64    `json:"pending_requests"`
	Port            int      `json:"port"`
	Aliases         []string `json:"aliases"`
}

type nodeDebugInfo struct {
	ModelName            string      `json:"model_name"`
	QueriedAlias         string      `json:"queried_alias"`
	ActiveHardwareConfig interface{} `json:"active_hardware_config"`
	ProcessInfo          interface{} `json:"process_info"`
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")
	entry, ok := s.entries.Resolve(alias)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown model")
		return
	}
	st := s.table.Ensure(entry.PrimaryName())
	snap := st.Read()

	var lastAccess int64
	if !snap.LastAccess.IsZero() {
		lastAccess = snap.LastAccess.Unix()
	}

	debug := nodeDebugInfo{
		ModelName:    entry.PrimaryName(),
		QueriedAlias: alias,
	}
	if snap.CurrentVariant != nil {
		debug.ActiveHardwareConfig = snap.CurrentVariant
	}
	if info, ok := s.ctrl.ProcessInfo(entry.PrimaryName()); ok {
		debug.ProcessInfo = info
	}

	writeJSON(w, http.StatusOK, modelInfoResponse{
		Success: true,
		Model: modelDetail{
			Status:          string(snap.Status),
			PID:             snap.PID,
			LastAccessUnix:  lastAccess,
			FailureReason:   snap.FailureReason,
			Mode:            entry.Mode,
			PendingRequests: snap.InFlight,
			Port:            entry.Port,
			Aliases:         entry.Aliases,
		},
		NodeDebugInfo: debug,
	})
}

func (s *Server) handleStartModel(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	if err := s.ctrl.Start(ctx, alias); err != nil {
		writeError(w, apierr.Status(err), apierr.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "routing"})
}

func (s *Server) handleStopModel(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")
	if err := s.ctrl.Stop(alias); err != nil {
		writeError(w, apierr.Status(err), apierr.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	errs := s.ctrl.StopAll()
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		writeJSON(w, http.StatusMultiStatus, map[string]interface{}{"status": "partial", "errors": msgs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")
	entry, ok := s.entries.Resolve(alias)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown model")
		return
	}

	ml := s.ctrl.LogWriterIfExists(entry.PrimaryName())
	if ml == nil {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	ch, existing, unsub := ml.Subscribe()
	defer unsub()

	for _, e := range existing {
		streamJSON(w, e)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			streamJSON(w, entry)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func streamJSON(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}
