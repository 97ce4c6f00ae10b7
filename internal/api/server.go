// Package api provides the HTTP surface over the topology editor and the
// simulation orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gridfold/go-gridsim/internal/config"
	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/gridfold/go-gridsim/internal/rules"
	"github.com/gridfold/go-gridsim/internal/sim"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Simulator is the orchestrator surface the server exposes. Satisfied by
// *sim.Orchestrator.
type Simulator interface {
	SetTopology(snap *domain.Snapshot, kernelType string) error
	Start(tickInterval time.Duration) error
	Stop()
	Pause()
	Resume()
	PerformCalculation() *domain.CalculationResult
	UpdateDeviceProperties(deviceID string, props domain.Properties) error
	UpdateSwitchState(deviceID string, closed bool) error
	GetDeviceData(deviceID string) domain.ResultRow
	GetCalculationStatus() sim.Status
	GetErrors() []domain.Diagnostic
	GetLastResult() *domain.CalculationResult
}

// Server represents the HTTP API server for topology editing and simulation
// control.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	simulator Simulator
	rules     *rules.Service
	logger    zerolog.Logger
	startTime time.Time

	// editMu guards the editable topology; the rules engine itself is not
	// safe for concurrent use.
	editMu sync.Mutex
	topo   *domain.Topology
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, simulator Simulator, ruleService *rules.Service) *Server {
	router := mux.NewRouter()

	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		simulator: simulator,
		rules:     ruleService,
		logger:    logger,
		startTime: time.Now(),
		topo:      domain.NewTopology(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Topology editor endpoints
	api.HandleFunc("/topology", s.handleUploadTopology).Methods("POST")
	api.HandleFunc("/topology", s.handleGetTopology).Methods("GET")
	api.HandleFunc("/topology/devices", s.handleAddDevice).Methods("POST")
	api.HandleFunc("/topology/devices/{id}", s.handleRemoveDevice).Methods("DELETE")
	api.HandleFunc("/topology/connections", s.handleAddConnection).Methods("POST")
	api.HandleFunc("/topology/connections/{id}", s.handleRemoveConnection).Methods("DELETE")
	api.HandleFunc("/topology/apply", s.handleApplyTopology).Methods("POST")

	// Simulation control endpoints
	api.HandleFunc("/simulation/start", s.handleStart).Methods("POST")
	api.HandleFunc("/simulation/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/simulation/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/simulation/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/simulation/tick", s.handleTick).Methods("POST")
	api.HandleFunc("/simulation/result", s.handleResult).Methods("GET")
	api.HandleFunc("/simulation/errors", s.handleErrors).Methods("GET")

	// Device endpoints
	api.HandleFunc("/devices/{id}/data", s.handleDeviceData).Methods("GET")
	api.HandleFunc("/devices/{id}/properties", s.handleDeviceProperties).Methods("PUT")
	api.HandleFunc("/switches/{id}/state", s.handleSwitchState).Methods("PUT")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server and calculation status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":      "ok",
		"version":     "dev",
		"uptime":      time.Since(s.startTime).String(),
		"calculation": s.simulator.GetCalculationStatus(),
	}

	s.writeJSON(w, status, http.StatusOK)
}

type uploadTopologyRequest struct {
	KernelType string           `json:"kernel_type"`
	Topology   *domain.Snapshot `json:"topology"`
}

// handleUploadTopology replaces the orchestrator topology with an uploaded
// snapshot. The editor topology is untouched.
func (s *Server) handleUploadTopology(w http.ResponseWriter, r *http.Request) {
	var req uploadTopologyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Topology == nil {
		s.writeError(w, "missing topology", http.StatusBadRequest)
		return
	}

	if err := s.simulator.SetTopology(req.Topology, req.KernelType); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"devices":     len(req.Topology.Devices),
		"connections": len(req.Topology.Connections),
	}, http.StatusOK)
}

// handleGetTopology returns a snapshot of the editable topology.
func (s *Server) handleGetTopology(w http.ResponseWriter, _ *http.Request) {
	s.editMu.Lock()
	snap := s.topo.Snapshot()
	s.editMu.Unlock()

	s.writeJSON(w, snap, http.StatusOK)
}

type addDeviceRequest struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Properties domain.Properties `json:"properties"`
}

// handleAddDevice creates a device in the editable topology.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	kind, err := domain.ParseDeviceKind(req.Kind)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	dev := domain.NewDevice(kind, req.Name)
	for k, v := range req.Properties {
		dev.Properties[k] = v
	}

	s.editMu.Lock()
	err = s.topo.AddDevice(dev)
	s.editMu.Unlock()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, dev, http.StatusCreated)
}

// handleRemoveDevice deletes a device and its connections from the editable
// topology.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.editMu.Lock()
	_, found := s.topo.Device(id)
	if found {
		s.topo.RemoveDevice(id)
	}
	s.editMu.Unlock()

	if !found {
		s.writeError(w, "device not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]string{"removed": id}, http.StatusOK)
}

type addConnectionRequest struct {
	SourceID   string            `json:"source_device_id"`
	TargetID   string            `json:"target_device_id"`
	Properties domain.Properties `json:"properties"`
}

// handleAddConnection connects two devices, subject to the connection rules.
func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req addConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	conn := &domain.Connection{
		ID:         domain.NewConnectionID(),
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Properties: req.Properties,
	}
	if conn.Properties == nil {
		conn.Properties = domain.Properties{}
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	src, ok := s.topo.Device(req.SourceID)
	if !ok {
		s.writeError(w, fmt.Sprintf("unknown source device %s", req.SourceID), http.StatusNotFound)
		return
	}
	tgt, ok := s.topo.Device(req.TargetID)
	if !ok {
		s.writeError(w, fmt.Sprintf("unknown target device %s", req.TargetID), http.StatusNotFound)
		return
	}

	if err := s.rules.EnforceAndApply(s.topo, conn, src, tgt); err != nil {
		var topoErr *rules.InvalidTopologyError
		if errors.As(err, &topoErr) {
			s.writeError(w, topoErr.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, conn, http.StatusCreated)
}

// handleRemoveConnection deletes a connection from the editable topology.
func (s *Server) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.editMu.Lock()
	found := false
	for _, c := range s.topo.Connections() {
		if c.ID == id {
			found = true
			break
		}
	}
	if found {
		s.topo.RemoveConnection(id)
	}
	s.editMu.Unlock()

	if !found {
		s.writeError(w, "connection not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]string{"removed": id}, http.StatusOK)
}

type applyTopologyRequest struct {
	KernelType string `json:"kernel_type"`
}

// handleApplyTopology snapshots the editable topology into the orchestrator.
func (s *Server) handleApplyTopology(w http.ResponseWriter, r *http.Request) {
	var req applyTopologyRequest
	if r.Body != nil {
		// Body is optional; ignore decode errors on empty input.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	s.editMu.Lock()
	snap := s.topo.Snapshot()
	s.editMu.Unlock()

	if err := s.simulator.SetTopology(snap, req.KernelType); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"devices":     len(snap.Devices),
		"connections": len(snap.Connections),
	}, http.StatusOK)
}

type startRequest struct {
	TickIntervalSec float64 `json:"tick_interval_sec"`
}

// handleStart starts periodic calculation.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	interval := s.config.TickInterval()
	if req.TickIntervalSec > 0 {
		interval = time.Duration(req.TickIntervalSec * float64(time.Second))
	}

	if err := s.simulator.Start(interval); err != nil {
		s.writeError(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, s.simulator.GetCalculationStatus(), http.StatusOK)
}

// handleStop stops the simulation.
func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.simulator.Stop()
	s.writeJSON(w, s.simulator.GetCalculationStatus(), http.StatusOK)
}

// handlePause pauses the simulation.
func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.simulator.Pause()
	s.writeJSON(w, s.simulator.GetCalculationStatus(), http.StatusOK)
}

// handleResume resumes a paused simulation.
func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.simulator.Resume()
	s.writeJSON(w, s.simulator.GetCalculationStatus(), http.StatusOK)
}

// handleTick runs one calculation pass and returns its result.
func (s *Server) handleTick(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.simulator.PerformCalculation(), http.StatusOK)
}

// handleResult returns the most recent calculation result.
func (s *Server) handleResult(w http.ResponseWriter, _ *http.Request) {
	result := s.simulator.GetLastResult()
	if result == nil {
		s.writeError(w, "no calculation result available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, result, http.StatusOK)
}

// handleErrors returns the diagnostics of the last calculation.
func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	diags := s.simulator.GetErrors()
	s.writeJSON(w, map[string]interface{}{
		"errors": diags,
		"count":  len(diags),
	}, http.StatusOK)
}

// handleDeviceData returns the solved values for one device.
func (s *Server) handleDeviceData(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.writeJSON(w, s.simulator.GetDeviceData(id), http.StatusOK)
}

// handleDeviceProperties merges setpoint properties into a device.
func (s *Server) handleDeviceProperties(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var props domain.Properties
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		s.writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.simulator.UpdateDeviceProperties(id, props); err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]string{"updated": id}, http.StatusOK)
}

type switchStateRequest struct {
	Closed bool `json:"closed"`
}

// handleSwitchState opens or closes a switch in the simulated topology.
func (s *Server) handleSwitchState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req switchStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.simulator.UpdateSwitchState(id, req.Closed); err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{"id": id, "closed": req.Closed}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
