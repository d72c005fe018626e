// Package api exposes the engine over HTTP: starting and stopping
// runs, polling status, and exporting completed results, adapted from
// the fleet's station control handler.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/holla2040/leakrig/internal/engine"
	"github.com/holla2040/leakrig/internal/estop"
	"github.com/holla2040/leakrig/internal/hwbus"
	"github.com/holla2040/leakrig/internal/reference"
	"github.com/holla2040/leakrig/internal/report"
	"github.com/holla2040/leakrig/internal/statushub"
	"github.com/holla2040/leakrig/internal/store"
)

// startRequest is the JSON body for POST /runs/start. Either Barcode
// (resolved against the reference.Resolver) or an explicit Config must
// be supplied; Barcode takes precedence when both are present.
type startRequest struct {
	OperatorID   string             `json:"operator_id"`
	OperatorName string             `json:"operator_name"`
	Barcode      string             `json:"barcode,omitempty"`
	Config       *engine.TestConfig `json:"config,omitempty"`
}

// Handler holds all dependencies for HTTP request handling.
type Handler struct {
	Engine     *engine.Engine
	Store      *store.Store
	Estop      *estop.Coordinator
	Hub        *statushub.Hub
	Profiles   *reference.Resolver // nil means barcode lookup is unavailable
	LinkHealth *hwbus.LinkMonitor  // nil means the rig has no Redis link to monitor (e.g. the simulator)
}

// RegisterRoutes adds all API routes to the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs/start", h.startRun)
	mux.HandleFunc("POST /runs/stop", h.stopRun)
	mux.HandleFunc("GET /runs/status", h.getStatus)
	mux.HandleFunc("GET /runs/{id}", h.getRun)
	mux.HandleFunc("GET /runs/{id}/export/csv", h.exportCSV)
	mux.HandleFunc("GET /runs/{id}/export/json", h.exportJSON)

	mux.HandleFunc("GET /profiles", h.listProfiles)

	mux.HandleFunc("POST /estop/trigger", h.triggerEstop)
	mux.HandleFunc("POST /estop/ack", h.ackEstop)
	mux.HandleFunc("GET /estop", h.getEstop)

	mux.HandleFunc("GET /system/health", h.getSystemHealth)

	if h.Hub != nil {
		mux.HandleFunc("GET /ws/status", h.Hub.ServeHTTP)
	}
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var cfg engine.TestConfig
	switch {
	case req.Barcode != "":
		if h.Profiles == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile resolver not configured"})
			return
		}
		profile, ok := h.Profiles.Lookup(req.Barcode)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown barcode"})
			return
		}
		cfg = profile.ToTestConfig(req.OperatorID, req.OperatorName)
	case req.Config != nil:
		cfg = *req.Config
		cfg.OperatorID = req.OperatorID
		cfg.OperatorName = req.OperatorName
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "barcode or config is required"})
		return
	}

	if _, err := h.Engine.Start(r.Context(), cfg); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) stopRun(w http.ResponseWriter, r *http.Request) {
	h.Engine.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Status())
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.Store.Load(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("run not found: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.Store.Load(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("run not found: %v", err)})
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", id))
	if err := report.ExportCSV(w, rec, h.Engine.LastSamples()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) exportJSON(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.Store.Load(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("run not found: %v", err)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := report.ExportJSON(w, rec, h.Engine.LastSamples()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	if h.Profiles == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, h.Profiles.Barcodes())
}

type estopTriggerRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
	Initiator   string `json:"initiator"`
}

func (h *Handler) triggerEstop(w http.ResponseWriter, r *http.Request) {
	var req estopTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Initiator == "" {
		req.Initiator = "api"
	}
	state := h.Estop.Trigger(req.Reason, req.Description, req.Initiator)
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) ackEstop(w http.ResponseWriter, r *http.Request) {
	h.Estop.Acknowledge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) getEstop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Estop.GetState())
}

// systemHealth is the response for GET /system/health.
type systemHealth struct {
	LinkHealth *hwbus.LinkStatus `json:"link_health,omitempty"`
}

func (h *Handler) getSystemHealth(w http.ResponseWriter, r *http.Request) {
	var health systemHealth
	if h.LinkHealth != nil {
		status := h.LinkHealth.Status()
		health.LinkHealth = &status
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
