package server

import (
	"net/http"
	"strconv"

	"github.com/ashita-ai/seigyo/internal/model"
)

func (h *handlers) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req model.SpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	snap, err := h.lifecycle.Spawn(r.Context(), req.Kind, req.InstanceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, snap)
}

func (h *handlers) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	var req model.ExecuteJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	job := model.NewJob(req.Kind, req.Job)
	result, err := h.lifecycle.ExecuteJob(r.Context(), req.Kind, job, req.Reuse)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (h *handlers) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	jobID, err := h.lifecycle.SubmitJob(req.Kind, req.Job)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "queued"})
}

func (h *handlers) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	maxConcurrent := 0
	if raw := r.URL.Query().Get("max_concurrent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "max_concurrent must be a positive integer")
			return
		}
		maxConcurrent = n
	}
	if err := h.lifecycle.ProcessQueue(r.Context(), maxConcurrent); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"metrics": h.lifecycle.Metrics()})
}

func (h *handlers) handleTerminate(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}
	h.lifecycle.Terminate(r.Context(), agentID)
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

func (h *handlers) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req model.RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}
	if err := h.lifecycle.Revoke(r.Context(), req.AgentID, req.Reason); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

func (h *handlers) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.lifecycle.Agents())
}

func (h *handlers) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lifecycle.AgentStatus(r.PathValue("id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not active")
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.lifecycle.Metrics())
}

func (h *handlers) handleGetJob(w http.ResponseWriter, r *http.Request) {
	result, ok := h.lifecycle.JobResult(r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown job id")
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (h *handlers) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	// Monitoring outlives the request; parent it on the server's base context.
	h.lifecycle.StartMonitoring(h.baseCtx)
	writeJSON(w, r, http.StatusOK, map[string]any{"monitoring": true})
}

func (h *handlers) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle.StopMonitoring()
	writeJSON(w, r, http.StatusOK, map[string]any{"monitoring": false})
}
