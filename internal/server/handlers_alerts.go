package server

import (
	"net/http"

	"github.com/ashita-ai/seigyo/internal/model"
)

func (h *handlers) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	severity := model.Severity(r.URL.Query().Get("severity"))
	switch severity {
	case "", model.SeverityInfo, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown severity")
		return
	}
	writeJSON(w, r, http.StatusOK, h.alerts.Active(severity))
}

func (h *handlers) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.alerts.Summary())
}

type alertActionRequest struct {
	AlertID string `json:"alert_id"`
}

func (h *handlers) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if err := decodeJSON(r, &req); err != nil || req.AlertID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "alert_id is required")
		return
	}
	if !h.alerts.Acknowledge(req.AlertID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active alert with that id")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

func (h *handlers) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if err := decodeJSON(r, &req); err != nil || req.AlertID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "alert_id is required")
		return
	}
	if !h.alerts.Resolve(req.AlertID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active alert with that id")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

func (h *handlers) handleAlertMonitoringStart(w http.ResponseWriter, r *http.Request) {
	h.alerts.Start(h.baseCtx, h.alertInterval)
	writeJSON(w, r, http.StatusOK, map[string]any{"monitoring": true})
}

func (h *handlers) handleAlertMonitoringStop(w http.ResponseWriter, r *http.Request) {
	h.alerts.Stop()
	writeJSON(w, r, http.StatusOK, map[string]any{"monitoring": false})
}

func (h *handlers) handleTrustReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.trust.BuildReport(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

type rescoreRequest struct {
	Table string `json:"table"`
	Limit int    `json:"limit,omitempty"`
}

func (h *handlers) handleTrustRescore(w http.ResponseWriter, r *http.Request) {
	var req rescoreRequest
	if err := decodeJSON(r, &req); err != nil || req.Table == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "table is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	rescored, err := h.trust.Rescore(r.Context(), req.Table, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"table": req.Table, "rescored": rescored})
}

func (h *handlers) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.training.Status(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

type forceTrainingRequest struct {
	Table string `json:"table"`
}

func (h *handlers) handleTrainingForce(w http.ResponseWriter, r *http.Request) {
	var req forceTrainingRequest
	if err := decodeJSON(r, &req); err != nil || req.Table == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "table is required")
		return
	}
	if err := h.training.ForceTraining(r.Context(), req.Table); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}
