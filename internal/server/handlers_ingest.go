package server

import (
	"net/http"

	"github.com/ashita-ai/seigyo/internal/model"
)

func (h *handlers) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	var req model.StartIngestRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
			return
		}
	}
	autoApprove := true
	if req.AutoApproveLowRisk != nil {
		autoApprove = *req.AutoApproveLowRisk
	}
	h.pipeline.Start(h.baseCtx, req.Folders, autoApprove)
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "started"})
}

func (h *handlers) handleIngestStop(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Stop()
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "stopped"})
}

func (h *handlers) handleIngestPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"pending":  h.pipeline.Pending(),
		"retained": h.pipeline.Retained(),
	})
}

func (h *handlers) handleIngestApprove(w http.ResponseWriter, r *http.Request) {
	var req model.ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.ApprovalID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "approval_id is required")
		return
	}
	if err := h.pipeline.Approve(r.Context(), req.ApprovalID, req.Approved, req.Reason); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}
