package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

const maxQueryLimit = 1000

func (h *handlers) handleListTables(w http.ResponseWriter, r *http.Request) {
	names := h.registry.List()
	infos := make([]model.TableInfo, 0, len(names))
	for _, name := range names {
		def, ok := h.registry.Schema(name)
		if !ok {
			continue
		}
		infos = append(infos, model.TableInfo{
			Name:        name,
			FieldCount:  len(def.Fields),
			Description: def.Description,
		})
	}
	writeJSON(w, r, http.StatusOK, infos)
}

func (h *handlers) handleTableSchema(w http.ResponseWriter, r *http.Request) {
	def, ok := h.registry.Schema(r.PathValue("name"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown table")
		return
	}
	writeJSON(w, r, http.StatusOK, def)
}

func (h *handlers) handleQueryRows(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("name")
	q := schema.Query{Limit: 100}

	params := r.URL.Query()
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxQueryLimit {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be in [1,1000]")
			return
		}
		q.Limit = n
	}
	if raw := params.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be non-negative")
			return
		}
		q.Offset = n
	}
	if raw := params.Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Filters); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "filters must be a JSON object")
			return
		}
	}

	rows, err := h.registry.Query(r.Context(), table, q)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

// handleInsertRow is the governed manual insert: the row goes through the
// governance gateway first and only an approval inserts it.
func (h *handlers) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("name")
	var req model.InsertRowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Data) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "data is required")
		return
	}
	if !h.registry.Has(table) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown table")
		return
	}

	decision := h.gateway.Submit(r.Context(), model.GovernanceUpdate{
		Kind:      "memory_table_row_insert",
		Targets:   []string{table},
		Content:   map[string]any{"row": map[string]any(req.Data)},
		Risk:      model.RiskMedium,
		CreatedBy: "api",
	})
	switch {
	case decision.Approved:
	case decision.Pending:
		writeJSON(w, r, http.StatusAccepted, map[string]any{
			"update_id": decision.UpdateID,
			"status":    "pending",
		})
		return
	default:
		writeJSON(w, r, http.StatusOK, map[string]any{
			"update_id": decision.UpdateID,
			"status":    "rejected",
			"reason":    decision.Reason,
		})
		return
	}

	inserted, err := h.registry.Insert(r.Context(), table, req.Data, schema.InsertOptions{UpsertOnFingerprint: true})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if h.trust != nil {
		score := h.trust.Score(table, inserted)
		if def, ok := h.registry.Schema(table); ok {
			id := inserted.String(def.PrimaryKey().Name)
			if _, err := h.registry.Update(r.Context(), table, id, model.Row{model.ColumnTrustScore: score}); err == nil {
				inserted[model.ColumnTrustScore] = score
			}
		}
	}
	if h.training != nil {
		if _, err := h.training.OnInserted(r.Context(), table); err != nil {
			h.logger.Warn("server: training notification failed", "table", table, "error", err)
		}
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"row":       inserted,
		"update_id": decision.UpdateID,
	})
}

func (h *handlers) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("name")
	id := r.PathValue("id")
	var req model.UpdateRowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "updates is required")
		return
	}

	ok, err := h.registry.Update(r.Context(), table, id, req.Updates)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "row not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"updated": true})
}

func (h *handlers) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.AnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.FilePath == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "file_path is required")
		return
	}
	analysis := h.analyzer.Analyze(req.FilePath)
	proposal := h.inferrer.Propose(analysis)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"analysis": analysis,
		"proposal": proposal,
	})
}
