package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/storage"
)

// LocalApprover is the embedded approver for standalone deployments with no
// external governance service. Policy: low risk auto-approves (when
// enabled), medium auto-approves at or above the confidence floor, high and
// critical always hold.
type LocalApprover struct {
	confidenceFloor    float64
	autoApproveLowRisk bool
	logger             *slog.Logger
}

// NewLocalApprover creates the embedded approver.
func NewLocalApprover(confidenceFloor float64, autoApproveLowRisk bool, logger *slog.Logger) *LocalApprover {
	return &LocalApprover{
		confidenceFloor:    confidenceFloor,
		autoApproveLowRisk: autoApproveLowRisk,
		logger:             logger,
	}
}

// Submit decides the update locally. Never fails.
func (l *LocalApprover) Submit(ctx context.Context, update model.GovernanceUpdate) model.GovernanceDecision {
	d := model.GovernanceDecision{UpdateID: uuid.New().String()}
	switch update.Risk {
	case model.RiskLow:
		if l.autoApproveLowRisk {
			d.Approved = true
			d.Reason = "low risk auto-approved"
		} else {
			d.Pending = true
			d.Reason = "low-risk auto-approval disabled"
		}
	case model.RiskMedium:
		conf := contentConfidence(update.Content)
		if conf >= l.confidenceFloor {
			d.Approved = true
			d.Reason = fmt.Sprintf("medium risk auto-approved at confidence %.2f", conf)
		} else {
			d.Pending = true
			d.Reason = fmt.Sprintf("confidence %.2f below floor %.2f", conf, l.confidenceFloor)
		}
	default:
		d.Pending = true
		d.Reason = string(update.Risk) + " risk requires external approval"
	}
	l.logger.Info("governance: local decision",
		"update_id", d.UpdateID, "kind", update.Kind, "risk", update.Risk,
		"approved", d.Approved, "pending", d.Pending)
	return d
}

// ServeHTTP serves the same wire protocol the remote gateway speaks, so a
// standalone deployment can point SEIGYO_GOVERNANCE_URL at itself.
func (l *LocalApprover) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var update model.GovernanceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultTimeout)
	defer cancel()

	decision := l.Submit(ctx, update)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decision)
}

// contentConfidence pulls the proposal confidence out of the update content.
func contentConfidence(content map[string]any) float64 {
	switch v := content["confidence"].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Auditor persists governance audit entries. Satisfied by *storage.DB.
type Auditor interface {
	InsertAudit(ctx context.Context, entry storage.AuditEntry) error
}

// Audited wraps a gateway so every submitted update lands in the audit
// trail. Audit failure never changes the decision.
type Audited struct {
	next    Gateway
	auditor Auditor
	logger  *slog.Logger
}

// NewAudited decorates gw with audit recording.
func NewAudited(gw Gateway, auditor Auditor, logger *slog.Logger) *Audited {
	return &Audited{next: gw, auditor: auditor, logger: logger}
}

// Submit forwards to the wrapped gateway and records the outcome.
func (a *Audited) Submit(ctx context.Context, update model.GovernanceUpdate) model.GovernanceDecision {
	decision := a.next.Submit(ctx, update)

	target := ""
	if len(update.Targets) > 0 {
		target = update.Targets[0]
	}
	state := "pending"
	switch {
	case decision.Approved:
		state = "approved"
	case !decision.Pending:
		state = "rejected"
	}
	entry := storage.AuditEntry{
		ID:        decision.UpdateID,
		Kind:      update.Kind,
		Target:    target,
		Risk:      string(update.Risk),
		Decision:  state,
		Reason:    decision.Reason,
		CreatedBy: update.CreatedBy,
	}
	if err := a.auditor.InsertAudit(ctx, entry); err != nil {
		a.logger.Warn("governance: audit write failed", "update_id", decision.UpdateID, "error", err)
	}
	return decision
}
