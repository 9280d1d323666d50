// Package governance routes mutation proposals through an approver and
// normalizes whatever comes back. The remote gateway is treated as
// potentially unavailable: every failure path degrades to a pending decision
// with a synthetic correlation ID instead of an error.
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/seigyo/internal/model"
)

// DefaultTimeout bounds one gateway RPC.
const DefaultTimeout = 5 * time.Second

// ReasonUnavailable marks a pending decision that was synthesized because
// the gateway could not be reached, letting callers apply local fallback
// policy.
const ReasonUnavailable = "gateway_unavailable"

// Gateway accepts governance updates and returns a normalized decision.
// Implementations never fail: ambiguity and unavailability both normalize to
// a pending decision.
type Gateway interface {
	Submit(ctx context.Context, update model.GovernanceUpdate) model.GovernanceDecision
}

// HTTPGateway submits updates to a remote governance service.
type HTTPGateway struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPGateway creates a gateway client for the given base URL. A zero
// timeout uses DefaultTimeout.
func NewHTTPGateway(url string, timeout time.Duration, logger *slog.Logger) *HTTPGateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPGateway{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Submit posts the update. The remote may answer with a structured object or
// a bare correlation string; both normalize into a GovernanceDecision. RPC
// failure of any kind yields pending with a generated correlation ID.
func (g *HTTPGateway) Submit(ctx context.Context, update model.GovernanceUpdate) model.GovernanceDecision {
	body, err := json.Marshal(update)
	if err != nil {
		return g.fallback("encode update", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/governance/updates", bytes.NewReader(body))
	if err != nil {
		return g.fallback("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return g.fallback("rpc", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return g.fallback("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return g.fallback("status", fmt.Errorf("gateway returned %d", resp.StatusCode))
	}
	return Normalize(raw)
}

func (g *HTTPGateway) fallback(op string, err error) model.GovernanceDecision {
	id := uuid.New().String()
	g.logger.Warn("governance: gateway unavailable, holding as pending",
		"op", op, "update_id", id, "error", err)
	return model.GovernanceDecision{UpdateID: id, Pending: true, Reason: ReasonUnavailable}
}

// wireDecision is the structured response shape. Pointer fields distinguish
// absent from false.
type wireDecision struct {
	UpdateID string `json:"update_id"`
	Approved *bool  `json:"approved"`
	Pending  *bool  `json:"pending"`
	Reason   string `json:"reason"`
}

// Normalize folds a raw gateway response body into a decision. Accepted
// shapes: a structured {approved, update_id, reason?} object, a bare JSON
// string, or unquoted text; the latter two are correlation IDs for a pending
// decision. Anything ambiguous is conservatively pending.
func Normalize(raw []byte) model.GovernanceDecision {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return model.GovernanceDecision{UpdateID: uuid.New().String(), Pending: true}
	}

	var wire wireDecision
	if err := json.Unmarshal(trimmed, &wire); err == nil && (wire.UpdateID != "" || wire.Approved != nil) {
		d := model.GovernanceDecision{UpdateID: wire.UpdateID, Reason: wire.Reason}
		if d.UpdateID == "" {
			d.UpdateID = uuid.New().String()
		}
		switch {
		case wire.Approved != nil && *wire.Approved:
			d.Approved = true
		case wire.Approved != nil:
			// Explicit false is a hold unless the remote also said not pending.
			d.Pending = wire.Pending == nil || *wire.Pending
		default:
			d.Pending = true
		}
		return d
	}

	var correlation string
	if err := json.Unmarshal(trimmed, &correlation); err == nil && correlation != "" {
		return model.GovernanceDecision{UpdateID: correlation, Pending: true}
	}
	return model.GovernanceDecision{UpdateID: string(trimmed), Pending: true}
}
