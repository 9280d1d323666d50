package model

import (
	"time"

	"github.com/google/uuid"
)

// alertNamespace seeds deterministic alert IDs so the same (source, key)
// condition always maps to the same alert.
var alertNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// AlertID derives the deterministic identity of an alert from its source and
// condition key. Repeated emissions of the same condition share one ID.
func AlertID(source, conditionKey string) string {
	return uuid.NewSHA1(alertNamespace, []byte(source+"\x00"+conditionKey)).String()
}

// Alert is an active or historical alert condition.
type Alert struct {
	ID           string         `json:"id"`
	Severity     Severity       `json:"severity"`
	Source       string         `json:"source"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	FirstSeenAt  time.Time      `json:"first_seen_at"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	Acknowledged bool           `json:"acknowledged"`
	Resolved     bool           `json:"resolved"`
}

// AlertSummary counts active alerts by severity.
type AlertSummary struct {
	Active       int            `json:"active"`
	Acknowledged int            `json:"acknowledged"`
	BySeverity   map[string]int `json:"by_severity"`
}
