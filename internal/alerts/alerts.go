// Package alerts turns trust and contradiction signals into typed, active
// alerts. Alert identity is deterministic from (source, condition key), so a
// condition that keeps firing updates one alert instead of flooding the map.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/telemetry"
	"github.com/ashita-ai/seigyo/internal/trust"
)

// historySize bounds the retained alert history ring.
const historySize = 256

var meter = telemetry.Meter("seigyo/alerts")

// Condition thresholds evaluated per check pass.
const (
	lowAvgTrustThreshold   = 0.5
	lowTrustRatioThreshold = 0.3
	contradictionsWarnOver = 50
)

// TrustSource supplies the trust report. Satisfied by *trust.Engine.
type TrustSource interface {
	BuildReport(ctx context.Context) (trust.Report, error)
}

// ContradictionSource supplies the contradiction summary. Satisfied by
// *contradiction.Detector.
type ContradictionSource interface {
	Summary() model.ContradictionSummary
}

// Tables is the registry view used for empty-table checks. Satisfied by
// *schema.Registry.
type Tables interface {
	List() []string
	Count(ctx context.Context, table string) (int, error)
}

// Publisher fans alert events out to subscribers. Satisfied by
// *events.Broker.
type Publisher interface {
	Publish(event string, payload any)
}

// System evaluates alert conditions and owns the active-alert map.
type System struct {
	trust          TrustSource
	contradictions ContradictionSource
	tables         Tables
	publisher      Publisher
	criticalTables []string
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	active  map[string]*model.Alert
	history []model.Alert

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an alert system. criticalTables lists tables that should never
// sit empty; publisher may be nil.
func New(trustSrc TrustSource, contradictions ContradictionSource, tables Tables, publisher Publisher, criticalTables []string, logger *slog.Logger) *System {
	return &System{
		trust:          trustSrc,
		contradictions: contradictions,
		tables:         tables,
		publisher:      publisher,
		criticalTables: criticalTables,
		logger:         logger,
		now:            time.Now,
		active:         make(map[string]*model.Alert),
	}
}

// Check runs one pass over every condition. Errors from dependencies become
// alerts themselves rather than failing the pass.
func (s *System) Check(ctx context.Context) {
	report, err := s.trust.BuildReport(ctx)
	if err != nil {
		s.raise(model.SeverityHigh, "trust", "report_error", "Trust report failed",
			fmt.Sprintf("building the trust report failed: %v", err), nil)
	} else {
		s.checkTrust(report)
	}

	s.checkContradictions()
	s.checkEmptyTables(ctx)
}

func (s *System) checkTrust(report trust.Report) {
	for table, tr := range report.PerTable {
		if tr.Total == 0 {
			continue
		}
		if tr.Average < lowAvgTrustThreshold {
			s.raise(model.SeverityMedium, "trust", "low_avg:"+table,
				fmt.Sprintf("Low average trust in %s", table),
				fmt.Sprintf("average trust %.2f is below %.2f", tr.Average, lowAvgTrustThreshold),
				map[string]any{"table": table, "average": tr.Average, "total_rows": tr.Total})
		}
		ratio := float64(tr.LowCount) / float64(tr.Total)
		if ratio > lowTrustRatioThreshold {
			s.raise(model.SeverityMedium, "trust", "low_ratio:"+table,
				fmt.Sprintf("High low-trust ratio in %s", table),
				fmt.Sprintf("%.0f%% of rows are below the low-trust threshold", ratio*100),
				map[string]any{"table": table, "ratio": ratio, "low_count": tr.LowCount})
		}
	}
}

func (s *System) checkContradictions() {
	sum := s.contradictions.Summary()
	if sum.CriticalCount > 0 {
		s.raise(model.SeverityCritical, "contradictions", "critical",
			"Critical contradictions detected",
			fmt.Sprintf("%d critical contradiction(s) in the latest detection pass", sum.CriticalCount),
			map[string]any{"critical_count": sum.CriticalCount, "by_table": sum.ByTable})
	}
	if sum.Total > contradictionsWarnOver {
		s.raise(model.SeverityMedium, "contradictions", "volume",
			"High contradiction volume",
			fmt.Sprintf("%d contradictions exceed the %d threshold", sum.Total, contradictionsWarnOver),
			map[string]any{"total": sum.Total})
	}
}

func (s *System) checkEmptyTables(ctx context.Context) {
	for _, table := range s.criticalTables {
		count, err := s.tables.Count(ctx, table)
		if err != nil {
			s.raise(model.SeverityHigh, "storage", "access:"+table,
				fmt.Sprintf("Table %s unreadable", table),
				fmt.Sprintf("counting rows failed: %v", err),
				map[string]any{"table": table})
			continue
		}
		if count == 0 {
			s.raise(model.SeverityInfo, "storage", "empty:"+table,
				fmt.Sprintf("Table %s is empty", table),
				"a critical table has no rows yet",
				map[string]any{"table": table})
		}
	}
}

// raise creates or refreshes the alert for (source, key). Recurrence keeps
// first_seen_at and updates last_seen_at and metadata.
func (s *System) raise(severity model.Severity, source, key, title, message string, metadata map[string]any) {
	id := model.AlertID(source, key)
	now := s.now().UTC()

	s.mu.Lock()
	if existing, ok := s.active[id]; ok {
		existing.LastSeenAt = now
		existing.Message = message
		existing.Metadata = metadata
		existing.Severity = severity
		s.mu.Unlock()
		return
	}
	alert := &model.Alert{
		ID:          id,
		Severity:    severity,
		Source:      source,
		Title:       title,
		Message:     message,
		Metadata:    metadata,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	s.active[id] = alert
	s.pushHistory(*alert)
	s.mu.Unlock()

	telemetry.Count(context.Background(), meter, "alerts.raised", 1,
		attribute.String("severity", string(severity)),
		attribute.String("source", source))
	s.logger.Warn("alerts: raised", "alert_id", id, "severity", severity, "source", source, "title", title)
	if s.publisher != nil {
		s.publisher.Publish("alert_raised", *alert)
	}
}

func (s *System) pushHistory(a model.Alert) {
	s.history = append(s.history, a)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// Active returns active alerts, optionally filtered by severity, sorted by
// severity rank then recency.
func (s *System) Active(severity model.Severity) []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alert, 0, len(s.active))
	for _, a := range s.active {
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := model.SeverityRank(out[i].Severity), model.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// Acknowledge marks the alert acknowledged. Idempotent; false when the id
// is not active.
func (s *System) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		return false
	}
	a.Acknowledged = true
	return true
}

// Resolve removes the alert from the active map. Idempotent; false when the
// id is not active.
func (s *System) Resolve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		return false
	}
	a.Resolved = true
	s.pushHistory(*a)
	delete(s.active, id)
	return true
}

// History returns a copy of the bounded alert history, oldest first.
func (s *System) History() []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alert, len(s.history))
	copy(out, s.history)
	return out
}

// Summary counts active alerts.
func (s *System) Summary() model.AlertSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := model.AlertSummary{BySeverity: make(map[string]int)}
	for _, a := range s.active {
		sum.Active++
		if a.Acknowledged {
			sum.Acknowledged++
		}
		sum.BySeverity[string(a.Severity)]++
	}
	return sum
}

// Start launches the periodic monitor. Calling Start while running is a
// no-op.
func (s *System) Start(ctx context.Context, interval time.Duration) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Info("alerts: monitor started", "interval", interval)
		for {
			select {
			case <-loopCtx.Done():
				s.logger.Info("alerts: monitor stopped")
				return
			case <-ticker.C:
				s.Check(loopCtx)
			}
		}
	}()
}

// Stop cancels the monitor and waits for the loop to exit.
func (s *System) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the monitor loop is active.
func (s *System) Running() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.cancel != nil
}
