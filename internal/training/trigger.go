// Package training watches per-table ingestion counters and fires
// training_required events when a table's policy thresholds are crossed.
// Fan-out is fire-and-forget: downstream learners subscribe to the event
// broker, and a firing never blocks or fails the inserting caller.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

// Counters is the persisted counter store. Satisfied by *storage.DB.
type Counters interface {
	IncrementCounter(ctx context.Context, table string) (int, error)
	GetCounter(ctx context.Context, table string) (model.TrainingCounter, error)
	ResetCounter(ctx context.Context, table string, trainedAt time.Time) error
	ListCounters(ctx context.Context) ([]model.TrainingCounter, error)
}

// Schemas supplies per-table training policies. Satisfied by
// *schema.Registry.
type Schemas interface {
	List() []string
	Schema(table string) (*schema.Definition, bool)
}

// Publisher fans training events out. Satisfied by *events.Broker.
type Publisher interface {
	Publish(event string, payload any)
}

// TableStatus reports one table's position against its policy.
type TableStatus struct {
	Table          string               `json:"table"`
	NewRows        int                  `json:"new_rows_since_last_training"`
	LastTrainingAt *time.Time           `json:"last_training_at,omitempty"`
	Policy         model.TrainingPolicy `json:"policy"`
	RowsUntilFire  int                  `json:"rows_until_fire"`
}

// Trigger owns the counter bookkeeping and firing decisions.
type Trigger struct {
	counters  Counters
	schemas   Schemas
	publisher Publisher
	fallback  model.TrainingPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a training trigger. fallback applies to tables whose
// definition declares no policy.
func New(counters Counters, schemas Schemas, publisher Publisher, fallback model.TrainingPolicy, logger *slog.Logger) *Trigger {
	if fallback.TrainingType == "" {
		fallback.TrainingType = "incremental"
	}
	return &Trigger{
		counters:  counters,
		schemas:   schemas,
		publisher: publisher,
		fallback:  fallback,
		logger:    logger,
		now:       time.Now,
	}
}

// OnInserted bumps the table's counter and fires training when the policy
// allows: the row threshold is reached, the time threshold has passed with
// at least min_rows accumulated, or the table has never trained and has
// min_rows. Returns whether training fired.
func (t *Trigger) OnInserted(ctx context.Context, table string) (bool, error) {
	count, err := t.counters.IncrementCounter(ctx, table)
	if err != nil {
		return false, fmt.Errorf("training: on inserted %s: %w", table, err)
	}
	counter, err := t.counters.GetCounter(ctx, table)
	if err != nil {
		return false, fmt.Errorf("training: on inserted %s: %w", table, err)
	}

	policy := t.policyFor(table)
	if !shouldFire(policy, count, counter.LastTrainingAt, t.now()) {
		return false, nil
	}
	return true, t.fire(ctx, table, policy, count, false)
}

// ForceTraining fires immediately, bypassing thresholds.
func (t *Trigger) ForceTraining(ctx context.Context, table string) error {
	counter, err := t.counters.GetCounter(ctx, table)
	if err != nil {
		return fmt.Errorf("training: force %s: %w", table, err)
	}
	return t.fire(ctx, table, t.policyFor(table), counter.NewRows, true)
}

// Status reports every known table against its policy. Tables with no
// counter row yet report zero.
func (t *Trigger) Status(ctx context.Context) ([]TableStatus, error) {
	persisted, err := t.counters.ListCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("training: status: %w", err)
	}
	byTable := make(map[string]model.TrainingCounter, len(persisted))
	for _, c := range persisted {
		byTable[c.Table] = c
	}

	names := t.schemas.List()
	for table := range byTable {
		if _, ok := t.schemas.Schema(table); !ok {
			names = append(names, table)
		}
	}
	sort.Strings(names)

	out := make([]TableStatus, 0, len(names))
	for _, table := range names {
		counter := byTable[table]
		policy := t.policyFor(table)
		remaining := policy.RowThreshold - counter.NewRows
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, TableStatus{
			Table:          table,
			NewRows:        counter.NewRows,
			LastTrainingAt: counter.LastTrainingAt,
			Policy:         policy,
			RowsUntilFire:  remaining,
		})
	}
	return out, nil
}

func (t *Trigger) fire(ctx context.Context, table string, policy model.TrainingPolicy, rows int, forced bool) error {
	trainedAt := t.now().UTC()
	if t.publisher != nil {
		t.publisher.Publish("training_required", model.TrainingEvent{
			Table:        table,
			TrainingType: policy.TrainingType,
			RowCount:     rows,
			Forced:       forced,
			TriggeredAt:  trainedAt,
		})
	}
	if err := t.counters.ResetCounter(ctx, table, trainedAt); err != nil {
		return fmt.Errorf("training: reset %s: %w", table, err)
	}
	t.logger.Info("training: fired", "table", table, "rows", rows, "forced", forced, "type", policy.TrainingType)
	return nil
}

func (t *Trigger) policyFor(table string) model.TrainingPolicy {
	def, ok := t.schemas.Schema(table)
	if !ok || def.Training == nil {
		return t.fallback
	}
	policy := *def.Training
	if policy.RowThreshold <= 0 {
		policy.RowThreshold = t.fallback.RowThreshold
	}
	if policy.TimeThresholdHours <= 0 {
		policy.TimeThresholdHours = t.fallback.TimeThresholdHours
	}
	if policy.MinRows <= 0 {
		policy.MinRows = t.fallback.MinRows
	}
	if policy.TrainingType == "" {
		policy.TrainingType = t.fallback.TrainingType
	}
	return policy
}

func shouldFire(policy model.TrainingPolicy, count int, last *time.Time, now time.Time) bool {
	if count >= policy.RowThreshold {
		return true
	}
	if count < policy.MinRows {
		return false
	}
	if last == nil {
		// First-time training.
		return true
	}
	return now.Sub(*last) >= time.Duration(policy.TimeThresholdHours)*time.Hour
}
