package training

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

type memCounters struct {
	counts map[string]int
	last   map[string]*time.Time
}

func newMemCounters() *memCounters {
	return &memCounters{counts: map[string]int{}, last: map[string]*time.Time{}}
}

func (m *memCounters) IncrementCounter(_ context.Context, table string) (int, error) {
	m.counts[table]++
	return m.counts[table], nil
}

func (m *memCounters) GetCounter(_ context.Context, table string) (model.TrainingCounter, error) {
	return model.TrainingCounter{Table: table, NewRows: m.counts[table], LastTrainingAt: m.last[table]}, nil
}

func (m *memCounters) ResetCounter(_ context.Context, table string, trainedAt time.Time) error {
	m.counts[table] = 0
	m.last[table] = &trainedAt
	return nil
}

func (m *memCounters) ListCounters(context.Context) ([]model.TrainingCounter, error) {
	var out []model.TrainingCounter
	for table, n := range m.counts {
		out = append(out, model.TrainingCounter{Table: table, NewRows: n, LastTrainingAt: m.last[table]})
	}
	return out, nil
}

type memSchemas struct {
	defs map[string]*schema.Definition
}

func (m *memSchemas) List() []string {
	var out []string
	for name := range m.defs {
		out = append(out, name)
	}
	return out
}

func (m *memSchemas) Schema(table string) (*schema.Definition, bool) {
	def, ok := m.defs[table]
	return def, ok
}

type memPublisher struct {
	events []model.TrainingEvent
}

func (m *memPublisher) Publish(event string, payload any) {
	if event != "training_required" {
		return
	}
	if e, ok := payload.(model.TrainingEvent); ok {
		m.events = append(m.events, e)
	}
}

func newTestTrigger(counters *memCounters, schemas *memSchemas, pub *memPublisher) *Trigger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(counters, schemas, pub, model.TrainingPolicy{
		RowThreshold:       5,
		TimeThresholdHours: 24,
		MinRows:            2,
	}, logger)
}

func TestOnInsertedFirstTimeFiresAtMinRows(t *testing.T) {
	counters := newMemCounters()
	pub := &memPublisher{}
	trig := newTestTrigger(counters, &memSchemas{defs: map[string]*schema.Definition{}}, pub)

	fired, err := trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)
	assert.False(t, fired, "one row is below min_rows")

	fired, err = trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)
	assert.True(t, fired, "never-trained table fires at min_rows")

	require.Len(t, pub.events, 1)
	assert.Equal(t, 2, pub.events[0].RowCount)
	assert.Equal(t, "incremental", pub.events[0].TrainingType)
	assert.Equal(t, 0, counters.counts["memory_documents"], "counter resets to exactly zero")
}

func TestOnInsertedRowThreshold(t *testing.T) {
	counters := newMemCounters()
	now := time.Now()
	counters.last["memory_documents"] = &now // already trained recently
	pub := &memPublisher{}
	trig := newTestTrigger(counters, &memSchemas{defs: map[string]*schema.Definition{}}, pub)

	for i := 0; i < 4; i++ {
		fired, err := trig.OnInserted(context.Background(), "memory_documents")
		require.NoError(t, err)
		assert.False(t, fired)
	}
	assert.Equal(t, 4, counters.counts["memory_documents"], "counter tracks inserts exactly")

	fired, err := trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)
	assert.True(t, fired, "fifth insert reaches the row threshold")
	assert.Equal(t, 0, counters.counts["memory_documents"])
}

func TestOnInsertedTimeThreshold(t *testing.T) {
	counters := newMemCounters()
	old := time.Now().Add(-48 * time.Hour)
	counters.last["memory_documents"] = &old
	pub := &memPublisher{}
	trig := newTestTrigger(counters, &memSchemas{defs: map[string]*schema.Definition{}}, pub)

	fired, err := trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)
	assert.False(t, fired, "stale training alone is not enough below min_rows")

	fired, err = trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)
	assert.True(t, fired, "min_rows plus stale last training fires")
}

func TestPerTablePolicyOverride(t *testing.T) {
	def, err := schema.FromDefinition(&schema.Definition{
		TableName: "memory_playbooks",
		Training:  &model.TrainingPolicy{RowThreshold: 2, MinRows: 1, TrainingType: "full"},
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true, Generated: true},
			{Name: "name", Type: schema.TypeString, Required: true},
		},
	})
	require.NoError(t, err)

	counters := newMemCounters()
	now := time.Now()
	counters.last["memory_playbooks"] = &now
	pub := &memPublisher{}
	trig := newTestTrigger(counters, &memSchemas{defs: map[string]*schema.Definition{"memory_playbooks": def}}, pub)

	fired, err := trig.OnInserted(context.Background(), "memory_playbooks")
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = trig.OnInserted(context.Background(), "memory_playbooks")
	require.NoError(t, err)
	assert.True(t, fired, "table-level row_threshold of 2 applies")
	require.Len(t, pub.events, 1)
	assert.Equal(t, "full", pub.events[0].TrainingType)
}

func TestForceTrainingBypassesThresholds(t *testing.T) {
	counters := newMemCounters()
	pub := &memPublisher{}
	trig := newTestTrigger(counters, &memSchemas{defs: map[string]*schema.Definition{}}, pub)

	_, err := trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)

	require.NoError(t, trig.ForceTraining(context.Background(), "memory_documents"))
	require.Len(t, pub.events, 1)
	assert.True(t, pub.events[0].Forced)
	assert.Equal(t, 0, counters.counts["memory_documents"])
	assert.NotNil(t, counters.last["memory_documents"])
}

func TestStatus(t *testing.T) {
	counters := newMemCounters()
	pub := &memPublisher{}
	trig := newTestTrigger(counters, &memSchemas{defs: map[string]*schema.Definition{}}, pub)

	_, err := trig.OnInserted(context.Background(), "memory_documents")
	require.NoError(t, err)

	statuses, err := trig.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "memory_documents", statuses[0].Table)
	assert.Equal(t, 1, statuses[0].NewRows)
	assert.Equal(t, 4, statuses[0].RowsUntilFire)
}
