package alerts

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/trust"
)

type fakeTrust struct {
	report trust.Report
	err    error
}

func (f *fakeTrust) BuildReport(context.Context) (trust.Report, error) { return f.report, f.err }

type fakeContradictions struct {
	summary model.ContradictionSummary
}

func (f *fakeContradictions) Summary() model.ContradictionSummary { return f.summary }

type fakeTables struct {
	counts map[string]int
	errs   map[string]error
}

func (f *fakeTables) List() []string {
	var out []string
	for t := range f.counts {
		out = append(out, t)
	}
	return out
}

func (f *fakeTables) Count(_ context.Context, table string) (int, error) {
	if err := f.errs[table]; err != nil {
		return 0, err
	}
	return f.counts[table], nil
}

type fakePublisher struct {
	events []string
}

func (f *fakePublisher) Publish(event string, _ any) { f.events = append(f.events, event) }

func newTestSystem(ft *fakeTrust, fc *fakeContradictions, tables *fakeTables, pub *fakePublisher) *System {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	var p Publisher
	if pub != nil {
		p = pub
	}
	return New(ft, fc, tables, p, []string{"memory_documents"}, logger)
}

func healthyTrust() *fakeTrust {
	return &fakeTrust{report: trust.Report{
		PerTable: map[string]trust.TableReport{
			"memory_documents": {Average: 0.8, Total: 10, LowCount: 1},
		},
	}}
}

func TestCheckRaisesLowTrustAlerts(t *testing.T) {
	ft := &fakeTrust{report: trust.Report{
		PerTable: map[string]trust.TableReport{
			"memory_documents": {Average: 0.3, Total: 10, LowCount: 6},
		},
	}}
	s := newTestSystem(ft, &fakeContradictions{}, &fakeTables{counts: map[string]int{"memory_documents": 10}}, nil)

	s.Check(context.Background())

	active := s.Active("")
	require.Len(t, active, 2)
	for _, a := range active {
		assert.Equal(t, model.SeverityMedium, a.Severity)
		assert.Equal(t, "trust", a.Source)
	}
}

func TestCheckRaisesCriticalContradictionAlert(t *testing.T) {
	fc := &fakeContradictions{summary: model.ContradictionSummary{
		CriticalCount: 2,
		Total:         2,
		ByTable:       map[string]int{"memory_documents": 2},
	}}
	pub := &fakePublisher{}
	s := newTestSystem(healthyTrust(), fc, &fakeTables{counts: map[string]int{"memory_documents": 5}}, pub)

	s.Check(context.Background())

	active := s.Active(model.SeverityCritical)
	require.Len(t, active, 1)
	assert.Equal(t, "contradictions", active[0].Source)
	assert.Contains(t, pub.events, "alert_raised")
}

func TestCheckEmptyCriticalTable(t *testing.T) {
	s := newTestSystem(healthyTrust(), &fakeContradictions{}, &fakeTables{counts: map[string]int{"memory_documents": 0}}, nil)
	s.Check(context.Background())

	active := s.Active(model.SeverityInfo)
	require.Len(t, active, 1)
	assert.Contains(t, active[0].Title, "empty")
}

func TestCheckTableAccessError(t *testing.T) {
	tables := &fakeTables{
		counts: map[string]int{"memory_documents": 0},
		errs:   map[string]error{"memory_documents": errors.New("disk gone")},
	}
	s := newTestSystem(healthyTrust(), &fakeContradictions{}, tables, nil)
	s.Check(context.Background())

	active := s.Active(model.SeverityHigh)
	require.Len(t, active, 1)
	assert.Equal(t, "storage", active[0].Source)
}

func TestAlertIdentityPreservesFirstSeen(t *testing.T) {
	s := newTestSystem(healthyTrust(), &fakeContradictions{summary: model.ContradictionSummary{CriticalCount: 1, Total: 1}},
		&fakeTables{counts: map[string]int{"memory_documents": 5}}, nil)

	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	s.Check(context.Background())

	s.now = func() time.Time { return t0.Add(time.Minute) }
	s.Check(context.Background())

	active := s.Active(model.SeverityCritical)
	require.Len(t, active, 1, "recurring condition must not duplicate")
	assert.Equal(t, t0, active[0].FirstSeenAt)
	assert.Equal(t, t0.Add(time.Minute), active[0].LastSeenAt)
}

func TestAcknowledgeIdempotent(t *testing.T) {
	s := newTestSystem(healthyTrust(), &fakeContradictions{summary: model.ContradictionSummary{CriticalCount: 1, Total: 1}},
		&fakeTables{counts: map[string]int{"memory_documents": 5}}, nil)
	s.Check(context.Background())

	active := s.Active("")
	require.NotEmpty(t, active)
	id := active[0].ID

	assert.True(t, s.Acknowledge(id))
	assert.True(t, s.Acknowledge(id), "second acknowledge is a clean no-op")
	assert.Equal(t, 1, s.Summary().Acknowledged)

	assert.True(t, s.Resolve(id))
	assert.False(t, s.Resolve(id), "resolved alerts leave the active map")
	assert.False(t, s.Acknowledge(id))
}

func TestActiveSortedBySeverity(t *testing.T) {
	ft := &fakeTrust{report: trust.Report{
		PerTable: map[string]trust.TableReport{
			"memory_documents": {Average: 0.2, Total: 10, LowCount: 9},
		},
	}}
	fc := &fakeContradictions{summary: model.ContradictionSummary{CriticalCount: 1, Total: 1}}
	s := newTestSystem(ft, fc, &fakeTables{counts: map[string]int{"memory_documents": 0}}, nil)
	s.Check(context.Background())

	active := s.Active("")
	require.GreaterOrEqual(t, len(active), 3)
	for i := 1; i < len(active); i++ {
		assert.GreaterOrEqual(t,
			model.SeverityRank(active[i-1].Severity),
			model.SeverityRank(active[i].Severity))
	}
}

func TestStartStopMonitor(t *testing.T) {
	fc := &fakeContradictions{summary: model.ContradictionSummary{CriticalCount: 1, Total: 1}}
	s := newTestSystem(healthyTrust(), fc, &fakeTables{counts: map[string]int{"memory_documents": 5}}, nil)

	s.Start(context.Background(), 10*time.Millisecond)
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		return len(s.Active(model.SeverityCritical)) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	s.Stop() // second stop is a no-op
}

func TestHistoryBounded(t *testing.T) {
	s := newTestSystem(healthyTrust(), &fakeContradictions{}, &fakeTables{}, nil)
	for i := 0; i < historySize+50; i++ {
		s.raise(model.SeverityInfo, "test", string(rune('a'+i%26))+string(rune('0'+i%10))+string(rune(i)), "t", "m", nil)
	}
	assert.LessOrEqual(t, len(s.History()), historySize)
}
