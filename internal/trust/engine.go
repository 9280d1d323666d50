// Package trust computes per-row trust scores from five weighted signals:
// completeness, source, freshness, usage success, and consistency. Scores
// are pure over the row plus the most recent contradiction snapshot, so
// scoring never triggers detection and the two passes cannot recurse into
// each other.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

// Factor weights. Consistency's weight is its contribution with a clean
// record; contradiction penalties subtract at full value so a medium
// contradiction moves the final score by its listed penalty.
const (
	weightCompleteness = 0.30
	weightSource       = 0.25
	weightFreshness    = 0.15
	weightUsage        = 0.20
	weightConsistency  = 0.10
)

// Trust thresholds used by reporting and alerting.
const (
	LowThreshold  = 0.5
	HighThreshold = 0.8
)

// freshnessWindow is the decay horizon: 1.0 today down to 0.30 at the
// window edge and beyond.
const freshnessWindow = 180 * 24 * time.Hour

// contradictionPenalty maps severity to the score deduction per record
// involving the row.
var contradictionPenalty = map[model.Severity]float64{
	model.SeverityLow:      0.05,
	model.SeverityMedium:   0.15,
	model.SeverityHigh:     0.30,
	model.SeverityCritical: 0.50,
}

// creatorScore grades the identity recorded in created_by.
var creatorScore = map[string]float64{
	"grace":    0.85,
	"user":     0.60,
	"external": 0.50,
}

// Rows is the registry view the engine scores against. Satisfied by
// *schema.Registry.
type Rows interface {
	List() []string
	Schema(table string) (*schema.Definition, bool)
	Query(ctx context.Context, table string, q schema.Query) ([]model.Row, error)
	Update(ctx context.Context, table, id string, patch model.Row) (bool, error)
}

// ContradictionSource supplies the previous detection snapshot. Satisfied by
// *contradiction.Detector.
type ContradictionSource interface {
	Snapshot() []model.ContradictionRecord
}

// TableReport aggregates trust over one table.
type TableReport struct {
	Average   float64 `json:"avg"`
	LowCount  int     `json:"low_count"`
	HighCount int     `json:"high_count"`
	Total     int     `json:"total_rows"`
}

// Report is the full trust report consumed by the alert system.
type Report struct {
	PerTable map[string]TableReport `json:"per_table"`
	Overall  TableReport            `json:"overall"`
}

// Engine scores rows and persists rescores.
type Engine struct {
	rows           Rows
	contradictions ContradictionSource
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a trust engine.
func New(rows Rows, contradictions ContradictionSource, logger *slog.Logger) *Engine {
	return &Engine{
		rows:           rows,
		contradictions: contradictions,
		logger:         logger,
		now:            time.Now,
	}
}

// Score computes the row's trust in [0,1]. Pure: reads the row, its table
// definition, and the latest contradiction snapshot. Never NaN.
func (e *Engine) Score(table string, row model.Row) float64 {
	def, _ := e.rows.Schema(table)

	score := weightCompleteness*e.completeness(def, row) +
		weightSource*e.source(row) +
		weightFreshness*e.freshness(row) +
		weightUsage*e.usage(row) +
		weightConsistency - e.contradictionDeduction(table, row)

	return model.ClampScore(score)
}

// Rescore recomputes and persists trust for up to limit rows of the table.
// Returns the number of rows rescored; an empty table rescores zero rows.
func (e *Engine) Rescore(ctx context.Context, table string, limit int) (int, error) {
	def, ok := e.rows.Schema(table)
	if !ok {
		return 0, fmt.Errorf("%w: %s", schema.ErrUnknownTable, table)
	}
	rows, err := e.rows.Query(ctx, table, schema.Query{Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("trust: rescore %s: %w", table, err)
	}

	pk := def.PrimaryKey().Name
	rescored := 0
	for _, row := range rows {
		id := row.String(pk)
		if id == "" {
			continue
		}
		score := e.Score(table, row)
		ok, err := e.rows.Update(ctx, table, id, model.Row{model.ColumnTrustScore: score})
		if err != nil {
			return rescored, fmt.Errorf("trust: persist score %s/%s: %w", table, id, err)
		}
		if ok {
			rescored++
		}
	}
	e.logger.Info("trust: table rescored", "table", table, "rows", rescored)
	return rescored, nil
}

// BuildReport aggregates trust across every registered table.
func (e *Engine) BuildReport(ctx context.Context) (Report, error) {
	report := Report{PerTable: make(map[string]TableReport)}
	var sum float64
	for _, table := range e.rows.List() {
		rows, err := e.rows.Query(ctx, table, schema.Query{})
		if err != nil {
			return Report{}, fmt.Errorf("trust: report %s: %w", table, err)
		}
		tr := TableReport{Total: len(rows)}
		var tableSum float64
		for _, row := range rows {
			s := row.TrustScore()
			tableSum += s
			if s < LowThreshold {
				tr.LowCount++
			}
			if s >= HighThreshold {
				tr.HighCount++
			}
		}
		if tr.Total > 0 {
			tr.Average = tableSum / float64(tr.Total)
		}
		report.PerTable[table] = tr

		report.Overall.Total += tr.Total
		report.Overall.LowCount += tr.LowCount
		report.Overall.HighCount += tr.HighCount
		sum += tableSum
	}
	if report.Overall.Total > 0 {
		report.Overall.Average = sum / float64(report.Overall.Total)
	}
	return report, nil
}

// completeness weighs required fields at 0.6 and optional fields at 0.4.
// Generated and standard columns are excluded; they carry no signal about
// how complete the submitted content was.
func (e *Engine) completeness(def *schema.Definition, row model.Row) float64 {
	if def == nil {
		return 0.5
	}
	var reqTotal, reqFilled, optTotal, optFilled int
	for _, f := range def.Fields {
		if f.Generated || f.PrimaryKey || isStandardColumn(f.Name) {
			continue
		}
		filled := fieldFilled(row[f.Name])
		if f.Required {
			reqTotal++
			if filled {
				reqFilled++
			}
		} else {
			optTotal++
			if filled {
				optFilled++
			}
		}
	}
	score := 0.0
	if reqTotal > 0 {
		score += 0.6 * float64(reqFilled) / float64(reqTotal)
	} else {
		score += 0.6
	}
	if optTotal > 0 {
		score += 0.4 * float64(optFilled) / float64(optTotal)
	} else {
		score += 0.4
	}
	return score
}

// source grades provenance: creator identity plus a boost when the row
// carries a governance stamp.
func (e *Engine) source(row model.Row) float64 {
	score := 0.5
	if s, ok := creatorScore[row.String("created_by")]; ok {
		score = s
	}
	if stamp, ok := row[model.ColumnGovernanceStamp]; ok && stamp != nil {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}

// freshness decays linearly from 1.0 now to 0.30 at 180 days, using the
// most recent of the row's activity timestamps. No timestamp reads neutral.
func (e *Engine) freshness(row model.Row) float64 {
	var newest time.Time
	for _, field := range []string{"updated_at", "last_used_at", "last_active_at", model.ColumnCreatedAt} {
		if ts, ok := row.Time(field); ok && ts.After(newest) {
			newest = ts
		}
	}
	if newest.IsZero() {
		return 0.5
	}
	age := e.now().Sub(newest)
	if age <= 0 {
		return 1.0
	}
	if age >= freshnessWindow {
		return 0.30
	}
	return 1.0 - 0.70*float64(age)/float64(freshnessWindow)
}

// usage combines the row's recorded success rate with a small boost for
// being used at all, capped at +0.2. Rows with no usage data read neutral.
func (e *Engine) usage(row model.Row) float64 {
	rate, hasRate := row.Float("success_rate")
	count, hasCount := row.Float("usage_count")
	if !hasCount {
		count, hasCount = row.Float("times_used")
	}
	if !hasRate && !hasCount {
		return 0.5
	}
	score := 0.5
	if hasRate {
		score = rate
	}
	boost := 0.02 * count
	if boost > 0.2 {
		boost = 0.2
	}
	score += boost
	if score > 1 {
		score = 1
	}
	return score
}

// contradictionDeduction sums the penalties of snapshot records that involve
// this row.
func (e *Engine) contradictionDeduction(table string, row model.Row) float64 {
	if e.contradictions == nil {
		return 0
	}
	id := rowID(e, table, row)
	if id == "" {
		return 0
	}
	var total float64
	for _, rec := range e.contradictions.Snapshot() {
		if rec.Table != table || !rec.Involves(id) {
			continue
		}
		total += contradictionPenalty[rec.Severity]
	}
	return total
}

func rowID(e *Engine, table string, row model.Row) string {
	def, ok := e.rows.Schema(table)
	if !ok {
		return ""
	}
	return row.String(def.PrimaryKey().Name)
}

func fieldFilled(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	}
	return true
}

func isStandardColumn(name string) bool {
	switch name {
	case model.ColumnTrustScore, model.ColumnGovernanceStamp, model.ColumnCreatedAt:
		return true
	}
	return false
}
