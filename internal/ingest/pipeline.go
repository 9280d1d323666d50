// Package ingest drives files from watched folders into governed tables.
// Two cooperating roles run on timers: a staging scan that analyzes new
// files and drafts proposals, and an approval drain that routes drafts
// through governance and applies the approved ones. A filesystem watcher
// only wakes the scan early; the timers remain the source of truth.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/seigyo/internal/events"
	"github.com/ashita-ai/seigyo/internal/governance"
	"github.com/ashita-ai/seigyo/internal/inference"
	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
	"github.com/ashita-ai/seigyo/internal/telemetry"
)

// ErrUnknownApproval is returned when an approval id has no pending draft.
var ErrUnknownApproval = errors.New("ingest: unknown approval id")

var meter = telemetry.Meter("seigyo/ingest")

// countProposal records one governance decision per drafted proposal.
func countProposal(ctx context.Context, decision string, action model.InferenceAction) {
	telemetry.Count(ctx, meter, "ingest.proposals", 1,
		attribute.String("decision", decision),
		attribute.String("action", string(action)))
}

// insightsTable records failed ingestions so the scan does not wedge on a
// file that can never insert.
const insightsTable = "memory_ingestion_insights"

// Analyzer extracts features from a file. Satisfied by *analysis.Analyzer.
type Analyzer interface {
	Analyze(path string) model.FileAnalysis
}

// Inferrer proposes a destination for analyzed content. Satisfied by
// *inference.Inferrer.
type Inferrer interface {
	Propose(a model.FileAnalysis) model.InferenceProposal
}

// Registry is the schema surface the pipeline mutates through. Satisfied by
// *schema.Registry.
type Registry interface {
	Insert(ctx context.Context, table string, row model.Row, opts schema.InsertOptions) (model.Row, error)
	Update(ctx context.Context, table, id string, patch model.Row) (bool, error)
	Query(ctx context.Context, table string, q schema.Query) ([]model.Row, error)
	Register(def *schema.Definition)
	Materialize(ctx context.Context) error
	ExtendTable(ctx context.Context, table string, field schema.Field) error
	Has(table string) bool
	Schema(table string) (*schema.Definition, bool)
	TableForCategory(category model.FileCategory) string
}

// Scorer computes row trust for the direct-insert path. Satisfied by
// *trust.Engine.
type Scorer interface {
	Score(table string, row model.Row) float64
}

// Runner executes ingestion jobs through the agent fleet. Satisfied by
// *lifecycle.Manager. Optional: without one the pipeline inserts directly.
type Runner interface {
	ExecuteJob(ctx context.Context, kind model.AgentKind, job *model.Job, reuse bool) (model.JobResult, error)
}

// Trainer is notified after each successful insert. Satisfied by
// *training.Trigger.
type Trainer interface {
	OnInserted(ctx context.Context, table string) (bool, error)
}

// Publisher fans pipeline events out. Satisfied by *events.Broker.
type Publisher interface {
	Publish(event string, payload any)
}

// Options tune the pipeline loops.
type Options struct {
	Folders          []string
	StagingInterval  time.Duration
	ApprovalInterval time.Duration
	PendingMaxAge    time.Duration
	MaxFileSizeBytes int64
}

func (o *Options) withDefaults() {
	if o.StagingInterval <= 0 {
		o.StagingInterval = 30 * time.Second
	}
	if o.ApprovalInterval <= 0 {
		o.ApprovalInterval = 15 * time.Second
	}
	if o.PendingMaxAge <= 0 {
		o.PendingMaxAge = 24 * time.Hour
	}
	if o.MaxFileSizeBytes <= 0 {
		o.MaxFileSizeBytes = 100 * 1024 * 1024
	}
}

// draft is one file's analysis plus the inferred destination, parked between
// the staging scan and the approval drain.
type draft struct {
	Path      string
	Analysis  model.FileAnalysis
	Proposal  model.InferenceProposal
	DraftedAt time.Time
}

// held is a draft whose governance decision came back pending.
type held struct {
	Proposal model.SchemaProposal
	Draft    draft
	HeldAt   time.Time
}

// Pipeline is the auto-ingestion state machine.
type Pipeline struct {
	analyzer  Analyzer
	inferrer  Inferrer
	registry  Registry
	gateway   governance.Gateway
	scorer    Scorer
	runner    Runner
	trainer   Trainer
	publisher Publisher
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	folders     []string
	autoApprove bool
	seen        map[string]struct{} // path|mtime|size
	queue       []draft             // awaiting the approval drain
	retained    map[string]draft    // low confidence, kept for inspection
	pending     map[string]held     // keyed by governance update id

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// New creates a pipeline. runner, trainer, and publisher may be nil.
func New(analyzer Analyzer, inferrer Inferrer, registry Registry, gateway governance.Gateway,
	scorer Scorer, runner Runner, trainer Trainer, publisher Publisher,
	opts Options, logger *slog.Logger) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		analyzer:    analyzer,
		inferrer:    inferrer,
		registry:    registry,
		gateway:     gateway,
		scorer:      scorer,
		runner:      runner,
		trainer:     trainer,
		publisher:   publisher,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
		folders:     opts.Folders,
		autoApprove: true,
		seen:        make(map[string]struct{}),
		retained:    make(map[string]draft),
		pending:     make(map[string]held),
		wake:        make(chan struct{}, 1),
	}
}

// ScanOnce runs one staging pass over the watched folders and returns how
// many new drafts it produced. Folders that do not exist are skipped.
func (p *Pipeline) ScanOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	folders := append([]string(nil), p.folders...)
	p.mu.Unlock()

	drafted := 0
	for _, folder := range folders {
		entries, err := os.ReadDir(folder)
		if err != nil {
			if !os.IsNotExist(err) {
				p.logger.Warn("ingest: cannot read watch folder", "folder", folder, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return drafted, ctx.Err()
			}
			if entry.IsDir() || skipName(entry.Name()) {
				continue
			}
			path := filepath.Join(folder, entry.Name())
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Size() > p.opts.MaxFileSizeBytes {
				p.logger.Warn("ingest: file exceeds size limit", "path", path, "size", info.Size())
				continue
			}
			key := seenKey(path, info.ModTime(), info.Size())
			p.mu.Lock()
			_, done := p.seen[key]
			p.mu.Unlock()
			if done {
				continue
			}

			if p.alreadyIngested(ctx, path) {
				p.markSeen(key)
				continue
			}

			analysis := p.analyzer.Analyze(path)
			if analysisFailed(analysis) {
				// Not marked seen: the next scan retries.
				p.logger.Warn("ingest: analysis failed, will retry", "path", path, "errors", analysis.Errors)
				continue
			}

			d := draft{
				Path:      path,
				Analysis:  analysis,
				Proposal:  p.inferrer.Propose(analysis),
				DraftedAt: p.now().UTC(),
			}
			p.markSeen(key)
			p.mu.Lock()
			if d.Proposal.Confidence >= 0.7 {
				p.queue = append(p.queue, d)
				drafted++
			} else {
				p.retained[path] = d
			}
			p.mu.Unlock()
			p.logger.Info("ingest: file drafted",
				"path", path, "category", analysis.Category,
				"action", d.Proposal.Action, "target", d.Proposal.TargetTable,
				"confidence", d.Proposal.Confidence)
		}
	}
	return drafted, nil
}

// DrainOnce runs one approval pass: expire stale pending drafts, then route
// every queued draft through governance and apply the approved ones.
// Returns the number of rows inserted.
func (p *Pipeline) DrainOnce(ctx context.Context) (int, error) {
	p.expireStalePending()

	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	inserted := 0
	for _, d := range batch {
		if ctx.Err() != nil {
			// Put the remainder back for the next drain.
			p.mu.Lock()
			p.queue = append(p.queue, d)
			p.mu.Unlock()
			continue
		}
		if p.submit(ctx, d) {
			inserted++
		}
	}
	return inserted, ctx.Err()
}

// submit routes one draft through governance. True when a row was inserted.
func (p *Pipeline) submit(ctx context.Context, d draft) bool {
	proposal := model.SchemaProposal{
		ID:          uuid.New().String(),
		Kind:        proposalKind(d.Proposal.Action),
		TargetTable: d.Proposal.TargetTable,
		Payload:     d.Proposal.ExtractedFields,
		Confidence:  d.Proposal.Confidence,
		Reasoning:   d.Proposal.Reasoning,
		SourceRef:   d.Path,
		State:       model.ProposalPending,
		CreatedAt:   d.DraftedAt,
	}

	decision := p.gateway.Submit(ctx, model.GovernanceUpdate{
		Kind:    governanceKind(d.Proposal.Action),
		Targets: []string{d.Proposal.TargetTable},
		Content: map[string]any{
			"proposal_id": proposal.ID,
			"confidence":  proposal.Confidence,
			"source_path": d.Path,
			"action":      string(d.Proposal.Action),
		},
		Risk:      model.RiskFromConfidence(proposal.Confidence),
		CreatedBy: "ingestion-pipeline",
	})

	switch {
	case decision.Approved:
		proposal.State = model.ProposalAutoApproved
		countProposal(ctx, "approved", d.Proposal.Action)
		return p.apply(ctx, proposal, d)

	case decision.Pending && decision.Reason == governance.ReasonUnavailable &&
		d.Proposal.Action == model.ActionUseExisting && p.autoApproveEnabled():
		// Gateway down: plain inserts into known tables are safe to apply
		// locally; anything touching schema stays held.
		p.logger.Warn("ingest: gateway unavailable, applying use_existing locally",
			"path", d.Path, "table", d.Proposal.TargetTable)
		proposal.State = model.ProposalAutoApproved
		countProposal(ctx, "approved", d.Proposal.Action)
		return p.apply(ctx, proposal, d)

	case decision.Pending:
		now := p.now().UTC()
		p.mu.Lock()
		p.pending[decision.UpdateID] = held{Proposal: proposal, Draft: d, HeldAt: now}
		p.mu.Unlock()
		countProposal(ctx, "pending", d.Proposal.Action)
		p.logger.Info("ingest: draft held pending approval",
			"path", d.Path, "approval_id", decision.UpdateID, "risk", model.RiskFromConfidence(proposal.Confidence))
		return false

	default:
		countProposal(ctx, "denied", d.Proposal.Action)
		p.logger.Info("ingest: draft rejected by governance",
			"path", d.Path, "table", d.Proposal.TargetTable, "reason", decision.Reason)
		return false
	}
}

// apply materializes an approved proposal: schema changes first, then the
// row insert, then trust, training, and the row_inserted event.
func (p *Pipeline) apply(ctx context.Context, proposal model.SchemaProposal, d draft) bool {
	table := d.Proposal.TargetTable

	switch d.Proposal.Action {
	case model.ActionCreateNew:
		if !p.registry.Has(table) {
			def, err := inference.BuildDefinition(table, d.Analysis.Category, d.Proposal.ExtractedFields)
			if err != nil {
				p.recordFailure(ctx, d, "schema_create", err)
				return false
			}
			p.registry.Register(def)
			if err := p.registry.Materialize(ctx); err != nil {
				p.recordFailure(ctx, d, "schema_create", err)
				return false
			}
			p.logger.Info("ingest: table created", "table", table)
		}
	case model.ActionExtendExisting:
		def, ok := p.registry.Schema(table)
		if !ok {
			p.recordFailure(ctx, d, "schema_modify", schema.ErrUnknownTable)
			return false
		}
		for name, value := range d.Proposal.ExtractedFields {
			if _, exists := def.FieldByName(name); exists {
				continue
			}
			if err := p.registry.ExtendTable(ctx, table, inference.FieldFor(name, value)); err != nil {
				p.recordFailure(ctx, d, "schema_modify", err)
				return false
			}
		}
	}

	row := d.Proposal.ExtractedFields.Clone()
	row[model.ColumnGovernanceStamp] = map[string]any{
		"proposal_id": proposal.ID,
		"state":       string(proposal.State),
		"decided_at":  p.now().UTC().Format(time.RFC3339),
	}

	rowID, score, err := p.insert(ctx, table, row)
	if err != nil {
		p.recordFailure(ctx, d, "insert", err)
		return false
	}

	if p.trainer != nil {
		if _, err := p.trainer.OnInserted(ctx, table); err != nil {
			p.logger.Warn("ingest: training notification failed", "table", table, "error", err)
		}
	}
	if p.publisher != nil {
		p.publisher.Publish(events.EventRowInserted, map[string]any{
			"table":       table,
			"row_id":      rowID,
			"source_path": d.Path,
			"trust_score": score,
		})
	}
	telemetry.Count(ctx, meter, "ingest.rows_inserted", 1, attribute.String("table", table))
	p.logger.Info("ingest: row inserted", "table", table, "row_id", rowID, "trust", score)
	return true
}

// insert runs the row through an ingestion agent when a runner is wired,
// falling back to a direct registry insert plus trust scoring.
func (p *Pipeline) insert(ctx context.Context, table string, row model.Row) (string, float64, error) {
	if p.runner != nil {
		job := model.NewJob(model.KindIngestion, map[string]any{
			"table":  table,
			"row":    map[string]any(row),
			"upsert": true,
		})
		result, err := p.runner.ExecuteJob(ctx, model.KindIngestion, job, true)
		if err != nil {
			return "", 0, err
		}
		if !result.Success {
			return "", 0, fmt.Errorf("ingest: ingestion job %s: %s", job.ID, result.Error)
		}
		out, _ := result.Result.(map[string]any)
		id, _ := out["row_id"].(string)
		score, _ := out["trust_score"].(float64)
		return id, score, nil
	}

	inserted, err := p.registry.Insert(ctx, table, row, schema.InsertOptions{UpsertOnFingerprint: true})
	if err != nil {
		return "", 0, err
	}
	def, ok := p.registry.Schema(table)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", schema.ErrUnknownTable, table)
	}
	id := inserted.String(def.PrimaryKey().Name)

	score := 0.5
	if p.scorer != nil {
		score = p.scorer.Score(table, inserted)
		if _, err := p.registry.Update(ctx, table, id, model.Row{model.ColumnTrustScore: score}); err != nil {
			p.logger.Warn("ingest: trust persist failed", "table", table, "row_id", id, "error", err)
		}
	}
	return id, score, nil
}

// recordFailure writes a failed-ingestion insight row so the file is not
// retried forever. Best effort: a missing insights table only logs.
func (p *Pipeline) recordFailure(ctx context.Context, d draft, stage string, cause error) {
	p.logger.Error("ingest: ingestion failed", "path", d.Path, "stage", stage, "error", cause)
	if !p.registry.Has(insightsTable) {
		return
	}
	_, err := p.registry.Insert(ctx, insightsTable, model.Row{
		"source_path":   d.Path,
		"stage":         stage,
		"error_class":   errorClass(cause),
		"error_message": cause.Error(),
	}, schema.InsertOptions{UpsertOnFingerprint: true})
	if err != nil {
		p.logger.Warn("ingest: could not record ingestion insight", "path", d.Path, "error", err)
	}
}

// Approve decides a held draft by its approval id. Approved drafts are
// applied immediately; denied ones are dropped.
func (p *Pipeline) Approve(ctx context.Context, approvalID string, approved bool, reason string) error {
	p.mu.Lock()
	entry, ok := p.pending[approvalID]
	if ok {
		delete(p.pending, approvalID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, approvalID)
	}

	if !approved {
		p.logger.Info("ingest: held draft denied", "approval_id", approvalID, "path", entry.Draft.Path, "reason", reason)
		return nil
	}

	entry.Proposal.State = model.ProposalApproved
	now := p.now().UTC()
	entry.Proposal.DecidedAt = &now
	if !p.apply(ctx, entry.Proposal, entry.Draft) {
		return fmt.Errorf("ingest: approved draft %s failed to apply", approvalID)
	}
	return nil
}

// Pending lists drafts awaiting an external decision, oldest first, keyed by
// approval id.
func (p *Pipeline) Pending() map[string]model.SchemaProposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]model.SchemaProposal, len(p.pending))
	for id, entry := range p.pending {
		out[id] = entry.Proposal
	}
	return out
}

// Retained lists low-confidence drafts the scan kept back, sorted by path.
func (p *Pipeline) Retained() []model.SchemaProposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.SchemaProposal, 0, len(p.retained))
	for _, d := range p.retained {
		out = append(out, model.SchemaProposal{
			Kind:        proposalKind(d.Proposal.Action),
			TargetTable: d.Proposal.TargetTable,
			Payload:     d.Proposal.ExtractedFields,
			Confidence:  d.Proposal.Confidence,
			Reasoning:   d.Proposal.Reasoning,
			SourceRef:   d.Path,
			State:       model.ProposalPending,
			CreatedAt:   d.DraftedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceRef < out[j].SourceRef })
	return out
}

func (p *Pipeline) expireStalePending() {
	cutoff := p.now().Add(-p.opts.PendingMaxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.pending {
		if entry.HeldAt.Before(cutoff) {
			delete(p.pending, id)
			p.logger.Info("ingest: stale pending draft discarded", "approval_id", id, "path", entry.Draft.Path)
		}
	}
}

func (p *Pipeline) alreadyIngested(ctx context.Context, path string) bool {
	table := p.registry.TableForCategory(model.CategoryDocument)
	if table == "" || !p.registry.Has(table) {
		return false
	}
	rows, err := p.registry.Query(ctx, table, schema.Query{
		Filters: map[string]any{"source_path": path},
		Limit:   1,
	})
	return err == nil && len(rows) > 0
}

func (p *Pipeline) markSeen(key string) {
	p.mu.Lock()
	p.seen[key] = struct{}{}
	p.mu.Unlock()
}

func (p *Pipeline) autoApproveEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoApprove
}

func seenKey(path string, mtime time.Time, size int64) string {
	return fmt.Sprintf("%s|%d|%d", path, mtime.UnixNano(), size)
}

// skipName filters hidden files and editor or transfer leftovers.
func skipName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".temp", ".lock", ".swp", ".swo", ".swap", ".part", ".crdownload":
		return true
	}
	return false
}

// analysisFailed reports an analysis with nothing usable: the analyzer is
// resilient, so only a file it could not read at all comes back this empty.
func analysisFailed(a model.FileAnalysis) bool {
	return len(a.Errors) > 0 && a.Category == model.CategoryUnknown && len(a.Features) == 0 && a.Size == 0
}

func proposalKind(action model.InferenceAction) model.ProposalKind {
	switch action {
	case model.ActionCreateNew:
		return model.ProposalCreateTable
	case model.ActionExtendExisting:
		return model.ProposalExtendTable
	default:
		return model.ProposalInsertRow
	}
}

// governanceKind maps an inference action onto the gateway's update
// vocabulary.
func governanceKind(action model.InferenceAction) string {
	switch action {
	case model.ActionCreateNew:
		return "schema_create"
	case model.ActionExtendExisting:
		return "schema_modify"
	default:
		return "memory_table_row_insert"
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, schema.ErrUnknownTable):
		return "unknown_table"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return "validation"
		}
		return "storage"
	}
}
