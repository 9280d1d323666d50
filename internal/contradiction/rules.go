// Package contradiction evaluates declarative rule packs across the rows of
// a table and emits contradiction records. Detection is lazy and
// recomputed on demand; the latest results are held as a snapshot for the
// trust engine, which must never trigger detection itself.
package contradiction

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/seigyo/internal/model"
)

// defaultSimilarityThreshold applies when a similarity rule declares none.
const defaultSimilarityThreshold = 0.8

// Rule is one declared check against the rows of a table.
type Rule struct {
	Name      string                    `yaml:"name"`
	Method    model.ContradictionMethod `yaml:"method"`
	Severity  model.Severity            `yaml:"severity"`
	Fields    []string                  `yaml:"fields,omitempty"`    // similarity
	Threshold float64                   `yaml:"threshold,omitempty"` // similarity

	IdentifierField string   `yaml:"identifier_field,omitempty"` // temporal_consistency
	TimestampFields []string `yaml:"timestamp_fields,omitempty"` // temporal_consistency, in required order

	TriggerField string `yaml:"trigger_field,omitempty"` // action_conflict
	ActionField  string `yaml:"action_field,omitempty"`  // action_conflict
}

// pack is the YAML file shape: all rules for one table.
type pack struct {
	Table string `yaml:"table"`
	Rules []Rule `yaml:"rules"`
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	switch r.Severity {
	case model.SeverityInfo, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	}
	switch r.Method {
	case model.MethodSimilarity:
		if len(r.Fields) == 0 {
			return fmt.Errorf("rule %s: similarity needs fields", r.Name)
		}
		if r.Threshold == 0 {
			r.Threshold = defaultSimilarityThreshold
		}
		if r.Threshold < 0 || r.Threshold > 1 {
			return fmt.Errorf("rule %s: threshold %v out of range", r.Name, r.Threshold)
		}
	case model.MethodTemporalConsistency:
		if r.IdentifierField == "" || len(r.TimestampFields) < 2 {
			return fmt.Errorf("rule %s: temporal_consistency needs identifier_field and two timestamp_fields", r.Name)
		}
	case model.MethodActionConflict:
		if r.TriggerField == "" || r.ActionField == "" {
			return fmt.Errorf("rule %s: action_conflict needs trigger_field and action_field", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown method %q", r.Name, r.Method)
	}
	return nil
}

// parsePack decodes and validates one rule pack file.
func parsePack(data []byte) (*pack, error) {
	var p pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if p.Table == "" {
		return nil, fmt.Errorf("pack has no table")
	}
	for i := range p.Rules {
		if err := p.Rules[i].validate(); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// LoadRules reads every rule pack in dir, keyed by table. Bad files are
// logged and skipped; returns the number of rules loaded.
func (d *Detector) LoadRules(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("contradiction: read dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("contradiction: read pack failed", "path", path, "error", err)
			continue
		}
		p, err := parsePack(data)
		if err != nil {
			d.logger.Warn("contradiction: bad pack skipped", "path", path, "error", err)
			continue
		}
		d.mu.Lock()
		d.rules[p.Table] = append(d.rules[p.Table], p.Rules...)
		d.mu.Unlock()
		loaded += len(p.Rules)
	}
	d.logger.Info("contradiction: rules loaded", "dir", dir, "count", loaded)
	return loaded, nil
}

// AddRules registers rules for a table programmatically. Used by tests and
// embedded deployments.
func (d *Detector) AddRules(table string, rules ...Rule) error {
	for i := range rules {
		if err := rules[i].validate(); err != nil {
			return fmt.Errorf("contradiction: %w", err)
		}
	}
	d.mu.Lock()
	d.rules[table] = append(d.rules[table], rules...)
	d.mu.Unlock()
	return nil
}
