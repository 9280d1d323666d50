package agent

import (
	"fmt"
	"log/slog"

	"github.com/ashita-ai/seigyo/internal/model"
)

// Factory builds agent variants with their shared dependencies. The
// lifecycle manager depends on this rather than on concrete variants, which
// keeps the lifecycle<->agent dependency one-directional.
type Factory struct {
	analyzer Analyzer
	inferrer Inferrer
	registry Registry
	scorer   Scorer
	manifest ManifestRegistrar
	logger   *slog.Logger
}

// NewFactory creates an agent factory. manifest may be nil when no external
// registry is configured.
func NewFactory(analyzer Analyzer, inferrer Inferrer, registry Registry, scorer Scorer, manifest ManifestRegistrar, logger *slog.Logger) *Factory {
	return &Factory{
		analyzer: analyzer,
		inferrer: inferrer,
		registry: registry,
		scorer:   scorer,
		manifest: manifest,
		logger:   logger,
	}
}

// New constructs the named variant. The orchestrator kind exists only for
// trust derivation on externally managed agents; it is not spawnable here.
func (f *Factory) New(kind model.AgentKind, instanceID string) (Agent, error) {
	switch kind {
	case model.KindSchemaInference:
		return NewSchemaInference(instanceID, f.analyzer, f.inferrer, f.manifest, f.logger), nil
	case model.KindIngestion:
		return NewIngestion(instanceID, f.registry, f.scorer, f.manifest, f.logger), nil
	case model.KindCrossDomainLearning:
		return NewCrossDomainLearning(instanceID, f.registry, f.manifest, f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentKind, kind)
	}
}
