package model

// FileCategory classifies an analyzed file.
type FileCategory string

const (
	CategoryDocument FileCategory = "document"
	CategoryCode     FileCategory = "code"
	CategoryDataset  FileCategory = "dataset"
	CategoryMedia    FileCategory = "media"
	CategoryUnknown  FileCategory = "unknown"
)

// FileAnalysis is the content analyzer's output for a single path.
// Analysis never fails outright; recoverable problems land in Errors.
type FileAnalysis struct {
	Path     string         `json:"path"`
	Name     string         `json:"name"`
	Size     int64          `json:"size"`
	MimeType string         `json:"mime_type,omitempty"`
	Category FileCategory   `json:"category"`
	Features map[string]any `json:"features"`
	Errors   []string       `json:"errors,omitempty"`
}

// InferenceAction is the schema inference verdict for an analyzed file.
type InferenceAction string

const (
	ActionUseExisting    InferenceAction = "use_existing"
	ActionExtendExisting InferenceAction = "extend_existing"
	ActionCreateNew      InferenceAction = "create_new"
)

// InferenceProposal is the schema inference output: where the analyzed
// content should land and with what confidence.
type InferenceProposal struct {
	Action             InferenceAction `json:"action"`
	TargetTable        string          `json:"target_table"`
	Confidence         float64         `json:"confidence"`
	Reasoning          string          `json:"reasoning"`
	ExtractedFields    Row             `json:"extracted_fields"`
	DegradedConfidence bool            `json:"degraded_confidence,omitempty"`
}
