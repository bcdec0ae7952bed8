package models

import "time"

// Depth controls how many pipeline steps a plan carries at minimum.
type Depth string

const (
	DepthShallow Depth = "shallow"
	DepthMedium  Depth = "medium"
	DepthDeep    Depth = "deep"
)

// MaxPlanSteps is the hard upper bound on plan length.
const MaxPlanSteps = 8

// ParseDepth maps free text to a Depth, defaulting to medium.
func ParseDepth(s string) Depth {
	switch Depth(s) {
	case DepthShallow, DepthDeep:
		return Depth(s)
	default:
		return DepthMedium
	}
}

// MinSteps is the padded minimum plan length for the depth.
func (d Depth) MinSteps() int {
	switch d {
	case DepthShallow:
		return 3
	case DepthDeep:
		return 7
	default:
		return 5
	}
}

// PlanStep is one entry of a pipeline plan.
type PlanStep struct {
	Number          int    `json:"number"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	EstimatedBudget int    `json:"estimated_budget"`
}

// Plan is produced per invocation and never persisted on its own.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// StepResult is the output of one executed plan step.
type StepResult struct {
	StepNumber  int       `json:"step_number"`
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	TokensUsed  int64     `json:"tokens_used"`
	Cost        float64   `json:"cost"`
	CompletedAt time.Time `json:"completed_at"`
}

// DeliverableKind is a requested output format.
type DeliverableKind string

const (
	DeliverableSummary     DeliverableKind = "summary"
	DeliverableReport      DeliverableKind = "report"
	DeliverableCitations   DeliverableKind = "citations"
	DeliverableKeyFindings DeliverableKind = "key_findings"
	DeliverableOutline     DeliverableKind = "outline"
)

// IsValid reports whether k is a known deliverable kind.
func (k DeliverableKind) IsValid() bool {
	switch k {
	case DeliverableSummary, DeliverableReport, DeliverableCitations, DeliverableKeyFindings, DeliverableOutline:
		return true
	}
	return false
}

// Deliverable is one produced output. A failed deliverable carries Error and no content.
type Deliverable struct {
	Kind       DeliverableKind `json:"kind"`
	Content    string          `json:"content,omitempty"`
	HTML       string          `json:"html,omitempty"`
	TokensUsed int64           `json:"tokens_used"`
	Cost       float64         `json:"cost"`
	Error      string          `json:"error,omitempty"`
}

// PipelineResult is the aggregated result stored on a completed job.
type PipelineResult struct {
	Plan         Plan                            `json:"plan"`
	Steps        []StepResult                    `json:"steps"`
	Synthesis    string                          `json:"synthesis"`
	Deliverables map[DeliverableKind]Deliverable `json:"deliverables"`
	Summary      *Deliverable                    `json:"summary,omitempty"`
	TotalCost    float64                         `json:"total_cost"`
	TotalTokens  int64                           `json:"total_tokens"`
	APICalls     int                             `json:"api_calls"`
	DurationMs   int64                           `json:"duration_ms"`
	Metadata     map[string]string               `json:"metadata,omitempty"`
}

// Section is one unit of gathered source material.
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Material is the source content a handler gathers before planning. Gathering never costs tokens.
type Material struct {
	Title    string            `json:"title"`
	Subject  string            `json:"subject"`
	Sections []Section         `json:"sections"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
