// -----------------------------------------------------------------------
// Job Handler Interface - per job type planning and prompting contract
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/taskforge/internal/models"
)

// JobHandler is registered once per job type. The pipeline executor drives
// every job through the task the handler decodes.
type JobHandler interface {
	// JobType returns the closed enum member this handler serves
	JobType() models.JobType

	// Decode parses and validates a payload. Invalid payloads return *models.ValidationError
	Decode(data json.RawMessage) (JobTask, error)
}

// JobTask is one decoded job payload.
type JobTask interface {
	Depth() models.Depth
	Deliverables() []models.DeliverableKind

	// Persona is the system instruction sent with every call for this task
	Persona() string

	// Prepare gathers source material without AI cost
	Prepare(ctx context.Context) (models.Material, error)

	// ProposeSteps returns handler specific steps; the executor pads and truncates them
	ProposeSteps(material models.Material) []models.PlanStep

	// StepPrompt renders the prompt for one step given the bounded prior context
	StepPrompt(step models.PlanStep, material models.Material, priorContext string) string
}

// CostTracker owns JobMetric records. All writes are best-effort: failures are logged, never returned.
type CostTracker interface {
	Create(ctx context.Context, job models.Job)
	Start(ctx context.Context, jobID string)
	Record(ctx context.Context, jobID string, delta models.UsageDelta)
	Finish(ctx context.Context, jobID string, status models.JobStatus, totals models.UsageDelta, duration time.Duration, errorMessage string)
	// MarkTerminal closes the metric with status and keeps whatever totals were recorded
	MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, errorMessage string)
	AlertIfOverThreshold(ctx context.Context, jobID string, jobType models.JobType, cost float64) bool
}
