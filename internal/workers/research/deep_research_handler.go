// -----------------------------------------------------------------------
// Deep Research Handler - multi-step investigation of a free-text query
// -----------------------------------------------------------------------

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/workers/workerutil"
)

const persona = "You are a meticulous research analyst. Distinguish established facts from " +
	"estimates and state uncertainty explicitly."

var (
	// questionBreak ends one question and starts the next
	questionBreak = regexp.MustCompile(`\?\s*|;\s*`)
	// conjunction joins two questions; the submatch is the second question word
	conjunction = regexp.MustCompile(`(?i)\s+and\s+(how|what|why|which|whether|when|where|who)\b`)
)

// Payload is the deep-research job data
type Payload struct {
	Query        string   `json:"query" validate:"required,max=2000"`
	Depth        string   `json:"depth" validate:"omitempty,oneof=shallow medium deep"`
	FocusAreas   []string `json:"focus_areas" validate:"max=8,dive,required,max=200"`
	Deliverables []string `json:"deliverables"`
}

// Handler serves the deep-research job type
type Handler struct {
	logger arbor.ILogger
}

// Compile-time assertion
var _ interfaces.JobHandler = (*Handler)(nil)

// NewHandler creates a deep research handler
func NewHandler(logger arbor.ILogger) *Handler {
	return &Handler{logger: logger}
}

func (h *Handler) JobType() models.JobType {
	return models.JobTypeDeepResearch
}

func (h *Handler) Decode(data json.RawMessage) (interfaces.JobTask, error) {
	var payload Payload
	if err := workerutil.DecodePayload(data, &payload); err != nil {
		return nil, err
	}
	payload.Query = strings.TrimSpace(payload.Query)
	if payload.Query == "" {
		return nil, models.NewValidationError("", models.FieldError{Field: "query", Message: "is required"})
	}

	deliverables, err := workerutil.ParseDeliverables(payload.Deliverables, []models.DeliverableKind{
		models.DeliverableSummary,
		models.DeliverableReport,
	})
	if err != nil {
		return nil, err
	}

	return &task{
		payload:      payload,
		depth:        models.ParseDepth(payload.Depth),
		deliverables: deliverables,
		logger:       h.logger,
	}, nil
}

type task struct {
	payload      Payload
	depth        models.Depth
	deliverables []models.DeliverableKind
	logger       arbor.ILogger
}

func (t *task) Depth() models.Depth                    { return t.depth }
func (t *task) Deliverables() []models.DeliverableKind { return t.deliverables }
func (t *task) Persona() string                        { return persona }

// Prepare frames the query; research material comes from the model itself
func (t *task) Prepare(ctx context.Context) (models.Material, error) {
	sections := []models.Section{{Heading: "Research question", Body: t.payload.Query}}
	for _, area := range t.payload.FocusAreas {
		sections = append(sections, models.Section{Heading: "Focus area", Body: strings.TrimSpace(area)})
	}
	return models.Material{
		Title:    t.payload.Query,
		Subject:  "deep research",
		Sections: sections,
		Metadata: map[string]string{
			"depth":       string(t.depth),
			"focus_areas": fmt.Sprintf("%d", len(t.payload.FocusAreas)),
		},
	}, nil
}

// ProposeSteps opens with background, then one step per sub-question and focus area
func (t *task) ProposeSteps(material models.Material) []models.PlanStep {
	steps := []models.PlanStep{{
		Name:        "Background",
		Description: "Establish definitions, context and the current state of knowledge for the question.",
	}}

	questions := DecomposeQuery(t.payload.Query)
	if len(questions) > 1 {
		for _, q := range questions {
			steps = append(steps, models.PlanStep{
				Name:        "Question: " + q,
				Description: "Answer this part of the research question with evidence.",
			})
		}
	}

	for _, area := range t.payload.FocusAreas {
		area = strings.TrimSpace(area)
		steps = append(steps, models.PlanStep{
			Name:        "Focus: " + area,
			Description: fmt.Sprintf("Investigate the question specifically in terms of %s.", area),
		})
	}

	steps = append(steps, models.PlanStep{
		Name:        "Counterpoints",
		Description: "Present the strongest evidence and arguments against the emerging conclusions.",
	})
	return steps
}

func (t *task) StepPrompt(step models.PlanStep, material models.Material, priorContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\n", t.payload.Query)
	fmt.Fprintf(&b, "Step %d - %s\n%s\n\n", step.Number, step.Name, step.Description)
	if priorContext != "" {
		b.WriteString("Key points from earlier steps:\n")
		b.WriteString(priorContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond in Markdown. Note the sources or kinds of evidence behind each claim.")
	return b.String()
}

// DecomposeQuery splits a compound question into its sub-questions
func DecomposeQuery(query string) []string {
	var out []string
	for _, sentence := range questionBreak.Split(query, -1) {
		start := 0
		for _, m := range conjunction.FindAllStringSubmatchIndex(sentence, -1) {
			out = appendQuestion(out, sentence[start:m[0]])
			start = m[2]
		}
		out = appendQuestion(out, sentence[start:])
	}
	return out
}

func appendQuestion(questions []string, part string) []string {
	part = strings.TrimSpace(part)
	if len(part) < 4 {
		return questions
	}
	return append(questions, part)
}
