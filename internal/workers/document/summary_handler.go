// -----------------------------------------------------------------------
// Document Summary Handler - summarizes a submitted or fetched document
// -----------------------------------------------------------------------

package document

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/httpclient"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/services/transform"
	"github.com/ternarybob/taskforge/internal/workers/workerutil"
)

const (
	FormatText     = "text"
	FormatHTML     = "html"
	FormatMarkdown = "markdown"

	// maxSectionSteps leaves room in the plan for analytical default steps
	maxSectionSteps = 6

	persona = "You are an expert analyst who writes precise, faithful summaries. " +
		"Never invent facts that are not in the document."
)

// Payload is the document-summary job data
type Payload struct {
	Document     string   `json:"document" validate:"required_without=URL"`
	URL          string   `json:"url" validate:"omitempty,url"`
	Title        string   `json:"title" validate:"max=500"`
	Format       string   `json:"format" validate:"omitempty,oneof=text html markdown"`
	Depth        string   `json:"depth" validate:"omitempty,oneof=shallow medium deep"`
	Deliverables []string `json:"deliverables"`
}

// SummaryHandler serves the document-summary job type
type SummaryHandler struct {
	transform  *transform.Service
	httpClient *http.Client
	chunkSize  int
	logger     arbor.ILogger
}

// Compile-time assertion
var _ interfaces.JobHandler = (*SummaryHandler)(nil)

// NewSummaryHandler creates the handler. chunkSize bounds each document section in runes.
func NewSummaryHandler(transformService *transform.Service, httpClient *http.Client, chunkSize int, logger arbor.ILogger) *SummaryHandler {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultHTTPClient(0)
	}
	return &SummaryHandler{
		transform:  transformService,
		httpClient: httpClient,
		chunkSize:  chunkSize,
		logger:     logger,
	}
}

func (h *SummaryHandler) JobType() models.JobType {
	return models.JobTypeDocumentSummary
}

// Decode validates the payload; the document itself is read in Prepare
func (h *SummaryHandler) Decode(data json.RawMessage) (interfaces.JobTask, error) {
	var payload Payload
	if err := workerutil.DecodePayload(data, &payload); err != nil {
		return nil, err
	}
	deliverables, err := workerutil.ParseDeliverables(payload.Deliverables, []models.DeliverableKind{models.DeliverableSummary})
	if err != nil {
		return nil, err
	}
	return &summaryTask{
		handler:      h,
		payload:      payload,
		depth:        models.ParseDepth(payload.Depth),
		deliverables: deliverables,
	}, nil
}

type summaryTask struct {
	handler      *SummaryHandler
	payload      Payload
	depth        models.Depth
	deliverables []models.DeliverableKind

	// stepSections maps a proposed step name to the sections it covers
	stepSections map[string][]int
}

func (t *summaryTask) Depth() models.Depth                    { return t.depth }
func (t *summaryTask) Deliverables() []models.DeliverableKind { return t.deliverables }
func (t *summaryTask) Persona() string                        { return persona }

// Prepare loads the document, normalizes it to markdown and splits it into sections
func (t *summaryTask) Prepare(ctx context.Context) (models.Material, error) {
	content := t.payload.Document
	format := t.payload.Format
	source := "inline"

	if content == "" && t.payload.URL != "" {
		body, contentType, err := httpclient.Fetch(ctx, t.handler.httpClient, t.payload.URL)
		if err != nil {
			return models.Material{}, err
		}
		content = string(body)
		source = t.payload.URL
		if format == "" && strings.Contains(contentType, "html") {
			format = FormatHTML
		}
	}

	if format == "" {
		format = FormatText
		if transform.LooksLikeHTML(content) {
			format = FormatHTML
		}
	}

	title := t.payload.Title
	markdown := content
	if format == FormatHTML {
		doc, err := t.handler.transform.HTMLToDocument(content, t.payload.URL)
		if err != nil {
			return models.Material{}, fmt.Errorf("failed to convert HTML document: %w", err)
		}
		markdown = doc.Markdown
		if title == "" {
			title = doc.Title
		}
	}

	sections := workerutil.SplitSections(markdown, t.handler.chunkSize)
	if len(sections) == 0 {
		return models.Material{}, models.NewValidationError("", models.FieldError{Field: "document", Message: "has no readable content"})
	}
	if title == "" {
		title = "Untitled document"
	}

	t.handler.logger.Debug().
		Str("source", source).
		Str("format", format).
		Int("sections", len(sections)).
		Int("chars", len(markdown)).
		Msg("Document prepared")

	return models.Material{
		Title:    title,
		Subject:  "document summary",
		Sections: sections,
		Metadata: map[string]string{
			"source":   source,
			"format":   format,
			"sections": fmt.Sprintf("%d", len(sections)),
		},
	}, nil
}

// ProposeSteps proposes one step per section group
func (t *summaryTask) ProposeSteps(material models.Material) []models.PlanStep {
	groups := workerutil.GroupSections(material.Sections, maxSectionSteps)
	t.stepSections = make(map[string][]int, len(groups))

	steps := make([]models.PlanStep, 0, len(groups))
	for _, group := range groups {
		first := material.Sections[group[0]].Heading
		name := "Summarize: " + first
		if len(group) > 1 {
			name = fmt.Sprintf("Summarize: %s (+%d more)", first, len(group)-1)
		}
		t.stepSections[name] = group
		steps = append(steps, models.PlanStep{
			Name:        name,
			Description: "Summarize the key points, facts and figures of this part of the document.",
		})
	}
	return steps
}

func (t *summaryTask) StepPrompt(step models.PlanStep, material models.Material, priorContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n", material.Title)
	fmt.Fprintf(&b, "Task (step %d): %s\n%s\n\n", step.Number, step.Name, step.Description)

	if priorContext != "" {
		b.WriteString("Findings so far:\n")
		b.WriteString(priorContext)
		b.WriteString("\n\n")
	}

	if group, ok := t.stepSections[step.Name]; ok {
		b.WriteString("Document text:\n")
		for _, i := range group {
			section := material.Sections[i]
			fmt.Fprintf(&b, "### %s\n%s\n\n", section.Heading, section.Body)
		}
	} else {
		b.WriteString("Document outline:\n")
		for _, section := range material.Sections {
			fmt.Fprintf(&b, "- %s\n", section.Heading)
		}
		b.WriteString("\nOpening text:\n")
		b.WriteString(workerutil.Truncate(material.Sections[0].Body, t.handler.chunkSize))
		b.WriteString("\n\n")
	}

	b.WriteString("Respond in Markdown. Be concise and cite section headings where relevant.")
	return b.String()
}
