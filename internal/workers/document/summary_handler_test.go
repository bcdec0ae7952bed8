package document

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/services/pipeline"
	"github.com/ternarybob/taskforge/internal/services/transform"
)

func newHandler(chunkSize int) *SummaryHandler {
	logger := arbor.NewLogger()
	return NewSummaryHandler(transform.NewService(logger), nil, chunkSize, logger)
}

func TestDecode_Validation(t *testing.T) {
	handler := newHandler(1000)

	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"document or url required", `{"title":"x"}`, "document"},
		{"bad format", `{"document":"text","format":"pdf"}`, "format"},
		{"bad depth", `{"document":"text","depth":"abyssal"}`, "depth"},
		{"bad url", `{"url":"::not-a-url"}`, "url"},
		{"bad deliverable", `{"document":"text","deliverables":["limerick"]}`, "deliverables[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handler.Decode(json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, models.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDecode_Defaults(t *testing.T) {
	task, err := newHandler(1000).Decode(json.RawMessage(`{"document":"Plain text."}`))
	require.NoError(t, err)
	assert.Equal(t, models.DepthMedium, task.Depth())
	assert.Equal(t, []models.DeliverableKind{models.DeliverableSummary}, task.Deliverables())
	assert.NotEmpty(t, task.Persona())
}

func TestPrepare_HTMLDocument(t *testing.T) {
	task, err := newHandler(1000).Decode(json.RawMessage(`{
		"document": "<html><head><title>Plant Report</title></head><body><h1>Overview</h1><p>Output rose.</p><h2>Risks</h2><p>Supply is tight.</p></body></html>"
	}`))
	require.NoError(t, err)

	material, err := task.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Plant Report", material.Title)
	assert.Equal(t, FormatHTML, material.Metadata["format"])
	require.Len(t, material.Sections, 2)
	assert.Equal(t, "Overview", material.Sections[0].Heading)
	assert.Equal(t, "Output rose.", material.Sections[0].Body)
	assert.Equal(t, "Risks", material.Sections[1].Heading)
}

func TestPrepare_FetchesURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Remote</title></head><body><p>Fetched body text.</p></body></html>`)
	}))
	defer server.Close()

	task, err := newHandler(1000).Decode(json.RawMessage(fmt.Sprintf(`{"url":%q}`, server.URL)))
	require.NoError(t, err)

	material, err := task.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Remote", material.Title)
	assert.Equal(t, server.URL, material.Metadata["source"])
	require.Len(t, material.Sections, 1)
	assert.Contains(t, material.Sections[0].Body, "Fetched body text.")
}

func TestPrepare_FetchFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	task, err := newHandler(1000).Decode(json.RawMessage(fmt.Sprintf(`{"url":%q}`, server.URL)))
	require.NoError(t, err)

	_, err = task.Prepare(context.Background())
	assert.Error(t, err)
}

func TestPrepare_EmptyDocument(t *testing.T) {
	task, err := newHandler(1000).Decode(json.RawMessage(`{"document":"<html><body><script>x()</script></body></html>","format":"html"}`))
	require.NoError(t, err)

	_, err = task.Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestPlanAndPrompts(t *testing.T) {
	var doc strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&doc, "# Chapter %d\nChapter %d text.\n\n", i, i)
	}
	payload, err := json.Marshal(map[string]string{"document": doc.String(), "format": "markdown", "depth": "deep"})
	require.NoError(t, err)

	task, err := newHandler(1000).Decode(payload)
	require.NoError(t, err)

	material, err := task.Prepare(context.Background())
	require.NoError(t, err)
	require.Len(t, material.Sections, 10)

	proposed := task.ProposeSteps(material)
	require.Len(t, proposed, maxSectionSteps)
	assert.Equal(t, "Summarize: Chapter 1", proposed[0].Name)
	assert.Equal(t, "Summarize: Chapter 2 (+1 more)", proposed[1].Name)

	plan, err := pipeline.BuildPlan(proposed, task.Depth(), 8, 512)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 7, "deep depth pads six section steps with one default step")

	sectionPrompt := task.StepPrompt(plan.Steps[1], material, "")
	assert.Contains(t, sectionPrompt, "### Chapter 2")
	assert.Contains(t, sectionPrompt, "### Chapter 3")
	assert.NotContains(t, sectionPrompt, "### Chapter 4")

	defaultPrompt := task.StepPrompt(plan.Steps[6], material, "Step 1 (x): earlier finding.")
	assert.Contains(t, defaultPrompt, "- Chapter 10")
	assert.Contains(t, defaultPrompt, "earlier finding.")
}
