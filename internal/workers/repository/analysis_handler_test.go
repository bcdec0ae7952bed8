package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	ghconnector "github.com/ternarybob/taskforge/internal/connectors/github"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/services/pipeline"
)

// MockSource is a testify mock of the repository source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) GetRepository(ctx context.Context, owner, repo, ref string, maxEntries int) (*ghconnector.Repository, error) {
	args := m.Called(owner, repo, ref)
	if r, ok := args.Get(0).(*ghconnector.Repository); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func sampleRepository() *ghconnector.Repository {
	tree := []ghconnector.TreeEntry{
		{Path: "api", Type: "tree"},
		{Path: "api/server.go", Type: "blob"},
		{Path: "cmd", Type: "tree"},
		{Path: "cmd/tool/main.go", Type: "blob"},
		{Path: "docs", Type: "tree"},
		{Path: "docs/index.md", Type: "blob"},
		{Path: "internal", Type: "tree"},
		{Path: "internal/core/engine.go", Type: "blob"},
		{Path: "scripts", Type: "tree"},
		{Path: "scripts/build.sh", Type: "blob"},
		{Path: "go.mod", Type: "blob"},
	}
	return &ghconnector.Repository{
		Owner:         "acme",
		Name:          "engine",
		Description:   "A rules engine",
		DefaultBranch: "main",
		Ref:           "main",
		URL:           "https://github.com/acme/engine",
		Stars:         10,
		Topics:        []string{"rules"},
		Languages:     []ghconnector.Language{{Name: "Go", Bytes: 750}, {Name: "Shell", Bytes: 250}},
		README:        "# Engine\nEvaluates rules quickly.",
		Tree:          tree,
	}
}

func TestDecode_Validation(t *testing.T) {
	handler := NewHandler(&MockSource{}, 1000, arbor.NewLogger())
	assert.Equal(t, models.JobTypeRepositoryAnalysis, handler.JobType())

	for _, payload := range []string{
		`{"owner":"acme"}`,
		`{"repo":"engine"}`,
		`{"owner":"acme/evil","repo":"engine"}`,
		`{"owner":"acme","repo":"engine","depth":"profound"}`,
	} {
		_, err := handler.Decode(json.RawMessage(payload))
		assert.True(t, models.IsValidationError(err), payload)
	}

	task, err := handler.Decode(json.RawMessage(`{"owner":"acme","repo":"engine"}`))
	require.NoError(t, err)
	assert.Equal(t, []models.DeliverableKind{models.DeliverableSummary, models.DeliverableKeyFindings}, task.Deliverables())
}

func TestPrepareAndPlan(t *testing.T) {
	source := &MockSource{}
	source.On("GetRepository", "acme", "engine", "").Return(sampleRepository(), nil)
	handler := NewHandler(source, 1000, arbor.NewLogger())

	task, err := handler.Decode(json.RawMessage(`{"owner":"acme","repo":"engine","depth":"deep"}`))
	require.NoError(t, err)

	material, err := task.Prepare(context.Background())
	require.NoError(t, err)
	source.AssertExpectations(t)

	assert.Equal(t, "acme/engine", material.Title)
	assert.Equal(t, "main", material.Metadata["ref"])
	require.Len(t, material.Sections, 4)
	assert.Contains(t, material.Sections[1].Body, "Go: 75.0%")
	assert.Contains(t, material.Sections[2].Body, "6 files")
	assert.Equal(t, "README", material.Sections[3].Heading)

	proposed := task.ProposeSteps(material)
	names := make([]string, 0, len(proposed))
	for _, step := range proposed {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{
		"Architecture overview",
		"Directory: api",
		"Directory: cmd",
		"Directory: docs",
		"Directory: internal",
		"Language profile",
	}, names)

	plan, err := pipeline.BuildPlan(proposed, task.Depth(), 8, 1024)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 7)

	dirPrompt := task.StepPrompt(plan.Steps[4], material, "")
	assert.Contains(t, dirPrompt, "Files under internal/")
	assert.Contains(t, dirPrompt, "- internal/core/engine.go")
	assert.NotContains(t, dirPrompt, "api/server.go")

	overviewPrompt := task.StepPrompt(plan.Steps[0], material, "")
	assert.Contains(t, overviewPrompt, "Evaluates rules quickly.")
	assert.Contains(t, overviewPrompt, "Topics: rules")
}

func TestPrepare_SourceError(t *testing.T) {
	source := &MockSource{}
	failure := models.NewExternalError(models.ErrKindAuth, "github", 401, errors.New("bad credentials"))
	source.On("GetRepository", "acme", "engine", "v1.2.0").Return(nil, fmt.Errorf("failed to get repository: %w", failure))

	task, err := NewHandler(source, 1000, arbor.NewLogger()).Decode(json.RawMessage(`{"owner":"acme","repo":"engine","ref":"v1.2.0"}`))
	require.NoError(t, err)

	_, err = task.Prepare(context.Background())
	ee, ok := models.AsExternalError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindAuth, ee.Kind)
}
