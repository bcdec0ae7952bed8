package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/taskforge/internal/models"
)

func proposals(n int) []models.PlanStep {
	steps := make([]models.PlanStep, n)
	for i := range steps {
		steps[i] = models.PlanStep{Name: fmt.Sprintf("Section %d", i+1), Description: "analyse"}
	}
	return steps
}

func TestBuildPlan_Bounds(t *testing.T) {
	tests := []struct {
		name     string
		depth    models.Depth
		proposed int
		want     int
	}{
		{"shallow pads to three", models.DepthShallow, 0, 3},
		{"medium pads to five", models.DepthMedium, 2, 5},
		{"deep pads to seven", models.DepthDeep, 1, 7},
		{"shallow keeps proposals above minimum", models.DepthShallow, 6, 6},
		{"truncates to eight", models.DepthShallow, 12, 8},
		{"deep truncates to eight", models.DepthDeep, 20, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(proposals(tt.proposed), tt.depth, 0, 512)
			require.NoError(t, err)
			assert.Len(t, plan.Steps, tt.want)
			assert.GreaterOrEqual(t, len(plan.Steps), tt.depth.MinSteps())
			assert.LessOrEqual(t, len(plan.Steps), models.MaxPlanSteps)

			for i, step := range plan.Steps {
				assert.Equal(t, i+1, step.Number)
				assert.Equal(t, 512, step.EstimatedBudget)
			}
		})
	}
}

func TestBuildPlan_IsDeterministic(t *testing.T) {
	first, err := BuildPlan(nil, models.DepthDeep, 8, 100)
	require.NoError(t, err)
	second, err := BuildPlan(nil, models.DepthDeep, 8, 100)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildPlan_SkipsBlankAndDuplicateNames(t *testing.T) {
	proposed := []models.PlanStep{
		{Name: "  Scope  ", EstimatedBudget: 900},
		{Name: ""},
		{Name: "scope"},
		{Name: "Market size"},
	}

	plan, err := BuildPlan(proposed, models.DepthShallow, 8, 512)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	names := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{"Scope", "Market size", "Key facts"}, names, "padding skips default names already proposed")
	assert.Equal(t, 900, plan.Steps[0].EstimatedBudget, "proposed budgets are kept")
}

func TestBuildPlan_MaxStepsBelowMinimum(t *testing.T) {
	plan, err := BuildPlan(nil, models.DepthDeep, 4, 0)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 4)
}

func TestSalientSentences(t *testing.T) {
	text := "Revenue grew strongly this year. The office moved to a new building. " +
		"Revenue growth came from new revenue streams. Lunch was served at noon. " +
		"Growth in revenue is expected to continue."

	picked := SalientSentences(text, 2)
	require.Len(t, picked, 2)
	for _, sentence := range picked {
		assert.Contains(t, strings.ToLower(sentence), "revenue")
	}
	assert.Less(t, strings.Index(text, picked[0]), strings.Index(text, picked[1]), "original order is kept")

	short := SalientSentences("One sentence only.", 3)
	assert.Equal(t, []string{"One sentence only."}, short)
}

func TestContextWindow_IsBounded(t *testing.T) {
	var long strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&long, "Observation %d about the repository layout and its packages. ", i)
	}

	results := []models.StepResult{
		{StepNumber: 1, Name: "Layout", Content: long.String()},
		{StepNumber: 2, Name: "Languages", Content: "## Languages\n- Go dominates the codebase.\n- Some shell scripts remain."},
	}

	window := ContextWindow{SentencesPerStep: 3}
	context := window.Build(results)

	lines := strings.Split(context, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Step 1 (Layout): "))
	assert.Equal(t, 3, strings.Count(lines[0], "Observation"))
	assert.Less(t, len(context), len(long.String())/20)
	assert.Contains(t, lines[1], "Go dominates the codebase.")

	assert.Empty(t, window.Build(nil))
}
