package pipeline

import (
	"strings"

	"github.com/ternarybob/taskforge/internal/models"
)

// defaultSteps pad short plans. Order matters: padding takes them front to back.
var defaultSteps = []models.PlanStep{
	{Name: "Scope", Description: "Identify the subject, its boundaries and the questions the material must answer."},
	{Name: "Key facts", Description: "Extract the concrete facts, figures and named entities from the material."},
	{Name: "Themes", Description: "Group the extracted facts into recurring themes and note how they relate."},
	{Name: "Evidence review", Description: "Assess how well the material supports each theme and flag weak or conflicting evidence."},
	{Name: "Gaps", Description: "List what the material does not cover and which open questions remain."},
	{Name: "Implications", Description: "Derive the practical implications and risks that follow from the findings."},
	{Name: "Recommendations", Description: "Turn the implications into specific, prioritised recommendations."},
	{Name: "Critical review", Description: "Challenge the previous conclusions and correct anything overstated."},
}

// BuildPlan bounds proposed to [depth.MinSteps(), maxSteps]. Short plans are padded
// with default steps whose names are not already taken; long plans are truncated.
// Steps are renumbered from 1 and steps without a budget receive stepBudget.
func BuildPlan(proposed []models.PlanStep, depth models.Depth, maxSteps, stepBudget int) (models.Plan, error) {
	if maxSteps <= 0 || maxSteps > models.MaxPlanSteps {
		maxSteps = models.MaxPlanSteps
	}
	minSteps := depth.MinSteps()
	if minSteps > maxSteps {
		minSteps = maxSteps
	}

	steps := make([]models.PlanStep, 0, maxSteps)
	taken := make(map[string]bool)
	for _, step := range proposed {
		name := strings.TrimSpace(step.Name)
		if name == "" || taken[strings.ToLower(name)] {
			continue
		}
		step.Name = name
		taken[strings.ToLower(name)] = true
		steps = append(steps, step)
	}

	for _, step := range defaultSteps {
		if len(steps) >= minSteps {
			break
		}
		if taken[strings.ToLower(step.Name)] {
			continue
		}
		taken[strings.ToLower(step.Name)] = true
		steps = append(steps, step)
	}

	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	if len(steps) == 0 {
		return models.Plan{}, models.NewValidationError("plan has no executable steps")
	}

	for i := range steps {
		steps[i].Number = i + 1
		if steps[i].EstimatedBudget <= 0 {
			steps[i].EstimatedBudget = stepBudget
		}
	}
	return models.Plan{Steps: steps}, nil
}
