package pipeline

import (
	"fmt"
	"strings"

	"github.com/ternarybob/taskforge/internal/models"
)

// deliverableInstructions describe the expected shape of each deliverable kind
var deliverableInstructions = map[models.DeliverableKind]string{
	models.DeliverableSummary:     "Write a concise executive summary of three to five paragraphs. Lead with the single most important conclusion.",
	models.DeliverableReport:      "Write a structured report in Markdown with an introduction, one section per major finding using level-two headings, and a conclusion.",
	models.DeliverableCitations:   "List every source, document section or reference the findings rely on, one per line, each with a short note on what it supports.",
	models.DeliverableKeyFindings: "List the key findings as a Markdown bullet list, most important first. Each bullet is one self-contained sentence.",
	models.DeliverableOutline:     "Produce a hierarchical Markdown outline of the subject with at most three levels of nesting.",
}

// synthesisPrompt merges every step result into one unified analysis
func synthesisPrompt(material models.Material, results []models.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have completed a multi-step analysis of: %s\n\n", subjectOf(material))
	b.WriteString("Step results:\n\n")
	for _, result := range results {
		fmt.Fprintf(&b, "## Step %d: %s\n%s\n\n", result.StepNumber, result.Name, strings.TrimSpace(result.Content))
	}
	b.WriteString("Synthesize these results into one coherent analysis. Resolve contradictions between steps, ")
	b.WriteString("remove repetition and keep every supported finding. Respond in Markdown.")
	return b.String()
}

// deliverablePrompt renders the prompt for one deliverable from the synthesis
func deliverablePrompt(kind models.DeliverableKind, material models.Material, synthesis string) string {
	instruction, ok := deliverableInstructions[kind]
	if !ok {
		instruction = fmt.Sprintf("Produce the %s deliverable.", kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\n", subjectOf(material))
	b.WriteString("Analysis:\n")
	b.WriteString(strings.TrimSpace(synthesis))
	b.WriteString("\n\n")
	b.WriteString(instruction)
	return b.String()
}

func subjectOf(material models.Material) string {
	switch {
	case material.Title != "" && material.Subject != "" && material.Title != material.Subject:
		return material.Title + " - " + material.Subject
	case material.Title != "":
		return material.Title
	case material.Subject != "":
		return material.Subject
	default:
		return "the provided material"
	}
}
