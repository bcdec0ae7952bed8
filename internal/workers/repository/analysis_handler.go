// -----------------------------------------------------------------------
// Repository Analysis Handler - architecture review of a GitHub repository
// -----------------------------------------------------------------------

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	ghconnector "github.com/ternarybob/taskforge/internal/connectors/github"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/workers/workerutil"
)

const (
	persona = "You are a senior software architect reviewing an unfamiliar codebase. " +
		"Ground every observation in the files and metadata provided."

	// maxTreeEntries bounds how much of the file tree is fetched
	maxTreeEntries = 2000
	// maxDirectorySteps bounds per-directory steps in a proposed plan
	maxDirectorySteps = 4
	// filesPerDirectory is the sample of paths shown per directory
	filesPerDirectory = 40
)

// Source fetches repository material
type Source interface {
	GetRepository(ctx context.Context, owner, repo, ref string, maxEntries int) (*ghconnector.Repository, error)
}

// Payload is the repository-analysis job data
type Payload struct {
	Owner        string   `json:"owner" validate:"required,max=100,excludesall=/"`
	Repo         string   `json:"repo" validate:"required,max=100,excludesall=/"`
	Ref          string   `json:"ref" validate:"max=255"`
	Depth        string   `json:"depth" validate:"omitempty,oneof=shallow medium deep"`
	Deliverables []string `json:"deliverables"`
}

// Handler serves the repository-analysis job type
type Handler struct {
	source     Source
	readmeSize int
	logger     arbor.ILogger
}

// Compile-time assertion
var _ interfaces.JobHandler = (*Handler)(nil)

// NewHandler creates the handler. readmeSize bounds the README excerpt in runes.
func NewHandler(source Source, readmeSize int, logger arbor.ILogger) *Handler {
	return &Handler{source: source, readmeSize: readmeSize, logger: logger}
}

func (h *Handler) JobType() models.JobType {
	return models.JobTypeRepositoryAnalysis
}

func (h *Handler) Decode(data json.RawMessage) (interfaces.JobTask, error) {
	var payload Payload
	if err := workerutil.DecodePayload(data, &payload); err != nil {
		return nil, err
	}
	deliverables, err := workerutil.ParseDeliverables(payload.Deliverables, []models.DeliverableKind{
		models.DeliverableSummary,
		models.DeliverableKeyFindings,
	})
	if err != nil {
		return nil, err
	}
	return &task{
		handler:      h,
		payload:      payload,
		depth:        models.ParseDepth(payload.Depth),
		deliverables: deliverables,
	}, nil
}

type task struct {
	handler      *Handler
	payload      Payload
	depth        models.Depth
	deliverables []models.DeliverableKind

	repo *ghconnector.Repository
}

func (t *task) Depth() models.Depth                    { return t.depth }
func (t *task) Deliverables() []models.DeliverableKind { return t.deliverables }
func (t *task) Persona() string                        { return persona }

// Prepare fetches metadata, languages, README and tree from GitHub
func (t *task) Prepare(ctx context.Context) (models.Material, error) {
	repo, err := t.handler.source.GetRepository(ctx, t.payload.Owner, t.payload.Repo, t.payload.Ref, maxTreeEntries)
	if err != nil {
		return models.Material{}, err
	}
	t.repo = repo

	t.handler.logger.Debug().
		Str("repository", t.fullName()).
		Str("ref", repo.Ref).
		Int("tree_entries", len(repo.Tree)).
		Int("languages", len(repo.Languages)).
		Msg("Repository material fetched")

	sections := []models.Section{
		{Heading: "Overview", Body: t.overview()},
		{Heading: "Languages", Body: t.languages()},
		{Heading: "Structure", Body: t.structure()},
	}
	if repo.README != "" {
		sections = append(sections, models.Section{Heading: "README", Body: workerutil.Truncate(repo.README, t.handler.readmeSize)})
	}

	return models.Material{
		Title:    t.fullName(),
		Subject:  "repository analysis",
		Sections: sections,
		Metadata: map[string]string{
			"repository": t.fullName(),
			"ref":        repo.Ref,
			"url":        repo.URL,
			"truncated":  fmt.Sprintf("%t", repo.Truncated),
		},
	}, nil
}

// ProposeSteps covers the architecture, the largest directories and the language profile
func (t *task) ProposeSteps(material models.Material) []models.PlanStep {
	steps := []models.PlanStep{{
		Name:        "Architecture overview",
		Description: "Describe the purpose of the project and its high-level architecture from the README and layout.",
	}}

	if t.repo != nil {
		dirs := t.repo.TopLevelDirectories()
		for i, dir := range dirs {
			if i >= maxDirectorySteps {
				break
			}
			steps = append(steps, models.PlanStep{
				Name:        "Directory: " + dir,
				Description: fmt.Sprintf("Explain the responsibility of %s/ and how it relates to the rest of the codebase.", dir),
			})
		}
		if len(t.repo.Languages) > 0 {
			steps = append(steps, models.PlanStep{
				Name:        "Language profile",
				Description: "Assess the language mix, tooling conventions and what they imply for maintenance.",
			})
		}
	}
	return steps
}

func (t *task) StepPrompt(step models.PlanStep, material models.Material, priorContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", material.Title)
	fmt.Fprintf(&b, "Step %d - %s\n%s\n\n", step.Number, step.Name, step.Description)

	if dir, ok := strings.CutPrefix(step.Name, "Directory: "); ok && t.repo != nil {
		fmt.Fprintf(&b, "Files under %s/:\n", dir)
		for _, path := range t.repo.FilesUnder(dir, filesPerDirectory) {
			fmt.Fprintf(&b, "- %s\n", path)
		}
		b.WriteString("\n")
	} else {
		for _, section := range material.Sections {
			fmt.Fprintf(&b, "## %s\n%s\n\n", section.Heading, section.Body)
		}
	}

	if priorContext != "" {
		b.WriteString("Earlier findings:\n")
		b.WriteString(priorContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond in Markdown. Reference concrete paths where possible.")
	return b.String()
}

func (t *task) fullName() string {
	return t.payload.Owner + "/" + t.payload.Repo
}

func (t *task) overview() string {
	var b strings.Builder
	if t.repo.Description != "" {
		fmt.Fprintf(&b, "%s\n", t.repo.Description)
	}
	fmt.Fprintf(&b, "Ref: %s (default branch %s)\n", t.repo.Ref, t.repo.DefaultBranch)
	fmt.Fprintf(&b, "Stars: %d, forks: %d, open issues: %d\n", t.repo.Stars, t.repo.Forks, t.repo.OpenIssues)
	if len(t.repo.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(t.repo.Topics, ", "))
	}
	return strings.TrimSpace(b.String())
}

func (t *task) languages() string {
	total := 0
	for _, lang := range t.repo.Languages {
		total += lang.Bytes
	}
	if total == 0 {
		return "No language data."
	}
	lines := make([]string, 0, len(t.repo.Languages))
	for _, lang := range t.repo.Languages {
		lines = append(lines, fmt.Sprintf("%s: %.1f%%", lang.Name, float64(lang.Bytes)*100/float64(total)))
	}
	return strings.Join(lines, "\n")
}

func (t *task) structure() string {
	dirs := t.repo.TopLevelDirectories()
	files := 0
	for _, entry := range t.repo.Tree {
		if entry.Type == "blob" {
			files++
		}
	}
	summary := fmt.Sprintf("%d files. Top-level directories: %s", files, strings.Join(dirs, ", "))
	if t.repo.Truncated {
		summary += " (tree truncated)"
	}
	return summary
}
