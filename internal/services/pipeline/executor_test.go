package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/queue"
	"github.com/ternarybob/taskforge/internal/services/metrics"
	"github.com/ternarybob/taskforge/internal/storage/badger"
)

const callCost = 0.01

// fakeAI answers every prompt with a fixed cost unless respond overrides the call
type fakeAI struct {
	mu      sync.Mutex
	prompts []string
	respond func(call int, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error)
}

func (f *fakeAI) Name() string { return "fake/model" }

func (f *fakeAI) Generate(ctx context.Context, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	call := len(f.prompts)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(call, req)
	}
	return okResponse(call), nil
}

func (f *fakeAI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func okResponse(call int) interfaces.GenerateResponse {
	return interfaces.GenerateResponse{
		Content:  fmt.Sprintf("## Result %d\nFinding %d shows steady growth. Growth depends on demand.", call, call),
		Tokens:   100,
		Cost:     callCost,
		Model:    "fake",
		Attempts: 1,
	}
}

// testHandler decodes {"query", "depth", "deliverables"} for any job type
type testHandler struct {
	jobType models.JobType
	steps   int
}

type testTask struct {
	query        string
	depth        models.Depth
	deliverables []models.DeliverableKind
	steps        int
}

func (h testHandler) JobType() models.JobType { return h.jobType }

func (h testHandler) Decode(data json.RawMessage) (interfaces.JobTask, error) {
	var payload struct {
		Query        string   `json:"query"`
		Depth        string   `json:"depth"`
		Deliverables []string `json:"deliverables"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, models.NewValidationError("payload is not valid JSON")
	}
	if payload.Query == "" {
		return nil, models.NewValidationError("", models.FieldError{Field: "query", Message: "is required"})
	}
	task := &testTask{query: payload.Query, depth: models.ParseDepth(payload.Depth), steps: h.steps}
	for _, d := range payload.Deliverables {
		task.deliverables = append(task.deliverables, models.DeliverableKind(d))
	}
	if len(task.deliverables) == 0 {
		task.deliverables = []models.DeliverableKind{models.DeliverableSummary}
	}
	return task, nil
}

func (t *testTask) Depth() models.Depth                    { return t.depth }
func (t *testTask) Deliverables() []models.DeliverableKind { return t.deliverables }
func (t *testTask) Persona() string                        { return "You are a careful analyst." }

func (t *testTask) Prepare(ctx context.Context) (models.Material, error) {
	return models.Material{Title: t.query, Metadata: map[string]string{"source": "test"}}, nil
}

func (t *testTask) ProposeSteps(material models.Material) []models.PlanStep {
	return proposals(t.steps)
}

func (t *testTask) StepPrompt(step models.PlanStep, material models.Material, priorContext string) string {
	return fmt.Sprintf("STEP %d %s\nCONTEXT:\n%s", step.Number, step.Name, priorContext)
}

type capturedEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *capturedEvents) Subscribe(models.EventType, interfaces.EventHandler) error { return nil }
func (c *capturedEvents) Publish(ctx context.Context, event models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}
func (c *capturedEvents) PublishSync(ctx context.Context, event models.Event) error {
	return c.Publish(ctx, event)
}
func (c *capturedEvents) Close() error { return nil }

func (c *capturedEvents) ofType(eventType models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	jobs     *queue.JobService
	metrics  *metrics.Service
	events   *capturedEvents
	ai       *fakeAI
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := queue.NewRegistry(logger)
	require.NoError(t, registry.Register(testHandler{jobType: models.JobTypeDocumentSummary, steps: 2}))
	require.NoError(t, registry.Register(testHandler{jobType: models.JobTypeDeepResearch, steps: 0}))

	events := &capturedEvents{}
	tracker := metrics.NewService(store.MetricStorage(), store.JobStorage(), events, 0, logger)

	config := queue.NewDefaultConfig()
	config.Owner = "worker-a"
	config.LockLifetime = time.Hour

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	jobs := queue.NewJobService(store.JobStorage(), store.ScheduleStorage(), registry, tracker, events, config, logger)
	jobs.SetClock(func() time.Time { return now })

	ai := &fakeAI{}
	executor := NewExecutor(jobs, ai, tracker, events, common.PipelineConfig{
		MaxSteps:             8,
		ContextSentences:     2,
		StepMaxTokens:        512,
		SynthesisMaxTokens:   1024,
		DeliverableMaxTokens: 1024,
	}, logger)

	return &fixture{jobs: jobs, metrics: tracker, events: events, ai: ai, executor: executor}
}

// enqueueAndClaim submits data and leases the resulting job
func (f *fixture) enqueueAndClaim(t *testing.T, jobType models.JobType, data string) *models.Job {
	t.Helper()
	ctx := context.Background()
	id, err := f.jobs.Enqueue(ctx, jobType, json.RawMessage(data), queue.EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := f.jobs.Claim(ctx, jobType, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)
	return claimed[0]
}

func decodeResult(t *testing.T, job *models.Job) models.PipelineResult {
	t.Helper()
	var result models.PipelineResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	return result
}

func TestExecutor_DocumentSummaryCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDocumentSummary, `{"query":"Quarterly report"}`)

	require.NoError(t, f.executor.Run(ctx, job, nil))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status(f.jobs.Now()))
	assert.Equal(t, 100, stored.Progress)

	result := decodeResult(t, stored)
	require.NotNil(t, result.Summary)
	assert.NotEmpty(t, result.Summary.Content)
	assert.Len(t, result.Plan.Steps, 5, "medium depth pads two proposals to five")
	assert.Len(t, result.Steps, 5)
	assert.NotEmpty(t, result.Synthesis)
	assert.Equal(t, "test", result.Metadata["source"])

	// 5 steps + synthesis + 1 deliverable
	assert.Equal(t, 7, f.ai.calls())

	metric, err := f.metrics.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, metric.Status)
	assert.Greater(t, metric.CostUSD, 0.0)
	assert.InDelta(t, 7*callCost, metric.CostUSD, 1e-9)
	assert.Equal(t, int64(700), metric.TokensUsed)
	assert.Equal(t, 7, metric.APICalls)
	assert.InDelta(t, result.TotalCost, metric.CostUSD, 1e-9)

	completed := f.events.ofType(models.EventJobCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, job.ID, completed[0].JobID())
}

func TestExecutor_CostConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"solid state batteries","depth":"deep","deliverables":["summary","report","outline"]}`)

	require.NoError(t, f.executor.Run(ctx, job, nil))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	result := decodeResult(t, stored)

	sum := 0.0
	for _, step := range result.Steps {
		sum += step.Cost
	}
	for _, deliverable := range result.Deliverables {
		sum += deliverable.Cost
	}
	synthesisCost := callCost
	sum += synthesisCost

	metric, err := f.metrics.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.InDelta(t, sum, metric.CostUSD, 1e-9)
	assert.InDelta(t, float64(7+1+3)*callCost, metric.CostUSD, 1e-9)
}

func TestExecutor_RequestedDeliverablesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"grid storage","depth":"shallow","deliverables":["summary","citations"]}`)

	require.NoError(t, f.executor.Run(ctx, job, nil))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	result := decodeResult(t, stored)

	assert.GreaterOrEqual(t, len(result.Plan.Steps), 3)
	keys := make([]string, 0, len(result.Deliverables))
	for kind := range result.Deliverables {
		keys = append(keys, string(kind))
	}
	assert.ElementsMatch(t, []string{"summary", "citations"}, keys)
}

func TestExecutor_FatalStepFailureKeepsPartialCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ai.respond = func(call int, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
		if call == 2 {
			return interfaces.GenerateResponse{Attempts: 1},
				models.NewExternalError(models.ErrKindAuth, "fake", 401, errors.New("invalid api key"))
		}
		return okResponse(call), nil
	}

	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"fusion","depth":"medium"}`)
	err := f.executor.Run(ctx, job, nil)
	require.Error(t, err)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status(f.jobs.Now()))
	assert.Contains(t, stored.FailReason, "step 2")
	assert.Contains(t, stored.FailReason, "auth")
	assert.Equal(t, 2, f.ai.calls(), "no steps run after the failure")

	metric, err := f.metrics.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, metric.Status)
	assert.InDelta(t, callCost, metric.CostUSD, 1e-9, "only step 1 is charged")
	assert.Equal(t, 2, metric.APICalls)
	assert.NotEmpty(t, metric.ErrorMessage)

	failed := f.events.ofType(models.EventJobFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, stored.FailReason, failed[0].Payload["error"])
}

func TestExecutor_CancelDuringActiveLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"tidal power"}`)

	f.ai.respond = func(call int, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
		if call == 1 {
			result, err := f.jobs.Cancel(ctx, interfaces.JobQuery{ID: job.ID})
			require.NoError(t, err)
			require.Len(t, result.Requested, 1, "a leased job is flagged, not removed")
		}
		return okResponse(call), nil
	}

	err := f.executor.Run(ctx, job, nil)
	assert.ErrorIs(t, err, models.ErrJobCancelled)
	assert.Equal(t, 1, f.ai.calls(), "the in-flight step finishes and no further step starts")

	_, err = f.jobs.Get(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	claimed, err := f.jobs.Claim(ctx, models.JobTypeDeepResearch, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "a cancelled job is never rescheduled")

	metric, err := f.metrics.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, metric.Status)
	assert.InDelta(t, callCost, metric.CostUSD, 1e-9)

	assert.Len(t, f.events.ofType(models.EventJobCancelled), 1)
}

func TestExecutor_DeliverableFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ai.respond = func(call int, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
		if strings.Contains(req.Prompt, "structured report") {
			return interfaces.GenerateResponse{Attempts: 4},
				models.NewExternalError(models.ErrKindServiceUnavailable, "fake", 503, errors.New("overloaded"))
		}
		return okResponse(call), nil
	}

	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"heat pumps","depth":"shallow","deliverables":["report","summary"]}`)
	require.NoError(t, f.executor.Run(ctx, job, nil))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status(f.jobs.Now()))

	result := decodeResult(t, stored)
	report := result.Deliverables[models.DeliverableReport]
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, report.Content)
	assert.Zero(t, report.Cost)

	summary := result.Deliverables[models.DeliverableSummary]
	assert.Empty(t, summary.Error)
	assert.NotEmpty(t, summary.Content)

	metric, err := f.metrics.Get(ctx, job.ID)
	require.NoError(t, err)
	// 3 steps + synthesis + summary; the failed report contributes no cost
	assert.InDelta(t, 5*callCost, metric.CostUSD, 1e-9)
	assert.Equal(t, 5+4, metric.APICalls, "every attempt of the failed call is counted")
}

func TestExecutor_ReportCarriesHTML(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"wind","depth":"shallow","deliverables":["report"]}`)

	require.NoError(t, f.executor.Run(ctx, job, nil))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	result := decodeResult(t, stored)

	report := result.Deliverables[models.DeliverableReport]
	assert.Contains(t, report.HTML, "<h2")
	assert.Nil(t, result.Summary, "summary is only set when requested")
}

func TestExecutor_ProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"hydrogen","depth":"deep","deliverables":["summary","key_findings"]}`)

	require.NoError(t, f.executor.Run(ctx, job, nil))

	progress := f.events.ofType(models.EventJobProgress)
	require.NotEmpty(t, progress)

	last := 0
	var values []int
	for _, event := range progress {
		value, ok := event.Payload["progress"].(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, value, last)
		last = value
		values = append(values, value)
	}
	assert.Equal(t, 100, last)
	assert.Contains(t, values, 15)
	assert.Contains(t, values, 70)
	assert.Contains(t, values, 85)
}

func TestExecutor_InvalidPayloadFailsWithoutCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.jobs.Now()
	id, err := f.jobs.Enqueue(ctx, models.JobTypeDeepResearch, json.RawMessage(`{"query":"placeholder"}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := f.jobs.Claim(ctx, models.JobTypeDeepResearch, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Enqueue rejects invalid payloads, so the leased copy is corrupted instead
	leased := claimed[0]
	leased.Data = json.RawMessage(`{"depth":"deep"}`)

	err = f.executor.Run(ctx, leased, nil)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
	assert.Zero(t, f.ai.calls(), "no external call before validation passes")

	stored, err := f.jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status(now))
	assert.Contains(t, stored.FailReason, "query")

	metric, err := f.metrics.Get(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, metric.CostUSD)
	assert.Zero(t, metric.APICalls)
}

func TestExecutor_StopsWhenLeaseIsLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"geothermal"}`)

	lease := f.jobs.KeepAlive(ctx, job)
	defer lease.Stop()

	f.ai.respond = func(call int, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
		lease.MarkLost()
		return okResponse(call), nil
	}

	err := f.executor.Run(ctx, job, lease)
	assert.ErrorIs(t, err, models.ErrLeaseLost)
	assert.Equal(t, 1, f.ai.calls())

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status(f.jobs.Now()), "a lost lease is left for the sweep")
	assert.Empty(t, f.events.ofType(models.EventJobFailed))
}

func TestExecutor_StopsWhenJobIsReclaimedBySameOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueueAndClaim(t, models.JobTypeDeepResearch, `{"query":"offshore wind"}`)

	clock := f.jobs.Now()
	f.jobs.SetClock(func() time.Time { return clock })

	// The run stalls past its lease; this process sweeps and claims the job again
	var reclaimed *models.Job
	f.ai.respond = func(call int, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
		if call == 1 {
			clock = clock.Add(2 * time.Hour)
			_, err := f.jobs.ExpireLeases(ctx)
			require.NoError(t, err)
			claimed, err := f.jobs.Claim(ctx, models.JobTypeDeepResearch, 1)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			reclaimed = claimed[0]
		}
		return okResponse(call), nil
	}

	err := f.executor.Run(ctx, job, nil)
	assert.ErrorIs(t, err, models.ErrLeaseLost)
	assert.Equal(t, 1, f.ai.calls())
	require.NotNil(t, reclaimed)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, reclaimed.LockOwner, stored.LockOwner)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, 0, stored.Progress, "the stale run wrote no progress after the reclaim")
	assert.Equal(t, models.JobStatusRunning, stored.Status(clock))
	assert.Empty(t, f.events.ofType(models.EventJobCompleted))
	assert.Empty(t, f.events.ofType(models.EventJobFailed))
}
