package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
)

// Registry maps the closed job type enum to handlers. Unknown and duplicate
// registrations are rejected at startup, not at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.JobType]interfaces.JobHandler
	logger   arbor.ILogger
}

// NewRegistry creates an empty handler registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[models.JobType]interfaces.JobHandler),
		logger:   logger,
	}
}

// Register adds handler for its job type
func (r *Registry) Register(handler interfaces.JobHandler) error {
	jobType := handler.JobType()
	if !jobType.IsValid() {
		return fmt.Errorf("%w: %s", models.ErrUnknownJobType, jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %s", jobType)
	}
	r.handlers[jobType] = handler

	r.logger.Debug().Str("job_type", string(jobType)).Msg("Job handler registered")
	return nil
}

// Get returns the handler for jobType
func (r *Registry) Get(jobType models.JobType) (interfaces.JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownJobType, jobType)
	}
	return handler, nil
}

// Types returns registered job types in a stable order
func (r *Registry) Types() []models.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Decode resolves the handler and decodes data. Every failure is a *models.ValidationError.
func (r *Registry) Decode(jobType models.JobType, data json.RawMessage) (interfaces.JobTask, error) {
	handler, err := r.Get(jobType)
	if err != nil {
		return nil, &models.ValidationError{
			Message: fmt.Sprintf("job type %q is not registered", jobType),
			Fields:  []models.FieldError{{Field: "type", Message: "is not a registered job type"}},
			Err:     err,
		}
	}

	task, err := handler.Decode(data)
	if err != nil {
		if models.IsValidationError(err) {
			return nil, err
		}
		return nil, &models.ValidationError{Message: err.Error(), Err: err}
	}
	return task, nil
}
