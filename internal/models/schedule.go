package models

import (
	"encoding/json"
	"time"
)

// Schedule is a durable recurring job definition. Exactly one non-terminal
// instance per schedule key exists at any time.
type Schedule struct {
	Key           string          `json:"key" badgerhold:"key"`
	JobType       JobType         `json:"job_type"`
	Data          json.RawMessage `json:"data"`
	Priority      Priority        `json:"priority"`
	Expression    string          `json:"expression"`
	Enabled       bool            `json:"enabled" badgerhold:"index"`
	// LastSpawnedAt is the run slot of the most recent instance, not the wall time it was created.
	LastSpawnedAt *time.Time `json:"last_spawned_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// WithSpawned returns the schedule after an instance for slot was created at now.
func (s Schedule) WithSpawned(slot, now time.Time) Schedule {
	s.LastSpawnedAt = &slot
	s.UpdatedAt = now
	return s
}

// WithEnabled returns the schedule toggled on or off.
func (s Schedule) WithEnabled(enabled bool, now time.Time) Schedule {
	s.Enabled = enabled
	s.UpdatedAt = now
	return s
}
