package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskforge.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFiles_Defaults(t *testing.T) {
	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, "10s", config.Scheduler.PollInterval)
	assert.Equal(t, "badger", config.Storage.Type)
	assert.Equal(t, 3, config.LLM.MaxRetries)
	assert.Equal(t, 8, config.Pipeline.MaxSteps)
	assert.Equal(t, 2, config.JobConcurrency("deep-research"))
	assert.Equal(t, 1, config.JobConcurrency("unknown"))
}

func TestLoadFromFiles_LaterFileOverrides(t *testing.T) {
	base := writeConfig(t, `
[scheduler]
poll_interval = "5s"
max_concurrency = 4

[jobs.document-summary]
concurrency = 9
lock_lifetime = "2m"
`)
	override := writeConfig(t, `
[scheduler]
poll_interval = "1s"

[[schedules]]
key = "nightly-digest"
type = "deep-research"
expression = "@every 24h"
data = '{"query":"weekly changes"}'
enabled = true
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "1s", config.Scheduler.PollInterval)
	assert.Equal(t, 4, config.Scheduler.MaxConcurrency)
	assert.Equal(t, 9, config.JobConcurrency("document-summary"))
	assert.Equal(t, 2*time.Minute, config.JobLockLifetime("document-summary"))
	assert.Equal(t, 10*time.Minute, config.JobLockLifetime("deep-research"))
	require.Len(t, config.Schedules, 1)
	assert.Equal(t, "nightly-digest", config.Schedules[0].Key)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[storage]
type = "badger"
`)
	t.Setenv("TASKFORGE_STORAGE_TYPE", "postgres")
	t.Setenv("TASKFORGE_EVENTS_TRANSPORTS", "log, redis")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", config.Storage.Type)
	assert.Equal(t, []string{"log", "redis"}, config.Events.Transports)
}

func TestLoadFromFiles_RejectsInvalidValues(t *testing.T) {
	_, err := LoadFromFiles(writeConfig(t, `
[scheduler]
poll_interval = "soon"
`))
	assert.Error(t, err)

	_, err = LoadFromFiles(writeConfig(t, `
[[schedules]]
key = "bad"
type = "deep-research"
expression = "not a cron"
`))
	assert.Error(t, err)
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	every, err := ParseSchedule("@every 1h")
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), every.Next(from))

	bare, err := ParseSchedule("30m")
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Minute), bare.Next(from))

	daily, err := ParseSchedule("0 6 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC), daily.Next(from))

	_, err = ParseSchedule("")
	assert.Error(t, err)
	_, err = ParseSchedule("-5m")
	assert.Error(t, err)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, "postgres", "debug")
	assert.Equal(t, "postgres", config.Storage.Type)
	assert.Equal(t, "debug", config.Logging.Level)

	ApplyFlagOverrides(config, "", "")
	assert.Equal(t, "postgres", config.Storage.Type)
}
