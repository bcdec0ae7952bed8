package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
)

// ScheduleStorage implements the ScheduleStorage interface for Postgres
type ScheduleStorage struct {
	db     *DB
	logger arbor.ILogger
}

// NewScheduleStorage creates a new ScheduleStorage instance
func NewScheduleStorage(db *DB, logger arbor.ILogger) *ScheduleStorage {
	return &ScheduleStorage{db: db, logger: logger}
}

const scheduleColumns = `key, job_type, data, priority, expression, enabled, last_spawned_at, created_at, updated_at`

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var (
		s        models.Schedule
		jobType  string
		priority string
		data     []byte
	)
	err := row.Scan(&s.Key, &jobType, &data, &priority, &s.Expression, &s.Enabled, &s.LastSpawnedAt, &s.CreatedAt, &s.UpdatedAt)
	s.JobType = models.JobType(jobType)
	s.Priority = models.Priority(priority)
	s.Data = data
	return s, err
}

func (s *ScheduleStorage) SaveSchedule(ctx context.Context, schedule models.Schedule) error {
	if schedule.Key == "" {
		return fmt.Errorf("schedule key is required")
	}
	data := []byte(schedule.Data)
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	_, err := s.db.pool.Exec(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE SET
	job_type = EXCLUDED.job_type, data = EXCLUDED.data, priority = EXCLUDED.priority,
	expression = EXCLUDED.expression, enabled = EXCLUDED.enabled,
	last_spawned_at = EXCLUDED.last_spawned_at, updated_at = EXCLUDED.updated_at`,
		schedule.Key, string(schedule.JobType), data, string(schedule.Priority), schedule.Expression,
		schedule.Enabled, schedule.LastSpawnedAt, schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return storeErr("save schedule", err)
	}
	return nil
}

func (s *ScheduleStorage) GetSchedule(ctx context.Context, key string) (*models.Schedule, error) {
	schedule, err := scanSchedule(s.db.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrScheduleNotFound, key)
		}
		return nil, storeErr("get schedule", err)
	}
	return &schedule, nil
}

func (s *ScheduleStorage) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE (NOT $1 OR enabled) ORDER BY key`, enabledOnly)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, storeErr("list schedules", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

func (s *ScheduleStorage) DeleteSchedule(ctx context.Context, key string) error {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM schedules WHERE key = $1`, key)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrScheduleNotFound, key)
	}
	return nil
}
