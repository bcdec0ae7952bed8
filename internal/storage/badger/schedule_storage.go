package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ScheduleStorage implements the ScheduleStorage interface for Badger
type ScheduleStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScheduleStorage creates a new ScheduleStorage instance
func NewScheduleStorage(db *BadgerDB, logger arbor.ILogger) *ScheduleStorage {
	return &ScheduleStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ScheduleStorage) SaveSchedule(ctx context.Context, schedule models.Schedule) error {
	if schedule.Key == "" {
		return fmt.Errorf("schedule key is required")
	}
	if err := s.db.Store().Upsert(schedule.Key, schedule); err != nil {
		return storeErr("save schedule", err)
	}
	return nil
}

func (s *ScheduleStorage) GetSchedule(ctx context.Context, key string) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := s.db.Store().Get(key, &schedule); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrScheduleNotFound, key)
		}
		return nil, storeErr("get schedule", err)
	}
	return &schedule, nil
}

func (s *ScheduleStorage) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	var query *badgerhold.Query
	if enabledOnly {
		query = badgerhold.Where("Enabled").Eq(true)
	}

	var schedules []models.Schedule
	if err := s.db.Store().Find(&schedules, query); err != nil {
		return nil, storeErr("list schedules", err)
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].Key < schedules[j].Key
	})
	return schedules, nil
}

func (s *ScheduleStorage) DeleteSchedule(ctx context.Context, key string) error {
	if err := s.db.Store().Delete(key, models.Schedule{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrScheduleNotFound, key)
		}
		return storeErr("delete schedule", err)
	}
	return nil
}
