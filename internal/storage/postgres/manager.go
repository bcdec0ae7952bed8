package postgres

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
)

// Manager implements the StorageManager interface for Postgres
type Manager struct {
	db       *DB
	job      interfaces.JobStorage
	metric   interfaces.MetricStorage
	schedule interfaces.ScheduleStorage
}

// NewManager creates a new Postgres storage manager
func NewManager(ctx context.Context, logger arbor.ILogger, config *common.PostgresConfig) (*Manager, error) {
	db, err := NewDB(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("Postgres storage manager initialized")

	return &Manager{
		db:       db,
		job:      NewJobStorage(db, logger),
		metric:   NewMetricStorage(db, logger),
		schedule: NewScheduleStorage(db, logger),
	}, nil
}

func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

func (m *Manager) MetricStorage() interfaces.MetricStorage {
	return m.metric
}

func (m *Manager) ScheduleStorage() interfaces.ScheduleStorage {
	return m.schedule
}

func (m *Manager) Close() error {
	return m.db.Close()
}
