package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	job      interfaces.JobStorage
	metric   interfaces.MetricStorage
	schedule interfaces.ScheduleStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		job:      NewJobStorage(db, logger),
		metric:   NewMetricStorage(db, logger),
		schedule: NewScheduleStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// MetricStorage returns the JobMetric storage interface
func (m *Manager) MetricStorage() interfaces.MetricStorage {
	return m.metric
}

// ScheduleStorage returns the Schedule storage interface
func (m *Manager) ScheduleStorage() interfaces.ScheduleStorage {
	return m.schedule
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
