package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// MetricStorage implements the MetricStorage interface for Badger
type MetricStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewMetricStorage creates a new MetricStorage instance
func NewMetricStorage(db *BadgerDB, logger arbor.ILogger) *MetricStorage {
	return &MetricStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MetricStorage) SaveMetric(ctx context.Context, metric models.JobMetric) error {
	if metric.JobID == "" {
		return fmt.Errorf("metric job ID is required")
	}
	if err := s.db.Store().Upsert(metric.JobID, metric); err != nil {
		return storeErr("save metric", err)
	}
	return nil
}

func (s *MetricStorage) GetMetric(ctx context.Context, jobID string) (*models.JobMetric, error) {
	var metric models.JobMetric
	if err := s.db.Store().Get(jobID, &metric); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrMetricNotFound, jobID)
		}
		return nil, storeErr("get metric", err)
	}
	return &metric, nil
}

// UpdateMetric applies fn inside one transaction so concurrent deltas are not lost
func (s *MetricStorage) UpdateMetric(ctx context.Context, jobID string, fn func(models.JobMetric) models.JobMetric) (*models.JobMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated models.JobMetric
	err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		var metric models.JobMetric
		if err := s.db.Store().TxGet(txn, jobID, &metric); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrMetricNotFound, jobID)
			}
			return err
		}
		updated = fn(metric)
		return s.db.Store().TxUpdate(txn, jobID, updated)
	})
	if err != nil {
		return nil, storeErr("update metric", err)
	}
	return &updated, nil
}

// ListMetrics returns metrics matching filter, oldest first
func (s *MetricStorage) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]models.JobMetric, error) {
	var query *badgerhold.Query
	if filter.JobType != "" {
		query = badgerhold.Where("JobType").Eq(filter.JobType)
	}

	var metrics []models.JobMetric
	if err := s.db.Store().Find(&metrics, query); err != nil {
		return nil, storeErr("list metrics", err)
	}

	matched := metrics[:0]
	for _, m := range metrics {
		if filter.Matches(m) {
			matched = append(matched, m)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (s *MetricStorage) DeleteMetric(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, models.JobMetric{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrMetricNotFound, jobID)
		}
		return storeErr("delete metric", err)
	}
	return nil
}

func (s *MetricStorage) SaveCostAlert(ctx context.Context, alert models.CostAlert) error {
	if err := s.db.Store().Insert(alert.ID, alert); err != nil {
		return storeErr("save cost alert", err)
	}
	return nil
}

// ListCostAlerts returns alerts for jobID, or every alert when jobID is empty
func (s *MetricStorage) ListCostAlerts(ctx context.Context, jobID string) ([]models.CostAlert, error) {
	var query *badgerhold.Query
	if jobID != "" {
		query = badgerhold.Where("JobID").Eq(jobID)
	}

	var alerts []models.CostAlert
	if err := s.db.Store().Find(&alerts, query); err != nil {
		return nil, storeErr("list cost alerts", err)
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts, nil
}
