package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/models"
)

const metricColumns = `job_id, job_type, status, cost_usd, tokens_used, api_calls, duration_ms,
	error_message, started_at, completed_at, created_at`

// MetricStorage implements the MetricStorage interface for Postgres
type MetricStorage struct {
	db     *DB
	logger arbor.ILogger
}

// NewMetricStorage creates a new MetricStorage instance
func NewMetricStorage(db *DB, logger arbor.ILogger) *MetricStorage {
	return &MetricStorage{db: db, logger: logger}
}

func scanMetric(row rowScanner) (models.JobMetric, error) {
	var (
		m       models.JobMetric
		jobType string
		status  string
	)
	err := row.Scan(&m.JobID, &jobType, &status, &m.CostUSD, &m.TokensUsed, &m.APICalls, &m.DurationMs,
		&m.ErrorMessage, &m.StartedAt, &m.CompletedAt, &m.CreatedAt)
	m.JobType = models.JobType(jobType)
	m.Status = models.JobStatus(status)
	return m, err
}

const upsertMetric = `
INSERT INTO job_metrics (` + metricColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (job_id) DO UPDATE SET
	job_type = EXCLUDED.job_type, status = EXCLUDED.status, cost_usd = EXCLUDED.cost_usd,
	tokens_used = EXCLUDED.tokens_used, api_calls = EXCLUDED.api_calls, duration_ms = EXCLUDED.duration_ms,
	error_message = EXCLUDED.error_message, started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at`

func metricArgs(m models.JobMetric) []any {
	return []any{m.JobID, string(m.JobType), string(m.Status), m.CostUSD, m.TokensUsed, m.APICalls,
		m.DurationMs, m.ErrorMessage, m.StartedAt, m.CompletedAt, m.CreatedAt}
}

func (s *MetricStorage) SaveMetric(ctx context.Context, metric models.JobMetric) error {
	if metric.JobID == "" {
		return fmt.Errorf("metric job ID is required")
	}
	if _, err := s.db.pool.Exec(ctx, upsertMetric, metricArgs(metric)...); err != nil {
		return storeErr("save metric", err)
	}
	return nil
}

func (s *MetricStorage) GetMetric(ctx context.Context, jobID string) (*models.JobMetric, error) {
	m, err := scanMetric(s.db.pool.QueryRow(ctx, `SELECT `+metricColumns+` FROM job_metrics WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrMetricNotFound, jobID)
		}
		return nil, storeErr("get metric", err)
	}
	return &m, nil
}

func (s *MetricStorage) UpdateMetric(ctx context.Context, jobID string, fn func(models.JobMetric) models.JobMetric) (*models.JobMetric, error) {
	var updated models.JobMetric
	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		m, err := scanMetric(tx.QueryRow(ctx, `SELECT `+metricColumns+` FROM job_metrics WHERE job_id = $1 FOR UPDATE`, jobID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", models.ErrMetricNotFound, jobID)
			}
			return err
		}
		updated = fn(m)
		_, err = tx.Exec(ctx, upsertMetric, metricArgs(updated)...)
		return err
	})
	if err != nil {
		return nil, storeErr("update metric", err)
	}
	return &updated, nil
}

func (s *MetricStorage) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]models.JobMetric, error) {
	clauses := []string{"TRUE"}
	args := pgx.NamedArgs{}
	if filter.JobType != "" {
		clauses = append(clauses, "job_type = @job_type")
		args["job_type"] = string(filter.JobType)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = @status")
		args["status"] = string(filter.Status)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= @since")
		args["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at < @until")
		args["until"] = filter.Until
	}

	rows, err := s.db.pool.Query(ctx, `SELECT `+metricColumns+` FROM job_metrics WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY created_at ASC`, args)
	if err != nil {
		return nil, storeErr("list metrics", err)
	}
	defer rows.Close()

	var metrics []models.JobMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, storeErr("list metrics", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list metrics", err)
	}
	return metrics, nil
}

func (s *MetricStorage) DeleteMetric(ctx context.Context, jobID string) error {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM job_metrics WHERE job_id = $1`, jobID)
	if err != nil {
		return storeErr("delete metric", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrMetricNotFound, jobID)
	}
	return nil
}

func (s *MetricStorage) SaveCostAlert(ctx context.Context, alert models.CostAlert) error {
	_, err := s.db.pool.Exec(ctx, `INSERT INTO cost_alerts (id, job_id, job_type, cost_usd, threshold_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.JobID, string(alert.JobType), alert.CostUSD, alert.Threshold, alert.CreatedAt)
	if err != nil {
		return storeErr("save cost alert", err)
	}
	return nil
}

func (s *MetricStorage) ListCostAlerts(ctx context.Context, jobID string) ([]models.CostAlert, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT id, job_id, job_type, cost_usd, threshold_usd, created_at
		FROM cost_alerts WHERE ($1 = '' OR job_id = $1) ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, storeErr("list cost alerts", err)
	}
	defer rows.Close()

	var alerts []models.CostAlert
	for rows.Next() {
		var (
			a       models.CostAlert
			jobType string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &jobType, &a.CostUSD, &a.Threshold, &a.CreatedAt); err != nil {
			return nil, storeErr("list cost alerts", err)
		}
		a.JobType = models.JobType(jobType)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
