package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
)

// PostgresBatchRepository batches 仓库
type PostgresBatchRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresBatchRepository 创建批次仓库
func NewPostgresBatchRepository(db *sql.DB, logger *zap.Logger) *PostgresBatchRepository {
	return &PostgresBatchRepository{db: db, logger: logger}
}

var _ BatchRepository = (*PostgresBatchRepository)(nil)

// CreateBatch 创建批次
func (r *PostgresBatchRepository) CreateBatch(ctx context.Context, b *domain.Batch) error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}

	query := `
		INSERT INTO batches (id, device_id, name, description, start_ts, end_ts, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		b.ID,
		b.DeviceID,
		b.Name,
		nullString(b.Description),
		b.StartTS.UTC(),
		b.EndTS.UTC(),
		string(b.Status),
		b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	r.logger.Info("Batch created",
		zap.String("batch_id", b.ID),
		zap.String("device_id", b.DeviceID),
	)
	return nil
}

// GetBatch 查询批次
func (r *PostgresBatchRepository) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	query := `
		SELECT
			id::text, device_id::text, name, description, start_ts, end_ts, status,
			total_windows, total_samples, summary,
			created_at, closed_at, certified_at
		FROM batches
		WHERE id = $1
	`

	var (
		b                          domain.Batch
		status                     string
		description, summary       sql.NullString
		totalWindows, totalSamples sql.NullInt64
		closedAt, certifiedAt      sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, batchID).Scan(
		&b.ID, &b.DeviceID, &b.Name, &description, &b.StartTS, &b.EndTS, &status,
		&totalWindows, &totalSamples, &summary,
		&b.CreatedAt, &closedAt, &certifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "batch", Ref: batchID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	b.Status = domain.BatchStatus(status)
	b.Description = description.String
	b.StartTS = b.StartTS.UTC()
	b.EndTS = b.EndTS.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.TotalWindows = intPtr(totalWindows)
	b.TotalSamples = intPtr(totalSamples)
	b.ClosedAt = timePtr(closedAt)
	b.CertifiedAt = timePtr(certifiedAt)
	if summary.Valid && summary.String != "" {
		var s domain.Summary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch summary: %w", err)
		}
		b.Summary = &s
	}
	return &b, nil
}

// TransitionStatus 条件状态转换
func (r *PostgresBatchRepository) TransitionStatus(ctx context.Context, batchID string, from, to domain.BatchStatus, at time.Time) (bool, error) {
	query := `
		UPDATE batches
		SET status = $3
		WHERE id = $1 AND status = $2
	`
	if to == domain.BatchStatusClosed {
		query = `
		UPDATE batches
		SET status = $3, closed_at = $4
		WHERE id = $1 AND status = $2
	`
	}

	args := []any{batchID, string(from), string(to)}
	if to == domain.BatchStatusClosed {
		args = append(args, at.UTC())
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update batch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// SaveCertification 认证并写入汇总
func (r *PostgresBatchRepository) SaveCertification(ctx context.Context, batchID string, summary domain.Summary, at time.Time) (bool, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := `
		UPDATE batches
		SET status = $2,
			total_windows = $3,
			total_samples = $4,
			summary = $5,
			certified_at = $6
		WHERE id = $1 AND status = $7
	`
	res, err := r.db.ExecContext(ctx, query,
		batchID,
		string(domain.BatchStatusCertified),
		summary.TotalWindows,
		summary.TotalSamples,
		string(data),
		at.UTC(),
		string(domain.BatchStatusClosed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to certify batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
