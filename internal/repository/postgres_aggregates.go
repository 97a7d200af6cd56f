package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
)

// PostgresWindowRepository aggregates_15m 仓库
type PostgresWindowRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresWindowRepository 创建窗口仓库
func NewPostgresWindowRepository(db *sql.DB, logger *zap.Logger) *PostgresWindowRepository {
	return &PostgresWindowRepository{db: db, logger: logger}
}

var _ WindowRepository = (*PostgresWindowRepository)(nil)

const windowColumns = `
	id::text, device_id::text, window_start, window_end,
	temp_min, temp_max, temp_avg,
	humidity_min, humidity_max, humidity_avg,
	pressure_min, pressure_max, pressure_avg,
	mq135_adc_min, mq135_adc_max, mq135_adc_avg,
	sample_count, merkle_root_hex, offchain_uri,
	is_anchored, anchor_tx_signature, anchor_pda, anchored_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(s rowScanner) (*domain.AggregateWindow, error) {
	var (
		w              domain.AggregateWindow
		stats          [12]sql.NullFloat64
		rootHex, uri   sql.NullString
		txRef, address sql.NullString
		anchoredAt     sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.DeviceID, &w.WindowStart, &w.WindowEnd,
		&stats[0], &stats[1], &stats[2],
		&stats[3], &stats[4], &stats[5],
		&stats[6], &stats[7], &stats[8],
		&stats[9], &stats[10], &stats[11],
		&w.Stats.SampleCount, &rootHex, &uri,
		&w.IsAnchored, &txRef, &address, &anchoredAt,
	)
	if err != nil {
		return nil, err
	}

	w.WindowStart = w.WindowStart.UTC()
	w.WindowEnd = w.WindowEnd.UTC()
	w.Stats.Temperature = channel(stats[0], stats[1], stats[2])
	w.Stats.Humidity = channel(stats[3], stats[4], stats[5])
	w.Stats.Pressure = channel(stats[6], stats[7], stats[8])
	w.Stats.GasADC = channel(stats[9], stats[10], stats[11])

	if rootHex.Valid && rootHex.String != "" {
		root, err := hex.DecodeString(rootHex.String)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle_root_hex for window %s: %w", w.ID, err)
		}
		w.MerkleRoot = root
	}
	w.OffchainURI = uri.String
	w.AnchorTxRef = txRef.String
	w.AnchorAddress = address.String
	if anchoredAt.Valid {
		t := anchoredAt.Time.UTC()
		w.AnchoredAt = &t
	}
	return &w, nil
}

func channel(lo, hi, avg sql.NullFloat64) domain.ChannelStats {
	return domain.ChannelStats{Min: floatPtr(lo), Max: floatPtr(hi), Avg: floatPtr(avg)}
}

// GetWindow 查询单个窗口
func (r *PostgresWindowRepository) GetWindow(ctx context.Context, deviceID string, windowStart time.Time) (*domain.AggregateWindow, error) {
	query := `SELECT` + windowColumns + `
		FROM aggregates_15m
		WHERE device_id = $1 AND window_start = $2
	`
	w, err := scanWindow(r.db.QueryRowContext(ctx, query, deviceID, windowStart.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "window", Ref: domain.WindowKey{DeviceID: deviceID, WindowStart: windowStart}.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get window: %w", err)
	}
	return w, nil
}

// GetLatestWindow 查询最新窗口
func (r *PostgresWindowRepository) GetLatestWindow(ctx context.Context, deviceID string) (*domain.AggregateWindow, error) {
	query := `SELECT` + windowColumns + `
		FROM aggregates_15m
		WHERE device_id = $1
		ORDER BY window_start DESC
		LIMIT 1
	`
	w, err := scanWindow(r.db.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "window", Ref: "latest for device " + deviceID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest window: %w", err)
	}
	return w, nil
}

// ListWindowsInRange 批次时间范围内的窗口（两端包含）
func (r *PostgresWindowRepository) ListWindowsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]*domain.AggregateWindow, error) {
	query := `SELECT` + windowColumns + `
		FROM aggregates_15m
		WHERE device_id = $1 AND window_start >= $2 AND window_start <= $3
		ORDER BY window_start ASC
	`
	return r.list(ctx, query, deviceID, from.UTC(), to.UTC())
}

// ListPendingWindows 待锚定窗口
func (r *PostgresWindowRepository) ListPendingWindows(ctx context.Context, deviceID string, limit int) ([]*domain.AggregateWindow, error) {
	query := `SELECT` + windowColumns + `
		FROM aggregates_15m
		WHERE device_id = $1 AND merkle_root_hex IS NOT NULL AND is_anchored = FALSE
		ORDER BY window_start ASC
	`
	args := []any{deviceID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *PostgresWindowRepository) list(ctx context.Context, query string, args ...any) ([]*domain.AggregateWindow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}
	defer rows.Close()

	var windows []*domain.AggregateWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate windows: %w", err)
	}
	return windows, nil
}

// SetMerkleRoot 写入 merkle_root_hex（已锚定窗口不可修改）
func (r *PostgresWindowRepository) SetMerkleRoot(ctx context.Context, windowID string, root []byte) error {
	query := `
		UPDATE aggregates_15m
		SET merkle_root_hex = $2
		WHERE id = $1 AND is_anchored = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, windowID, hex.EncodeToString(root))
	if err != nil {
		return fmt.Errorf("failed to update merkle root: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// 区分窗口不存在与已锚定
		var anchored bool
		err := r.db.QueryRowContext(ctx, `SELECT is_anchored FROM aggregates_15m WHERE id = $1`, windowID).Scan(&anchored)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Kind: "window", Ref: windowID}
		}
		if err != nil {
			return fmt.Errorf("failed to check window state: %w", err)
		}
		return domain.ErrAlreadyAnchored
	}
	return nil
}

// MarkAnchored 记录锚定结果；仅当存储的根仍等于已提交的根时更新
func (r *PostgresWindowRepository) MarkAnchored(ctx context.Context, windowID string, root []byte, txRef, address string, anchoredAt time.Time) (bool, error) {
	query := `
		UPDATE aggregates_15m
		SET is_anchored = TRUE,
			anchor_tx_signature = $2,
			anchor_pda = $3,
			anchored_at = $4
		WHERE id = $1 AND is_anchored = FALSE AND merkle_root_hex = $5
	`
	res, err := r.db.ExecContext(ctx, query, windowID, txRef, address, anchoredAt.UTC(), hex.EncodeToString(root))
	if err != nil {
		return false, fmt.Errorf("failed to mark window anchored: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		r.logger.Warn("Window not marked: already anchored or root changed",
			zap.String("window_id", windowID),
			zap.String("tx_ref", txRef),
		)
	}
	return n > 0, nil
}
