package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
)

// PostgresReadingRepository 读数仓库
type PostgresReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingRepository 创建读数仓库
func NewPostgresReadingRepository(db *sql.DB, logger *zap.Logger) *PostgresReadingRepository {
	return &PostgresReadingRepository{db: db, logger: logger}
}

var _ ReadingRepository = (*PostgresReadingRepository)(nil)

// ListReadings 查询窗口内读数
func (r *PostgresReadingRepository) ListReadings(ctx context.Context, deviceID string, start, end time.Time) ([]domain.Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT id::text, device_id::text, ts_server, temperature, humidity, pressure, mq135_adc
		FROM readings
		WHERE device_id = $1 AND ts_server >= $2 AND ts_server < $3
		ORDER BY ts_server ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []domain.Reading
	for rows.Next() {
		var (
			rd                                   domain.Reading
			temperature, humidity, pressure, gas sql.NullFloat64
		)
		if err := rows.Scan(&rd.ID, &rd.DeviceID, &rd.Timestamp, &temperature, &humidity, &pressure, &gas); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		rd.Timestamp = rd.Timestamp.UTC()
		rd.Temperature = floatPtr(temperature)
		rd.Humidity = floatPtr(humidity)
		rd.Pressure = floatPtr(pressure)
		rd.GasADC = floatPtr(gas)
		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	r.logger.Debug("Readings loaded",
		zap.String("device_id", deviceID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("count", len(readings)),
	)
	return readings, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
