package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
)

// PostgresDeviceRepository 设备仓库
type PostgresDeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDeviceRepository 创建设备仓库
func NewPostgresDeviceRepository(db *sql.DB, logger *zap.Logger) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db, logger: logger}
}

var _ DeviceRepository = (*PostgresDeviceRepository)(nil)

// GetDevice 查询设备链上身份
func (r *PostgresDeviceRepository) GetDevice(ctx context.Context, deviceID string) (*domain.DeviceIdentity, error) {
	query := `
		SELECT id::text, name, is_active, ledger_pubkey, calibration_hash
		FROM devices
		WHERE id = $1
	`

	var (
		d           domain.DeviceIdentity
		pubkey, cal []byte
	)
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&d.DeviceID, &d.Name, &d.IsActive, &pubkey, &cal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "device", Ref: deviceID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	d.PublicKey = pubkey
	if len(cal) > 0 {
		if len(cal) != len(d.CalibrationHash) {
			r.logger.Warn("Ignoring malformed calibration hash",
				zap.String("device_id", deviceID),
				zap.Int("length", len(cal)),
			)
		} else {
			copy(d.CalibrationHash[:], cal)
		}
	}
	return &d, nil
}
