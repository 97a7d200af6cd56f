// Package repository 持久化层：读数、窗口、批次、设备
package repository

import (
	"context"
	"time"

	"pravardha-anchor/internal/domain"
)

// ReadingRepository 原始读数（只读）
type ReadingRepository interface {
	// ListReadings 返回 [start, end) 内的读数，按 ts_server, id 排序
	ListReadings(ctx context.Context, deviceID string, start, end time.Time) ([]domain.Reading, error)
}

// WindowRepository 15 分钟聚合窗口
type WindowRepository interface {
	// GetWindow 按 (device_id, window_start) 查询，不存在返回 *domain.NotFoundError
	GetWindow(ctx context.Context, deviceID string, windowStart time.Time) (*domain.AggregateWindow, error)

	// GetLatestWindow 设备最新的窗口
	GetLatestWindow(ctx context.Context, deviceID string) (*domain.AggregateWindow, error)

	// ListWindowsInRange 返回 window_start ∈ [from, to]（两端包含）的窗口
	ListWindowsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]*domain.AggregateWindow, error)

	// ListPendingWindows 已计算根、未锚定的窗口，按 window_start 升序；limit <= 0 表示不限
	ListPendingWindows(ctx context.Context, deviceID string, limit int) ([]*domain.AggregateWindow, error)

	// SetMerkleRoot 写入根；窗口已锚定时不修改并返回 domain.ErrAlreadyAnchored，
	// 窗口不存在返回 *domain.NotFoundError
	SetMerkleRoot(ctx context.Context, windowID string, root []byte) error

	// MarkAnchored 条件更新（WHERE is_anchored = FALSE AND merkle_root_hex = root）。
	// 返回 false 表示已被其他进程锚定，或提交后根已被改写。
	MarkAnchored(ctx context.Context, windowID string, root []byte, txRef, address string, anchoredAt time.Time) (bool, error)
}

// BatchRepository 认证批次
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *domain.Batch) error

	// GetBatch 不存在返回 *domain.NotFoundError
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)

	// TransitionStatus 条件更新：仅当当前状态为 from 时改为 to。
	// 返回 false 表示状态已被并发修改（或批次不存在）。
	TransitionStatus(ctx context.Context, batchID string, from, to domain.BatchStatus, at time.Time) (bool, error)

	// SaveCertification closed -> certified，同时写入汇总与 certified_at
	SaveCertification(ctx context.Context, batchID string, summary domain.Summary, at time.Time) (bool, error)
}

// DeviceRepository 设备
type DeviceRepository interface {
	// GetDevice 不存在返回 *domain.NotFoundError
	GetDevice(ctx context.Context, deviceID string) (*domain.DeviceIdentity, error)
}
