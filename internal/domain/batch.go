package domain

import "time"

// BatchStatus 批次状态
type BatchStatus string

const (
	BatchStatusOpen      BatchStatus = "open"
	BatchStatusClosed    BatchStatus = "closed"
	BatchStatusCertified BatchStatus = "certified"
	BatchStatusRevoked   BatchStatus = "revoked"
)

// Valid reports whether s is one of the known statuses.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusOpen, BatchStatusClosed, BatchStatusCertified, BatchStatusRevoked:
		return true
	}
	return false
}

// Batch 认证批次（对应 batches 表）
// 窗口归属仅由时间范围决定：window_start ∈ [StartTS, EndTS]，没有关联表。
type Batch struct {
	ID          string      `db:"id" json:"id"`
	DeviceID    string      `db:"device_id" json:"device_id"`
	Name        string      `db:"name" json:"name"`
	Description string      `db:"description" json:"description,omitempty"`
	StartTS     time.Time   `db:"start_ts" json:"start_ts"`
	EndTS       time.Time   `db:"end_ts" json:"end_ts"`
	Status      BatchStatus `db:"status" json:"status"`

	// 认证时写入的汇总（未认证时为空）
	TotalWindows *int     `db:"total_windows" json:"total_windows,omitempty"`
	TotalSamples *int     `db:"total_samples" json:"total_samples,omitempty"`
	Summary      *Summary `db:"-" json:"summary,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CertifiedAt *time.Time `db:"certified_at" json:"certified_at,omitempty"`
}

// Contains reports whether a window starting at t belongs to the batch.
func (b *Batch) Contains(t time.Time) bool {
	return !t.Before(b.StartTS) && !t.After(b.EndTS)
}

// Summary 批次汇总（Rollup 输出）
type Summary struct {
	Temperature  ChannelStats `json:"temperature"`
	Humidity     ChannelStats `json:"humidity"`
	Pressure     ChannelStats `json:"pressure"`
	GasADC       ChannelStats `json:"gas_adc"`
	TotalWindows int          `json:"total_windows"`
	TotalSamples int          `json:"total_samples"`
}

// Verdict 验证结论
type Verdict string

const (
	VerdictFullyVerified     Verdict = "FULLY_VERIFIED"
	VerdictPartiallyVerified Verdict = "PARTIALLY_VERIFIED"
)

// ComputeVerdict derives the verdict from anchor counts.
// Zero windows is never fully verified.
func ComputeVerdict(anchoredCount, totalWindows int) Verdict {
	if totalWindows > 0 && anchoredCount == totalWindows {
		return VerdictFullyVerified
	}
	return VerdictPartiallyVerified
}

// Verification 批次验证视图（实时计算，不信任 status 字段）
type Verification struct {
	Batch         *Batch             `json:"batch"`
	Device        *DeviceIdentity    `json:"-"`
	Windows       []*AggregateWindow `json:"-"`
	AnchoredCount int                `json:"anchored_count"`
	TotalWindows  int                `json:"total_windows"`
	Verdict       Verdict            `json:"verdict"`
	NoData        bool               `json:"no_data"`
	Summary       *Summary           `json:"summary,omitempty"`
	CheckedAt     time.Time          `json:"checked_at"`
}
