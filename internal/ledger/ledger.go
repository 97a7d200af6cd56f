// Package ledger talks to the append-only ledger that holds device
// registrations and window commitments. Every account lives at a
// deterministic address, which is also the idempotency key for writes.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"pravardha-anchor/internal/domain"
)

// Ledger 账本操作
// RegisterDevice / SubmitCommitment 在地址已被占用时返回 domain.ErrAddressInUse；
// GetCommitment 地址不存在时返回 domain.ErrNotFound。
type Ledger interface {
	Exists(ctx context.Context, addr Address) (bool, error)
	RegisterDevice(ctx context.Context, reg Registration) (txRef string, err error)
	SubmitCommitment(ctx context.Context, sub Submission) (txRef string, err error)
	GetCommitment(ctx context.Context, addr Address) (*Commitment, error)
}

// Registration 设备注册请求
type Registration struct {
	Address         Address
	DevicePublicKey []byte
	CalibrationHash [32]byte
}

// Stats 链上统计（float32，与链上结构一致；缺失值为 0）
type Stats struct {
	TempMin     float32 `json:"temp_min"`
	TempMax     float32 `json:"temp_max"`
	TempAvg     float32 `json:"temp_avg"`
	HumidityMin float32 `json:"humidity_min"`
	HumidityMax float32 `json:"humidity_max"`
	HumidityAvg float32 `json:"humidity_avg"`
	PressureMin float32 `json:"pressure_min"`
	PressureMax float32 `json:"pressure_max"`
	PressureAvg float32 `json:"pressure_avg"`
}

// StatsFromWindow converts stored window stats to the on-ledger layout.
func StatsFromWindow(s domain.WindowStats) Stats {
	return Stats{
		TempMin:     f32(s.Temperature.Min),
		TempMax:     f32(s.Temperature.Max),
		TempAvg:     f32(s.Temperature.Avg),
		HumidityMin: f32(s.Humidity.Min),
		HumidityMax: f32(s.Humidity.Max),
		HumidityAvg: f32(s.Humidity.Avg),
		PressureMin: f32(s.Pressure.Min),
		PressureMax: f32(s.Pressure.Max),
		PressureAvg: f32(s.Pressure.Avg),
	}
}

func f32(v *float64) float32 {
	if v == nil {
		return 0
	}
	return float32(*v)
}

// Submission 窗口承诺提交
type Submission struct {
	Address       Address
	DeviceAddress Address
	WindowStart   int64 // epoch seconds
	Stats         Stats
	SampleCount   uint32
	MerkleRoot    [domain.MerkleRootSize]byte
	OffchainURI   string
}

// Validate checks the bounds the ledger program enforces itself.
func (s *Submission) Validate() error {
	if n := utf8.RuneCountInString(s.OffchainURI); n > domain.MaxOffchainURILength {
		return &domain.PreconditionError{Reason: fmt.Sprintf("offchain uri too long: %d characters (max %d)", n, domain.MaxOffchainURILength)}
	}
	return nil
}

// Commitment 已上链的窗口承诺
type Commitment struct {
	Submission
	TxRef       string
	SubmittedAt time.Time
}

// Address 32 字节确定性地址
type Address [32]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes the hex form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid address %q: want %d bytes, got %d", s, len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}
