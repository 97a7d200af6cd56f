package domain

import "time"

// MerkleRootSize 链上 merkle_root 固定长度（字节）
const MerkleRootSize = 32

// MaxOffchainURILength 链上 offchain_uri 最大长度（字符数，不是字节数）
const MaxOffchainURILength = 200

// ChannelStats 单个传感器通道的窗口统计（由外部聚合过程计算，可能为空）
type ChannelStats struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	Avg *float64 `json:"avg"`
}

// WindowStats 窗口统计：四个通道 + 样本数
type WindowStats struct {
	Temperature ChannelStats `json:"temperature"`
	Humidity    ChannelStats `json:"humidity"`
	Pressure    ChannelStats `json:"pressure"`
	GasADC      ChannelStats `json:"gas_adc"`
	SampleCount int          `json:"sample_count"`
}

// AggregateWindow 15 分钟聚合窗口（对应 aggregates_15m 表）
// 统计字段由外部存储过程写入；merkle_root / is_anchored / anchor_* 由本服务维护。
type AggregateWindow struct {
	ID          string    `db:"id"`
	DeviceID    string    `db:"device_id"`
	WindowStart time.Time `db:"window_start"`
	WindowEnd   time.Time `db:"window_end"` // 半开区间 [start, end)

	Stats WindowStats

	MerkleRoot    []byte     `db:"merkle_root"` // nullable，32 字节
	OffchainURI   string     `db:"offchain_uri"`
	IsAnchored    bool       `db:"is_anchored"`
	AnchorTxRef   string     `db:"anchor_tx_ref"`
	AnchorAddress string     `db:"anchor_address"`
	AnchoredAt    *time.Time `db:"anchored_at"`
}

// AnchorState returns the state of the window in the anchoring state machine.
// Failed is never stored; callers derive it from a surfaced error.
func (w *AggregateWindow) AnchorState() AnchorState {
	if w.IsAnchored {
		return AnchorStateAnchored
	}
	return AnchorStateUnanchored
}

// HasRoot reports whether a well-formed root has been computed.
func (w *AggregateWindow) HasRoot() bool {
	return len(w.MerkleRoot) == MerkleRootSize
}

// AnchorState 锚定状态机
type AnchorState string

const (
	AnchorStateUnanchored AnchorState = "unanchored"
	AnchorStateAnchored   AnchorState = "anchored"
	AnchorStateFailed     AnchorState = "failed"
)

// DeviceIdentity 设备链上身份
type DeviceIdentity struct {
	DeviceID        string
	Name            string
	PublicKey       []byte   // 链上身份公钥（用于派生确定性地址）
	CalibrationHash [32]byte // 校准数据哈希，未设置时为全 0
	IsActive        bool
}
