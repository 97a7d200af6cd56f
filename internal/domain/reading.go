package domain

import "time"

// WindowDuration 聚合窗口长度（与 cron rollup 一致：15 分钟）
const WindowDuration = 15 * time.Minute

// Reading 原始传感器读数（对应 readings 表，只读）
type Reading struct {
	ID          string    `db:"id"`
	DeviceID    string    `db:"device_id"`
	Timestamp   time.Time `db:"ts_server"` // 服务端时间戳，Merkle 排序依据
	Temperature *float64  `db:"temperature"`
	Humidity    *float64  `db:"humidity"`
	Pressure    *float64  `db:"pressure"`
	GasADC      *float64  `db:"mq135_adc"`
}

// WindowStartFor returns the start of the fixed window containing t.
// Windows are aligned to the Unix epoch, so 15m windows start at :00/:15/:30/:45.
func WindowStartFor(t time.Time, size time.Duration) time.Time {
	if size <= 0 {
		size = WindowDuration
	}
	return t.UTC().Truncate(size)
}
