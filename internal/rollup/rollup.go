// Package rollup merges per-window statistics into a batch summary.
package rollup

import (
	"github.com/shopspring/decimal"

	"pravardha-anchor/internal/domain"
)

// channelAcc 单通道累加器。加权和用 decimal 精确累加，保证与输入顺序无关。
type channelAcc struct {
	min, max    *float64
	weightedSum decimal.Decimal
	weight      int64
}

func (a *channelAcc) add(s domain.ChannelStats, count int) {
	if s.Min != nil && (a.min == nil || *s.Min < *a.min) {
		v := *s.Min
		a.min = &v
	}
	if s.Max != nil && (a.max == nil || *s.Max > *a.max) {
		v := *s.Max
		a.max = &v
	}
	if s.Avg != nil && count > 0 {
		a.weightedSum = a.weightedSum.Add(decimal.NewFromFloat(*s.Avg).Mul(decimal.NewFromInt(int64(count))))
		a.weight += int64(count)
	}
}

func (a *channelAcc) result() domain.ChannelStats {
	out := domain.ChannelStats{Min: a.min, Max: a.max}
	if a.weight > 0 {
		avg, _ := a.weightedSum.Div(decimal.NewFromInt(a.weight)).Float64()
		out.Avg = &avg
	}
	return out
}

// Merge combines window stats. A channel missing from every window stays nil.
func Merge(windows []domain.WindowStats) domain.Summary {
	var temp, hum, pres, gas channelAcc
	summary := domain.Summary{TotalWindows: len(windows)}

	for _, w := range windows {
		temp.add(w.Temperature, w.SampleCount)
		hum.add(w.Humidity, w.SampleCount)
		pres.add(w.Pressure, w.SampleCount)
		gas.add(w.GasADC, w.SampleCount)
		if w.SampleCount > 0 {
			summary.TotalSamples += w.SampleCount
		}
	}

	summary.Temperature = temp.result()
	summary.Humidity = hum.result()
	summary.Pressure = pres.result()
	summary.GasADC = gas.result()
	return summary
}

// MergeWindows is Merge over the stats of stored windows.
func MergeWindows(windows []*domain.AggregateWindow) domain.Summary {
	stats := make([]domain.WindowStats, 0, len(windows))
	for _, w := range windows {
		stats = append(stats, w.Stats)
	}
	return Merge(stats)
}
