package storage

import (
	"time"

	"subgraph-lag-monitor/internal/history"
)

// LagSample is one mirrored history entry.
type LagSample struct {
	Group       string
	Series      string
	Target      string
	Timestamp   time.Time
	DelayBlocks *int64
	Error       *string
}

// SamplesFromPoints converts the entries appended for group in one tick.
func SamplesFromPoints(group string, points []history.Point) []LagSample {
	samples := make([]LagSample, 0, len(points))
	for _, point := range points {
		sample := LagSample{
			Group:     group,
			Series:    point.Series,
			Target:    point.Target,
			Timestamp: time.Unix(point.Entry.Timestamp, 0).UTC(),
		}
		if point.Entry.Delay.IsError() {
			msg := point.Entry.Delay.Message()
			sample.Error = &msg
		} else {
			blocks := int64(point.Entry.Delay.Blocks())
			sample.DelayBlocks = &blocks
		}
		samples = append(samples, sample)
	}
	return samples
}
