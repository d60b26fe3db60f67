package alerting

import "subgraph-lag-monitor/internal/history"

// Crossed reports whether the newest entry of series reached threshold.
// A value at or above threshold is over it. Alerts are edge triggered: the
// last measured entry before the newest must have been under threshold.
// Error entries never alert and are skipped when looking back, so an outage
// between two over-threshold values does not re-alert.
func Crossed(series history.Series, threshold uint64) (uint64, bool) {
	if threshold == 0 || len(series) == 0 {
		return 0, false
	}
	latest := series[len(series)-1].Delay
	if latest.IsError() || latest.Blocks() < threshold {
		return 0, false
	}
	for i := len(series) - 2; i >= 0; i-- {
		prev := series[i].Delay
		if prev.IsError() {
			continue
		}
		if prev.Blocks() >= threshold {
			return 0, false
		}
		break
	}
	return latest.Blocks(), true
}
