package history

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Tail keeps at most the newest n entries of every series. n <= 0 returns doc unchanged.
func Tail(doc Document, n int) Document {
	if n <= 0 {
		return doc
	}

	out := make(Document, len(doc))
	for name, group := range doc {
		trimmed := GroupHistory{
			Gateway:  tailSeries(group.Gateway, n),
			Fallback: tailSeries(group.Fallback, n),
			Indexers: make(map[string]Series, len(group.Indexers)),
		}
		for id, series := range group.Indexers {
			trimmed.Indexers[id] = tailSeries(series, n)
		}
		out[name] = trimmed
	}
	return out
}

func tailSeries(series Series, n int) Series {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

// Prune drops indexer series whose newest entry is older than cutoff (unix seconds).
// Gateway and fallback series are never removed. It returns the pruned document and
// the number of series removed.
func Prune(doc Document, cutoff int64) (Document, int) {
	out := doc.Clone()
	removed := 0
	for name, group := range out {
		for id, series := range group.Indexers {
			last, ok := series.Last()
			if !ok || last.Timestamp < cutoff {
				delete(group.Indexers, id)
				removed++
			}
		}
		out[name] = group
	}
	return out, removed
}

// Summary aggregates one series for display.
type Summary struct {
	Count   int
	Errors  int
	Latest  Entry
	HasData bool
	Min     uint64
	Max     uint64
	Avg     decimal.Decimal
}

// Summarize computes min/avg/max over the successful entries of series.
func Summarize(series Series) Summary {
	summary := Summary{Count: len(series)}
	if last, ok := series.Last(); ok {
		summary.Latest = last
		summary.HasData = true
	}

	total := decimal.Zero
	measured := 0
	for _, entry := range series {
		if entry.Delay.IsError() {
			summary.Errors++
			continue
		}
		blocks := entry.Delay.Blocks()
		if measured == 0 || blocks < summary.Min {
			summary.Min = blocks
		}
		if blocks > summary.Max {
			summary.Max = blocks
		}
		total = total.Add(decimal.NewFromBigInt(new(big.Int).SetUint64(blocks), 0))
		measured++
	}

	if measured > 0 {
		summary.Avg = total.Div(decimal.NewFromInt(int64(measured)))
	}
	return summary
}

// LatestTimestamp returns the newest entry timestamp across doc, or 0 when empty.
func LatestTimestamp(doc Document) int64 {
	var latest int64
	consider := func(series Series) {
		if last, ok := series.Last(); ok && last.Timestamp > latest {
			latest = last.Timestamp
		}
	}
	for _, group := range doc {
		consider(group.Gateway)
		consider(group.Fallback)
		for _, series := range group.Indexers {
			consider(series)
		}
	}
	return latest
}
