package history

import "sort"

// Append adds entry to series, dropping the oldest entries beyond max.
// The input slice is never modified.
func Append(series Series, entry Entry, max int) Series {
	if max <= 0 {
		max = DefaultMaxEntries
	}

	start := 0
	if len(series)+1 > max {
		start = len(series) + 1 - max
	}

	out := make(Series, 0, len(series)-start+1)
	out = append(out, series[start:]...)
	return append(out, entry)
}

// Merge folds snapshot into prev and returns the new group history.
func Merge(prev GroupHistory, snap Snapshot, max int) GroupHistory {
	next := prev.clone()

	if snap.Gateway != nil {
		next.Gateway = Append(prev.Gateway, Entry{Timestamp: snap.Timestamp, Delay: *snap.Gateway}, max)
	}
	if snap.Fallback != nil {
		next.Fallback = Append(prev.Fallback, Entry{Timestamp: snap.Timestamp, Delay: *snap.Fallback}, max)
	}

	// A failed discovery keeps every indexer series exactly as it was.
	if snap.DiscoveryFailed {
		return next
	}

	for id, value := range snap.Indexers {
		next.Indexers[id] = Append(prev.Indexers[id], Entry{Timestamp: snap.Timestamp, Delay: value}, max)
	}
	return next
}

// Point is one entry Merge appends, addressed by series and target.
type Point struct {
	Series string
	Target string
	Entry  Entry
}

// Points lists the entries Merge would append for snap, in a stable order.
func (snap Snapshot) Points() []Point {
	points := make([]Point, 0, len(snap.Indexers)+2)
	if snap.Gateway != nil {
		points = append(points, Point{Series: SeriesGateway, Entry: Entry{Timestamp: snap.Timestamp, Delay: *snap.Gateway}})
	}
	if snap.Fallback != nil {
		points = append(points, Point{Series: SeriesFallback, Entry: Entry{Timestamp: snap.Timestamp, Delay: *snap.Fallback}})
	}
	if snap.DiscoveryFailed {
		return points
	}

	ids := make([]string, 0, len(snap.Indexers))
	for id := range snap.Indexers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		points = append(points, Point{
			Series: SeriesIndexer,
			Target: id,
			Entry:  Entry{Timestamp: snap.Timestamp, Delay: snap.Indexers[id]},
		})
	}
	return points
}
