package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultMaxEntries caps every series when no explicit limit is configured.
const DefaultMaxEntries = 168

// ErrorMarker prefixes failed measurements in the persisted document.
const ErrorMarker = "error: "

// Series names used by the mirror, metrics and exports.
const (
	SeriesGateway  = "gateway"
	SeriesFallback = "fallback"
	SeriesIndexer  = "indexer"
)

// Value is the outcome of one lag measurement: a block count or an error message.
type Value struct {
	blocks uint64
	errMsg string
	failed bool
}

// Ok records a successful measurement.
func Ok(blocks uint64) Value {
	return Value{blocks: blocks}
}

// Failed records a measurement that was attempted and failed.
func Failed(msg string) Value {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "unknown error"
	}
	return Value{errMsg: ErrorMarker + msg, failed: true}
}

// FailedFromError converts err into a failed value.
func FailedFromError(err error) Value {
	if err == nil {
		return Failed("")
	}
	return Failed(err.Error())
}

// IsError reports whether the measurement failed.
func (v Value) IsError() bool { return v.failed }

// Blocks returns the lag in blocks; zero for failed values.
func (v Value) Blocks() uint64 { return v.blocks }

// Message returns the failure message without the error marker.
func (v Value) Message() string {
	return strings.TrimPrefix(v.errMsg, ErrorMarker)
}

// String renders the value the way it is persisted.
func (v Value) String() string {
	if v.failed {
		return v.errMsg
	}
	return strconv.FormatUint(v.blocks, 10)
}

// MarshalJSON encodes a number for successes and a marked string for failures.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.failed {
		return json.Marshal(v.errMsg)
	}
	return []byte(strconv.FormatUint(v.blocks, 10)), nil
}

// UnmarshalJSON accepts a non-negative integer or an error string.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("delay value missing")
	}

	if data[0] == '"' {
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode delay string: %w", err)
		}
		*v = Value{errMsg: msg, failed: true}
		return nil
	}

	blocks, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("delay %s is not a non-negative integer", string(data))
	}
	*v = Value{blocks: blocks}
	return nil
}

// Entry is one timestamped point of a series.
type Entry struct {
	Timestamp int64 `json:"timestamp"`
	Delay     Value `json:"delay"`
}

// Series is ordered oldest to newest.
type Series []Entry

// Last returns the newest entry.
func (s Series) Last() (Entry, bool) {
	if len(s) == 0 {
		return Entry{}, false
	}
	return s[len(s)-1], true
}

// GroupHistory holds every series recorded for one monitored group.
// The fallback series is persisted under "goldsky", the key dashboards read.
type GroupHistory struct {
	Gateway  Series            `json:"gateway"`
	Fallback Series            `json:"goldsky"`
	Indexers map[string]Series `json:"indexers"`
}

// UnmarshalJSON also accepts "fallback" for the secondary series when "goldsky" is absent.
func (g *GroupHistory) UnmarshalJSON(data []byte) error {
	var raw struct {
		Gateway  Series            `json:"gateway"`
		Goldsky  *Series           `json:"goldsky"`
		Fallback *Series           `json:"fallback"`
		Indexers map[string]Series `json:"indexers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*g = GroupHistory{Gateway: raw.Gateway, Indexers: raw.Indexers}
	switch {
	case raw.Goldsky != nil:
		g.Fallback = *raw.Goldsky
	case raw.Fallback != nil:
		g.Fallback = *raw.Fallback
	}
	return nil
}

// MarshalJSON keeps empty series as [] so readers never see null.
func (g GroupHistory) MarshalJSON() ([]byte, error) {
	type plain GroupHistory
	out := plain(g)
	if out.Gateway == nil {
		out.Gateway = Series{}
	}
	if out.Fallback == nil {
		out.Fallback = Series{}
	}
	indexers := make(map[string]Series, len(g.Indexers))
	for id, series := range g.Indexers {
		if series == nil {
			series = Series{}
		}
		indexers[id] = series
	}
	out.Indexers = indexers
	return json.Marshal(out)
}

// clone copies the indexer map; series slices are never mutated in place.
func (g GroupHistory) clone() GroupHistory {
	out := GroupHistory{
		Gateway:  g.Gateway,
		Fallback: g.Fallback,
		Indexers: make(map[string]Series, len(g.Indexers)),
	}
	for id, series := range g.Indexers {
		out.Indexers[id] = series
	}
	return out
}

// IndexerIDs lists the sub-targets that already have a series.
func (g GroupHistory) IndexerIDs() []string {
	ids := make([]string, 0, len(g.Indexers))
	for id := range g.Indexers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Document is the complete persisted mapping of group name to history.
type Document map[string]GroupHistory

// Clone returns a shallow copy safe to merge into.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for name, group := range d {
		out[name] = group.clone()
	}
	return out
}

// Snapshot is one group's measurements for one tick.
// A nil Gateway or Fallback means the target is not configured for the group.
type Snapshot struct {
	Timestamp       int64
	Gateway         *Value
	Fallback        *Value
	Indexers        map[string]Value
	DiscoveryFailed bool
}
