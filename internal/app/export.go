package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"subgraph-lag-monitor/internal/history"
)

// Export renders stored history as CSV and/or one PNG chart per group.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	doc, err := store.Load(ctx)
	if err != nil {
		return err
	}

	names, err := selectGroups(doc, opts.Group)
	if err != nil {
		return err
	}

	var from, to int64 = math.MinInt64, math.MaxInt64
	if opts.From != nil {
		from = opts.From.Unix()
	}
	if opts.To != nil {
		to = opts.To.Unix()
	}
	if from >= to {
		return errors.New("from must be before to")
	}

	window := make(history.Document, len(names))
	total := 0
	for _, name := range names {
		group := doc[name]
		trimmed := history.GroupHistory{
			Gateway:  downsampleSeries(filterSeries(group.Gateway, from, to), opts.MaxPoints),
			Fallback: downsampleSeries(filterSeries(group.Fallback, from, to), opts.MaxPoints),
			Indexers: make(map[string]history.Series, len(group.Indexers)),
		}
		total += len(trimmed.Gateway) + len(trimmed.Fallback)
		for id, series := range group.Indexers {
			trimmed.Indexers[id] = downsampleSeries(filterSeries(series, from, to), opts.MaxPoints)
			total += len(trimmed.Indexers[id])
		}
		window[name] = trimmed
	}
	if total == 0 {
		a.Logger.Info().Msg("no entries found for export window")
		return nil
	}
	a.Logger.Info().Int("groups", len(names)).Int("exported", total).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, names, window); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		for _, name := range names {
			path := pngPathFor(opts.PNGPath, name, len(names) > 1)
			written, err := writeGroupPNG(path, name, window[name])
			if err != nil {
				return fmt.Errorf("render %s: %w", name, err)
			}
			if !written {
				a.Logger.Info().Str("group", name).Msg("not enough measured points to chart")
			}
		}
	}

	return nil
}

func filterSeries(series history.Series, from, to int64) history.Series {
	out := make(history.Series, 0, len(series))
	for _, entry := range series {
		if entry.Timestamp >= from && entry.Timestamp < to {
			out = append(out, entry)
		}
	}
	return out
}

func downsampleSeries(series history.Series, max int) history.Series {
	if max <= 0 || len(series) <= max {
		return series
	}
	if max == 1 {
		return series[len(series)-1:]
	}

	result := make(history.Series, 0, max)
	step := float64(len(series)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(series) {
			idx = len(series) - 1
		}
		result = append(result, series[idx])
	}
	return result
}

func writeHistoryCSV(path string, names []string, doc history.Document) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"group", "series", "target", "timestamp", "delay"}); err != nil {
		return err
	}

	write := func(group, series, target string, entries history.Series) error {
		for _, entry := range entries {
			record := []string{
				group,
				series,
				target,
				time.Unix(entry.Timestamp, 0).UTC().Format(time.RFC3339),
				entry.Delay.String(),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range names {
		group := doc[name]
		if err := write(name, history.SeriesGateway, "", group.Gateway); err != nil {
			return err
		}
		if err := write(name, history.SeriesFallback, "", group.Fallback); err != nil {
			return err
		}
		for _, id := range group.IndexerIDs() {
			if err := write(name, history.SeriesIndexer, id, group.Indexers[id]); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeGroupPNG charts the measured entries of one group. Error entries are
// gaps. It reports false when no series has two points to draw.
func writeGroupPNG(path, name string, group history.GroupHistory) (bool, error) {
	series := make([]chart.Series, 0, len(group.Indexers)+2)
	peak := 1.0

	add := func(label string, entries history.Series) {
		x := make([]time.Time, 0, len(entries))
		y := make([]float64, 0, len(entries))
		for _, entry := range entries {
			if entry.Delay.IsError() {
				continue
			}
			x = append(x, time.Unix(entry.Timestamp, 0).UTC())
			value := float64(entry.Delay.Blocks())
			y = append(y, value)
			if value > peak {
				peak = value
			}
		}
		if len(x) < 2 {
			return
		}
		series = append(series, chart.TimeSeries{Name: label, XValues: x, YValues: y})
	}

	add("Gateway", group.Gateway)
	add("Fallback", group.Fallback)
	for _, id := range group.IndexerIDs() {
		add("Indexer "+shortTarget(id), group.Indexers[id])
	}
	if len(series) == 0 {
		return false, nil
	}

	if err := ensureDir(path); err != nil {
		return false, err
	}

	blockFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  name,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Lag (blocks)",
			ValueFormatter: blockFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: peak * 1.1},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return false, err
	}
	return true, nil
}

// pngPathFor derives one file per group when more than one group is exported.
func pngPathFor(path, group string, multi bool) string {
	if !multi {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".png"
	}
	return base + "_" + sanitizeFileName(group) + ext
}

func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "group"
	}
	return b.String()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
