package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"subgraph-lag-monitor/internal/history"
)

// Show prints a per-series summary of the stored history.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
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
	if len(names) == 0 {
		fmt.Fprintln(a.Stdout, "no history found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Group\tSeries\tTarget\tLatest\tAt (UTC)\tMin\tAvg\tMax\tErrors\tEntries")

	for _, name := range names {
		group := doc[name]
		rows := []struct {
			series string
			target string
			data   history.Series
		}{
			{history.SeriesGateway, "", group.Gateway},
			{history.SeriesFallback, "", group.Fallback},
		}
		for _, id := range group.IndexerIDs() {
			rows = append(rows, struct {
				series string
				target string
				data   history.Series
			}{history.SeriesIndexer, id, group.Indexers[id]})
		}

		for _, row := range rows {
			if len(row.data) == 0 {
				continue
			}
			summary := history.Summarize(row.data)
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				name,
				row.series,
				shortTarget(row.target),
				sanitizeInline(summary.Latest.Delay.String()),
				time.Unix(summary.Latest.Timestamp, 0).UTC().Format(time.RFC3339),
				formatBound(measured(summary), summary.Min),
				formatAvg(summary),
				formatBound(measured(summary), summary.Max),
				summary.Errors,
				summary.Count,
			)
		}
	}

	return writer.Flush()
}

func selectGroups(doc history.Document, only string) ([]string, error) {
	if only != "" {
		if _, ok := doc[only]; !ok {
			return nil, fmt.Errorf("no history for group %q", only)
		}
		return []string{only}, nil
	}
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func shortTarget(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}

func formatBound(ok bool, v uint64) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}

func measured(summary history.Summary) bool {
	return summary.Count > summary.Errors
}

func formatAvg(summary history.Summary) string {
	if !measured(summary) {
		return "-"
	}
	return summary.Avg.StringFixed(2)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
