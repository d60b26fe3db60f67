package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subgraph-lag-monitor/internal/history"
)

// Prune drops indexer series that have not been updated since the cutoff and
// deletes mirrored rows older than it. Gateway and fallback series are kept.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be greater than zero")
	}
	cutoff := time.Now().UTC().Add(-opts.OlderThan)

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

	pruned, removed := history.Prune(doc, cutoff.Unix())
	a.Logger.Info().Time("cutoff", cutoff).Int("series_removed", removed).Bool("dry_run", opts.DryRun).Msg("pruned stale indexer series")
	fmt.Fprintf(a.Stdout, "stale indexer series: %d (cutoff %s)\n", removed, cutoff.Format(time.RFC3339))

	if opts.DryRun {
		return nil
	}

	if removed > 0 {
		if err := store.Persist(ctx, pruned); err != nil {
			return err
		}
	}

	mirror, closeMirror, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if mirror == nil {
		return nil
	}
	defer closeMirror()

	rows, err := mirror.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "mirrored rows deleted: %d\n", rows)
	return nil
}
