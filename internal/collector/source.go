package collector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"subgraph-lag-monitor/internal/fetcher"
)

// SourceError reports a failed lag measurement against one endpoint.
type SourceError struct {
	Endpoint string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("measure lag for %s: %v", e.Endpoint, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Measurer measures how far an index endpoint trails the chain head.
type Measurer interface {
	MeasureLag(ctx context.Context, head fetcher.HeadFetcher, endpoint string) (uint64, error)
}

// Source is the single-measurement client. It never retries; a failure is
// reported to the caller and the next tick tries again.
type Source struct {
	index  fetcher.IndexFetcher
	logger zerolog.Logger
}

// NewSource builds a Source on top of an index fetcher.
func NewSource(index fetcher.IndexFetcher, logger zerolog.Logger) *Source {
	return &Source{index: index, logger: logger.With().Str("component", "lag_source").Logger()}
}

// MeasureLag fetches head and indexed height concurrently and returns max(head-indexed, 0).
// Every failure comes back as *SourceError.
func (s *Source) MeasureLag(ctx context.Context, head fetcher.HeadFetcher, endpoint string) (uint64, error) {
	if head == nil {
		return 0, &SourceError{Endpoint: endpoint, Err: fmt.Errorf("head provider not configured")}
	}

	var headHeight, indexedHeight uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverInto(&err)
		height, err := head.HeadBlock(gctx)
		if err != nil {
			return fmt.Errorf("head block: %w", err)
		}
		headHeight = height
		return nil
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		height, err := s.index.IndexedBlock(gctx, endpoint)
		if err != nil {
			return err
		}
		indexedHeight = height
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, &SourceError{Endpoint: endpoint, Err: err}
	}

	var lag uint64
	if indexedHeight < headHeight {
		lag = headHeight - indexedHeight
	}
	s.logger.Debug().
		Str("endpoint", endpoint).
		Uint64("head", headHeight).
		Uint64("indexed", indexedHeight).
		Uint64("lag", lag).
		Msg("lag measured")
	return lag, nil
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v", r)
	}
}

var _ Measurer = (*Source)(nil)
