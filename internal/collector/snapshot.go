package collector

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"subgraph-lag-monitor/internal/fetcher"
	"subgraph-lag-monitor/internal/history"
	"subgraph-lag-monitor/internal/logging"
)

const defaultConcurrency = 8

// GatewayTarget is the gateway endpoint of a group plus the deployment used for discovery.
type GatewayTarget struct {
	Endpoint     string
	DeploymentID string
}

// FallbackTarget is a plain endpoint measured without discovery.
type FallbackTarget struct {
	Endpoint string
}

// Group is one monitored subgraph.
type Group struct {
	Name     string
	Chain    string
	Gateway  *GatewayTarget
	Fallback *FallbackTarget
}

// HeadResolver maps a chain name to its head fetcher.
type HeadResolver interface {
	For(chain string) (fetcher.HeadFetcher, error)
}

// BuilderOptions tune snapshot construction.
type BuilderOptions struct {
	Concurrency int
	IndexerURL  func(deploymentID, indexerID string) string
}

// Builder assembles one snapshot per group per tick.
type Builder struct {
	source   Measurer
	resolver *Resolver
	heads    HeadResolver
	opts     BuilderOptions
	logger   zerolog.Logger
}

// NewBuilder wires the snapshot builder.
func NewBuilder(source Measurer, resolver *Resolver, heads HeadResolver, opts BuilderOptions, logger zerolog.Logger) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Builder{
		source:   source,
		resolver: resolver,
		heads:    heads,
		opts:     opts,
		logger:   logging.Component(logger, "snapshot_builder"),
	}
}

// Build measures every target of group. Individual measurement failures become
// error values; only an unresolvable head provider fails the whole build.
func (b *Builder) Build(ctx context.Context, group Group, previous []string, timestamp int64) (history.Snapshot, error) {
	head, err := b.heads.For(group.Chain)
	if err != nil {
		return history.Snapshot{}, err
	}

	snap := history.Snapshot{
		Timestamp: timestamp,
		Indexers:  make(map[string]history.Value),
	}

	membership := Discovered(nil)
	if group.Gateway != nil && b.resolver != nil {
		membership = b.resolver.Resolve(ctx, group, previous)
	}
	snap.DiscoveryFailed = membership.Stale

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(b.opts.Concurrency)

	if group.Gateway != nil {
		endpoint := group.Gateway.Endpoint
		g.Go(func() error {
			value := b.measure(ctx, group.Name, history.SeriesGateway, head, endpoint)
			mu.Lock()
			snap.Gateway = &value
			mu.Unlock()
			return nil
		})
	}

	if group.Fallback != nil {
		endpoint := group.Fallback.Endpoint
		g.Go(func() error {
			value := b.measure(ctx, group.Name, history.SeriesFallback, head, endpoint)
			mu.Lock()
			snap.Fallback = &value
			mu.Unlock()
			return nil
		})
	}

	// Stale ids are kept only so their history survives; they are not measured.
	if !membership.Stale && group.Gateway != nil && b.opts.IndexerURL != nil {
		for _, id := range membership.IDs {
			id := id
			endpoint := b.opts.IndexerURL(group.Gateway.DeploymentID, id)
			g.Go(func() error {
				value := b.measure(ctx, group.Name, history.SeriesIndexer, head, endpoint)
				mu.Lock()
				snap.Indexers[id] = value
				mu.Unlock()
				return nil
			})
		}
	}

	_ = g.Wait()
	return snap, nil
}

func (b *Builder) measure(ctx context.Context, group, series string, head fetcher.HeadFetcher, endpoint string) history.Value {
	lag, err := b.source.MeasureLag(ctx, head, endpoint)
	if err == nil {
		return history.Ok(lag)
	}

	b.logger.Warn().Err(err).
		Str("group", group).
		Str("series", series).
		Str("endpoint", endpoint).
		Msg("lag measurement failed")

	var srcErr *SourceError
	if errors.As(err, &srcErr) && srcErr.Err != nil {
		return history.FailedFromError(srcErr.Err)
	}
	return history.FailedFromError(err)
}
