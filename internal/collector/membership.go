package collector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"subgraph-lag-monitor/internal/fetcher"
)

// DiscoveryError reports a failed indexer enumeration.
type DiscoveryError struct {
	DeploymentID string
	Err          error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover indexers for %s: %v", e.DeploymentID, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Membership is the sub-target set resolved for one tick.
// Stale sets are the previously known ids carried over after a discovery failure.
type Membership struct {
	IDs   []string
	Stale bool
	Err   error
}

// Discovered wraps a freshly discovered id set.
func Discovered(ids []string) Membership {
	if ids == nil {
		ids = []string{}
	}
	return Membership{IDs: ids}
}

// Stale wraps the previously known id set after discovery failed with err.
func Stale(previous []string, err error) Membership {
	ids := make([]string, len(previous))
	copy(ids, previous)
	return Membership{IDs: ids, Stale: true, Err: err}
}

// Resolver discovers the dynamic indexer set of a group.
type Resolver struct {
	lister fetcher.IndexerLister
	logger zerolog.Logger
}

// NewResolver builds a membership resolver.
func NewResolver(lister fetcher.IndexerLister, logger zerolog.Logger) *Resolver {
	return &Resolver{lister: lister, logger: logger.With().Str("component", "membership").Logger()}
}

// Resolve returns the active indexers of group, falling back to previous on failure.
// Groups without a gateway have no sub-targets.
func (r *Resolver) Resolve(ctx context.Context, group Group, previous []string) Membership {
	if group.Gateway == nil || group.Gateway.DeploymentID == "" {
		return Discovered(nil)
	}

	ids, err := r.list(ctx, group.Gateway.DeploymentID)
	if err != nil {
		derr := &DiscoveryError{DeploymentID: group.Gateway.DeploymentID, Err: err}
		r.logger.Warn().Err(derr).
			Str("group", group.Name).
			Int("previous", len(previous)).
			Msg("indexer discovery failed; keeping previously known indexers")
		return Stale(previous, derr)
	}

	r.logger.Debug().Str("group", group.Name).Int("indexers", len(ids)).Msg("indexers discovered")
	return Discovered(ids)
}

func (r *Resolver) list(ctx context.Context, deploymentID string) (ids []string, err error) {
	defer recoverInto(&err)
	if r.lister == nil {
		return nil, fmt.Errorf("discovery service not configured")
	}
	return r.lister.ActiveIndexers(ctx, deploymentID)
}
