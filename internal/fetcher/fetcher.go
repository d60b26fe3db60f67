package fetcher

import (
	"context"
	"time"
)

// HeadFetcher retrieves the current chain head height.
type HeadFetcher interface {
	HeadBlock(ctx context.Context) (uint64, error)
}

// IndexFetcher retrieves the block height a subgraph endpoint has indexed.
type IndexFetcher interface {
	IndexedBlock(ctx context.Context, endpoint string) (uint64, error)
}

// IndexerLister lists the indexers holding an active allocation on a deployment.
type IndexerLister interface {
	ActiveIndexers(ctx context.Context, deploymentID string) ([]string, error)
}

// APIKeys rotates gateway credentials by day of month.
type APIKeys struct {
	Primary   string
	Secondary string
}

// ForTime picks the primary key for days 1-15 and the secondary key afterwards.
func (k APIKeys) ForTime(t time.Time) string {
	if k.Secondary == "" || t.Day() <= 15 {
		return k.Primary
	}
	return k.Secondary
}
