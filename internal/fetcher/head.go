package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// HeadOptions parameterise the on-chain head fetcher.
type HeadOptions struct {
	Chain   string
	RPCURL  string
	Timeout time.Duration
}

// Head reads the latest block number over Ethereum JSON-RPC.
type Head struct {
	opts      HeadOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewHead builds a head fetcher for one chain.
func NewHead(opts HeadOptions, logger zerolog.Logger) *Head {
	return &Head{
		opts:   opts,
		logger: logger.With().Str("component", "head_fetcher").Str("chain", opts.Chain).Logger(),
	}
}

// HeadBlock returns the chain's latest block number.
func (h *Head) HeadBlock(ctx context.Context) (uint64, error) {
	if h.opts.RPCURL == "" {
		return 0, errors.New("rpc url not configured")
	}

	timeout := h.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := h.getClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("dial rpc: %w", err)
	}

	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return height, nil
}

// Close releases the RPC connection if one was opened.
func (h *Head) Close() {
	h.clientMux.Lock()
	defer h.clientMux.Unlock()
	if h.client != nil {
		h.client.Close()
		h.client = nil
	}
}

func (h *Head) getClient(ctx context.Context) (*ethclient.Client, error) {
	h.clientMux.Lock()
	defer h.clientMux.Unlock()

	if h.client != nil {
		return h.client, nil
	}

	client, err := ethclient.DialContext(ctx, h.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	h.client = client
	return client, nil
}

// HeadRegistry hands out one shared head fetcher per configured chain.
type HeadRegistry struct {
	heads map[string]HeadFetcher
}

// NewHeadRegistry wraps the per-chain fetchers.
func NewHeadRegistry(heads map[string]HeadFetcher) *HeadRegistry {
	copied := make(map[string]HeadFetcher, len(heads))
	for chain, head := range heads {
		copied[chain] = head
	}
	return &HeadRegistry{heads: copied}
}

// For returns the head fetcher of chain.
func (r *HeadRegistry) For(chain string) (HeadFetcher, error) {
	if r == nil {
		return nil, errors.New("head registry not configured")
	}
	head, ok := r.heads[chain]
	if !ok || head == nil {
		return nil, fmt.Errorf("no rpc endpoint configured for chain %q", chain)
	}
	return head, nil
}

// Chains lists the registered chain names.
func (r *HeadRegistry) Chains() []string {
	chains := make([]string, 0, len(r.heads))
	for chain := range r.heads {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	return chains
}

// Close closes every fetcher that holds a connection.
func (r *HeadRegistry) Close() {
	if r == nil {
		return
	}
	for _, head := range r.heads {
		if closer, ok := head.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

var _ HeadFetcher = (*Head)(nil)
