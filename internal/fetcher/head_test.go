package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHeadMissingConfig(t *testing.T) {
	head := NewHead(HeadOptions{Chain: "eth"}, noopLogger())
	if _, err := head.HeadBlock(context.Background()); err == nil {
		t.Fatal("missing rpc url should fail")
	}
}

func TestHeadBlockNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		if req.Method != "eth_blockNumber" {
			t.Fatalf("method = %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x1f4",
		})
	}))
	defer srv.Close()

	head := NewHead(HeadOptions{Chain: "eth", RPCURL: srv.URL, Timeout: time.Second}, noopLogger())
	defer head.Close()

	height, err := head.HeadBlock(context.Background())
	if err != nil {
		t.Fatalf("HeadBlock: %v", err)
	}
	if height != 500 {
		t.Fatalf("height = %d, want 500", height)
	}
}

func TestHeadRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	head := NewHead(HeadOptions{Chain: "eth", RPCURL: srv.URL, Timeout: time.Second}, noopLogger())
	defer head.Close()

	if _, err := head.HeadBlock(context.Background()); err == nil {
		t.Fatal("502 from rpc should fail")
	}
}

func TestHeadRegistry(t *testing.T) {
	eth := NewHead(HeadOptions{Chain: "eth", RPCURL: "http://127.0.0.1:1"}, noopLogger())
	registry := NewHeadRegistry(map[string]HeadFetcher{"eth": eth})

	got, err := registry.For("eth")
	if err != nil || got != HeadFetcher(eth) {
		t.Fatalf("For(eth) = %v, %v", got, err)
	}
	if _, err := registry.For("arb"); err == nil {
		t.Fatal("unknown chain should fail")
	}
	if chains := registry.Chains(); len(chains) != 1 || chains[0] != "eth" {
		t.Fatalf("chains = %v", chains)
	}
	registry.Close()
}
