package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultGatewayURL        = "https://gateway.thegraph.com"
	defaultNetworkSubgraphID = "DZz4kDTdmzWLWsV373w2bSmoar3umKKH9y82SUKr5qmp"

	metaQuery = `{ _meta { block { number } } }`

	activeIndexersQuery = `query ActiveIndexers($deployment: String!) {
  subgraphDeployments(where: { ipfsHash: $deployment }) {
    indexerAllocations(where: { status: Active }) {
      indexer { id }
    }
  }
}`

	maxResponseBytes = 4 << 20
)

// GraphOptions parameterise the subgraph query client.
type GraphOptions struct {
	GatewayURL         string
	NetworkSubgraphURL string
	Keys               APIKeys
	Timeout            time.Duration
	UserAgent          string
	Now                func() time.Time
}

// Graph issues GraphQL queries against subgraph endpoints and the network subgraph.
type Graph struct {
	opts       GraphOptions
	logger     zerolog.Logger
	client     *http.Client
	gatewayURL string
	networkURL string
	authHosts  map[string]struct{}
}

// NewGraph constructs a GraphQL client.
func NewGraph(opts GraphOptions, logger zerolog.Logger) *Graph {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	gatewayURL := strings.TrimRight(opts.GatewayURL, "/")
	if gatewayURL == "" {
		gatewayURL = defaultGatewayURL
	}
	networkURL := strings.TrimSpace(opts.NetworkSubgraphURL)
	if networkURL == "" {
		networkURL = gatewayURL + "/api/subgraphs/id/" + defaultNetworkSubgraphID
	}

	authHosts := make(map[string]struct{}, 2)
	for _, raw := range []string{gatewayURL, networkURL} {
		if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
			authHosts[parsed.Host] = struct{}{}
		}
	}

	return &Graph{
		opts:       opts,
		logger:     logger.With().Str("component", "graph_client").Logger(),
		client:     &http.Client{Timeout: timeout},
		gatewayURL: gatewayURL,
		networkURL: networkURL,
		authHosts:  authHosts,
	}
}

// SubgraphURL is the gateway query endpoint of a published subgraph.
func (g *Graph) SubgraphURL(subgraphID string) string {
	return g.gatewayURL + "/api/subgraphs/id/" + url.PathEscape(subgraphID)
}

// IndexerURL routes a deployment query to one specific indexer through the gateway.
func (g *Graph) IndexerURL(deploymentID, indexerID string) string {
	return g.gatewayURL + "/api/deployments/id/" + url.PathEscape(deploymentID) + "/indexers/id/" + url.PathEscape(indexerID)
}

// IndexedBlock returns _meta.block.number of the subgraph behind endpoint.
func (g *Graph) IndexedBlock(ctx context.Context, endpoint string) (uint64, error) {
	var data metaData
	if err := g.query(ctx, endpoint, metaQuery, nil, &data); err != nil {
		return 0, err
	}
	if data.Meta == nil || data.Meta.Block == nil || data.Meta.Block.Number == nil {
		return 0, errors.New("invalid _meta.block.number")
	}

	number, err := strconv.ParseUint(data.Meta.Block.Number.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid _meta.block.number %q", data.Meta.Block.Number.String())
	}
	return number, nil
}

// ActiveIndexers lists indexer ids with an active allocation on deploymentID, first seen order.
func (g *Graph) ActiveIndexers(ctx context.Context, deploymentID string) ([]string, error) {
	if strings.TrimSpace(deploymentID) == "" {
		return nil, errors.New("deployment id required")
	}

	var data allocationsData
	vars := map[string]any{"deployment": deploymentID}
	if err := g.query(ctx, g.networkURL, activeIndexersQuery, vars, &data); err != nil {
		return nil, err
	}
	if data.Deployments == nil {
		return nil, errors.New("invalid subgraphDeployments response")
	}

	ids := make([]string, 0)
	if len(data.Deployments) == 0 {
		return ids, nil
	}

	seen := make(map[string]struct{})
	for _, alloc := range data.Deployments[0].Allocations {
		id := strings.TrimSpace(alloc.Indexer.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *Graph) query(ctx context.Context, endpoint, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	var envelope graphResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return errors.New("graphql response without data")
	}

	decoder := json.NewDecoder(bytes.NewReader(envelope.Data))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

// authorize attaches the gateway key only to gateway hosts, never to third-party endpoints.
func (g *Graph) authorize(req *http.Request) {
	if _, ok := g.authHosts[req.URL.Host]; !ok {
		return
	}
	if key := g.opts.Keys.ForTime(g.opts.Now()); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

type graphRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type metaData struct {
	Meta *struct {
		Block *struct {
			Number *json.Number `json:"number"`
		} `json:"block"`
	} `json:"_meta"`
}

type allocationsData struct {
	Deployments []struct {
		Allocations []struct {
			Indexer struct {
				ID string `json:"id"`
			} `json:"indexer"`
		} `json:"indexerAllocations"`
	} `json:"subgraphDeployments"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("graph api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("graph api error (%d): %s", status, apiErr.Message)
		}
		if len(apiErr.Errors) > 0 && apiErr.Errors[0].Message != "" {
			return fmt.Errorf("graph api error (%d): %s", status, apiErr.Errors[0].Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("graph api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("graph api error (%d)", status)
}

var (
	_ IndexFetcher  = (*Graph)(nil)
	_ IndexerLister = (*Graph)(nil)
)
