// Package swap turns a triggered rule into a confirmed on-chain token swap:
// quote the route, build the transaction, sign it inside a scoped key
// callback, submit it and await the configured commitment.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/signalswap/backend/internal/core"
)

// QuoteParams selects a route through the DEX aggregator.
type QuoteParams struct {
	InputMint   string
	OutputMint  string
	Amount      uint64 // smallest unit of the input mint
	SlippageBps int
}

// RouteQuote is the aggregator's chosen route. Raw carries the full response
// because the swap-build endpoint wants it echoed back verbatim.
type RouteQuote struct {
	InAmount             string          `json:"inAmount"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	Raw                  json.RawMessage `json:"-"`
}

// Router quotes routes and builds unsigned swap transactions.
type Router interface {
	Quote(ctx context.Context, p QuoteParams) (*RouteQuote, error)
	BuildSwap(ctx context.Context, quote *RouteQuote, userPublicKey string) (txBase64 string, err error)
}

// HTTPRouter talks to a Jupiter-style aggregator REST API.
type HTTPRouter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRouter creates a router client for baseURL.
func NewHTTPRouter(baseURL string) *HTTPRouter {
	return &HTTPRouter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Quote fetches GET {base}/quote. A response with no usable route maps to
// core.ErrRouteUnavailable so the coordinator can fail the execution cleanly.
func (r *HTTPRouter) Quote(ctx context.Context, p QuoteParams) (*RouteQuote, error) {
	u := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		r.baseURL, p.InputMint, p.OutputMint, p.Amount, p.SlippageBps)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build quote request: %v", core.ErrUpstreamProtocol, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read quote: %v", core.ErrUpstreamTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// The aggregator reports unroutable pairs and dust amounts as 4xx.
		return nil, fmt.Errorf("%w: %s -> %s: %s", core.ErrRouteUnavailable,
			p.InputMint, p.OutputMint, truncate(body, 200))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: router returned %d", core.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: router returned %d", core.ErrUpstreamProtocol, resp.StatusCode)
	}

	var q RouteQuote
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("%w: decode quote: %v", core.ErrUpstreamProtocol, err)
	}
	if q.OutAmount == "" || q.OutAmount == "0" {
		return nil, fmt.Errorf("%w: empty route for %s -> %s", core.ErrRouteUnavailable, p.InputMint, p.OutputMint)
	}
	q.Raw = body
	return &q, nil
}

// BuildSwap posts the quote back to {base}/swap and returns the unsigned
// serialized transaction.
func (r *HTTPRouter) BuildSwap(ctx context.Context, quote *RouteQuote, userPublicKey string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"quoteResponse":             json.RawMessage(quote.Raw),
		"userPublicKey":             userPublicKey,
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal swap request: %v", core.ErrUpstreamProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build swap request: %v", core.ErrUpstreamProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read swap response: %v", core.ErrUpstreamTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: router returned %d", core.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: router returned %d: %s", core.ErrUpstreamProtocol,
			resp.StatusCode, truncate(body, 200))
	}

	var out struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode swap response: %v", core.ErrUpstreamProtocol, err)
	}
	if out.SwapTransaction == "" {
		return "", fmt.Errorf("%w: router returned no transaction", core.ErrUpstreamProtocol)
	}
	return out.SwapTransaction, nil
}

// MinimumOut parses the worst-case output amount baked into the quote.
func (q *RouteQuote) MinimumOut() uint64 {
	n, _ := strconv.ParseUint(q.OtherAmountThreshold, 10, 64)
	return n
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
