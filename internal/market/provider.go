// Package market fetches fresh probability samples for prediction markets.
// The upstream provider is pluggable; the client layers liveness checks,
// retry with backoff, and a circuit breaker on top of it.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalswap/backend/internal/core"
)

// Quote is the raw provider reading for one market, before liveness checks.
type Quote struct {
	MarketID     string          `json:"id"`
	Probability  float64         `json:"probability"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       decimal.Decimal `json:"volume"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Status       string          `json:"status"`
	CloseTime    *time.Time      `json:"close_time,omitempty"`
}

// Provider fetches one market quote. Implementations must classify failures
// with the core error kinds so the client knows what to retry.
type Provider interface {
	Quote(ctx context.Context, marketID string) (*Quote, error)
}

// HTTPProvider talks to a Gamma-style prediction-market REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider for baseURL. apiKey may be empty for
// public endpoints.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Quote fetches GET {base}/markets/{id} and maps HTTP failures onto the core
// error kinds: auth errors and 404 are terminal, other 4xx are protocol
// errors, 5xx and transport failures are transient.
func (p *HTTPProvider) Quote(ctx context.Context, marketID string) (*Quote, error) {
	u := p.baseURL + "/markets/" + url.PathEscape(marketID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", core.ErrUpstreamProtocol, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: provider returned %d", core.ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", core.ErrMarketNotFound, marketID)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", core.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: provider returned %d", core.ErrUpstreamProtocol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", core.ErrUpstreamTransient, err)
	}

	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("%w: decode quote: %v", core.ErrUpstreamProtocol, err)
	}
	if q.MarketID == "" {
		q.MarketID = marketID
	}
	return &q, nil
}
