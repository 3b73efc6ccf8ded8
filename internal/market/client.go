package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/signalswap/backend/internal/circuitbreaker"
	"github.com/signalswap/backend/internal/core"
)

// fetchTimeout bounds one Fetch call end to end, retries included.
const fetchTimeout = 10 * time.Second

// Client is the market data entry point used by the poller.
type Client struct {
	provider Provider
	breaker  *circuitbreaker.Breaker
	logger   *log.Logger
}

// NewClient wraps a provider with retry and a circuit breaker.
func NewClient(provider Provider) *Client {
	return &Client{
		provider: provider,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("market-provider")),
		logger:   log.New(log.Writer(), "[MARKET] ", log.LstdFlags),
	}
}

// Fetch returns a fresh sample for marketID, or fails with a classified kind.
// Transient upstream failures are retried with exponential backoff (1s, 2s,
// 4s, capped at 10s); auth, not-found and protocol errors are not.
func (c *Client) Fetch(ctx context.Context, marketID string) (*core.MarketSample, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	backoff := retry.WithCappedDuration(10*time.Second,
		retry.WithMaxRetries(3, retry.NewExponential(time.Second)))

	var quote *Quote
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.breaker.Do(ctx, func(ctx context.Context) error {
			q, err := c.provider.Quote(ctx, marketID)
			if err != nil {
				return err
			}
			quote = q
			return nil
		})
		if errors.Is(err, core.ErrUpstreamTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return c.validate(quote)
}

// validate applies the liveness rules: the market must be reported
// active/open and its close time must not have passed. Zero volume and open
// interest are suspicious but legal for new markets.
func (c *Client) validate(q *Quote) (*core.MarketSample, error) {
	status := strings.ToLower(q.Status)
	if status != "active" && status != "open" {
		return nil, fmt.Errorf("%w: market %s status %q", core.ErrMarketInactive, q.MarketID, q.Status)
	}
	if q.CloseTime != nil && !q.CloseTime.After(time.Now()) {
		return nil, fmt.Errorf("%w: market %s closed at %s", core.ErrMarketInactive, q.MarketID, q.CloseTime.Format(time.RFC3339))
	}
	if q.Volume.IsZero() && q.OpenInterest.IsZero() {
		c.logger.Printf("⚠️  market %s has zero volume and open interest (new market?)", q.MarketID)
	}

	return &core.MarketSample{
		MarketID:     q.MarketID,
		Probability:  q.Probability,
		LastPrice:    q.LastPrice,
		Volume:       q.Volume,
		OpenInterest: q.OpenInterest,
		ObservedAt:   time.Now().UTC(),
	}, nil
}
