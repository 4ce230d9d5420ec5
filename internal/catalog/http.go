package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker; OpenTimeout is how long it
	// stays open before letting a trial request through.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// HTTPClient calls the catalog service. Calls go through a circuit breaker
// so a failing catalog rejects holds quickly instead of piling up.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "catalog",
			Timeout: cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// a missing entry is an answer, not a catalog failure
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

func (c *HTTPClient) Product(ctx context.Context, productID string) (*Product, error) {
	var p Product
	if err := c.get(ctx, "/products/"+url.PathEscape(productID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *HTTPClient) Item(ctx context.Context, itemID string) (*Item, error) {
	var it Item
	if err := c.get(ctx, "/items/"+url.PathEscape(itemID), &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	return nil
}

var _ Catalog = (*HTTPClient)(nil)
