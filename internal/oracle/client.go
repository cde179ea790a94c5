// Package oracle looks up current token prices from a CoinGecko-compatible
// simple/price endpoint.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/sony/gobreaker"
)

// ErrNoPrice is returned when the response carries no price for the symbol.
var ErrNoPrice = errors.New("no price in response")

// Client fetches prices through a circuit breaker.
type Client struct {
	http       *resty.Client
	breaker    *gobreaker.CircuitBreaker
	vsCurrency string
	ids        map[string]string
}

// ClientConfig holds optional settings.
type ClientConfig struct {
	APIKey     string
	VsCurrency string
	// SymbolIDs maps a token symbol to the API's coin id. Unmapped symbols
	// are looked up by their lowercased symbol.
	SymbolIDs map[string]string
	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// NewClient creates a price oracle client.
func NewClient(apiURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "usd"
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	rc := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		rc.SetHeader("x-cg-pro-api-key", cfg.APIKey)
	}

	ids := make(map[string]string, len(cfg.SymbolIDs))
	for sym, id := range cfg.SymbolIDs {
		ids[strings.ToUpper(sym)] = id
	}

	threshold := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-oracle",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// a missing quote for one symbol says nothing about the oracle's health
			return err == nil || errors.Is(err, ErrNoPrice)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Client{
		http:       rc,
		breaker:    breaker,
		vsCurrency: strings.ToLower(cfg.VsCurrency),
		ids:        ids,
	}
}

// GetPrice returns the current price of symbol in the configured currency.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

func (c *Client) coinID(symbol string) string {
	if id, ok := c.ids[strings.ToUpper(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func (c *Client) fetch(ctx context.Context, symbol string) (float64, error) {
	id := c.coinID(symbol)

	var body map[string]map[string]float64
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           id,
			"vs_currencies": c.vsCurrency,
		}).
		SetResult(&body).
		Get("/api/v3/simple/price")
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d for %s", resp.StatusCode(), symbol)
	}

	price, ok := body[id][c.vsCurrency]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoPrice, symbol, c.vsCurrency)
	}
	return price, nil
}
