// Package twitter fetches trending topics from the Twitter v1.1 trends API.
package twitter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
	"github.com/rewired-gh/trendpilot/internal/trends"
	"github.com/sony/gobreaker"
)

// SourceName is the source tag for trends produced by this client.
const SourceName = "twitter"

// WorldwideWOEID is Twitter's location ID for worldwide trends.
const WorldwideWOEID = 1

// Client provides access to the Twitter trends endpoint
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	woeid   int
}

// ClientConfig holds optional HTTP tuning.
type ClientConfig struct {
	BearerToken    string
	WOEID          int
	MaxRetries     int
	RetryDelayBase time.Duration
}

// trendsResponse is the body of GET /1.1/trends/place.json: a one-element
// array wrapping the trend list.
type trendsResponse []struct {
	Trends []apiTrend `json:"trends"`
}

type apiTrend struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Query       string `json:"query"`
	TweetVolume *int64 `json:"tweet_volume"`
}

// NewClient creates a new Twitter client
func NewClient(apiURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.WOEID == 0 {
		cfg.WOEID = WorldwideWOEID
	}

	rc := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryDelayBase).
		SetRetryMaxWaitTime(5*cfg.RetryDelayBase).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on transport errors and 5xx; 4xx are not transient
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.BearerToken != "" {
		rc.SetAuthToken(cfg.BearerToken)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twitter",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Client{http: rc, breaker: breaker, woeid: cfg.WOEID}
}

func (c *Client) Name() string { return SourceName }

// FetchTrends retrieves the current trend list for the configured location.
func (c *Client) FetchTrends(ctx context.Context) ([]models.Trend, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, &trends.FetchError{Source: SourceName, Err: err}
	}
	return out.([]models.Trend), nil
}

func (c *Client) fetch(ctx context.Context) ([]models.Trend, error) {
	var body trendsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", strconv.Itoa(c.woeid)).
		SetResult(&body).
		Get("/1.1/trends/place.json")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trends: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trends API returned status %d", resp.StatusCode())
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("malformed trends response: empty array")
	}

	result := make([]models.Trend, 0, len(body[0].Trends))
	for _, t := range body[0].Trends {
		result = append(result, models.Trend{
			Name:   t.Name,
			Volume: t.TweetVolume,
			Query:  t.Query,
			URL:    t.URL,
		})
	}
	logger.Debug("Fetched %d trends for woeid %d", len(result), c.woeid)
	return result, nil
}
