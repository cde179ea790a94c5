// Package candidates resolves trends to tradeable token candidates using a
// DexScreener-style pair search API.
package candidates

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
)

// DefaultReferenceLiquidity is the USD liquidity at which a pair's risk score reaches 0.
const DefaultReferenceLiquidity = 100000

// Resolver searches for token pairs matching a trend.
type Resolver struct {
	http          *resty.Client
	chainID       string
	refLiquidity  float64
	maxCandidates int
}

// ResolverConfig holds optional settings.
type ResolverConfig struct {
	// ChainID keeps only pairs on this chain when set, e.g. "base".
	ChainID            string
	ReferenceLiquidity float64
	MaxCandidates      int
}

type searchResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID   string `json:"chainId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	Liquidity *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

// NewResolver creates a resolver against apiURL.
func NewResolver(apiURL string, timeout time.Duration, cfg ResolverConfig) *Resolver {
	if cfg.ReferenceLiquidity <= 0 {
		cfg.ReferenceLiquidity = DefaultReferenceLiquidity
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	return &Resolver{
		http: resty.New().
			SetBaseURL(apiURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		chainID:       cfg.ChainID,
		refLiquidity:  cfg.ReferenceLiquidity,
		maxCandidates: cfg.MaxCandidates,
	}
}

// SearchQuery derives the search term for a trend: its query metadata when
// present, otherwise its name without hashtag or cashtag prefixes.
func SearchQuery(trend models.ScoredTrend) string {
	name := trend.Name
	if q, ok := trend.Metadata["query"]; ok && q != "" && !strings.Contains(q, "%") {
		name = q
	}
	return strings.TrimLeft(strings.TrimSpace(name), "#$")
}

// RiskScore maps pool liquidity to a risk in [0,1]: thin pools are risky.
func RiskScore(liquidityUSD, reference float64) float64 {
	if liquidityUSD <= 0 || reference <= 0 {
		return 1
	}
	return 1 - math.Min(liquidityUSD/reference, 1)
}

// FindCandidates returns candidates for trend ordered by ascending risk.
// An empty result is not an error.
func (r *Resolver) FindCandidates(ctx context.Context, trend models.ScoredTrend) ([]models.Candidate, error) {
	query := SearchQuery(trend)
	if query == "" {
		return nil, nil
	}

	var body searchResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetResult(&body).
		Get("/latest/dex/search")
	if err != nil {
		return nil, fmt.Errorf("failed to search tokens for %q: %w", query, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("token search returned status %d for %q", resp.StatusCode(), query)
	}

	// keep the deepest pool per token
	best := make(map[string]models.Candidate)
	for _, p := range body.Pairs {
		if r.chainID != "" && p.ChainID != r.chainID {
			continue
		}
		if p.BaseToken.Address == "" || p.BaseToken.Symbol == "" {
			continue
		}
		var liq float64
		if p.Liquidity != nil {
			liq = p.Liquidity.USD
		}
		c := models.Candidate{
			Address:   p.BaseToken.Address,
			Symbol:    p.BaseToken.Symbol,
			Name:      p.BaseToken.Name,
			RiskScore: RiskScore(liq, r.refLiquidity),
		}
		if prev, ok := best[c.Address]; !ok || c.RiskScore < prev.RiskScore {
			best[c.Address] = c
		}
	}

	out := make([]models.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.Candidate) int {
		if c := cmp.Compare(a.RiskScore, b.RiskScore); c != 0 {
			return c
		}
		return cmp.Compare(a.Address, b.Address)
	})
	if len(out) > r.maxCandidates {
		out = out[:r.maxCandidates]
	}

	logger.Debug("Resolved %d candidates for trend %s (query %q)", len(out), trend.ID, query)
	return out, nil
}
