package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
	"github.com/rewired-gh/trendpilot/internal/positions"
	"github.com/shopspring/decimal"
)

// quantityPlaces is the precision position quantities are truncated to.
const quantityPlaces = 8

// Decision is the outcome of evaluating a candidate for entry.
type Decision struct {
	Accept bool
	Reason string
}

// Policy decides whether to enter a position in candidate for trend.
type Policy interface {
	Evaluate(candidate models.Candidate, trend models.ScoredTrend, cfg models.AgentConfig) Decision
}

// ThresholdPolicy accepts a candidate whose risk is at most RiskThreshold
// for a trend scoring at least MinTrendScore.
type ThresholdPolicy struct{}

func (ThresholdPolicy) Evaluate(c models.Candidate, t models.ScoredTrend, cfg models.AgentConfig) Decision {
	if t.Score < cfg.MinTrendScore {
		return Decision{Reason: fmt.Sprintf("trend score %.2f below %.2f", t.Score, cfg.MinTrendScore)}
	}
	if c.RiskScore > cfg.RiskThreshold {
		return Decision{Reason: fmt.Sprintf("risk %.2f above threshold %.2f", c.RiskScore, cfg.RiskThreshold)}
	}
	return Decision{Accept: true}
}

// SizeQuantity returns the largest quantity, truncated to 8 decimal places,
// whose cost at price does not exceed budget. It returns zero when either
// argument is not positive.
func SizeQuantity(budget, price float64) decimal.Decimal {
	if budget <= 0 || price <= 0 {
		return decimal.Zero
	}
	b := decimal.NewFromFloat(budget)
	p := decimal.NewFromFloat(price)
	q := b.DivRound(p, quantityPlaces+4).Truncate(quantityPlaces)
	// DivRound may round up past the budget in the extra places.
	for q.IsPositive() && q.Mul(p).GreaterThan(b) {
		q = q.Sub(decimal.New(1, -quantityPlaces))
	}
	return q
}

// RunCycle runs one update cycle unless another is in flight, in which case
// it returns false without doing anything.
func (a *Agent) RunCycle(ctx context.Context) bool {
	if !a.cycleMu.TryLock() {
		return false
	}
	defer a.cycleMu.Unlock()
	a.runCycle(ctx)
	return true
}

// runCycle must be called with cycleMu held.
func (a *Agent) runCycle(ctx context.Context) {
	defer a.cycles.Add(1)
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Cycle panic stack: %s", debug.Stack())
			a.recordError(models.ActionCycleFailed, "Update cycle failed", fmt.Errorf("panic: %v", r), nil)
		}
	}()

	a.mu.Lock()
	cfg := a.config
	auto := a.autoTrading
	a.mu.Unlock()

	a.cache.SetTTL(cfg.CacheTTL)
	a.cache.SetFetchTimeout(cfg.CallTimeout)
	a.book.SetCapacity(cfg.MaxPositions)

	all, err := a.cache.Get(ctx)
	if err != nil {
		a.recordError(models.ActionFetchFailed, "Failed to refresh trends, using cached data", err, nil)
	}

	active := make([]models.ScoredTrend, 0, len(all))
	for _, t := range all {
		if t.Score >= cfg.MinTrendScore {
			active = append(active, t)
		}
	}
	for _, t := range active {
		trend := t.Clone()
		a.record(models.KindAnalysis, models.ActionTrendDetected,
			fmt.Sprintf("Trend detected: %s (score %.2f)", t.Name, t.Score),
			func(act *models.Activity) { act.Trend = &trend })
	}

	if auto {
		for _, t := range active {
			if a.book.Count() >= cfg.MaxPositions {
				logger.Debug("Position capacity %d reached", cfg.MaxPositions)
				break
			}
			if a.book.HasTrend(t.ID) {
				continue
			}
			a.enter(ctx, cfg, t)
		}
	}

	lookup := func(ctx context.Context, symbol string) (float64, error) {
		cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		return a.oracle.GetPrice(cctx, symbol)
	}
	for _, err := range a.book.MarkPrices(ctx, lookup) {
		var pe *positions.PriceLookupError
		fill := func(act *models.Activity) {
			if errors.As(err, &pe) {
				act.Details = map[string]string{"symbol": pe.Symbol, "token": pe.Token, "error": pe.Err.Error()}
			}
		}
		a.record(models.KindWarning, models.ActionPriceLookupFailed, err.Error(), fill)
	}

	for _, pos := range a.book.EvaluateExits(cfg.StopLossPercent, cfg.TakeProfitPercent) {
		a.recordClose(pos)
	}

	a.publishState(a.buildState(active, a.clock.Now()))
}

// enter tries the candidates for trend in order and opens at most one position.
func (a *Agent) enter(ctx context.Context, cfg models.AgentConfig, trend models.ScoredTrend) {
	rctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	candidates, err := a.resolver.FindCandidates(rctx, trend)
	cancel()
	if err != nil {
		a.record(models.KindWarning, models.ActionResolutionFailed,
			fmt.Sprintf("Candidate lookup failed for %s: %v", trend.Name, err), trendDetail(trend))
		return
	}
	if len(candidates) == 0 {
		a.record(models.KindInfo, models.ActionDecisionRejected,
			fmt.Sprintf("No candidate tokens for %s", trend.Name), trendDetail(trend))
		return
	}

	for _, c := range candidates {
		if a.book.Has(c.Address) {
			continue
		}
		d := a.policy.Evaluate(c, trend, cfg)
		if !d.Accept {
			a.reject(trend, c, d.Reason)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		price, err := a.oracle.GetPrice(pctx, c.Symbol)
		cancel()
		if err != nil {
			a.record(models.KindWarning, models.ActionPriceLookupFailed,
				fmt.Sprintf("No entry price for %s: %v", c.Symbol, err), nil)
			continue
		}

		qty := SizeQuantity(cfg.MaxInvestmentPerTrade, price)
		if !qty.IsPositive() {
			a.reject(trend, c, fmt.Sprintf("budget %.2f buys nothing at %.8g", cfg.MaxInvestmentPerTrade, price))
			continue
		}

		_, err = a.book.Reserve(positions.OpenRequest{
			TokenAddress: c.Address,
			Symbol:       c.Symbol,
			TrendID:      trend.ID,
			EntryPrice:   price,
			Quantity:     qty.InexactFloat64(),
		})
		if err != nil {
			a.reject(trend, c, err.Error())
			if errors.Is(err, positions.ErrCapacityExceeded) {
				return
			}
			continue
		}

		amount := qty.Mul(decimal.NewFromFloat(price)).InexactFloat64()
		ectx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		txHash, err := a.execute(ectx, c, amount)
		cancel()
		if err != nil {
			if rbErr := a.book.Rollback(c.Address); rbErr != nil {
				logger.Error("Rollback of %s failed: %v", c.Address, rbErr)
			}
			a.recordError(models.ActionExecutionFailed,
				fmt.Sprintf("Trade execution failed for %s", c.Symbol),
				&ExecutionError{Token: c.Address, Err: err}, trendDetail(trend))
			return
		}
		pos, err := a.book.Confirm(c.Address, txHash)
		if err != nil {
			logger.Error("Confirm of %s failed: %v", c.Address, err)
			return
		}

		a.record(models.KindTrade, models.ActionPositionOpened,
			fmt.Sprintf("Opened %s for trend %s: %s @ %.8g", c.Symbol, trend.Name, qty.String(), price),
			func(act *models.Activity) {
				p, t := pos, trend.Clone()
				act.Position = &p
				act.Trend = &t
				act.Details = map[string]string{"tx_hash": txHash, "amount": fmt.Sprintf("%.2f", amount)}
			})
		return
	}
}

// execute converts an executor panic into an error so the opened position
// is still rolled back.
func (a *Agent) execute(ctx context.Context, c models.Candidate, amount float64) (txHash string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return a.executor.OpenOnChain(ctx, c, amount)
}

func (a *Agent) reject(trend models.ScoredTrend, c models.Candidate, reason string) {
	a.record(models.KindInfo, models.ActionDecisionRejected,
		fmt.Sprintf("Skipped %s for %s: %s", c.Symbol, trend.Name, reason),
		func(act *models.Activity) {
			t := trend.Clone()
			act.Trend = &t
			act.Details = map[string]string{"token": c.Address, "reason": reason}
		})
}

func trendDetail(trend models.ScoredTrend) func(*models.Activity) {
	return func(act *models.Activity) {
		t := trend.Clone()
		act.Trend = &t
	}
}
