// Package positions tracks open token positions, applies stop-loss and
// take-profit rules, and keeps closed-trade history.
package positions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rewired-gh/trendpilot/internal/models"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCapacityExceeded  = errors.New("position capacity exceeded")
	ErrDuplicatePosition = errors.New("position already open for token")
	ErrNotFound          = errors.New("no open position for token")
)

// exitTolerance absorbs float rounding so that a price of exactly 0.9×entry
// trips a 10% stop.
const exitTolerance = 1e-9

// maxConcurrentLookups bounds parallel price requests in MarkPrices.
const maxConcurrentLookups = 4

// PriceLookup returns the current price for a symbol.
type PriceLookup func(ctx context.Context, symbol string) (float64, error)

// PriceLookupError reports a failed price lookup for one position.
type PriceLookupError struct {
	Symbol string
	Token  string
	Err    error
}

func (e *PriceLookupError) Error() string {
	return fmt.Sprintf("price lookup for %s (%s): %v", e.Symbol, e.Token, e.Err)
}

func (e *PriceLookupError) Unwrap() error {
	return e.Err
}

// OpenRequest describes a position to open.
type OpenRequest struct {
	TokenAddress string
	Symbol       string
	TrendID      string
	EntryPrice   float64
	Quantity     float64
}

// Book owns the open positions and closed history. A reserved position holds
// a capacity slot while its execution is pending; it is not marked, exited or
// closed until Confirm promotes it.
type Book struct {
	mu       sync.Mutex
	open     map[string]*models.Position
	reserved map[string]*models.Position
	closed   []models.Position
	capacity int
	wins     int
	totalPnL float64
	now      func() time.Time
}

// NewBook creates a book that holds at most capacity open positions.
// now may be nil, in which case time.Now is used.
func NewBook(capacity int, now func() time.Time) *Book {
	if now == nil {
		now = time.Now
	}
	return &Book{
		open:     make(map[string]*models.Position),
		reserved: make(map[string]*models.Position),
		capacity: capacity,
		now:      now,
	}
}

// SetCapacity changes the open-position limit. Existing positions above a
// lowered limit stay open; new opens are refused until the count drops.
func (b *Book) SetCapacity(n int) {
	b.mu.Lock()
	b.capacity = n
	b.mu.Unlock()
}

// Count returns the number of open and reserved positions.
func (b *Book) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open) + len(b.reserved)
}

// Has reports whether token has an open or reserved position.
func (b *Book) Has(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, open := b.open[token]
	_, reserved := b.reserved[token]
	return open || reserved
}

// HasTrend reports whether some open or reserved position belongs to trendID.
func (b *Book) HasTrend(trendID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range []map[string]*models.Position{b.open, b.reserved} {
		for _, p := range m {
			if p.TrendID == trendID {
				return true
			}
		}
	}
	return false
}

// Open records a new open position.
func (b *Book) Open(req OpenRequest) (models.Position, error) {
	return b.add(req, b.open)
}

// Reserve takes a capacity slot for a position whose execution is pending.
// It must be followed by Confirm or Rollback.
func (b *Book) Reserve(req OpenRequest) (models.Position, error) {
	return b.add(req, b.reserved)
}

func (b *Book) add(req OpenRequest, into map[string]*models.Position) (models.Position, error) {
	if req.TokenAddress == "" {
		return models.Position{}, errors.New("token address must not be empty")
	}
	if req.EntryPrice <= 0 {
		return models.Position{}, fmt.Errorf("entry price must be positive, got %v", req.EntryPrice)
	}
	if req.Quantity == 0 {
		return models.Position{}, errors.New("quantity must not be zero")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, open := b.open[req.TokenAddress]
	_, reserved := b.reserved[req.TokenAddress]
	if open || reserved {
		return models.Position{}, fmt.Errorf("%w: %s", ErrDuplicatePosition, req.TokenAddress)
	}
	if n := len(b.open) + len(b.reserved); n >= b.capacity {
		return models.Position{}, fmt.Errorf("%w: %d/%d open", ErrCapacityExceeded, n, b.capacity)
	}

	p := &models.Position{
		TokenAddress: req.TokenAddress,
		Symbol:       req.Symbol,
		TrendID:      req.TrendID,
		EntryPrice:   req.EntryPrice,
		CurrentPrice: req.EntryPrice,
		Quantity:     req.Quantity,
		OpenedAt:     b.now(),
	}
	into[req.TokenAddress] = p
	return *p, nil
}

// Confirm promotes a reserved position to open and attaches the execution
// transaction hash. On an already open position it only sets the hash.
func (b *Book) Confirm(token, txHash string) (models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.reserved[token]; ok {
		delete(b.reserved, token)
		b.open[token] = p
	}
	p, ok := b.open[token]
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	p.TxHash = txHash
	return *p, nil
}

// Rollback discards a reserved position without recording a trade. It undoes
// a Reserve whose execution failed.
func (b *Book) Rollback(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reserved[token]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	delete(b.reserved, token)
	return nil
}

// MarkPrices refreshes the current price of every open position. A failed
// lookup is returned as a *PriceLookupError and leaves that position's price
// unchanged; other positions are still updated.
func (b *Book) MarkPrices(ctx context.Context, lookup PriceLookup) []error {
	type target struct{ token, symbol string }

	b.mu.Lock()
	targets := make([]target, 0, len(b.open))
	for token, p := range b.open {
		targets = append(targets, target{token, p.Symbol})
	}
	b.mu.Unlock()

	prices := make([]float64, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(maxConcurrentLookups)
	for i, tg := range targets {
		g.Go(func() error {
			price, err := lookup(ctx, tg.symbol)
			if err == nil && price <= 0 {
				err = fmt.Errorf("non-positive price %v", price)
			}
			if err != nil {
				errs[i] = &PriceLookupError{Symbol: tg.symbol, Token: tg.token, Err: err}
				return nil
			}
			prices[i] = price
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	b.mu.Lock()
	for i, tg := range targets {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		// the position may have been closed while prices were in flight
		if p, ok := b.open[tg.token]; ok {
			p.CurrentPrice = prices[i]
		}
	}
	b.mu.Unlock()
	return failures
}

// EvaluateExits closes every open position whose P&L percent is at or below
// -stopLossPercent or at or above takeProfitPercent, and returns the closed
// positions ordered by token address.
func (b *Book) EvaluateExits(stopLossPercent, takeProfitPercent float64) []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	var closed []models.Position
	for token, p := range b.open {
		pct := p.PnLPercent()
		var reason models.CloseReason
		switch {
		case pct <= -stopLossPercent+exitTolerance:
			reason = models.CloseStopLoss
		case pct >= takeProfitPercent-exitTolerance:
			reason = models.CloseTakeProfit
		default:
			continue
		}
		closed = append(closed, b.closeLocked(token, reason))
	}
	slices.SortFunc(closed, func(a, b models.Position) int {
		return cmp.Compare(a.TokenAddress, b.TokenAddress)
	})
	return closed
}

// Close manually closes the open position for token at its last marked price.
// A reserved position is not closable and reports ErrNotFound.
func (b *Book) Close(token string) (models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[token]; !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return b.closeLocked(token, models.CloseManual), nil
}

func (b *Book) closeLocked(token string, reason models.CloseReason) models.Position {
	p := *b.open[token]
	delete(b.open, token)

	p.ClosedAt = b.now()
	p.ExitPrice = p.CurrentPrice
	p.CloseReason = reason

	pnl := p.PnL()
	b.totalPnL += pnl
	if pnl > 0 {
		b.wins++
	}
	b.closed = append(b.closed, p)
	return p
}

// Positions returns copies of the open positions ordered by open time, then
// token address.
func (b *Book) Positions() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b models.Position) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TokenAddress, b.TokenAddress)
	})
	return out
}

// History returns closed positions in close order.
func (b *Book) History() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.closed)
}

// Performance returns aggregate results over closed positions.
func (b *Book) Performance() models.Performance {
	b.mu.Lock()
	defer b.mu.Unlock()
	perf := models.Performance{
		TotalPnL:    b.totalPnL,
		TotalTrades: len(b.closed),
	}
	if perf.TotalTrades > 0 {
		perf.SuccessRate = float64(b.wins) / float64(perf.TotalTrades)
	}
	return perf
}
