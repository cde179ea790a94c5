package models

import (
	"math"
	"time"
)

// CloseReason records why a position left the open set.
type CloseReason string

const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseManual     CloseReason = "manual"
)

// Position is a tracked holding of a token opened against a trend.
// Positions are owned by the position book; values handed out are copies.
type Position struct {
	TokenAddress string    `json:"token_address"`
	Symbol       string    `json:"symbol"`
	TrendID      string    `json:"trend_id"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Quantity     float64   `json:"quantity"`
	OpenedAt     time.Time `json:"opened_at"`
	TxHash       string    `json:"tx_hash,omitempty"`

	ClosedAt    time.Time   `json:"closed_at,omitempty"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// PnL is the unrealized (or, once closed, realized) profit and loss.
func (p Position) PnL() float64 {
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// PnLPercent is PnL relative to the cost basis, in percent.
func (p Position) PnLPercent() float64 {
	cost := p.EntryPrice * math.Abs(p.Quantity)
	if cost == 0 {
		return 0
	}
	return p.PnL() / cost * 100
}

// Closed reports whether the position has been closed.
func (p Position) Closed() bool {
	return !p.ClosedAt.IsZero()
}

// Performance aggregates realized results over closed positions.
type Performance struct {
	TotalPnL    float64 `json:"total_pnl"`
	SuccessRate float64 `json:"success_rate"`
	TotalTrades int     `json:"total_trades"`
}
