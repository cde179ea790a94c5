package models

import (
	"errors"
	"slices"
	"time"
)

// AgentConfig holds the tunables read at the top of every cycle.
type AgentConfig struct {
	MinTrendScore         float64       `json:"min_trend_score"`
	MaxPositions          int           `json:"max_positions"`
	MaxInvestmentPerTrade float64       `json:"max_investment_per_trade"`
	StopLossPercent       float64       `json:"stop_loss_percent"`
	TakeProfitPercent     float64       `json:"take_profit_percent"`
	RiskThreshold         float64       `json:"risk_threshold"`
	CycleInterval         time.Duration `json:"cycle_interval"`
	CacheTTL              time.Duration `json:"cache_ttl"`
	CallTimeout           time.Duration `json:"call_timeout"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MinTrendScore:         0.8,
		MaxPositions:          5,
		MaxInvestmentPerTrade: 100,
		StopLossPercent:       10,
		TakeProfitPercent:     20,
		RiskThreshold:         0.7,
		CycleInterval:         30 * time.Second,
		CacheTTL:              5 * time.Minute,
		CallTimeout:           10 * time.Second,
	}
}

// Validate checks agent config constraints.
func (c AgentConfig) Validate() error {
	if c.MinTrendScore < 0 || c.MinTrendScore > 1 {
		return errors.New("min trend score must be between 0.0 and 1.0")
	}
	if c.MaxPositions < 0 {
		return errors.New("max positions must not be negative")
	}
	if c.MaxInvestmentPerTrade <= 0 {
		return errors.New("max investment per trade must be positive")
	}
	if c.StopLossPercent <= 0 {
		return errors.New("stop loss percent must be positive")
	}
	if c.TakeProfitPercent <= 0 {
		return errors.New("take profit percent must be positive")
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return errors.New("risk threshold must be between 0.0 and 1.0")
	}
	if c.CycleInterval <= 0 {
		return errors.New("cycle interval must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.CallTimeout <= 0 {
		return errors.New("call timeout must be positive")
	}
	return nil
}

// ConfigPatch is a partial AgentConfig. Nil fields keep their current value.
type ConfigPatch struct {
	MinTrendScore         *float64       `json:"min_trend_score,omitempty"`
	MaxPositions          *int           `json:"max_positions,omitempty"`
	MaxInvestmentPerTrade *float64       `json:"max_investment_per_trade,omitempty"`
	StopLossPercent       *float64       `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent     *float64       `json:"take_profit_percent,omitempty"`
	RiskThreshold         *float64       `json:"risk_threshold,omitempty"`
	CycleInterval         *time.Duration `json:"cycle_interval,omitempty"`
	CacheTTL              *time.Duration `json:"cache_ttl,omitempty"`
	CallTimeout           *time.Duration `json:"call_timeout,omitempty"`
}

// Merge returns c with every non-nil field of p applied.
func (c AgentConfig) Merge(p ConfigPatch) AgentConfig {
	if p.MinTrendScore != nil {
		c.MinTrendScore = *p.MinTrendScore
	}
	if p.MaxPositions != nil {
		c.MaxPositions = *p.MaxPositions
	}
	if p.MaxInvestmentPerTrade != nil {
		c.MaxInvestmentPerTrade = *p.MaxInvestmentPerTrade
	}
	if p.StopLossPercent != nil {
		c.StopLossPercent = *p.StopLossPercent
	}
	if p.TakeProfitPercent != nil {
		c.TakeProfitPercent = *p.TakeProfitPercent
	}
	if p.RiskThreshold != nil {
		c.RiskThreshold = *p.RiskThreshold
	}
	if p.CycleInterval != nil {
		c.CycleInterval = *p.CycleInterval
	}
	if p.CacheTTL != nil {
		c.CacheTTL = *p.CacheTTL
	}
	if p.CallTimeout != nil {
		c.CallTimeout = *p.CallTimeout
	}
	return c
}

// AgentState is a point-in-time snapshot of the agent.
type AgentState struct {
	IsRunning    bool          `json:"is_running"`
	AutoTrading  bool          `json:"auto_trading"`
	LastUpdate   time.Time     `json:"last_update"`
	ActiveTrends []ScoredTrend `json:"active_trends"`
	Positions    []Position    `json:"positions"`
	Performance  Performance   `json:"performance"`
	Config       AgentConfig   `json:"config"`
}

// Clone returns a deep copy of s.
func (s AgentState) Clone() AgentState {
	if s.ActiveTrends != nil {
		trends := make([]ScoredTrend, len(s.ActiveTrends))
		for i, t := range s.ActiveTrends {
			trends[i] = t.Clone()
		}
		s.ActiveTrends = trends
	}
	s.Positions = slices.Clone(s.Positions)
	return s
}
