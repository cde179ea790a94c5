// Package models defines the core domain entities: trends, positions, agent
// configuration, state snapshots, and events.
package models

import (
	"errors"
	"maps"
	"time"
)

// Trend is a raw signal as returned by a trend source.
// A nil Volume means the source did not report one.
type Trend struct {
	Name   string `json:"name"`
	Volume *int64 `json:"volume"`
	Query  string `json:"query,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Validate checks trend field constraints.
func (t *Trend) Validate() error {
	if t.Name == "" {
		return errors.New("trend name must not be empty")
	}
	if t.Volume != nil && *t.Volume < 0 {
		return errors.New("trend volume must not be negative")
	}
	return nil
}

// VolumeOrZero returns the reported volume, or 0 when unknown.
func (t *Trend) VolumeOrZero() int64 {
	if t.Volume == nil {
		return 0
	}
	return *t.Volume
}

// ScoredTrend is a trend after scoring, stored in the trend cache.
type ScoredTrend struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Source   string            `json:"source"`
	Volume   int64             `json:"volume"`
	Score    float64           `json:"score"`
	ScoredAt time.Time         `json:"scored_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TrendID derives the cache identifier for a trend from its source and name.
// It is stable across refreshes so repeated fetches update rather than duplicate.
func TrendID(source, name string) string {
	return source + "-" + name
}

// Clone returns a copy that shares no mutable state with t.
func (t ScoredTrend) Clone() ScoredTrend {
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

// Candidate is a token that a resolver associates with a trend.
type Candidate struct {
	Address   string  `json:"address"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	RiskScore float64 `json:"risk_score"`
}
