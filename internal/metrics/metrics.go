// Package metrics exposes agent activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rewired-gh/trendpilot/internal/models"
)

const namespace = "trendpilot"

// Collector turns agent events into metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	activities      *prometheus.CounterVec
	errors          *prometheus.CounterVec
	cycles          prometheus.Counter
	positionsOpened prometheus.Counter
	positionsClosed *prometheus.CounterVec
	openPositions   prometheus.Gauge
	activeTrends    prometheus.Gauge
	totalPnL        prometheus.Gauge
	successRate     prometheus.Gauge
	autoTrading     prometheus.Gauge
	running         prometheus.Gauge
	lastUpdate      prometheus.Gauge

	lastCycle int64
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the agent metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Agent activities by kind and action",
		}, []string{"kind", "action"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Agent errors by action",
		}, []string{"action"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed update cycles",
		}),
		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened",
		}),
		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed by reason",
		}, []string{"reason"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions",
		}),
		activeTrends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_trends",
			Help:      "Trends above the score threshold in the last cycle",
		}),
		totalPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl",
			Help:      "Total realized profit and loss",
		}),
		successRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "success_rate",
			Help:      "Share of closed trades with positive P&L (0.0 to 1.0)",
		}),
		autoTrading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auto_trading",
			Help:      "1 if auto trading is enabled",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 if the agent is running",
		}),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_update_timestamp_seconds",
			Help:      "Unix time of the last completed cycle",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.activities, c.errors, c.cycles, c.positionsOpened, c.positionsClosed,
		c.openPositions, c.activeTrends, c.totalPnL, c.successRate,
		c.autoTrading, c.running, c.lastUpdate,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterHandlers registers the metrics endpoint on an HTTP mux.
func (c *Collector) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", c.Handler())
}

// Handle updates metrics from an agent event. Events arrive from a single
// dispatch goroutine.
func (c *Collector) Handle(_ context.Context, ev models.Event) error {
	switch e := ev.(type) {
	case models.ActivityEvent:
		c.activities.WithLabelValues(string(e.Activity.Kind), string(e.Activity.Action)).Inc()
		switch e.Activity.Action {
		case models.ActionPositionOpened:
			c.positionsOpened.Inc()
		case models.ActionPositionClosed:
			reason := "unknown"
			if e.Activity.Position != nil {
				reason = string(e.Activity.Position.CloseReason)
			}
			c.positionsClosed.WithLabelValues(reason).Inc()
		}
	case models.ErrorEvent:
		c.activities.WithLabelValues(string(e.Activity.Kind), string(e.Activity.Action)).Inc()
		c.errors.WithLabelValues(string(e.Activity.Action)).Inc()
	case models.StateEvent:
		s := e.State
		c.openPositions.Set(float64(len(s.Positions)))
		c.activeTrends.Set(float64(len(s.ActiveTrends)))
		c.totalPnL.Set(s.Performance.TotalPnL)
		c.successRate.Set(s.Performance.SuccessRate)
		c.autoTrading.Set(boolToFloat(s.AutoTrading))
		c.running.Set(boolToFloat(s.IsRunning))
		// Snapshots without a new LastUpdate come from control calls, not cycles.
		if !s.LastUpdate.IsZero() && s.LastUpdate.UnixNano() != c.lastCycle {
			c.lastCycle = s.LastUpdate.UnixNano()
			c.cycles.Inc()
			c.lastUpdate.Set(float64(s.LastUpdate.UnixNano()) / 1e9)
		}
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
