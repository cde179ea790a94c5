// Package agent runs the trend-following control loop. An Agent owns a trend
// cache and a position book, schedules update cycles and publishes state and
// activity events to subscribers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
	"github.com/rewired-gh/trendpilot/internal/positions"
	"github.com/rewired-gh/trendpilot/internal/trends"
)

// PriceOracle quotes the current price of a token symbol.
type PriceOracle interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// CandidateResolver finds tradable tokens for a trend, best first.
type CandidateResolver interface {
	FindCandidates(ctx context.Context, trend models.ScoredTrend) ([]models.Candidate, error)
}

// Executor submits a buy of amount quote currency and returns the tx hash.
type Executor interface {
	OpenOnChain(ctx context.Context, token models.Candidate, amount float64) (string, error)
}

// ExecutionError reports a failed trade submission. The in-memory position
// has already been rolled back when it is emitted.
type ExecutionError struct {
	Token string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for %s: %v", e.Token, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Options wires the agent's collaborators. Source, Oracle, Resolver and
// Executor are required.
type Options struct {
	Source   trends.Source
	Scorer   trends.Scorer
	Oracle   PriceOracle
	Resolver CandidateResolver
	Executor Executor
	Policy   Policy
	Clock    Clock

	AutoTrading     bool
	ActivityLogSize int
}

// Agent is the trading control loop. Create one with New.
type Agent struct {
	oracle   PriceOracle
	resolver CandidateResolver
	executor Executor
	policy   Policy
	clock    Clock

	cache *trends.Cache
	book  *positions.Book

	// ctrlMu serializes Start, Stop and Shutdown.
	ctrlMu sync.Mutex
	// cycleMu is held for the duration of a cycle.
	cycleMu sync.Mutex

	mu          sync.Mutex
	config      models.AgentConfig
	running     bool
	autoTrading bool
	cancel      context.CancelFunc

	// emitMu orders activity log appends and publishes.
	emitMu sync.Mutex
	lastMu sync.RWMutex
	last   models.AgentState

	activities *activityLog
	broker     *broker
	wg         sync.WaitGroup

	cycles  atomic.Uint64
	skipped atomic.Uint64
}

// New validates cfg and the collaborators and returns a stopped agent.
func New(cfg models.AgentConfig, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	switch {
	case opts.Source == nil:
		return nil, errors.New("trend source is required")
	case opts.Oracle == nil:
		return nil, errors.New("price oracle is required")
	case opts.Resolver == nil:
		return nil, errors.New("candidate resolver is required")
	case opts.Executor == nil:
		return nil, errors.New("executor is required")
	}

	scorer := opts.Scorer
	if scorer == nil {
		scorer = trends.NewVolumeScorer(trends.DefaultVolumeCeiling)
	}
	policy := opts.Policy
	if policy == nil {
		policy = ThresholdPolicy{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}

	a := &Agent{
		oracle:      opts.Oracle,
		resolver:    opts.Resolver,
		executor:    opts.Executor,
		policy:      policy,
		clock:       clock,
		cache:       trends.NewCache(opts.Source, scorer, cfg.CacheTTL, cfg.CallTimeout, clock.Now),
		book:        positions.NewBook(cfg.MaxPositions, clock.Now),
		config:      cfg,
		autoTrading: opts.AutoTrading,
		activities:  newActivityLog(opts.ActivityLogSize),
		broker:      newBroker(),
	}
	a.last = models.AgentState{
		AutoTrading:  opts.AutoTrading,
		ActiveTrends: []models.ScoredTrend{},
		Positions:    []models.Position{},
		Config:       cfg,
	}
	return a, nil
}

// Start moves the agent to running, runs one cycle synchronously and then
// schedules cycles every CycleInterval. Starting a running agent is a no-op.
func (a *Agent) Start(ctx context.Context) models.AgentState {
	a.ctrlMu.Lock()
	defer a.ctrlMu.Unlock()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return a.State()
	}
	a.running = true
	interval := a.config.CycleInterval
	a.mu.Unlock()

	a.record(models.KindSuccess, models.ActionAgentStarted, "Agent started", nil)

	a.cycleMu.Lock()
	a.runCycle(ctx)
	a.cycleMu.Unlock()

	schedCtx, cancel := context.WithCancel(context.Background())
	ticker := a.clock.NewTicker(interval)

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.schedule(schedCtx, ticker, interval)

	logger.Info("Agent started, cycle interval %v", interval)
	return a.State()
}

// Stop cancels scheduling and moves the agent to stopped. An in-flight cycle
// runs to completion. Open positions are left as they are.
func (a *Agent) Stop() models.AgentState {
	a.ctrlMu.Lock()
	defer a.ctrlMu.Unlock()
	return a.stopLocked()
}

func (a *Agent) stopLocked() models.AgentState {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return a.State()
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	a.record(models.KindInfo, models.ActionAgentStopped, "Agent stopped", nil)
	a.emitSnapshot()
	logger.Info("Agent stopped with %d open positions", a.book.Count())
	return a.State()
}

// Shutdown stops the agent and waits for the scheduler and any in-flight
// cycle to finish, or for ctx to be done. Either way subscriptions stop
// receiving new events and close once their queued events are delivered.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.ctrlMu.Lock()
	a.stopLocked()
	a.ctrlMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		a.cycleMu.Lock()
		a.cycleMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		a.broker.drainAll()
		return nil
	case <-ctx.Done():
		a.broker.drainAll()
		return fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err())
	}
}

// SetAutoTrading toggles trade entry for subsequent cycles and emits a
// snapshot immediately.
func (a *Agent) SetAutoTrading(enabled bool) models.AgentState {
	a.mu.Lock()
	changed := a.autoTrading != enabled
	a.autoTrading = enabled
	a.mu.Unlock()

	if changed {
		msg := "Auto trading disabled"
		if enabled {
			msg = "Auto trading enabled"
		}
		a.record(models.KindInfo, models.ActionAutoTrading, msg, func(act *models.Activity) {
			act.Details = map[string]string{"enabled": fmt.Sprintf("%t", enabled)}
		})
	}
	a.emitSnapshot()
	return a.State()
}

// UpdateConfig merges patch into the current config. The result applies from
// the next cycle; a changed interval is applied after the pending tick.
func (a *Agent) UpdateConfig(patch models.ConfigPatch) (models.AgentConfig, error) {
	a.mu.Lock()
	next := a.config.Merge(patch)
	if err := next.Validate(); err != nil {
		cur := a.config
		a.mu.Unlock()
		return cur, fmt.Errorf("invalid config update: %w", err)
	}
	a.config = next
	a.mu.Unlock()

	a.record(models.KindInfo, models.ActionConfigUpdated, "Configuration updated", nil)
	logger.Info("Agent config updated: %+v", next)
	return next, nil
}

// Config returns the current config.
func (a *Agent) Config() models.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// State returns a copy of the last emitted snapshot.
func (a *Agent) State() models.AgentState {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	return a.last.Clone()
}

// Activities returns the retained activity log, oldest first.
func (a *Agent) Activities() []models.Activity {
	return a.activities.list()
}

// Subscribe returns a subscription to every event emitted from now on.
func (a *Agent) Subscribe() *Subscription {
	return a.broker.subscribe()
}

// History returns closed positions in close order.
func (a *Agent) History() []models.Position {
	return a.book.History()
}

// CycleCount returns the number of completed cycles.
func (a *Agent) CycleCount() uint64 { return a.cycles.Load() }

// SkippedTicks returns the number of ticks dropped because a cycle was busy.
func (a *Agent) SkippedTicks() uint64 { return a.skipped.Load() }

// ClosePosition closes the open position for token at its last marked price.
func (a *Agent) ClosePosition(ctx context.Context, token string) (models.Position, error) {
	if err := ctx.Err(); err != nil {
		return models.Position{}, err
	}
	pos, err := a.book.Close(token)
	if err != nil {
		return models.Position{}, err
	}
	a.recordClose(pos)
	a.emitSnapshot()
	return pos, nil
}

func (a *Agent) schedule(ctx context.Context, ticker Ticker, interval time.Duration) {
	defer a.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		if ctx.Err() != nil {
			return
		}

		if want := a.Config().CycleInterval; want != interval {
			ticker.Reset(want)
			interval = want
			logger.Info("Cycle interval changed to %v", want)
		}

		if !a.cycleMu.TryLock() {
			a.skipped.Add(1)
			logger.Debug("Previous cycle still running, skipping tick")
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.cycleMu.Unlock()
			a.runCycle(context.Background())
		}()
	}
}

func (a *Agent) newActivity(kind models.ActivityKind, action models.Action, msg string) models.Activity {
	return models.Activity{
		ID:        uuid.NewString(),
		Kind:      kind,
		Action:    action,
		Message:   msg,
		Timestamp: a.clock.Now(),
	}
}

// record appends an activity to the log and publishes it.
func (a *Agent) record(kind models.ActivityKind, action models.Action, msg string, fill func(*models.Activity)) {
	act := a.newActivity(kind, action, msg)
	if fill != nil {
		fill(&act)
	}

	switch kind {
	case models.KindWarning:
		logger.Warn("%s", msg)
	case models.KindAnalysis:
		logger.Debug("%s", msg)
	default:
		logger.Info("%s", msg)
	}

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.activities.add(act)
	a.broker.publish(models.ActivityEvent{Activity: act})
}

// recordError appends an error-kind activity and publishes an ErrorEvent.
func (a *Agent) recordError(action models.Action, msg string, err error, fill func(*models.Activity)) {
	act := a.newActivity(models.KindError, action, msg)
	act.Details = map[string]string{"error": err.Error()}
	if fill != nil {
		fill(&act)
	}
	logger.Error("%s: %v", msg, err)

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.activities.add(act)
	a.broker.publish(models.ErrorEvent{Activity: act, Err: err})
}

func (a *Agent) recordClose(pos models.Position) {
	kind := models.KindTrade
	if pos.PnL() > 0 {
		kind = models.KindSuccess
	}
	msg := fmt.Sprintf("Closed %s (%s) at %.8g, P&L %.2f (%.2f%%)",
		pos.Symbol, pos.CloseReason, pos.ExitPrice, pos.PnL(), pos.PnLPercent())
	a.record(kind, models.ActionPositionClosed, msg, func(act *models.Activity) {
		p := pos
		act.Position = &p
		act.Details = map[string]string{"reason": string(pos.CloseReason)}
	})
}

// emitSnapshot republishes the last snapshot with the current flags, book
// and config, keeping its active trends and LastUpdate.
func (a *Agent) emitSnapshot() {
	a.lastMu.RLock()
	prev := a.last
	a.lastMu.RUnlock()
	a.publishState(a.buildState(prev.ActiveTrends, prev.LastUpdate))
}

func (a *Agent) buildState(active []models.ScoredTrend, lastUpdate time.Time) models.AgentState {
	a.mu.Lock()
	running, auto, cfg := a.running, a.autoTrading, a.config
	a.mu.Unlock()

	return models.AgentState{
		IsRunning:    running,
		AutoTrading:  auto,
		LastUpdate:   lastUpdate,
		ActiveTrends: active,
		Positions:    a.book.Positions(),
		Performance:  a.book.Performance(),
		Config:       cfg,
	}.Clone()
}

func (a *Agent) publishState(state models.AgentState) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.lastMu.Lock()
	a.last = state
	a.lastMu.Unlock()
	a.broker.publish(models.StateEvent{State: state.Clone()})
}
