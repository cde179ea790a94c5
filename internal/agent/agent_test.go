package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/trendpilot/internal/models"
	"github.com/rewired-gh/trendpilot/internal/positions"
)

func vol(v int64) *int64 { return &v }

type fakeTicker struct {
	c      chan time.Time
	mu     sync.Mutex
	resets []time.Duration
	stops  int
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Reset(d time.Duration) {
	t.mu.Lock()
	t.resets = append(t.resets, d)
	t.mu.Unlock()
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTicker) stopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTicker) resetCalls() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.resets...)
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) ticker(t *testing.T) *fakeTicker {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		t.Fatal("no ticker created")
	}
	return c.tickers[len(c.tickers)-1]
}

// Tick delivers one tick; it returns once the scheduler has received it.
func (c *fakeClock) Tick(t *testing.T) {
	t.Helper()
	tk := c.ticker(t)
	select {
	case tk.c <- c.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not receive tick")
	}
}

type stubSource struct {
	mu     sync.Mutex
	trends []models.Trend
	err    error
	calls  atomic.Int32
}

func (s *stubSource) Name() string { return "twitter" }

func (s *stubSource) FetchTrends(ctx context.Context) ([]models.Trend, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.Trend(nil), s.trends...), nil
}

func (s *stubSource) set(trends []models.Trend, err error) {
	s.mu.Lock()
	s.trends, s.err = trends, err
	s.mu.Unlock()
}

type stubOracle struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (o *stubOracle) GetPrice(ctx context.Context, symbol string) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (o *stubOracle) set(symbol string, price float64) {
	o.mu.Lock()
	o.prices[symbol] = price
	o.mu.Unlock()
}

type stubResolver struct {
	mu         sync.Mutex
	candidates []models.Candidate
	err        error
	panicMsg   string
	entered    chan struct{}
	release    chan struct{}
	calls      atomic.Int32
}

func (r *stubResolver) FindCandidates(ctx context.Context, trend models.ScoredTrend) ([]models.Candidate, error) {
	r.calls.Add(1)
	r.mu.Lock()
	entered, release, panicMsg := r.entered, r.release, r.panicMsg
	cands, err := r.candidates, r.err
	r.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return append([]models.Candidate(nil), cands...), err
}

type stubExecutor struct {
	mu      sync.Mutex
	err     error
	amounts []float64
	entered chan struct{}
	release chan struct{}
}

func (e *stubExecutor) OpenOnChain(ctx context.Context, token models.Candidate, amount float64) (string, error) {
	e.mu.Lock()
	entered, release := e.entered, e.release
	e.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.amounts = append(e.amounts, amount)
	return fmt.Sprintf("0xtx%d", len(e.amounts)), nil
}

type harness struct {
	agent    *Agent
	clock    *fakeClock
	source   *stubSource
	oracle   *stubOracle
	resolver *stubResolver
	executor *stubExecutor
}

func testConfig() models.AgentConfig {
	cfg := models.DefaultAgentConfig()
	cfg.MinTrendScore = 0.8
	cfg.MaxPositions = 1
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg models.AgentConfig, autoTrading bool) *harness {
	t.Helper()
	h := &harness{
		clock: newFakeClock(),
		source: &stubSource{trends: []models.Trend{
			{Name: "#memecoin", Volume: vol(9000)},
		}},
		oracle: &stubOracle{prices: map[string]float64{"MEME": 2}},
		resolver: &stubResolver{candidates: []models.Candidate{
			{Address: "0xmeme", Symbol: "MEME", Name: "Meme", RiskScore: 0.5},
		}},
		executor: &stubExecutor{},
	}
	a, err := New(cfg, Options{
		Source:      h.source,
		Oracle:      h.oracle,
		Resolver:    h.resolver,
		Executor:    h.executor,
		Clock:       h.clock,
		AutoTrading: autoTrading,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.agent = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, sub *Subscription, match func(models.Event) bool) models.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("subscription closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isState(ev models.Event) bool {
	_, ok := ev.(models.StateEvent)
	return ok
}

func TestNewRequiresCollaborators(t *testing.T) {
	full := Options{
		Source:   &stubSource{},
		Oracle:   &stubOracle{},
		Resolver: &stubResolver{},
		Executor: &stubExecutor{},
	}
	tests := []struct {
		name   string
		mutate func(*Options, *models.AgentConfig)
	}{
		{"missing source", func(o *Options, _ *models.AgentConfig) { o.Source = nil }},
		{"missing oracle", func(o *Options, _ *models.AgentConfig) { o.Oracle = nil }},
		{"missing resolver", func(o *Options, _ *models.AgentConfig) { o.Resolver = nil }},
		{"missing executor", func(o *Options, _ *models.AgentConfig) { o.Executor = nil }},
		{"invalid config", func(_ *Options, c *models.AgentConfig) { c.CycleInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, cfg := full, models.DefaultAgentConfig()
			tt.mutate(&opts, &cfg)
			if _, err := New(cfg, opts); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(models.DefaultAgentConfig(), full); err != nil {
		t.Errorf("New with all collaborators failed: %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	if h.agent.State().IsRunning {
		t.Fatal("new agent should be stopped")
	}
	if s := h.agent.Stop(); s.IsRunning {
		t.Error("Stop on stopped agent changed state")
	}

	s := h.agent.Start(context.Background())
	if !s.IsRunning {
		t.Fatal("Start did not run the agent")
	}
	if s.LastUpdate.IsZero() {
		t.Error("Start should run a cycle synchronously")
	}
	s = h.agent.Start(context.Background())
	if !s.IsRunning {
		t.Error("second Start changed state")
	}
	if n := h.source.calls.Load(); n != 1 {
		t.Errorf("second Start ran another cycle: %d fetches", n)
	}
	if n := len(h.clock.tickers); n != 1 {
		t.Errorf("tickers = %d, want 1", n)
	}

	if s := h.agent.Stop(); s.IsRunning {
		t.Error("Stop left agent running")
	}
	if s := h.agent.Stop(); s.IsRunning {
		t.Error("second Stop changed state")
	}

	// Restart is allowed after stop.
	if s := h.agent.Start(context.Background()); !s.IsRunning {
		t.Error("restart failed")
	}
}

func TestCycleOpensPositionWhenAutoTrading(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	state := h.agent.Start(context.Background())

	if len(state.ActiveTrends) != 1 {
		t.Fatalf("active trends = %d, want 1", len(state.ActiveTrends))
	}
	if got := state.ActiveTrends[0].Score; got != 0.9 {
		t.Errorf("trend score = %v, want 0.9", got)
	}
	if len(state.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(state.Positions))
	}
	pos := state.Positions[0]
	if pos.TokenAddress != "0xmeme" || pos.EntryPrice != 2 || pos.Quantity != 50 {
		t.Errorf("unexpected position %+v", pos)
	}
	if pos.TrendID != "twitter-#memecoin" {
		t.Errorf("trend id = %q", pos.TrendID)
	}
	if pos.TxHash != "0xtx1" {
		t.Errorf("tx hash = %q, want 0xtx1", pos.TxHash)
	}
	if len(h.executor.amounts) != 1 || h.executor.amounts[0] != 100 {
		t.Errorf("executor amounts = %v, want [100]", h.executor.amounts)
	}

	// The trend already backs a position, so the next cycle does not resolve again.
	h.agent.RunCycle(context.Background())
	if n := h.resolver.calls.Load(); n != 1 {
		t.Errorf("resolver calls = %d, want 1", n)
	}
	if n := len(h.agent.State().Positions); n != 1 {
		t.Errorf("positions after second cycle = %d", n)
	}
}

func TestCycleWithoutAutoTrading(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	state := h.agent.Start(context.Background())

	if len(state.ActiveTrends) != 1 {
		t.Errorf("active trends = %d, want 1", len(state.ActiveTrends))
	}
	if len(state.Positions) != 0 {
		t.Errorf("positions = %d, want 0", len(state.Positions))
	}
	if n := h.resolver.calls.Load(); n != 0 {
		t.Errorf("resolver called %d times with auto trading off", n)
	}
}

func TestCycleFiltersBelowThreshold(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.source.set([]models.Trend{
		{Name: "#big", Volume: vol(12000)},
		{Name: "#small", Volume: vol(500)},
		{Name: "#unknown"},
	}, nil)

	state := h.agent.Start(context.Background())
	if len(state.ActiveTrends) != 1 || state.ActiveTrends[0].Name != "#big" {
		t.Errorf("active trends = %+v", state.ActiveTrends)
	}
}

func TestFetchFailureKeepsStaleTrends(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, false)
	h.agent.RunCycle(context.Background())
	before := h.agent.State().ActiveTrends

	sub := h.agent.Subscribe()
	defer sub.Close()

	h.source.set(nil, errors.New("rate limited"))
	h.clock.Advance(cfg.CacheTTL + time.Second)
	h.agent.RunCycle(context.Background())

	ev := nextEvent(t, sub, func(ev models.Event) bool { return ev.Type() == models.EventError })
	ee := ev.(models.ErrorEvent)
	if ee.Activity.Action != models.ActionFetchFailed || ee.Activity.Kind != models.KindError {
		t.Errorf("unexpected error activity %+v", ee.Activity)
	}

	after := h.agent.State().ActiveTrends
	if len(after) != len(before) || after[0].ID != before[0].ID || after[0].Volume != before[0].Volume {
		t.Errorf("stale trends changed: before %+v, after %+v", before, after)
	}

	h.source.set([]models.Trend{{Name: "#memecoin", Volume: vol(9500)}}, nil)
	h.agent.RunCycle(context.Background())
	updated := h.agent.State().ActiveTrends
	if len(updated) != 1 || updated[0].Volume != 9500 {
		t.Errorf("refresh after recovery not applied: %+v", updated)
	}
}

func TestExecutionFailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.executor.err = errors.New("insufficient gas")
	sub := h.agent.Subscribe()
	defer sub.Close()

	state := h.agent.Start(context.Background())
	if len(state.Positions) != 0 {
		t.Fatalf("phantom position after failed execution: %+v", state.Positions)
	}

	ev := nextEvent(t, sub, func(ev models.Event) bool { return ev.Type() == models.EventError })
	var execErr *ExecutionError
	if !errors.As(ev.(models.ErrorEvent).Err, &execErr) || execErr.Token != "0xmeme" {
		t.Errorf("expected ExecutionError for 0xmeme, got %v", ev.(models.ErrorEvent).Err)
	}

	// A later successful execution can still open the position.
	h.executor.mu.Lock()
	h.executor.err = nil
	h.executor.mu.Unlock()
	h.agent.RunCycle(context.Background())
	if n := len(h.agent.State().Positions); n != 1 {
		t.Errorf("positions after retry = %d, want 1", n)
	}
}

func TestClosePositionDuringPendingExecution(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.executor.mu.Lock()
	h.executor.err = errors.New("tx reverted")
	h.executor.entered, h.executor.release = entered, release
	h.executor.mu.Unlock()

	started := make(chan models.AgentState, 1)
	go func() { started <- h.agent.Start(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not start")
	}

	if _, err := h.agent.ClosePosition(context.Background(), "0xmeme"); !errors.Is(err, positions.ErrNotFound) {
		t.Errorf("close while execution pending: got %v, want ErrNotFound", err)
	}
	close(release)

	var state models.AgentState
	select {
	case state = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	if len(state.Positions) != 0 {
		t.Errorf("phantom open position: %+v", state.Positions)
	}
	if n := len(h.agent.History()); n != 0 || state.Performance.TotalTrades != 0 {
		t.Errorf("failed execution left a trade: history=%d totalTrades=%d", n, state.Performance.TotalTrades)
	}
}

func TestDecisionRejectedAboveRisk(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.resolver.candidates = []models.Candidate{
		{Address: "0xrisky", Symbol: "RISK", RiskScore: 0.9},
		{Address: "0xmeme", Symbol: "MEME", RiskScore: 0.5},
	}
	sub := h.agent.Subscribe()
	defer sub.Close()

	state := h.agent.Start(context.Background())
	if len(state.Positions) != 1 || state.Positions[0].TokenAddress != "0xmeme" {
		t.Fatalf("expected fallback to second candidate, got %+v", state.Positions)
	}

	ev := nextEvent(t, sub, func(ev models.Event) bool {
		ae, ok := ev.(models.ActivityEvent)
		return ok && ae.Activity.Action == models.ActionDecisionRejected
	})
	if got := ev.(models.ActivityEvent).Activity.Details["token"]; got != "0xrisky" {
		t.Errorf("rejected token = %q", got)
	}
}

func TestResolutionFailureDoesNotHaltCycle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 2
	h := newHarness(t, cfg, true)
	h.resolver.err = errors.New("dex down")
	h.source.set([]models.Trend{
		{Name: "#one", Volume: vol(9000)},
		{Name: "#two", Volume: vol(9500)},
	}, nil)

	h.agent.Start(context.Background())

	if n := h.resolver.calls.Load(); n != 2 {
		t.Errorf("resolver calls = %d, want 2", n)
	}
	var failures int
	for _, a := range h.agent.Activities() {
		if a.Action == models.ActionResolutionFailed {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("resolution failure activities = %d, want 2", failures)
	}
	if h.agent.State().LastUpdate.IsZero() {
		t.Error("cycle did not publish a snapshot")
	}
}

func TestExitRulesCloseOnLaterCycle(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		reason models.CloseReason
		win    bool
	}{
		{"stop loss", 1.8, models.CloseStopLoss, false},
		{"take profit", 2.4, models.CloseTakeProfit, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), true)
			h.agent.Start(context.Background())
			h.agent.Stop()

			h.oracle.set("MEME", tt.price)
			h.agent.RunCycle(context.Background())

			state := h.agent.State()
			if len(state.Positions) != 0 {
				t.Fatalf("position still open at %v", tt.price)
			}
			hist := h.agent.History()
			if len(hist) != 1 || hist[0].CloseReason != tt.reason {
				t.Fatalf("history = %+v", hist)
			}
			if state.Performance.TotalTrades != 1 {
				t.Errorf("total trades = %d", state.Performance.TotalTrades)
			}
			wantRate := 0.0
			if tt.win {
				wantRate = 1
			}
			if state.Performance.SuccessRate != wantRate {
				t.Errorf("success rate = %v, want %v", state.Performance.SuccessRate, wantRate)
			}
		})
	}
}

func TestPriceLookupFailureIsWarning(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.agent.Start(context.Background())

	h.oracle.mu.Lock()
	delete(h.oracle.prices, "MEME")
	h.oracle.mu.Unlock()
	h.agent.RunCycle(context.Background())

	var warned bool
	for _, a := range h.agent.Activities() {
		if a.Action == models.ActionPriceLookupFailed && a.Kind == models.KindWarning {
			warned = a.Details["token"] == "0xmeme"
		}
	}
	if !warned {
		t.Error("expected price lookup warning for 0xmeme")
	}
	if n := len(h.agent.State().Positions); n != 1 {
		t.Errorf("position should stay open, got %d", n)
	}
}

func TestSkipsTickWhileCycleRunning(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.agent.Start(context.Background())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.resolver.mu.Lock()
	h.resolver.entered, h.resolver.release = entered, release
	h.resolver.mu.Unlock()
	h.agent.SetAutoTrading(true)

	h.clock.Tick(t)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled cycle did not start")
	}

	h.clock.Tick(t)
	waitFor(t, func() bool { return h.agent.SkippedTicks() == 1 })
	if h.agent.RunCycle(context.Background()) {
		t.Error("RunCycle ran while another cycle was in flight")
	}

	close(release)
	waitFor(t, func() bool { return len(h.agent.State().Positions) == 1 })
	if n := h.resolver.calls.Load(); n != 1 {
		t.Errorf("resolver calls = %d, want 1", n)
	}
}

func TestConfigUpdateAppliesNextCycle(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.agent.Start(context.Background())
	tk := h.clock.ticker(t)

	threshold := 0.95
	interval := time.Minute
	cfg, err := h.agent.UpdateConfig(models.ConfigPatch{MinTrendScore: &threshold, CycleInterval: &interval})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if cfg.MinTrendScore != 0.95 || cfg.MaxPositions != 1 {
		t.Errorf("merge result %+v", cfg)
	}
	if got := h.agent.State().ActiveTrends; len(got) != 1 {
		t.Errorf("config applied before next cycle: %+v", got)
	}
	if len(tk.resetCalls()) != 0 {
		t.Error("ticker reset before the pending tick fired")
	}

	h.clock.Tick(t)
	waitFor(t, func() bool { return h.agent.CycleCount() == 2 })
	if got := h.agent.State(); len(got.ActiveTrends) != 0 || got.Config.MinTrendScore != 0.95 {
		t.Errorf("new threshold not applied: %+v", got)
	}
	if got := tk.resetCalls(); len(got) != 1 || got[0] != time.Minute {
		t.Errorf("ticker resets = %v, want [1m0s]", got)
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	bad := 1.5
	cfg, err := h.agent.UpdateConfig(models.ConfigPatch{RiskThreshold: &bad})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.RiskThreshold != 0.7 || h.agent.Config().RiskThreshold != 0.7 {
		t.Errorf("invalid update was applied: %+v", cfg)
	}
}

func TestSetAutoTradingEmitsSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	sub := h.agent.Subscribe()
	defer sub.Close()

	state := h.agent.SetAutoTrading(true)
	if !state.AutoTrading || state.IsRunning {
		t.Errorf("unexpected state %+v", state)
	}
	ev := nextEvent(t, sub, isState)
	if !ev.(models.StateEvent).State.AutoTrading {
		t.Error("snapshot does not reflect new flag")
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	sub := h.agent.Subscribe()
	defer sub.Close()

	h.agent.Start(context.Background())

	want := []models.Action{
		models.ActionAgentStarted,
		models.ActionTrendDetected,
		models.ActionPositionOpened,
	}
	for i, action := range want {
		ev := nextEvent(t, sub, func(models.Event) bool { return true })
		ae, ok := ev.(models.ActivityEvent)
		if !ok || ae.Activity.Action != action {
			t.Fatalf("event %d = %#v, want %s activity", i, ev, action)
		}
	}
	ev := nextEvent(t, sub, func(models.Event) bool { return true })
	se, ok := ev.(models.StateEvent)
	if !ok {
		t.Fatalf("last event = %#v, want state update", ev)
	}
	if got := h.agent.State(); got.LastUpdate != se.State.LastUpdate || len(got.Positions) != 1 {
		t.Errorf("State() does not match last snapshot")
	}
}

func TestCyclePanicIsRecovered(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.resolver.panicMsg = "boom"
	sub := h.agent.Subscribe()
	defer sub.Close()

	h.agent.Start(context.Background())
	ev := nextEvent(t, sub, func(ev models.Event) bool { return ev.Type() == models.EventError })
	if a := ev.(models.ErrorEvent).Activity; a.Action != models.ActionCycleFailed {
		t.Errorf("action = %s, want %s", a.Action, models.ActionCycleFailed)
	}

	h.resolver.mu.Lock()
	h.resolver.panicMsg = ""
	h.resolver.mu.Unlock()

	h.clock.Tick(t)
	waitFor(t, func() bool { return len(h.agent.State().Positions) == 1 })
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.agent.Start(context.Background())

	if _, err := h.agent.ClosePosition(context.Background(), "0xnone"); !errors.Is(err, positions.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	pos, err := h.agent.ClosePosition(context.Background(), "0xmeme")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if pos.CloseReason != models.CloseManual {
		t.Errorf("close reason = %s", pos.CloseReason)
	}
	state := h.agent.State()
	if len(state.Positions) != 0 || state.Performance.TotalTrades != 1 {
		t.Errorf("state after close %+v", state)
	}
}

func TestStopLeavesPositionsOpen(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.agent.Start(context.Background())
	state := h.agent.Stop()
	if len(state.Positions) != 1 {
		t.Errorf("Stop changed positions: %+v", state.Positions)
	}
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	sub := h.agent.Subscribe()
	h.agent.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.agent.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if h.agent.State().IsRunning {
		t.Error("agent still running after shutdown")
	}
	for range sub.C {
	}
	if tk := h.clock.ticker(t); tk.stopCalls() != 1 {
		t.Errorf("ticker stops = %d, want 1", tk.stopCalls())
	}
}

func TestShutdownTimeoutStillClosesSubscriptions(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.agent.Start(context.Background())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.executor.mu.Lock()
	h.executor.entered, h.executor.release = entered, release
	h.executor.mu.Unlock()
	h.agent.SetAutoTrading(true)
	sub := h.agent.Subscribe()

	h.clock.Tick(t)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled cycle did not reach the executor")
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.agent.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}

	closed := make(chan struct{})
	go func() {
		for range sub.C {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription left open after shutdown timeout")
	}
}

func TestStopDuringInFlightCycle(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.agent.Start(context.Background())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.resolver.mu.Lock()
	h.resolver.entered, h.resolver.release = entered, release
	h.resolver.mu.Unlock()
	h.agent.SetAutoTrading(true)

	tk := h.clock.ticker(t)
	h.clock.Tick(t)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled cycle did not start")
	}
	sub := h.agent.Subscribe()
	defer sub.Close()

	if s := h.agent.Stop(); s.IsRunning {
		t.Fatal("Stop left agent running")
	}
	waitFor(t, func() bool { return tk.stopCalls() == 1 })
	close(release)

	ev := nextEvent(t, sub, func(ev models.Event) bool {
		se, ok := ev.(models.StateEvent)
		return ok && len(se.State.Positions) == 1
	})
	if state := ev.(models.StateEvent).State; state.IsRunning {
		t.Errorf("cycle finished after Stop but published IsRunning=true: %+v", state)
	}
	h.executor.mu.Lock()
	executions := len(h.executor.amounts)
	h.executor.mu.Unlock()
	if executions != 1 {
		t.Errorf("executions = %d, want 1", executions)
	}

	// the scheduler has exited, so no tick is received
	select {
	case tk.c <- h.clock.Now():
		t.Error("scheduler received a tick after Stop")
	case <-time.After(50 * time.Millisecond):
	}
	if n := h.resolver.calls.Load(); n != 1 {
		t.Errorf("resolver calls = %d, want 1", n)
	}
}

func TestActivityLogBounded(t *testing.T) {
	l := newActivityLog(3)
	for i := 0; i < 5; i++ {
		l.add(models.Activity{ID: fmt.Sprint(i)})
	}
	got := l.list()
	if len(got) != 3 || got[0].ID != "2" || got[2].ID != "4" {
		t.Errorf("ring contents = %+v", got)
	}
	if n := len(newActivityLog(0).buf); n != DefaultActivityLogSize {
		t.Errorf("default size = %d", n)
	}
}

func TestSizeQuantity(t *testing.T) {
	tests := []struct {
		budget, price float64
		want          string
	}{
		{100, 2, "50"},
		{100, 3, "33.33333333"},
		{100, 0.00001234, "8103727.71474878"},
		{100, 0, "0"},
		{0, 2, "0"},
		{0.000001, 1000, "0"},
	}
	for _, tt := range tests {
		got := SizeQuantity(tt.budget, tt.price)
		if got.String() != tt.want {
			t.Errorf("SizeQuantity(%v, %v) = %s, want %s", tt.budget, tt.price, got, tt.want)
		}
	}
}

func TestThresholdPolicy(t *testing.T) {
	cfg := models.DefaultAgentConfig()
	trend := models.ScoredTrend{Score: 0.9}
	tests := []struct {
		name  string
		risk  float64
		score float64
		want  bool
	}{
		{"accept", 0.5, 0.9, true},
		{"risk at threshold", 0.7, 0.9, true},
		{"risk above", 0.71, 0.9, false},
		{"score below", 0.1, 0.79, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trend.Score = tt.score
			d := ThresholdPolicy{}.Evaluate(models.Candidate{RiskScore: tt.risk}, trend, cfg)
			if d.Accept != tt.want {
				t.Errorf("Accept = %v, want %v (%s)", d.Accept, tt.want, d.Reason)
			}
			if !d.Accept && d.Reason == "" {
				t.Error("rejection without reason")
			}
		})
	}
}
