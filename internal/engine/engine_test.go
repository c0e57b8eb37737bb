package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"opt-scalp-bot/internal/broker/rest"
	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/exec"
	"opt-scalp-bot/internal/market"
	"opt-scalp-bot/internal/risk"
	"opt-scalp-bot/internal/state"
	"opt-scalp-bot/internal/trail"
)

type fakePlacer struct {
	attempts   int
	orders     []exec.Order
	failAction string
	failLeft   int
}

func (f *fakePlacer) PlaceOrder(_ context.Context, order exec.Order) (string, error) {
	f.attempts++
	if f.failAction == order.Action && f.failLeft > 0 {
		f.failLeft--
		return "", errors.New("gateway unavailable")
	}
	f.orders = append(f.orders, order)
	return fmt.Sprintf("ORD-%d", len(f.orders)), nil
}

func (f *fakePlacer) count(action string) int {
	n := 0
	for _, o := range f.orders {
		if o.Action == action {
			n++
		}
	}
	return n
}

type fakeBroker struct {
	orders      []rest.BrokerOrder
	ordersCalls int
	quote       rest.Quote
	quoteErr    error
	closeErr    error
	closeCalls  int
}

func (b *fakeBroker) Orders(context.Context) ([]rest.BrokerOrder, error) {
	b.ordersCalls++
	return b.orders, nil
}

func (b *fakeBroker) Quotes(context.Context, string, string) (rest.Quote, error) {
	return b.quote, b.quoteErr
}

func (b *fakeBroker) ClosePosition(context.Context, string, string, string) error {
	b.closeCalls++
	return b.closeErr
}

type memStore struct{ data map[string]string }

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func testEngineConfig() config.Config {
	var cfg config.Config
	cfg.Engine = config.EngineConfig{
		Mode:                  config.ModeSignal,
		TimeZone:              "UTC",
		Exchange:              "NFO",
		CESymbol:              "NIFTY26SEPCE",
		PESymbol:              "NIFTY26SEPPE",
		Quantity:              75,
		TPPoints:              10,
		SLPoints:              5,
		EntryMinScore:         3,
		EntryMaxSpread:        1,
		EntryMomentumCount:    3,
		EntryMomentumVelocity: 0.5,
		Sensitivity:           1,
		MaxTradesPerMinute:    10,
		CooldownAfterLoss:     time.Second,
		ReEntryEnabled:        true,
		ReEntryMaxPerSide:     5,
		ReEntryDelay:          time.Minute,
		MaxPositionSize:       1800,
		PerTradeMaxLoss:       1500,
		DepthImbalanceRatio:   0.8,
		SquareOffTime:         "15:15",
		ExpirySquareOffTime:   "15:00",
	}
	cfg.Risk = config.RiskConfig{
		MaxTradesPerDay:        50,
		MaxDailyLoss:           3000,
		CoolingOffAfterLosses:  5,
		LockProfitDrawdownFrac: 0.4,
	}
	cfg.Trail = config.TrailConfig{
		InitialSLPoints:      5,
		BreakevenTrigger:     4,
		BreakevenBuffer:      0.5,
		LockTrigger:          6,
		LockAmount:           2,
		StartTrigger:         8,
		StepSize:             3,
		TightTrigger:         12,
		TightStep:            1.5,
		IVWidenThreshold:     25,
		IVWidenFactor:        1.3,
		MaxPainProximityPts:  25,
		MaxPainTightenFactor: 0.8,
	}
	return cfg
}

func newTestManager(cfg config.Config, placer OrderPlacer, broker Broker, store state.Store) (*Manager, *market.MarketData) {
	md := market.New(nil, 100, nil)
	m := New(cfg, Options{
		Governor: risk.NewGovernor(cfg.Risk),
		Market:   md,
		Placer:   placer,
		Broker:   broker,
		Store:    store,
	})
	m.sleep = func(time.Duration) {}
	return m, md
}

// feedRise applies one tick per second from start to end in 0.5 steps and
// returns the timestamp of the last tick.
func feedRise(md *market.MarketData, symbol string, start, end float64, base time.Time) time.Time {
	at := base
	for p := start; p <= end+1e-9; p += 0.5 {
		md.Apply(market.Tick{Exchange: "NFO", Symbol: symbol, LTP: p, At: at})
		at = at.Add(time.Second)
	}
	return at.Add(-time.Second)
}

func TestSignalModeEntryAttachesTriggers(t *testing.T) {
	cfg := testEngineConfig()
	placer := &fakePlacer{}
	m, md := newTestManager(cfg, placer, nil, nil)
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, base)

	m.Cycle(context.Background(), now)

	positions := m.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected one open position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Side != risk.SideCE || pos.Quantity != 75 {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if pos.EntryPrice != 100 {
		t.Fatalf("signal mode must fill at ltp, got %.2f", pos.EntryPrice)
	}
	if pos.TakeProfit.Level != 110 {
		t.Fatalf("expected tp 110.00, got %.2f", pos.TakeProfit.Level)
	}
	if pos.StopLoss.Level != 95 {
		t.Fatalf("expected sl 95.00, got %.2f", pos.StopLoss.Level)
	}
	if pos.Stage != trail.StageInitial {
		t.Fatalf("expected initial stage, got %s", pos.Stage)
	}
	if pos.TakeProfit.ID == "" || pos.StopLoss.ID == "" {
		t.Fatal("triggers must carry ids")
	}
	if placer.attempts != 0 {
		t.Fatalf("signal mode must not touch the gateway, saw %d attempts", placer.attempts)
	}

	// A second pass must not stack a second position on the open side.
	m.Cycle(context.Background(), now.Add(time.Second))
	if got := len(m.OpenPositions()); got != 1 {
		t.Fatalf("expected side-open block, got %d positions", got)
	}
}

func TestExecuteModeEntryUsesOrderBookPrice(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute
	placer := &fakePlacer{}
	broker := &fakeBroker{
		orders: []rest.BrokerOrder{{OrderID: "ORD-1", Status: "complete", AveragePrice: 100.25}},
	}
	m, md := newTestManager(cfg, placer, broker, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	m.Cycle(context.Background(), now)

	if placer.count(ActionBuy) != 1 {
		t.Fatalf("expected one buy, got %d", placer.count(ActionBuy))
	}
	order := placer.orders[0]
	if order.PriceType != "MARKET" || order.Product != "MIS" || order.ClientOrderID == "" {
		t.Fatalf("unexpected order shape: %+v", order)
	}
	if broker.ordersCalls != 1 {
		t.Fatalf("fill found on first poll, expected 1 call, got %d", broker.ordersCalls)
	}
	positions := m.OpenPositions()
	if len(positions) != 1 || positions[0].EntryPrice != 100.25 {
		t.Fatalf("expected broker fill 100.25, got %+v", positions)
	}
}

func TestExecuteModeEntryFallsBackToCachedTick(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute
	placer := &fakePlacer{}
	broker := &fakeBroker{}
	m, md := newTestManager(cfg, placer, broker, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	m.Cycle(context.Background(), now)

	if broker.ordersCalls != fillPollAttempts {
		t.Fatalf("expected %d bounded polls, got %d", fillPollAttempts, broker.ordersCalls)
	}
	positions := m.OpenPositions()
	if len(positions) != 1 || positions[0].EntryPrice != 100 {
		t.Fatalf("expected cached-tick fill 100, got %+v", positions)
	}
}

func TestResolveFillQuoteFallbackAndSentinel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute
	broker := &fakeBroker{quote: rest.Quote{LTP: 99.5}}
	m, _ := newTestManager(cfg, &fakePlacer{}, broker, nil)

	if got := m.resolveFill(context.Background(), "", "UNKNOWN", 0); got != 99.5 {
		t.Fatalf("expected quote fallback 99.5, got %.2f", got)
	}
	broker.quoteErr = errors.New("quotes down")
	if got := m.resolveFill(context.Background(), "", "UNKNOWN", 0); got != 0 {
		t.Fatalf("expected zero sentinel when every resolver fails, got %.2f", got)
	}
}

func TestTakeProfitFiresExactlyOnce(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute
	placer := &fakePlacer{}
	broker := &fakeBroker{}
	m, md := newTestManager(cfg, placer, broker, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)

	now = now.Add(time.Second)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.CESymbol, LTP: 110.5, At: now})
	m.Cycle(context.Background(), now)

	if placer.count(ActionSell) != 1 {
		t.Fatalf("expected one sell, got %d", placer.count(ActionSell))
	}
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("expected position closed, got %d open", got)
	}
	if pnl := m.gov.Snapshot(now).RealizedPnl; pnl != 787.5 {
		t.Fatalf("expected realized pnl 787.5, got %.2f", pnl)
	}

	// Price still above the trigger level: no second dispatch, no re-entry
	// inside the re-entry delay.
	m.Cycle(context.Background(), now.Add(time.Second))
	if placer.count(ActionSell) != 1 || placer.count(ActionBuy) != 1 {
		t.Fatalf("expected no further orders, got buys=%d sells=%d",
			placer.count(ActionBuy), placer.count(ActionSell))
	}
}

func TestFailedCloseRearmsTriggerForRetry(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute
	placer := &fakePlacer{}
	broker := &fakeBroker{closeErr: errors.New("close rejected")}
	m, md := newTestManager(cfg, placer, broker, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)

	placer.failAction = ActionSell
	placer.failLeft = 1
	now = now.Add(time.Second)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.CESymbol, LTP: 110.5, At: now})
	m.Cycle(context.Background(), now)

	positions := m.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("failed close must keep the position, got %d open", len(positions))
	}
	if positions[0].TakeProfit.Fired {
		t.Fatal("trigger must re-arm after a failed dispatch")
	}
	if broker.closeCalls != 1 {
		t.Fatalf("expected one emergency close attempt, got %d", broker.closeCalls)
	}

	// Gateway recovers: the re-armed trigger fires on the next cycle.
	m.Cycle(context.Background(), now.Add(time.Second))
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("expected retry to close the position, got %d open", got)
	}
	if placer.count(ActionSell) != 1 || placer.attempts != 3 {
		t.Fatalf("expected 1 failed + 1 successful sell after the buy, got sells=%d attempts=%d",
			placer.count(ActionSell), placer.attempts)
	}
}

func TestTrailingAdvancesStagesAndTightensStop(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, base)
	m.Cycle(context.Background(), now)

	now = feedRise(md, cfg.Engine.CESymbol, 100.5, 107, now.Add(time.Second))
	m.Cycle(context.Background(), now)

	positions := m.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected the position to survive, got %d", len(positions))
	}
	pos := positions[0]
	if pos.HighSinceEntry != 107 {
		t.Fatalf("expected high 107, got %.2f", pos.HighSinceEntry)
	}
	if pos.Stage != trail.StageLock {
		t.Fatalf("profit 7 should reach the lock stage, got %s", pos.Stage)
	}
	if pos.StopLoss.Level != 102 {
		t.Fatalf("lock stage must hold entry+2, got %.2f", pos.StopLoss.Level)
	}
}

func TestPyramidingMergesWeightedFill(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.PyramidingEnabled = true
	cfg.Engine.PyramidingMaxExtraLots = 2
	m, md := newTestManager(cfg, nil, nil, nil)
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, base)
	m.Cycle(context.Background(), now)

	now = feedRise(md, cfg.Engine.CESymbol, 100.5, 102, now.Add(time.Second))
	m.Cycle(context.Background(), now)

	positions := m.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("pyramiding must merge into one position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Quantity != 150 {
		t.Fatalf("expected merged quantity 150, got %d", pos.Quantity)
	}
	if pos.EntryPrice != 101 {
		t.Fatalf("expected weighted entry 101.00, got %.2f", pos.EntryPrice)
	}
	if got := m.gov.Snapshot(now).TradesCount; got != 2 {
		t.Fatalf("both entries count against the day, got %d", got)
	}
}

func TestMergeFillRoundsToTwoDecimals(t *testing.T) {
	if got := mergeFill(100, 75, 102.35, 75); got != 101.18 {
		t.Fatalf("expected 101.18, got %.4f", got)
	}
	if got := mergeFill(100, 50, 101, 100); got != 100.67 {
		t.Fatalf("expected 100.67, got %.4f", got)
	}
}

func TestSquareOffFiresOncePerDayAndBlocksEntries(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, base)
	m.Cycle(context.Background(), now)
	if len(m.OpenPositions()) != 1 {
		t.Fatal("expected an open position before square-off")
	}

	cutoff := time.Date(2026, 8, 27, 15, 20, 0, 0, time.UTC)
	m.Cycle(context.Background(), cutoff)
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("square-off must flatten, got %d open", got)
	}

	// Fresh momentum later the same day must not open a new position.
	later := feedRise(md, cfg.Engine.CESymbol, 100.5, 103, cutoff.Add(5*time.Minute))
	m.Cycle(context.Background(), later)
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("entries must stay blocked after square-off, got %d open", got)
	}
}

func TestExpiryDayUsesEarlierCutoff(t *testing.T) {
	// 2026-08-28 is a Friday.
	cfg := testEngineConfig()
	cfg.Engine.ExpiryWeekday = "Friday"
	m, md := newTestManager(cfg, nil, nil, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 14, 40, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)

	m.Cycle(context.Background(), time.Date(2026, 8, 28, 15, 5, 0, 0, time.UTC))
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("expiry cutoff 15:00 must have fired at 15:05, got %d open", got)
	}

	// Without an expiry weekday the regular 15:15 cutoff still holds.
	m2, md2 := newTestManager(testEngineConfig(), nil, nil, nil)
	now2 := feedRise(md2, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 14, 40, 0, 0, time.UTC))
	m2.Cycle(context.Background(), now2)
	m2.Cycle(context.Background(), time.Date(2026, 8, 28, 15, 5, 0, 0, time.UTC))
	if got := len(m2.OpenPositions()); got != 1 {
		t.Fatalf("regular day must not square off at 15:05, got %d open", got)
	}
}

func TestKillSwitchFlattensOpenPositions(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)

	m.gov.RecordExit(risk.SidePE, -3000, now)
	if !m.gov.KillSwitchActive() {
		t.Fatal("expected kill switch")
	}
	m.Cycle(context.Background(), now.Add(time.Second))
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("kill switch must flatten, got %d open", got)
	}
}

func TestSnapshotRoundTripAcrossRestart(t *testing.T) {
	cfg := testEngineConfig()
	store := newMemStore()
	m, md := newTestManager(cfg, nil, nil, store)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)

	restarted, _ := newTestManager(cfg, nil, nil, store)
	if err := restarted.Restore(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	positions := restarted.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected one restored position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.EntryPrice != 100 || pos.TakeProfit.Level != 110 || pos.StopLoss.Level != 95 {
		t.Fatalf("restored levels drifted: %+v", pos)
	}
	if pos.TakeProfit.Fired || pos.StopLoss.Fired {
		t.Fatal("fired flags must never survive a restart")
	}
	if pos.TakeProfit.ID == "" || pos.StopLoss.ID == "" {
		t.Fatal("restored triggers must get fresh ids")
	}
	if got := restarted.gov.Snapshot(now).TradesCount; got != 1 {
		t.Fatalf("same-day risk counters must restore, got %d trades", got)
	}
}

func TestPendingFillResolvesOnLaterCycle(t *testing.T) {
	cfg := testEngineConfig()
	store := newMemStore()
	snapshot := state.EngineSnapshot{
		Risk: risk.State{Day: "2026-08-28"},
		Positions: []state.PositionRecord{{
			ID:        "pos-1",
			Side:      "CE",
			Symbol:    cfg.Engine.CESymbol,
			Exchange:  "NFO",
			Quantity:  75,
			Stage:     string(trail.StageInitial),
			EntryTime: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		}},
		SavedAt: time.Date(2026, 8, 28, 10, 0, 30, 0, time.UTC),
	}
	if err := state.SaveEngineSnapshot(context.Background(), store, snapshot); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	m, md := newTestManager(cfg, nil, nil, store)
	now := time.Date(2026, 8, 28, 10, 1, 0, 0, time.UTC)
	if err := m.Restore(context.Background(), now); err != nil {
		t.Fatalf("restore: %v", err)
	}
	positions := m.OpenPositions()
	if len(positions) != 1 || !positions[0].FillPending {
		t.Fatalf("zero entry price must restore as fill-pending: %+v", positions)
	}

	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.CESymbol, LTP: 102, At: now})
	m.Cycle(context.Background(), now)

	pos := m.OpenPositions()[0]
	if pos.FillPending {
		t.Fatal("pending fill must resolve from the cached tick")
	}
	if pos.EntryPrice != 102 || pos.TakeProfit.Level != 112 || pos.StopLoss.Level != 97 {
		t.Fatalf("unexpected attach levels: entry=%.2f tp=%.2f sl=%.2f",
			pos.EntryPrice, pos.TakeProfit.Level, pos.StopLoss.Level)
	}
}

func TestOperatorSquareOffBlocksRestOfDay(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)

	m.SquareOffNow(context.Background(), now.Add(time.Second))
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("operator square-off must flatten, got %d open", got)
	}
	later := feedRise(md, cfg.Engine.CESymbol, 100.5, 103, now.Add(time.Minute))
	m.Cycle(context.Background(), later)
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("entries must stay blocked for the day, got %d open", got)
	}
}

func TestPauseStopsEntriesOnly(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	m.SetPaused(true)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)
	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("paused engine must not enter, got %d open", got)
	}

	m.SetPaused(false)
	m.Cycle(context.Background(), now.Add(time.Second))
	if got := len(m.OpenPositions()); got != 1 {
		t.Fatalf("resume must re-enable entries, got %d open", got)
	}
}

func manualEntry(id string, side risk.Side, symbol, action string, qty int) *VirtualPosition {
	return &VirtualPosition{
		ID:        id,
		Side:      side,
		Symbol:    symbol,
		Exchange:  "NFO",
		Action:    action,
		Quantity:  qty,
		ManagedBy: ManagedManual,
		TPPoints:  10,
		SLPoints:  5,
		EntryTime: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		Stage:     trail.StageInitial,
	}
}

func TestPerTradeMaxLossClosesPosition(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.PerTradeMaxLoss = 100
	m, md := newTestManager(cfg, nil, nil, nil)
	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	m.Cycle(context.Background(), now)
	if len(m.OpenPositions()) != 1 {
		t.Fatal("expected an open position")
	}

	// 97 sits above the stop at 95, but the unrealized loss of 225 has
	// already breached the 100 cap.
	now = now.Add(time.Second)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.CESymbol, LTP: 97, At: now})
	m.Cycle(context.Background(), now)

	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("per-trade max loss breach must close the position, got %d open", got)
	}
	if pnl := m.gov.Snapshot(now).RealizedPnl; pnl != -225 {
		t.Fatalf("expected realized pnl -225, got %.2f", pnl)
	}
}

func TestArmedTriggerConvertsToPosition(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	id, err := m.ArmTrigger(TriggerOrder{
		Side:         risk.SideCE,
		TriggerPrice: 105,
		Direction:    TriggerAbove,
		TPPoints:     8,
		SLPoints:     4,
	})
	if err != nil {
		t.Fatalf("arm trigger: %v", err)
	}
	if id == "" || len(m.Triggers()) != 1 {
		t.Fatalf("expected one armed trigger, got %d", len(m.Triggers()))
	}

	// A lone tick below the trigger price leaves it armed.
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.CESymbol, LTP: 104, At: now})
	m.Cycle(context.Background(), now)
	if len(m.Triggers()) != 1 || len(m.OpenPositions()) != 0 {
		t.Fatalf("trigger must wait for the cross, triggers=%d positions=%d",
			len(m.Triggers()), len(m.OpenPositions()))
	}

	now = now.Add(time.Second)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.CESymbol, LTP: 106, At: now})
	m.Cycle(context.Background(), now)

	if got := len(m.Triggers()); got != 0 {
		t.Fatalf("fired trigger must be deleted, got %d armed", got)
	}
	positions := m.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("expected the trigger to convert, got %d positions", len(positions))
	}
	pos := positions[0]
	if pos.ManagedBy != ManagedTrigger || pos.Side != risk.SideCE || pos.Quantity != 75 {
		t.Fatalf("unexpected converted position: %+v", pos)
	}
	if pos.EntryPrice != 106 {
		t.Fatalf("conversion must use the resolved fill, got %.2f", pos.EntryPrice)
	}
	if pos.TakeProfit.Level != 114 || pos.StopLoss.Level != 102 {
		t.Fatalf("trigger tp/sl points must carry over, got tp=%.2f sl=%.2f",
			pos.TakeProfit.Level, pos.StopLoss.Level)
	}

	// The conversion is one-shot.
	m.Cycle(context.Background(), now.Add(time.Second))
	if got := len(m.OpenPositions()); got != 1 {
		t.Fatalf("expected no second conversion, got %d positions", got)
	}
}

func TestArmTriggerValidatesInput(t *testing.T) {
	m, _ := newTestManager(testEngineConfig(), nil, nil, nil)
	cases := []TriggerOrder{
		{Side: "XX", TriggerPrice: 100, Direction: TriggerAbove},
		{Side: risk.SideCE, TriggerPrice: 100, Direction: "sideways"},
		{Side: risk.SideCE, TriggerPrice: 0, Direction: TriggerBelow},
		{Side: risk.SideCE, TriggerPrice: 100, Direction: TriggerAbove, Action: "HOLD"},
	}
	for _, trig := range cases {
		if _, err := m.ArmTrigger(trig); err == nil {
			t.Fatalf("expected error for %+v", trig)
		}
	}
	if len(m.Triggers()) != 0 {
		t.Fatalf("rejected triggers must not be armed, got %d", len(m.Triggers()))
	}
}

func TestPyramidingRespectsExtraLotsCap(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.PyramidingEnabled = true
	cfg.Engine.PyramidingMaxExtraLots = 1
	cfg.Engine.MaxPositionSize = 100000
	m, md := newTestManager(cfg, nil, nil, nil)
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	now := feedRise(md, cfg.Engine.CESymbol, 97, 100, base)
	m.Cycle(context.Background(), now)
	now = feedRise(md, cfg.Engine.CESymbol, 100.5, 103, now.Add(time.Second))
	m.Cycle(context.Background(), now)

	positions := m.OpenPositions()
	if len(positions) != 1 || positions[0].Quantity != 150 {
		t.Fatalf("expected one extra lot merged to qty 150, got %+v", positions)
	}
	if positions[0].EntryPrice != 101.5 {
		t.Fatalf("expected weighted entry 101.50, got %.2f", positions[0].EntryPrice)
	}

	// One extra lot is the cap: further signals must not grow the side.
	now = feedRise(md, cfg.Engine.CESymbol, 103.5, 106, now.Add(time.Second))
	m.Cycle(context.Background(), now)
	now = feedRise(md, cfg.Engine.CESymbol, 106.5, 108, now.Add(time.Second))
	m.Cycle(context.Background(), now)
	if got := m.OpenPositions()[0].Quantity; got != 150 {
		t.Fatalf("extra-lots cap 1 allows max qty 150, got %d", got)
	}
}

func TestPyramidSkipsUnresolvedFills(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.PyramidingEnabled = true
	cfg.Engine.PyramidingMaxExtraLots = 5
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// A pending entry price must not be averaged against a real fill.
	m, _ := newTestManager(cfg, nil, nil, nil)
	m.commitEntry(ctx, manualEntry("p1", risk.SideCE, cfg.Engine.CESymbol, ActionBuy, 75), 0, now)
	m.commitEntry(ctx, manualEntry("p2", risk.SideCE, cfg.Engine.CESymbol, ActionBuy, 75), 102, now)
	pos := m.OpenPositions()[0]
	if pos.Quantity != 75 || !pos.FillPending || pos.EntryPrice != 0 {
		t.Fatalf("merge onto a pending fill must be skipped: %+v", pos)
	}

	// An unresolved new fill must not add quantity at the stale price.
	m2, _ := newTestManager(cfg, nil, nil, nil)
	m2.commitEntry(ctx, manualEntry("p3", risk.SideCE, cfg.Engine.CESymbol, ActionBuy, 75), 100, now)
	m2.commitEntry(ctx, manualEntry("p4", risk.SideCE, cfg.Engine.CESymbol, ActionBuy, 75), 0, now)
	pos = m2.OpenPositions()[0]
	if pos.Quantity != 75 || pos.EntryPrice != 100 {
		t.Fatalf("unresolved pyramid fill must be skipped: %+v", pos)
	}
}

func TestSellPositionExitsOnDownMove(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m.commitEntry(ctx, manualEntry("s1", risk.SidePE, cfg.Engine.PESymbol, ActionSell, 75), 100, base)

	pos := m.OpenPositions()[0]
	if pos.TakeProfit.Level != 90 || pos.StopLoss.Level != 105 {
		t.Fatalf("sell levels must sit below/above entry, got tp=%.2f sl=%.2f",
			pos.TakeProfit.Level, pos.StopLoss.Level)
	}

	now := base.Add(time.Second)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.PESymbol, LTP: 89, At: now})
	m.Cycle(ctx, now)

	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("price under the sell tp must close, got %d open", got)
	}
	if pnl := m.gov.Snapshot(now).RealizedPnl; pnl != 825 {
		t.Fatalf("expected short pnl 825, got %.2f", pnl)
	}
}

func TestSellPositionStopsOnUpMove(t *testing.T) {
	cfg := testEngineConfig()
	m, md := newTestManager(cfg, nil, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m.commitEntry(ctx, manualEntry("s2", risk.SidePE, cfg.Engine.PESymbol, ActionSell, 75), 100, base)

	now := base.Add(time.Second)
	md.Apply(market.Tick{Exchange: "NFO", Symbol: cfg.Engine.PESymbol, LTP: 106, At: now})
	m.Cycle(ctx, now)

	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("price over the sell stop must close, got %d open", got)
	}
	if pnl := m.gov.Snapshot(now).RealizedPnl; pnl != -450 {
		t.Fatalf("expected short pnl -450, got %.2f", pnl)
	}
}

func TestUnresolvedExitFillIsFlagged(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute
	broker := &fakeBroker{quoteErr: errors.New("quotes down")}
	var notes []string
	md := market.New(nil, 100, nil)
	m := New(cfg, Options{
		Governor: risk.NewGovernor(cfg.Risk),
		Market:   md,
		Placer:   &fakePlacer{},
		Broker:   broker,
		Notify:   func(_ context.Context, msg string) { notes = append(notes, msg) },
	})
	m.sleep = func(time.Duration) {}
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m.commitEntry(ctx, manualEntry("u1", risk.SideCE, cfg.Engine.CESymbol, ActionBuy, 75), 100, now)

	// No tick, empty order book, quotes down: every resolver step fails.
	m.closePosition(ctx, "u1", "stop-loss", 0, now.Add(time.Second))

	if got := len(m.OpenPositions()); got != 0 {
		t.Fatalf("the close itself succeeded, got %d open", got)
	}
	if pnl := m.gov.Snapshot(now).RealizedPnl; pnl != 0 {
		t.Fatalf("unresolved exit records at entry price, got pnl %.2f", pnl)
	}
	flagged := false
	for _, note := range notes {
		if strings.Contains(note, "fill unresolved") {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("unresolved exit must be flagged, notes: %v", notes)
	}
}

func TestResolveFillWaitsForCompleteStatus(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Engine.Mode = config.ModeExecute

	// A partial fill is only accepted on the final poll.
	broker := &fakeBroker{
		orders: []rest.BrokerOrder{{OrderID: "ORD-9", Status: "open", AveragePrice: 50}},
	}
	m, _ := newTestManager(cfg, &fakePlacer{}, broker, nil)
	if got := m.resolveFill(context.Background(), "ORD-9", "UNKNOWN", 0); got != 50 {
		t.Fatalf("final poll must take the reported average, got %.2f", got)
	}
	if broker.ordersCalls != fillPollAttempts {
		t.Fatalf("a non-complete order must be polled %d times, got %d",
			fillPollAttempts, broker.ordersCalls)
	}

	broker2 := &fakeBroker{
		orders: []rest.BrokerOrder{{OrderID: "ORD-9", Status: "complete", AveragePrice: 50.5}},
	}
	m2, _ := newTestManager(cfg, &fakePlacer{}, broker2, nil)
	if got := m2.resolveFill(context.Background(), "ORD-9", "UNKNOWN", 0); got != 50.5 {
		t.Fatalf("a complete order resolves immediately, got %.2f", got)
	}
	if broker2.ordersCalls != 1 {
		t.Fatalf("expected a single poll for a complete order, got %d", broker2.ordersCalls)
	}
}

func TestSnapshotCarriesActionAndManagement(t *testing.T) {
	cfg := testEngineConfig()
	store := newMemStore()
	m, _ := newTestManager(cfg, nil, nil, store)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	pos := manualEntry("sell-1", risk.SidePE, cfg.Engine.PESymbol, ActionSell, 75)
	pos.TPPoints = 8
	pos.SLPoints = 4
	m.commitEntry(ctx, pos, 100, now)
	m.Cycle(ctx, now)

	restarted, _ := newTestManager(cfg, nil, nil, store)
	if err := restarted.Restore(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := restarted.OpenPositions()[0]
	if got.Action != ActionSell || got.ManagedBy != ManagedManual {
		t.Fatalf("action/management must survive a restart: %+v", got)
	}
	if got.TPPoints != 8 || got.SLPoints != 4 {
		t.Fatalf("per-position points must survive a restart: tp=%.1f sl=%.1f",
			got.TPPoints, got.SLPoints)
	}

	// Records written before the action field existed restore as bought,
	// auto-managed positions.
	legacy := state.EngineSnapshot{
		Risk: risk.State{Day: "2026-08-28"},
		Positions: []state.PositionRecord{{
			ID:         "pos-legacy",
			Side:       "CE",
			Symbol:     cfg.Engine.CESymbol,
			Exchange:   "NFO",
			Quantity:   75,
			EntryPrice: 100,
			Stage:      string(trail.StageInitial),
			EntryTime:  now,
		}},
		SavedAt: now,
	}
	legacyStore := newMemStore()
	if err := state.SaveEngineSnapshot(context.Background(), legacyStore, legacy); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	old, _ := newTestManager(cfg, nil, nil, legacyStore)
	if err := old.Restore(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got = old.OpenPositions()[0]
	if got.Action != ActionBuy || got.ManagedBy != ManagedAuto {
		t.Fatalf("legacy records must default to auto-managed buys: %+v", got)
	}
}
