package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"opt-scalp-bot/internal/broker/rest"
	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/exec"
	"opt-scalp-bot/internal/market"
	"opt-scalp-bot/internal/metrics"
	"opt-scalp-bot/internal/optctx"
	"opt-scalp-bot/internal/risk"
	"opt-scalp-bot/internal/state"
	"opt-scalp-bot/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderPlacer places idempotent orders. Satisfied by exec.Executor.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order exec.Order) (string, error)
}

// Broker is the slice of the gateway the manager needs beyond order
// placement: fill reconciliation and the emergency close path.
type Broker interface {
	Orders(ctx context.Context) ([]rest.BrokerOrder, error)
	Quotes(ctx context.Context, symbol, exchange string) (rest.Quote, error)
	ClosePosition(ctx context.Context, symbol, exchange, product string) error
}

// ContextSource serves the latest options analytics snapshot, absent when
// stale. Satisfied by optctx.Feed.
type ContextSource interface {
	Current(now time.Time) (optctx.Snapshot, bool)
}

// Manager owns the order lifecycle: entry decisions, virtual exits,
// trailing and the end-of-day square-off. One mutex guards all lifecycle
// state; Cycle is the only writer during normal operation.
type Manager struct {
	cfg     config.Config
	gov     *risk.Governor
	md      *market.MarketData
	octx    ContextSource
	placer  OrderPlacer
	broker  Broker
	store   state.Store
	metrics *metrics.Metrics
	tel     *telemetry.Writer
	log     *zap.Logger
	notify  func(context.Context, string)

	// sleep is swappable so fill-polling tests run instantly.
	sleep func(time.Duration)

	mu           sync.Mutex
	positions    map[string]*VirtualPosition
	bySide       map[risk.Side]string
	triggers     map[string]*TriggerOrder
	inflight     map[string]struct{}
	squareOffDay string
	paused       bool
}

type Options struct {
	Governor  *risk.Governor
	Market    *market.MarketData
	Context   ContextSource
	Placer    OrderPlacer
	Broker    Broker
	Store     state.Store
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Writer
	Log       *zap.Logger
	Notify    func(context.Context, string)
}

func New(cfg config.Config, opts Options) *Manager {
	m := &Manager{
		cfg:       cfg,
		gov:       opts.Governor,
		md:        opts.Market,
		octx:      opts.Context,
		placer:    opts.Placer,
		broker:    opts.Broker,
		store:     opts.Store,
		metrics:   opts.Metrics,
		tel:       opts.Telemetry,
		log:       opts.Log,
		notify:    opts.Notify,
		sleep:     time.Sleep,
		positions: make(map[string]*VirtualPosition),
		bySide:    make(map[risk.Side]string),
		triggers:  make(map[string]*TriggerOrder),
		inflight:  make(map[string]struct{}),
	}
	if m.metrics == nil {
		m.metrics = metrics.NewNoop()
	}
	if m.notify == nil {
		m.notify = func(context.Context, string) {}
	}
	return m
}

// Restore loads the persisted snapshot. Risk counters from another day are
// discarded by the governor; positions come back with fresh trigger ids
// and no in-flight flags.
func (m *Manager) Restore(ctx context.Context, now time.Time) error {
	snapshot, ok, err := state.LoadEngineSnapshot(ctx, m.store)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.gov.Restore(snapshot.Risk, now)
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot.SquareOffFired == now.Format("2006-01-02") {
		m.squareOffDay = snapshot.SquareOffFired
	}
	for _, rec := range snapshot.Positions {
		pos := positionFromRecord(rec)
		m.positions[pos.ID] = pos
		m.bySide[pos.Side] = pos.ID
	}
	if len(snapshot.Positions) > 0 && m.log != nil {
		m.log.Info("restored open positions", zap.Int("count", len(snapshot.Positions)))
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, now time.Time) {
	riskState := m.gov.Snapshot(now)
	m.mu.Lock()
	snapshot := state.EngineSnapshot{
		Risk:           riskState,
		SquareOffFired: m.squareOffDay,
		SavedAt:        now,
	}
	for _, pos := range m.positions {
		snapshot.Positions = append(snapshot.Positions, pos.record())
	}
	m.mu.Unlock()
	sort.Slice(snapshot.Positions, func(i, j int) bool {
		return snapshot.Positions[i].EntryTime.Before(snapshot.Positions[j].EntryTime)
	})
	if err := state.SaveEngineSnapshot(ctx, m.store, snapshot); err != nil && m.log != nil {
		m.log.Warn("snapshot save failed", zap.Error(err))
	}
}

// Cycle runs one decision pass at the given instant: resolve pending
// fills, trail, exits, square-off, armed triggers, then entries. The
// caller throttles the cadence.
func (m *Manager) Cycle(ctx context.Context, now time.Time) {
	m.resolvePendingFills(ctx, now)
	m.updateTrailing(now)
	m.checkEarlyExits(ctx, now)
	m.checkExitTriggers(ctx, now)
	m.checkSquareOff(ctx, now)
	m.flattenOnKillSwitch(ctx, now)
	if !m.entriesBlocked(now) {
		m.fireArmedTriggers(ctx, now)
		m.evaluateEntries(ctx, now)
	}
	m.persist(ctx, now)
}

func (m *Manager) entriesBlocked(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return true
	}
	return m.squareOffDay == now.Format("2006-01-02")
}

func (m *Manager) SetPaused(paused bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return m.paused
}

func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// ArmTrigger registers a standalone price-cross order. Zero quantity and
// tp/sl points inherit the engine defaults; the returned id cancels it.
func (m *Manager) ArmTrigger(t TriggerOrder) (string, error) {
	if t.Side != risk.SideCE && t.Side != risk.SidePE {
		return "", fmt.Errorf("trigger side must be CE or PE, got %q", t.Side)
	}
	if t.Direction != TriggerAbove && t.Direction != TriggerBelow {
		return "", fmt.Errorf("trigger direction must be above or below, got %q", t.Direction)
	}
	if t.TriggerPrice <= 0 {
		return "", fmt.Errorf("trigger price must be > 0, got %.2f", t.TriggerPrice)
	}
	if t.Action == "" {
		t.Action = ActionBuy
	}
	if t.Action != ActionBuy && t.Action != ActionSell {
		return "", fmt.Errorf("trigger action must be BUY or SELL, got %q", t.Action)
	}
	if t.Symbol == "" {
		t.Symbol = m.symbolFor(t.Side)
	}
	if t.Exchange == "" {
		t.Exchange = m.cfg.Engine.Exchange
	}
	if t.Quantity <= 0 {
		t.Quantity = m.cfg.Engine.Quantity
	}
	if t.TPPoints <= 0 {
		t.TPPoints = m.cfg.Engine.TPPoints
	}
	if t.SLPoints <= 0 {
		t.SLPoints = m.cfg.Engine.SLPoints
	}
	t.ID = uuid.NewString()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.triggers[t.ID] = &t
	m.mu.Unlock()
	if m.log != nil {
		m.log.Info("trigger armed",
			zap.String("id", t.ID),
			zap.String("side", string(t.Side)),
			zap.String("action", t.Action),
			zap.Float64("price", t.TriggerPrice),
			zap.String("direction", string(t.Direction)))
	}
	return t.ID, nil
}

func (m *Manager) CancelTrigger(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return false
	}
	delete(m.triggers, id)
	return true
}

// Triggers returns copies of the armed triggers ordered by creation time.
func (m *Manager) Triggers() []TriggerOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TriggerOrder, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OpenPositions returns copies ordered by entry time.
func (m *Manager) OpenPositions() []VirtualPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VirtualPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Status renders a short operator-facing summary.
func (m *Manager) Status(now time.Time) string {
	riskState := m.gov.Snapshot(now)
	positions := m.OpenPositions()
	lines := []string{
		fmt.Sprintf("mode: %s", m.cfg.Engine.Mode),
		fmt.Sprintf("paused: %t", m.IsPaused()),
		fmt.Sprintf("kill_switch: %t", riskState.KillSwitch),
		fmt.Sprintf("trades_today: %d/%d", riskState.TradesCount, m.gov.Limits().MaxTradesPerDay),
		fmt.Sprintf("realized_pnl: %.2f", riskState.RealizedPnl),
		fmt.Sprintf("consecutive_losses: %d", riskState.ConsecutiveLosses),
		fmt.Sprintf("open_positions: %d", len(positions)),
	}
	for _, pos := range positions {
		lines = append(lines, fmt.Sprintf("  %s %s qty=%d entry=%.2f sl=%.2f tp=%.2f stage=%s",
			pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.StopLoss.Level, pos.TakeProfit.Level, pos.Stage))
	}
	triggers := m.Triggers()
	lines = append(lines, fmt.Sprintf("armed_triggers: %d", len(triggers)))
	for _, trig := range triggers {
		lines = append(lines, fmt.Sprintf("  %s %s %s %s %.2f qty=%d",
			trig.Side, trig.Symbol, trig.Action, trig.Direction, trig.TriggerPrice, trig.Quantity))
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) sideOpen(side risk.Side) (*VirtualPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySide[side]
	if !ok {
		return nil, false
	}
	pos, ok := m.positions[id]
	return pos, ok
}

func (m *Manager) openQuantity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, pos := range m.positions {
		total += pos.Quantity
	}
	return total
}

func (m *Manager) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[key]; busy {
		return false
	}
	m.inflight[key] = struct{}{}
	return true
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, key)
}

func (m *Manager) removePosition(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return
	}
	delete(m.positions, id)
	if m.bySide[pos.Side] == id {
		delete(m.bySide, pos.Side)
	}
}

func (m *Manager) symbolFor(side risk.Side) string {
	if side == risk.SidePE {
		return m.cfg.Engine.PESymbol
	}
	return m.cfg.Engine.CESymbol
}

func (m *Manager) executeMode() bool {
	return m.cfg.Engine.Mode == config.ModeExecute
}
