package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/exec"
	"opt-scalp-bot/internal/gate"
	"opt-scalp-bot/internal/market"
	"opt-scalp-bot/internal/optctx"
	"opt-scalp-bot/internal/risk"
	"opt-scalp-bot/internal/signal"
	"opt-scalp-bot/internal/telemetry"
	"opt-scalp-bot/internal/trail"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	fillPollAttempts = 3
	fillPollDelay    = 300 * time.Millisecond
)

func (m *Manager) evaluateEntries(ctx context.Context, now time.Time) {
	for _, side := range []risk.Side{risk.SideCE, risk.SidePE} {
		m.evaluateEntry(ctx, side, now)
	}
}

func (m *Manager) evaluateEntry(ctx context.Context, side risk.Side, now time.Time) {
	symbol := m.symbolFor(side)
	key := market.Key(m.cfg.Engine.Exchange, symbol)
	tick, ok := m.md.Latest(key)
	if !ok {
		return
	}
	in := m.gateInput(side, symbol, tick, now)
	decision := gate.Evaluate(in)
	m.metrics.DecisionsEvaluated.Inc()
	m.auditDecision(ctx, side, symbol, decision, now)
	if !decision.Enter {
		return
	}
	if m.log != nil {
		m.log.Info("entry signal",
			zap.String("side", string(side)),
			zap.String("symbol", symbol),
			zap.Float64("score", decision.Score),
			zap.Float64("min_score", decision.MinScore),
			zap.Float64("ltp", tick.LTP))
	}
	m.openEntry(ctx, side, symbol, tick.LTP, in, now)
}

func (m *Manager) gateInput(side risk.Side, symbol string, tick market.Tick, now time.Time) gate.Input {
	key := market.Key(m.cfg.Engine.Exchange, symbol)
	indexKey := m.cfg.Engine.IndexKey
	history := m.md.History(key)
	candles := m.md.Candles(key)
	sidePos, sideOpen := m.sideOpen(side)
	sideQty := 0
	if sideOpen {
		sideQty = sidePos.Quantity
	}
	openQty := m.openQuantity()
	bidQty, askQty := m.md.DepthTotals(indexKey)
	if bidQty == 0 && askQty == 0 {
		bidQty, askQty = m.md.DepthTotals(key)
	}
	octx, hasCtx := m.currentContext(now)
	in := gate.Input{
		Side:         side,
		Now:          now,
		Engine:       m.cfg.Engine,
		Risk:         m.gov.Limits(),
		RiskState:    m.gov.Snapshot(now),
		SideOpen:     sideOpen,
		SideQty:      sideQty,
		OpenQty:      openQty,
		Momentum:     signal.Momentum(history),
		Indicators:   signal.Indicators(history, candles),
		Options:      octx,
		HasOptions:   hasCtx,
		OptionsCfg:   m.cfg.Options,
		Sensitivity:  m.cfg.Engine.Sensitivity,
		Spread:       m.md.Spread(key),
		Depth:        gate.DepthInfo{BidQty: bidQty, AskQty: askQty},
		RecentPrices: m.md.RecentPrices(key, m.cfg.Engine.NoTradeZonePeriod),
	}
	if indexKey != "" {
		in.IndexBias = signal.Bias(m.md.History(indexKey), m.md.Candles(indexKey))
	}
	return in
}

// openEntry dispatches the entry order and attaches exit triggers. The
// gate is re-checked against fresh risk state immediately before dispatch
// so a concurrent exit or operator action cannot be raced past.
func (m *Manager) openEntry(ctx context.Context, side risk.Side, symbol string, ltp float64, in gate.Input, now time.Time) {
	guard := "entry:" + string(side)
	if !m.acquire(guard) {
		return
	}
	defer m.release(guard)

	in.RiskState = m.gov.Snapshot(now)
	recheck := gate.Evaluate(in)
	if !recheck.Enter {
		if m.log != nil {
			m.log.Info("entry revoked on recheck",
				zap.String("side", string(side)), zap.String("reason", recheck.Reason))
		}
		return
	}

	pos := &VirtualPosition{
		ID:              uuid.NewString(),
		Side:            side,
		Symbol:          symbol,
		Exchange:        m.cfg.Engine.Exchange,
		Action:          ActionBuy,
		Quantity:        m.cfg.Engine.Quantity,
		ManagedBy:       ManagedAuto,
		TPPoints:        m.cfg.Engine.TPPoints,
		SLPoints:        m.cfg.Engine.SLPoints,
		AutoEntryScore:  recheck.Score,
		AutoEntryReason: recheck.Reason,
		EntryTime:       now,
		Stage:           trail.StageInitial,
	}
	fill := ltp
	if m.executeMode() {
		orderID, err := m.placer.PlaceOrder(ctx, exec.Order{
			Symbol:        symbol,
			Exchange:      m.cfg.Engine.Exchange,
			Action:        pos.Action,
			Quantity:      pos.Quantity,
			PriceType:     priceTypeMarket,
			Product:       productMIS,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			m.metrics.EntriesRejected.Inc()
			if m.log != nil {
				m.log.Error("entry order failed", zap.String("side", string(side)), zap.Error(err))
			}
			m.notify(ctx, fmt.Sprintf("entry %s %s failed: %v", side, symbol, err))
			return
		}
		pos.EntryOrderID = orderID
		fill = m.resolveFill(ctx, orderID, symbol, ltp)
	}
	m.metrics.EntriesPlaced.Inc()
	m.commitEntry(ctx, pos, fill, now)
}

// commitEntry records the fill for a freshly built position. A zero fill
// means every resolver fallback failed: the position is tracked but exit
// triggers stay detached until a later cycle resolves the price. An open
// side merges instead, with a quantity-weighted entry price; the merge is
// skipped entirely while either side of it lacks a resolved price.
func (m *Manager) commitEntry(ctx context.Context, pos *VirtualPosition, fill float64, now time.Time) {
	side := pos.Side
	m.mu.Lock()
	if id, open := m.bySide[side]; open {
		cur := m.positions[id]
		if cur.FillPending || fill <= 0 {
			m.mu.Unlock()
			m.metrics.FillsUnresolved.Inc()
			if m.log != nil {
				m.log.Warn("pyramid skipped without a resolved price",
					zap.String("side", string(side)),
					zap.Bool("position_pending", cur.FillPending),
					zap.Float64("fill", fill))
			}
			return
		}
		cur.EntryPrice = mergeFill(cur.EntryPrice, cur.Quantity, fill, pos.Quantity)
		cur.Quantity += pos.Quantity
		m.mu.Unlock()
		m.gov.RecordEntry(side, now)
		if m.log != nil {
			m.log.Info("pyramided into position",
				zap.String("side", string(side)),
				zap.Float64("entry", cur.EntryPrice),
				zap.Int("quantity", cur.Quantity))
		}
		return
	}
	if octx, hasCtx := m.currentContext(now); hasCtx {
		pos.EntryATMIV = octx.ATMIV
		pos.EntryPCR = octx.PCR
	}
	if fill > 0 {
		m.attachLocked(pos, fill, now)
	} else {
		pos.FillPending = true
		m.metrics.FillsUnresolved.Inc()
	}
	m.positions[pos.ID] = pos
	m.bySide[side] = pos.ID
	m.mu.Unlock()

	m.gov.RecordEntry(side, now)
	m.notify(ctx, fmt.Sprintf("ENTRY %s %s %s qty=%d fill=%.2f tp=%.2f sl=%.2f",
		pos.Action, side, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.TakeProfit.Level, pos.StopLoss.Level))
	if m.log != nil {
		m.log.Info("position opened",
			zap.String("id", pos.ID),
			zap.String("side", string(side)),
			zap.String("action", pos.Action),
			zap.String("managed_by", pos.ManagedBy),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("tp", pos.TakeProfit.Level),
			zap.Float64("sl", pos.StopLoss.Level),
			zap.Bool("fill_pending", pos.FillPending))
	}
	m.emitExecution(telemetry.ExecutionSample{
		Time:    now,
		Outcome: "entry",
		Side:    string(side),
		Symbol:  pos.Symbol,
		Price:   pos.EntryPrice,
	})
}

// trailConfigFor substitutes a position's own stop distance when it
// carries one, as trigger-born positions do.
func (m *Manager) trailConfigFor(pos *VirtualPosition) config.TrailConfig {
	cfg := m.cfg.Trail
	if pos.SLPoints > 0 {
		cfg.InitialSLPoints = pos.SLPoints
	}
	return cfg
}

// attachLocked sets the entry price and arms both exit triggers. Caller
// holds the mutex.
func (m *Manager) attachLocked(pos *VirtualPosition, fill float64, now time.Time) {
	pos.EntryPrice = fill
	pos.HighSinceEntry = fill
	pos.FillPending = false
	octx, hasCtx := m.currentContext(now)
	initial := trail.Advance(trail.StageInitial, fill, fill, fill, pos.isBuy(), m.trailConfigFor(pos), octx, hasCtx)
	tpPoints := pos.TPPoints
	if tpPoints <= 0 {
		tpPoints = m.cfg.Engine.TPPoints
	}
	tpLevel := fill + tpPoints
	if !pos.isBuy() {
		tpLevel = fill - tpPoints
	}
	pos.StopLoss = newTrigger(pos.ID, TriggerStopLoss, initial.NewSL)
	pos.TakeProfit = newTrigger(pos.ID, TriggerTakeProfit, trail.RoundTick(tpLevel))
}

// fireArmedTriggers walks the standalone price-cross orders. A crossed
// trigger is one-shot: it leaves the map before conversion starts.
func (m *Manager) fireArmedTriggers(ctx context.Context, now time.Time) {
	if m.gov.KillSwitchActive() {
		return
	}
	for _, trig := range m.Triggers() {
		tick, ok := m.md.Latest(market.Key(trig.Exchange, trig.Symbol))
		if !ok || tick.LTP <= 0 || !trig.crossed(tick.LTP) {
			continue
		}
		m.convertTrigger(ctx, trig, tick.LTP, now)
	}
}

// convertTrigger deletes a crossed trigger and turns it into a managed
// position at the resolved fill price. A side with an open position keeps
// the trigger armed for a later cycle.
func (m *Manager) convertTrigger(ctx context.Context, trig TriggerOrder, ltp float64, now time.Time) {
	guard := "trigger:" + trig.ID
	if !m.acquire(guard) {
		return
	}
	defer m.release(guard)

	m.mu.Lock()
	if _, armed := m.triggers[trig.ID]; !armed {
		m.mu.Unlock()
		return
	}
	if _, open := m.bySide[trig.Side]; open {
		m.mu.Unlock()
		return
	}
	delete(m.triggers, trig.ID)
	m.mu.Unlock()
	m.metrics.TriggersFired.Inc()

	pos := &VirtualPosition{
		ID:        uuid.NewString(),
		Side:      trig.Side,
		Symbol:    trig.Symbol,
		Exchange:  trig.Exchange,
		Action:    trig.Action,
		Quantity:  trig.Quantity,
		ManagedBy: ManagedTrigger,
		TPPoints:  trig.TPPoints,
		SLPoints:  trig.SLPoints,
		EntryTime: now,
		Stage:     trail.StageInitial,
	}
	fill := ltp
	if m.executeMode() {
		orderID, err := m.placer.PlaceOrder(ctx, exec.Order{
			Symbol:        trig.Symbol,
			Exchange:      trig.Exchange,
			Action:        trig.Action,
			Quantity:      trig.Quantity,
			PriceType:     priceTypeMarket,
			Product:       productMIS,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			m.metrics.EntriesRejected.Inc()
			if m.log != nil {
				m.log.Error("trigger order failed", zap.String("trigger", trig.ID), zap.Error(err))
			}
			m.notify(ctx, fmt.Sprintf("trigger %s %s %.2f failed: %v", trig.Side, trig.Symbol, trig.TriggerPrice, err))
			m.emitExecution(telemetry.ExecutionSample{
				Time:    now,
				Outcome: "rejected",
				Side:    string(trig.Side),
				Symbol:  trig.Symbol,
				Reason:  "trigger dispatch failed",
			})
			return
		}
		pos.EntryOrderID = orderID
		fill = m.resolveFill(ctx, orderID, trig.Symbol, ltp)
	}
	if m.log != nil {
		m.log.Info("trigger fired",
			zap.String("trigger", trig.ID),
			zap.String("side", string(trig.Side)),
			zap.Float64("trigger_price", trig.TriggerPrice),
			zap.Float64("ltp", ltp))
	}
	m.commitEntry(ctx, pos, fill, now)
}

// resolvePendingFills retries price resolution for positions whose entry
// fill was unknown at commit time.
func (m *Manager) resolvePendingFills(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var pending []*VirtualPosition
	for _, pos := range m.positions {
		if pos.FillPending {
			pending = append(pending, pos)
		}
	}
	m.mu.Unlock()
	for _, pos := range pending {
		key := market.Key(pos.Exchange, pos.Symbol)
		fallback := 0.0
		if tick, ok := m.md.Latest(key); ok {
			fallback = tick.LTP
		}
		fill := m.resolveFill(ctx, pos.EntryOrderID, pos.Symbol, fallback)
		if fill <= 0 {
			continue
		}
		m.mu.Lock()
		if cur, ok := m.positions[pos.ID]; ok && cur.FillPending {
			m.attachLocked(cur, fill, now)
		}
		m.mu.Unlock()
		if m.log != nil {
			m.log.Info("pending fill resolved", zap.String("id", pos.ID), zap.Float64("fill", fill))
		}
	}
}

// resolveFill walks the fill-price chain: broker order book with bounded
// polling, then the cached tick, then the caller's fallback, then a fresh
// quote. Zero is the explicit everything-failed sentinel. The order book
// average is trusted only once the order reports complete; the final
// poll takes whatever average is there rather than return empty-handed.
func (m *Manager) resolveFill(ctx context.Context, orderID, symbol string, fallback float64) float64 {
	if m.broker != nil && orderID != "" {
		for attempt := 0; attempt < fillPollAttempts; attempt++ {
			final := attempt == fillPollAttempts-1
			orders, err := m.broker.Orders(ctx)
			if err == nil {
				for _, order := range orders {
					if order.OrderID != orderID || order.AveragePrice <= 0 {
						continue
					}
					if final || fillComplete(order.Status) {
						return order.AveragePrice
					}
				}
			} else if m.log != nil {
				m.log.Debug("order book poll failed", zap.Error(err))
			}
			if !final {
				m.sleep(fillPollDelay)
			}
		}
	}
	key := market.Key(m.cfg.Engine.Exchange, symbol)
	if tick, ok := m.md.Latest(key); ok && tick.LTP > 0 {
		return tick.LTP
	}
	if fallback > 0 {
		return fallback
	}
	if m.broker != nil {
		if quote, err := m.broker.Quotes(ctx, symbol, m.cfg.Engine.Exchange); err == nil && quote.LTP > 0 {
			return quote.LTP
		}
	}
	return 0
}

func fillComplete(status string) bool {
	switch strings.ToLower(status) {
	case "complete", "completed", "filled", "executed":
		return true
	}
	return false
}

func (m *Manager) currentContext(now time.Time) (optctx.Snapshot, bool) {
	if m.octx == nil {
		return optctx.Snapshot{}, false
	}
	return m.octx.Current(now)
}

// auditDecision persists the full check list in the kv store and mirrors
// a compact sample into telemetry.
func (m *Manager) auditDecision(ctx context.Context, side risk.Side, symbol string, decision gate.Decision, now time.Time) {
	m.emitDecision(telemetry.DecisionSample{
		Time:      now,
		Side:      string(side),
		Symbol:    symbol,
		Enter:     decision.Enter,
		Score:     decision.Score,
		MinScore:  decision.MinScore,
		BlockedBy: decision.BlockedBy,
		Reason:    decision.Reason,
		Spread:    decision.Spread,
	})
	if m.store == nil {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	key := fmt.Sprintf("audit:decision:%s:%d", side, now.UnixNano())
	if err := m.store.Set(ctx, key, string(payload)); err != nil && m.log != nil {
		m.log.Debug("decision audit write failed", zap.Error(err))
	}
}

func (m *Manager) emitDecision(sample telemetry.DecisionSample) {
	if m.tel != nil {
		m.tel.EmitDecision(sample)
	}
}

func (m *Manager) emitExecution(sample telemetry.ExecutionSample) {
	if m.tel != nil {
		m.tel.EmitExecution(sample)
	}
}
