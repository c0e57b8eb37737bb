package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opt-scalp-bot/internal/exec"
	"opt-scalp-bot/internal/market"
	"opt-scalp-bot/internal/telemetry"
	"opt-scalp-bot/internal/trail"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// updateTrailing advances the stop machine for every attached position.
// Stage never regresses and a stop only commits when it tightens by at
// least one tick.
func (m *Manager) updateTrailing(now time.Time) {
	octx, hasCtx := m.currentContext(now)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.FillPending {
			continue
		}
		tick, ok := m.md.Latest(market.Key(pos.Exchange, pos.Symbol))
		if !ok || tick.LTP <= 0 {
			continue
		}
		isBuy := pos.isBuy()
		// HighSinceEntry tracks the favorable extreme: the high for a
		// bought position, the low for a sold one.
		if isBuy && tick.LTP > pos.HighSinceEntry {
			pos.HighSinceEntry = tick.LTP
		} else if !isBuy && tick.LTP < pos.HighSinceEntry {
			pos.HighSinceEntry = tick.LTP
		}
		result := trail.Advance(pos.Stage, pos.EntryPrice, tick.LTP, pos.HighSinceEntry, isBuy, m.trailConfigFor(pos), octx, hasCtx)
		if trail.Rank(result.NewStage) > trail.Rank(pos.Stage) {
			if m.log != nil {
				m.log.Info("trail stage advanced",
					zap.String("id", pos.ID),
					zap.String("from", string(pos.Stage)),
					zap.String("to", string(result.NewStage)))
			}
			pos.Stage = result.NewStage
		}
		if trail.Tightens(result.NewSL, pos.StopLoss.Level, isBuy) {
			if m.log != nil {
				m.log.Info("stop tightened",
					zap.String("id", pos.ID),
					zap.Float64("from", pos.StopLoss.Level),
					zap.Float64("to", result.NewSL))
			}
			pos.StopLoss.Level = result.NewSL
		}
	}
}

// checkEarlyExits runs the circuit breakers ahead of the tp/sl crosses:
// a per-trade max-loss breach closes unconditionally, then the
// options-context rules apply after the grace window (an ATM IV spike or
// a PCR flip against the position).
func (m *Manager) checkEarlyExits(ctx context.Context, now time.Time) {
	octx, hasCtx := m.currentContext(now)
	useCtx := m.cfg.Options.Enabled && hasCtx
	for _, pos := range m.OpenPositions() {
		if pos.FillPending {
			continue
		}
		reason := ""
		if m.cfg.Engine.PerTradeMaxLoss > 0 {
			if tick, ok := m.md.Latest(market.Key(pos.Exchange, pos.Symbol)); ok && tick.LTP > 0 {
				unrealized := (tick.LTP - pos.EntryPrice) * float64(pos.Quantity)
				if !pos.isBuy() {
					unrealized = -unrealized
				}
				if unrealized <= -m.cfg.Engine.PerTradeMaxLoss {
					reason = fmt.Sprintf("per-trade max loss breached (%.2f/-%.2f)",
						unrealized, m.cfg.Engine.PerTradeMaxLoss)
				}
			}
		}
		if reason == "" && useCtx && now.Sub(pos.EntryTime) >= m.cfg.Options.EarlyExitGrace {
			if pos.EntryATMIV > 0 && octx.ATMIV >= pos.EntryATMIV*(1+m.cfg.Options.IVSpikeExitPct/100) {
				reason = fmt.Sprintf("atm iv spike %.1f -> %.1f", pos.EntryATMIV, octx.ATMIV)
			}
			if reason == "" && pos.EntryPCR > 0 {
				move := m.cfg.Options.PCRFlipExitMove
				switch {
				case pos.Side == "CE" && octx.PCR >= pos.EntryPCR+move:
					reason = fmt.Sprintf("pcr flipped bearish %.2f -> %.2f", pos.EntryPCR, octx.PCR)
				case pos.Side == "PE" && octx.PCR <= pos.EntryPCR-move:
					reason = fmt.Sprintf("pcr flipped bullish %.2f -> %.2f", pos.EntryPCR, octx.PCR)
				}
			}
		}
		if reason == "" {
			continue
		}
		m.closePosition(ctx, pos.ID, "early-exit: "+reason, 0, now)
	}
}

// checkExitTriggers fires the virtual TP and SL. Each trigger is
// one-shot; a failed close re-arms it for the next cycle. The cross
// comparisons flip for sold positions.
func (m *Manager) checkExitTriggers(ctx context.Context, now time.Time) {
	for _, pos := range m.OpenPositions() {
		if pos.FillPending {
			continue
		}
		tick, ok := m.md.Latest(market.Key(pos.Exchange, pos.Symbol))
		if !ok || tick.LTP <= 0 {
			continue
		}
		tpCrossed := tick.LTP >= pos.TakeProfit.Level
		slCrossed := tick.LTP <= pos.StopLoss.Level
		if !pos.isBuy() {
			tpCrossed = tick.LTP <= pos.TakeProfit.Level
			slCrossed = tick.LTP >= pos.StopLoss.Level
		}
		switch {
		case pos.TakeProfit.Level > 0 && tpCrossed:
			if m.fireTrigger(pos.ID, TriggerTakeProfit) {
				m.metrics.TriggersFired.Inc()
				m.closePosition(ctx, pos.ID, "take-profit", pos.TakeProfit.Level, now)
			}
		case pos.StopLoss.Level > 0 && slCrossed:
			if m.fireTrigger(pos.ID, TriggerStopLoss) {
				m.metrics.TriggersFired.Inc()
				m.closePosition(ctx, pos.ID, "stop-loss", pos.StopLoss.Level, now)
			}
		}
	}
}

// fireTrigger flips the one-shot flag under the lock; only the winner of
// the flip dispatches a close.
func (m *Manager) fireTrigger(positionID string, kind TriggerKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return false
	}
	trigger := &pos.StopLoss
	if kind == TriggerTakeProfit {
		trigger = &pos.TakeProfit
	}
	if trigger.Fired {
		return false
	}
	trigger.Fired = true
	return true
}

func (m *Manager) rearmTrigger(positionID string, kind TriggerKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return
	}
	if kind == TriggerTakeProfit {
		pos.TakeProfit.Fired = false
		return
	}
	pos.StopLoss.Fired = false
}

// closePosition dispatches the exit order and settles the trade. reason
// names the exit path; preferredPrice is the trigger level, used as the
// first fill candidate when the broker reports nothing better.
func (m *Manager) closePosition(ctx context.Context, positionID, reason string, preferredPrice float64, now time.Time) {
	guard := "close:" + positionID
	if !m.acquire(guard) {
		return
	}
	defer m.release(guard)

	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *pos
	m.mu.Unlock()

	key := market.Key(snapshot.Exchange, snapshot.Symbol)
	fallback := preferredPrice
	if tick, ok := m.md.Latest(key); ok && tick.LTP > 0 {
		fallback = tick.LTP
	}
	closeAction := ActionSell
	if !snapshot.isBuy() {
		closeAction = ActionBuy
	}
	exitFill := fallback
	if m.executeMode() {
		orderID, err := m.placer.PlaceOrder(ctx, exec.Order{
			Symbol:        snapshot.Symbol,
			Exchange:      snapshot.Exchange,
			Action:        closeAction,
			Quantity:      snapshot.Quantity,
			PriceType:     priceTypeMarket,
			Product:       productMIS,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			m.metrics.CloseRejected.Inc()
			if m.log != nil {
				m.log.Error("close order failed", zap.String("id", positionID), zap.Error(err))
			}
			m.rearmForRetry(positionID, reason)
			if m.broker != nil {
				if cerr := m.broker.ClosePosition(ctx, snapshot.Symbol, snapshot.Exchange, productMIS); cerr != nil {
					m.notify(ctx, fmt.Sprintf("CLOSE FAILED %s %s: %v", snapshot.Side, snapshot.Symbol, err))
					return
				}
			} else {
				return
			}
		} else {
			exitFill = m.resolveFill(ctx, orderID, snapshot.Symbol, fallback)
		}
	}
	// An unresolved exit fill falls back to the entry price, which zeroes
	// the trade's P&L. The sample and the alert say so instead of passing
	// the trade off as flat.
	unresolved := exitFill <= 0
	outcome := "exit"
	if unresolved {
		m.metrics.FillsUnresolved.Inc()
		exitFill = snapshot.EntryPrice
		outcome = "exit-unresolved"
		reason += " (fill unresolved)"
		if m.log != nil {
			m.log.Warn("exit fill unresolved, pnl recorded at entry price",
				zap.String("id", positionID))
		}
	}

	pnl := (exitFill - snapshot.EntryPrice) * float64(snapshot.Quantity)
	if !snapshot.isBuy() {
		pnl = -pnl
	}
	m.removePosition(positionID)
	killBefore := m.gov.KillSwitchActive()
	m.gov.RecordExit(snapshot.Side, pnl, now)
	m.metrics.ExitsFired.Inc()
	if !killBefore && m.gov.KillSwitchActive() {
		m.metrics.KillSwitchTripped.Inc()
		m.notify(ctx, fmt.Sprintf("KILL SWITCH: daily loss limit breached (pnl %.2f)", m.gov.Snapshot(now).RealizedPnl))
	}
	m.notify(ctx, fmt.Sprintf("EXIT %s %s qty=%d fill=%.2f pnl=%.2f (%s)",
		snapshot.Side, snapshot.Symbol, snapshot.Quantity, exitFill, pnl, reason))
	if m.log != nil {
		m.log.Info("position closed",
			zap.String("id", positionID),
			zap.String("side", string(snapshot.Side)),
			zap.Float64("exit", exitFill),
			zap.Float64("pnl", pnl),
			zap.String("reason", reason))
	}
	m.emitExecution(telemetry.ExecutionSample{
		Time:     now,
		Outcome:  outcome,
		Side:     string(snapshot.Side),
		Symbol:   snapshot.Symbol,
		Price:    exitFill,
		Slippage: slippage(preferredPrice, exitFill),
		Pnl:      pnl,
		Reason:   reason,
	})
}

func (m *Manager) rearmForRetry(positionID, reason string) {
	switch reason {
	case "take-profit":
		m.rearmTrigger(positionID, TriggerTakeProfit)
	case "stop-loss":
		m.rearmTrigger(positionID, TriggerStopLoss)
	}
}

func slippage(expected, actual float64) float64 {
	if expected <= 0 {
		return 0
	}
	return actual - expected
}

// checkSquareOff closes everything at the scheduled cutoff, once per day.
// Expiry days use the earlier cutoff.
func (m *Manager) checkSquareOff(ctx context.Context, now time.Time) {
	day := now.Format("2006-01-02")
	m.mu.Lock()
	fired := m.squareOffDay == day
	m.mu.Unlock()
	if fired {
		return
	}
	cutoff := m.cfg.Engine.SquareOffTime
	if isExpiryDay(now, m.cfg.Engine.ExpiryWeekday) {
		cutoff = m.cfg.Engine.ExpirySquareOffTime
	}
	due, err := pastCutoff(now, cutoff)
	if err != nil || !due {
		return
	}
	m.mu.Lock()
	// Re-check under the lock so concurrent callers mark exactly once.
	if m.squareOffDay == day {
		m.mu.Unlock()
		return
	}
	m.squareOffDay = day
	m.mu.Unlock()
	m.metrics.SquareOffs.Inc()
	m.squareOffAll(ctx, "square-off "+cutoff, now)
}

// SquareOffNow flattens everything immediately and blocks entries for the
// rest of the day. Used by the operator command.
func (m *Manager) SquareOffNow(ctx context.Context, now time.Time) {
	m.mu.Lock()
	m.squareOffDay = now.Format("2006-01-02")
	m.mu.Unlock()
	m.metrics.SquareOffs.Inc()
	m.squareOffAll(ctx, "square-off operator", now)
}

func (m *Manager) squareOffAll(ctx context.Context, reason string, now time.Time) {
	positions := m.OpenPositions()
	if len(positions) == 0 {
		return
	}
	m.notify(ctx, fmt.Sprintf("%s: closing %d position(s)", reason, len(positions)))
	for _, pos := range positions {
		m.closePosition(ctx, pos.ID, reason, 0, now)
	}
}

// flattenOnKillSwitch closes any remaining positions once the daily loss
// limit has tripped. Entries are already blocked by the gate.
func (m *Manager) flattenOnKillSwitch(ctx context.Context, now time.Time) {
	if !m.gov.KillSwitchActive() {
		return
	}
	for _, pos := range m.OpenPositions() {
		m.closePosition(ctx, pos.ID, "kill-switch", 0, now)
	}
}

func pastCutoff(now time.Time, cutoff string) (bool, error) {
	parsed, err := time.Parse("15:04", cutoff)
	if err != nil {
		return false, err
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= parsed.Hour()*60+parsed.Minute(), nil
}

func isExpiryDay(now time.Time, weekday string) bool {
	if weekday == "" {
		return false
	}
	return strings.EqualFold(now.Weekday().String(), weekday)
}
