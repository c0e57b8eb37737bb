package risk

import (
	"sync"
	"time"

	"opt-scalp-bot/internal/config"
)

// Side is the option leg being traded.
type Side string

const (
	SideCE Side = "CE"
	SidePE Side = "PE"
)

// State is a point-in-time copy of the governor's counters. The entry gate
// consumes it by value; only the lifecycle manager mutates the governor.
type State struct {
	Day                 string              `json:"day"`
	ConsecutiveLosses   int                 `json:"consecutive_losses"`
	TradesCount         int                 `json:"trades_count"`
	RealizedPnl         float64             `json:"realized_pnl"`
	LastTradeTime       time.Time           `json:"last_trade_time"`
	TradesThisMinute    int                 `json:"trades_this_minute"`
	MinuteMark          time.Time           `json:"minute_mark"`
	LastLossTime        time.Time           `json:"last_loss_time"`
	LastTradePnl        float64             `json:"last_trade_pnl"`
	SideEntryCount      map[Side]int        `json:"side_entry_count"`
	SideLastExitAt      map[Side]time.Time  `json:"side_last_exit_at"`
	KillSwitch          bool                `json:"kill_switch"`
	LockProfitTriggered bool                `json:"lock_profit_triggered"`
	DailyPeakPnl        float64             `json:"daily_peak_pnl"`
	DailyDrawdown       float64             `json:"daily_drawdown"`
}

// Governor owns the cross-cutting risk counters. A single mutex guards every
// read-modify-write; callers never touch fields directly.
type Governor struct {
	mu    sync.Mutex
	cfg   config.RiskConfig
	state State
}

func NewGovernor(cfg config.RiskConfig) *Governor {
	return &Governor{cfg: cfg, state: freshState(time.Now().UTC())}
}

func freshState(now time.Time) State {
	return State{
		Day:            now.Format("2006-01-02"),
		SideEntryCount: make(map[Side]int),
		SideLastExitAt: make(map[Side]time.Time),
	}
}

// Snapshot rolls the day and minute windows forward, then returns a copy.
func (g *Governor) Snapshot(now time.Time) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(now)
	return g.copyLocked()
}

func (g *Governor) copyLocked() State {
	out := g.state
	out.SideEntryCount = make(map[Side]int, len(g.state.SideEntryCount))
	for k, v := range g.state.SideEntryCount {
		out.SideEntryCount[k] = v
	}
	out.SideLastExitAt = make(map[Side]time.Time, len(g.state.SideLastExitAt))
	for k, v := range g.state.SideLastExitAt {
		out.SideLastExitAt[k] = v
	}
	return out
}

func (g *Governor) rollover(now time.Time) {
	if day := now.Format("2006-01-02"); day != g.state.Day {
		g.state = freshState(now)
	}
	if mark := now.Truncate(time.Minute); !mark.Equal(g.state.MinuteMark) {
		g.state.MinuteMark = mark
		g.state.TradesThisMinute = 0
	}
}

// RecordEntry counts a confirmed entry fill against the day, the minute
// window and the side throttle.
func (g *Governor) RecordEntry(side Side, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(now)
	g.state.TradesCount++
	g.state.TradesThisMinute++
	g.state.LastTradeTime = now
	g.state.SideEntryCount[side]++
}

// RecordExit applies a realized trade outcome. The kill switch trips
// irreversibly once the daily loss limit is breached; the lock-profit flag
// trips once drawdown from the daily peak exceeds the configured fraction.
func (g *Governor) RecordExit(side Side, pnl float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(now)
	g.state.RealizedPnl += pnl
	g.state.LastTradePnl = pnl
	g.state.SideLastExitAt[side] = now
	if pnl < 0 {
		g.state.ConsecutiveLosses++
		g.state.LastLossTime = now
	} else {
		g.state.ConsecutiveLosses = 0
	}
	if g.state.RealizedPnl > g.state.DailyPeakPnl {
		g.state.DailyPeakPnl = g.state.RealizedPnl
	}
	g.state.DailyDrawdown = g.state.DailyPeakPnl - g.state.RealizedPnl
	if g.state.RealizedPnl <= -g.cfg.MaxDailyLoss {
		g.state.KillSwitch = true
	}
	if g.cfg.LockProfitEnabled && g.state.DailyPeakPnl > 0 &&
		g.state.DailyDrawdown >= g.state.DailyPeakPnl*g.cfg.LockProfitDrawdownFrac {
		g.state.LockProfitTriggered = true
	}
}

// TripKillSwitch forces the kill switch on, e.g. from the operator.
func (g *Governor) TripKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.KillSwitch = true
}

func (g *Governor) KillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.KillSwitch
}

// Restore installs persisted counters, keeping them only if they belong to
// the current trading day.
func (g *Governor) Restore(state State, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state.Day != now.Format("2006-01-02") {
		g.state = freshState(now)
		return
	}
	if state.SideEntryCount == nil {
		state.SideEntryCount = make(map[Side]int)
	}
	if state.SideLastExitAt == nil {
		state.SideLastExitAt = make(map[Side]time.Time)
	}
	g.state = state
}

// SetLimits swaps the active limits, used by operator risk overrides. The
// kill switch is never relaxed by an override.
func (g *Governor) SetLimits(cfg config.RiskConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

func (g *Governor) Limits() config.RiskConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}
