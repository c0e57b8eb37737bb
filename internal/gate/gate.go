package gate

import (
	"fmt"
	"math"
	"time"

	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/optctx"
	"opt-scalp-bot/internal/risk"
	"opt-scalp-bot/internal/signal"
)

// Check is one audited gate or signal evaluation. The checks list is the
// decision's explainability record, not optional logging.
type Check struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Pass  bool   `json:"pass"`
	Value string `json:"value"`
}

// Decision is the sole output of Evaluate. Immutable once produced.
type Decision struct {
	Enter            bool    `json:"enter"`
	Score            float64 `json:"score"`
	MinScore         float64 `json:"min_score"`
	Reason           string  `json:"reason"`
	BlockedBy        string  `json:"blocked_by,omitempty"`
	Checks           []Check `json:"checks"`
	Spread           float64 `json:"spread"`
	DepthRatio       float64 `json:"depth_ratio"`
	ExpectedSlippage float64 `json:"expected_slippage"`
}

type DepthInfo struct {
	BidQty float64
	AskQty float64
}

// Input gathers everything Evaluate reads. Evaluate itself is pure: no
// clocks, no I/O, no shared state.
type Input struct {
	Side      risk.Side
	Now       time.Time
	Engine    config.EngineConfig
	Risk      config.RiskConfig
	RiskState risk.State

	SideOpen bool
	SideQty  int
	OpenQty  int

	Momentum   signal.MomentumSnapshot
	Indicators signal.IndicatorSnapshot
	IndexBias  signal.IndexBias

	Options    optctx.Snapshot
	HasOptions bool
	OptionsCfg config.OptionsConfig

	Sensitivity  float64
	Spread       float64
	Depth        DepthInfo
	RecentPrices []float64
}

// Gate and signal check ids, in evaluation order.
const (
	CheckDailyTrades    = "daily-trades"
	CheckDailyLoss      = "daily-loss"
	CheckLockProfit     = "lock-profit"
	CheckCoolingOff     = "cooling-off"
	CheckKillSwitch     = "kill-switch"
	CheckHotZone        = "hot-zone"
	CheckSideOpen       = "side-open"
	CheckReEntry        = "re-entry"
	CheckMaxPosition    = "max-position-size"
	CheckPerTradeLoss   = "per-trade-loss"
	CheckMinGap         = "min-gap"
	CheckPerMinute      = "per-minute"
	CheckLossCooldown   = "post-loss-cooldown"
	CheckDepthImbalance = "depth-imbalance"
	CheckSpread         = "spread"
	CheckNoTradeZone    = "no-trade-zone"
	CheckOptionsContext = "options-context"
)

const (
	weightMomentumFull = 3.0
	weightVelocity     = 1.0
	weightEMACross     = 1.0
	weightRSIBand      = 1.0
	weightIndexBias    = 1.0
)

type evaluator struct {
	in       Input
	decision Decision
	zoneMult float64
}

// Evaluate runs all risk gates in fixed order, fail-fast, then builds the
// additive signal score and applies the options-context veto. Every gate
// and signal lands in Checks, passed or failed.
func Evaluate(in Input) Decision {
	e := &evaluator{
		in:       in,
		zoneMult: 1,
		decision: Decision{
			MinScore: in.Engine.EntryMinScore,
			Spread:   in.Spread,
		},
	}
	e.decision.ExpectedSlippage = in.Spread / 2
	if in.Depth.AskQty > 0 || in.Depth.BidQty > 0 {
		e.decision.DepthRatio = depthRatio(in.Side, in.Depth)
	}
	if !e.runGates() {
		return e.decision
	}
	e.score()
	e.applyThreshold()
	e.optionsVeto()
	return e.decision
}

func (e *evaluator) check(id, label string, pass bool, value string) bool {
	e.decision.Checks = append(e.decision.Checks, Check{ID: id, Label: label, Pass: pass, Value: value})
	if !pass && e.decision.BlockedBy == "" {
		e.decision.BlockedBy = id
		e.decision.Reason = label
	}
	return pass
}

// observe records a signal check without claiming BlockedBy. A misaligned
// signal just scores zero; it does not block by itself.
func (e *evaluator) observe(id, label string, pass bool, value string) {
	e.decision.Checks = append(e.decision.Checks, Check{ID: id, Label: label, Pass: pass, Value: value})
}

func (e *evaluator) runGates() bool {
	in := e.in
	rs := in.RiskState

	if !e.check(CheckDailyTrades, "daily trade cap reached",
		rs.TradesCount < in.Risk.MaxTradesPerDay,
		fmt.Sprintf("%d/%d", rs.TradesCount, in.Risk.MaxTradesPerDay)) {
		return false
	}
	if !e.check(CheckDailyLoss, "daily loss cap breached",
		rs.RealizedPnl > -in.Risk.MaxDailyLoss,
		fmt.Sprintf("%.2f/-%.2f", rs.RealizedPnl, in.Risk.MaxDailyLoss)) {
		return false
	}
	if !e.check(CheckLockProfit, "profit lock engaged",
		!rs.LockProfitTriggered,
		fmt.Sprintf("drawdown %.2f of peak %.2f", rs.DailyDrawdown, rs.DailyPeakPnl)) {
		return false
	}
	if !e.check(CheckCoolingOff, "cooling off after consecutive losses",
		rs.ConsecutiveLosses < in.Risk.CoolingOffAfterLosses,
		fmt.Sprintf("%d/%d", rs.ConsecutiveLosses, in.Risk.CoolingOffAfterLosses)) {
		return false
	}
	if !e.check(CheckKillSwitch, "kill switch engaged",
		!rs.KillSwitch, fmt.Sprintf("%t", rs.KillSwitch)) {
		return false
	}

	e.zoneMult = zoneMultiplier(in.Engine.HotZones, in.Now)
	effective := in.Sensitivity * e.zoneMult
	if !e.check(CheckHotZone, "time-of-day sensitivity is zero",
		effective > 0, fmt.Sprintf("multiplier %.2f", e.zoneMult)) {
		return false
	}

	sideBlocked := false
	sideDetail := fmt.Sprintf("open=%t pyramiding=%t", in.SideOpen, in.Engine.PyramidingEnabled)
	if in.SideOpen {
		if !in.Engine.PyramidingEnabled {
			sideBlocked = true
		} else {
			// Pyramiding is bounded by the extra-lots cap, not just the
			// global position size.
			maxQty := in.Engine.Quantity * (1 + in.Engine.PyramidingMaxExtraLots)
			sideBlocked = in.SideQty+in.Engine.Quantity > maxQty
			sideDetail = fmt.Sprintf("qty %d+%d/%d", in.SideQty, in.Engine.Quantity, maxQty)
		}
	}
	if !e.check(CheckSideOpen, "side already at its position limit",
		!sideBlocked, sideDetail) {
		return false
	}

	if !e.reEntryGate() {
		return false
	}

	if !e.check(CheckMaxPosition, "max position size exceeded",
		in.OpenQty+in.Engine.Quantity <= in.Engine.MaxPositionSize,
		fmt.Sprintf("%d+%d/%d", in.OpenQty, in.Engine.Quantity, in.Engine.MaxPositionSize)) {
		return false
	}
	if !e.check(CheckPerTradeLoss, "prior trade breached per-trade max loss",
		rs.LastTradePnl > -in.Engine.PerTradeMaxLoss,
		fmt.Sprintf("%.2f/-%.2f", rs.LastTradePnl, in.Engine.PerTradeMaxLoss)) {
		return false
	}

	gap := in.Now.Sub(rs.LastTradeTime)
	if !e.check(CheckMinGap, "minimum gap between entries not elapsed",
		rs.LastTradeTime.IsZero() || gap >= in.Engine.MinGap,
		gap.Truncate(time.Millisecond).String()) {
		return false
	}
	if !e.check(CheckPerMinute, "per-minute trade cap reached",
		rs.TradesThisMinute < in.Engine.MaxTradesPerMinute,
		fmt.Sprintf("%d/%d", rs.TradesThisMinute, in.Engine.MaxTradesPerMinute)) {
		return false
	}
	sinceLoss := in.Now.Sub(rs.LastLossTime)
	if !e.check(CheckLossCooldown, "cooldown after loss not elapsed",
		rs.LastLossTime.IsZero() || sinceLoss >= in.Engine.CooldownAfterLoss,
		sinceLoss.Truncate(time.Millisecond).String()) {
		return false
	}

	ratio := depthRatio(in.Side, in.Depth)
	depthOK := in.Depth.BidQty == 0 && in.Depth.AskQty == 0 || ratio >= in.Engine.DepthImbalanceRatio
	if !e.check(CheckDepthImbalance, "order book depth against the side",
		depthOK, fmt.Sprintf("%.2f/%.2f", ratio, in.Engine.DepthImbalanceRatio)) {
		return false
	}

	if !e.check(CheckSpread, "spread above ceiling",
		in.Spread <= in.Engine.EntryMaxSpread,
		fmt.Sprintf("%.2f/%.2f", in.Spread, in.Engine.EntryMaxSpread)) {
		return false
	}

	if in.Engine.NoTradeZoneEnabled {
		rng := priceRange(in.RecentPrices, in.Engine.NoTradeZonePeriod)
		if !e.check(CheckNoTradeZone, "market too flat to trade",
			len(in.RecentPrices) < in.Engine.NoTradeZonePeriod || rng >= in.Engine.NoTradeZoneRangePts,
			fmt.Sprintf("range %.2f/%.2f", rng, in.Engine.NoTradeZoneRangePts)) {
			return false
		}
	} else {
		e.check(CheckNoTradeZone, "no-trade zone disabled", true, "disabled")
	}
	return true
}

func (e *evaluator) reEntryGate() bool {
	in := e.in
	entries := in.RiskState.SideEntryCount[in.Side]
	if entries == 0 {
		return e.check(CheckReEntry, "re-entry", true, "first entry")
	}
	if !in.Engine.ReEntryEnabled {
		return e.check(CheckReEntry, "re-entry disabled", false, fmt.Sprintf("entries %d", entries))
	}
	if entries > in.Engine.ReEntryMaxPerSide {
		return e.check(CheckReEntry, "re-entry cap reached", false,
			fmt.Sprintf("%d/%d", entries, in.Engine.ReEntryMaxPerSide))
	}
	lastExit := in.RiskState.SideLastExitAt[in.Side]
	if !lastExit.IsZero() && in.Now.Sub(lastExit) < in.Engine.ReEntryDelay {
		return e.check(CheckReEntry, "re-entry delay not elapsed", false,
			in.Now.Sub(lastExit).Truncate(time.Millisecond).String())
	}
	return e.check(CheckReEntry, "re-entry", true, fmt.Sprintf("entry %d", entries+1))
}

func (e *evaluator) score() {
	in := e.in
	var score float64

	expected := signal.DirectionUp
	if in.Side == risk.SidePE {
		expected = signal.DirectionDown
	}
	if in.Momentum.Direction == expected {
		w := weightMomentumFull
		if in.Momentum.Count < in.Engine.EntryMomentumCount {
			w = weightMomentumFull / 2
		}
		score += w
		e.observe("momentum-direction", "momentum aligned", true,
			fmt.Sprintf("%s x%d +%.1f", in.Momentum.Direction, in.Momentum.Count, w))
	} else {
		e.observe("momentum-direction", "momentum aligned", false, string(in.Momentum.Direction))
	}

	if in.Momentum.Velocity >= in.Engine.EntryMomentumVelocity {
		score += weightVelocity
		e.observe("momentum-velocity", "velocity above threshold", true,
			fmt.Sprintf("%.2f>=%.2f", in.Momentum.Velocity, in.Engine.EntryMomentumVelocity))
	} else {
		e.observe("momentum-velocity", "velocity above threshold", false,
			fmt.Sprintf("%.2f<%.2f", in.Momentum.Velocity, in.Engine.EntryMomentumVelocity))
	}

	ind := in.Indicators
	if ind.HasEMA9 && ind.HasEMA21 {
		aligned := ind.EMA9 > ind.EMA21
		if in.Side == risk.SidePE {
			aligned = ind.EMA9 < ind.EMA21
		}
		if aligned {
			score += weightEMACross
		}
		e.observe("ema-cross", "ema9/ema21 aligned", aligned,
			fmt.Sprintf("%.2f/%.2f", ind.EMA9, ind.EMA21))
	} else {
		e.observe("ema-cross", "ema9/ema21 aligned", false, "absent")
	}

	if ind.HasRSI {
		inBand := ind.RSI >= 50 && ind.RSI <= 70
		if in.Side == risk.SidePE {
			inBand = ind.RSI >= 30 && ind.RSI <= 50
		}
		if inBand {
			score += weightRSIBand
		}
		e.observe("rsi-band", "rsi in side band", inBand, fmt.Sprintf("%.1f", ind.RSI))
	} else {
		e.observe("rsi-band", "rsi in side band", false, "absent")
	}

	if in.IndexBias.Has {
		aligned := in.IndexBias.Value
		if in.Side == risk.SidePE {
			aligned = -aligned
		}
		contribution := math.Min(weightIndexBias, math.Max(0, aligned))
		score += contribution
		e.observe("index-bias", "index bias aligned", contribution > 0,
			fmt.Sprintf("%.2f +%.2f", in.IndexBias.Value, contribution))
	} else {
		e.observe("index-bias", "index bias aligned", false, "absent")
	}

	e.decision.Score = score
}

func (e *evaluator) applyThreshold() {
	in := e.in
	sens := in.Sensitivity * e.zoneMult
	if sens < 0.25 {
		sens = 0.25
	}
	adjusted := in.Engine.EntryMinScore / sens
	if adjusted < 1 {
		adjusted = 1
	}
	if adjusted > 8 {
		adjusted = 8
	}
	e.decision.MinScore = adjusted
	// Ties pass.
	e.decision.Enter = e.decision.Score >= adjusted
	if e.decision.Enter {
		e.decision.Reason = fmt.Sprintf("score %.2f >= %.2f", e.decision.Score, adjusted)
	} else if e.decision.BlockedBy == "" {
		e.decision.Reason = fmt.Sprintf("score %.2f < %.2f", e.decision.Score, adjusted)
	}
}

// optionsVeto can force enter=false even after the score cleared the
// threshold. Stale or absent context degrades to no veto.
func (e *evaluator) optionsVeto() {
	in := e.in
	if !in.OptionsCfg.Enabled || !in.HasOptions {
		e.check(CheckOptionsContext, "options context", true, "absent")
		return
	}
	oc := in.Options
	veto := ""
	switch in.Side {
	case risk.SideCE:
		if oc.PCR >= in.OptionsCfg.PCRBearMin {
			veto = fmt.Sprintf("pcr %.2f bearish", oc.PCR)
		}
	case risk.SidePE:
		if oc.PCR <= in.OptionsCfg.PCRBullMax {
			veto = fmt.Sprintf("pcr %.2f bullish", oc.PCR)
		}
	}
	if veto == "" && math.Abs(oc.SpotVsMaxPain) <= in.OptionsCfg.MaxPainVetoPts {
		veto = fmt.Sprintf("spot %.1f pts from max pain", oc.SpotVsMaxPain)
	}
	if veto == "" && oc.NetGEX >= in.OptionsCfg.GEXVetoLevel {
		veto = fmt.Sprintf("net gex %.2e pins price", oc.NetGEX)
	}
	if veto == "" {
		e.check(CheckOptionsContext, "options context", true,
			fmt.Sprintf("pcr %.2f gex %.2e", oc.PCR, oc.NetGEX))
		return
	}
	e.decision.Enter = false
	e.check(CheckOptionsContext, "options context veto", false, veto)
	e.decision.Reason = "options context veto: " + veto
}

func depthRatio(side risk.Side, depth DepthInfo) float64 {
	bid, ask := depth.BidQty, depth.AskQty
	// The depth belongs to the underlying: a bid-heavy book supports CE
	// entries, an ask-heavy book supports PE entries.
	var num, den float64
	if side == risk.SidePE {
		num, den = ask, bid
	} else {
		num, den = bid, ask
	}
	if den <= 0 {
		if num > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return num / den
}

func priceRange(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if period > 0 && len(prices) > period {
		prices = prices[len(prices)-period:]
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return hi - lo
}

func zoneMultiplier(zones []config.HotZone, now time.Time) float64 {
	if len(zones) == 0 {
		return 1
	}
	minutes := now.Hour()*60 + now.Minute()
	for _, zone := range zones {
		start, err := time.Parse("15:04", zone.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse("15:04", zone.End)
		if err != nil {
			continue
		}
		s := start.Hour()*60 + start.Minute()
		e := end.Hour()*60 + end.Minute()
		if minutes >= s && minutes < e {
			return zone.Multiplier
		}
	}
	return 1
}
