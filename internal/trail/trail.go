package trail

import (
	"math"

	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/optctx"

	"github.com/shopspring/decimal"
)

// Stage of the trailing-stop machine. Stages only ever advance.
type Stage string

const (
	StageInitial   Stage = "INITIAL"
	StageBreakeven Stage = "BREAKEVEN"
	StageLock      Stage = "LOCK"
	StageTrail     Stage = "TRAIL"
	StageTight     Stage = "TIGHT"
	// StageAccelerated is declared for forward compatibility; the current
	// transition table treats TIGHT as terminal. Pending product decision
	// on an extra tightening rule for very large profits.
	StageAccelerated Stage = "ACCELERATED"
)

var stageRank = map[Stage]int{
	StageInitial:     0,
	StageBreakeven:   1,
	StageLock:        2,
	StageTrail:       3,
	StageTight:       4,
	StageAccelerated: 5,
}

// Rank orders stages for monotonicity checks.
func Rank(s Stage) int { return stageRank[s] }

// Result is the machine's proposal. The caller owns the commit rules:
// round to tick size, and only accept a stop that strictly tightens.
type Result struct {
	NewSL    float64
	NewStage Stage
}

// Advance runs the stage transition table once per tick. highSinceEntry is
// the running best price for the position's direction, maintained by the
// caller. Pure: same inputs, same result.
func Advance(stage Stage, entryPrice, currentPrice, highSinceEntry float64, isBuy bool, cfg config.TrailConfig, octx optctx.Snapshot, hasCtx bool) Result {
	dir := 1.0
	if !isBuy {
		dir = -1
	}
	profit := (currentPrice - entryPrice) * dir
	highProfit := (highSinceEntry - entryPrice) * dir

	next := stage
	for {
		advanced := advanceOnce(next, profit, highProfit, cfg)
		if advanced == next {
			break
		}
		next = advanced
	}

	var stop float64
	switch next {
	case StageInitial:
		stop = entryPrice - dir*initialDistance(cfg, octx, hasCtx)
	case StageBreakeven:
		stop = entryPrice + dir*cfg.BreakevenBuffer
	case StageLock:
		stop = entryPrice + dir*cfg.LockAmount
	case StageTrail:
		stop = highSinceEntry - dir*cfg.StepSize
	default: // TIGHT and ACCELERATED
		stop = highSinceEntry - dir*cfg.TightStep
	}
	return Result{NewSL: RoundTick(stop), NewStage: next}
}

func advanceOnce(stage Stage, profit, highProfit float64, cfg config.TrailConfig) Stage {
	switch stage {
	case StageInitial:
		if profit >= cfg.BreakevenTrigger {
			return StageBreakeven
		}
	case StageBreakeven:
		if highProfit >= cfg.LockTrigger {
			return StageLock
		}
	case StageLock:
		if highProfit >= cfg.StartTrigger {
			return StageTrail
		}
	case StageTrail:
		if highProfit >= cfg.TightTrigger {
			return StageTight
		}
	}
	return stage
}

// initialDistance widens the opening stop when ATM IV is elevated and
// tightens it when spot sits near max pain.
func initialDistance(cfg config.TrailConfig, octx optctx.Snapshot, hasCtx bool) float64 {
	d := cfg.InitialSLPoints
	if !hasCtx {
		return d
	}
	if octx.ATMIV >= cfg.IVWidenThreshold {
		d *= cfg.IVWidenFactor
	}
	if math.Abs(octx.SpotVsMaxPain) <= cfg.MaxPainProximityPts {
		d *= cfg.MaxPainTightenFactor
	}
	return d
}

// TickSize is the instrument's minimum price increment.
const TickSize = 0.05

var tickDecimal = decimal.NewFromFloat(TickSize)

// RoundTick rounds a price to the nearest instrument tick, exact to two
// decimals.
func RoundTick(price float64) float64 {
	d := decimal.NewFromFloat(price)
	rounded := d.Div(tickDecimal).Round(0).Mul(tickDecimal)
	f, _ := rounded.Round(2).Float64()
	return f
}

// Tightens reports whether candidate improves on prior by at least one
// tick in the position's favorable direction. Used by the caller's
// anti-chatter commit rule.
func Tightens(candidate, prior float64, isBuy bool) bool {
	if isBuy {
		return candidate >= prior+TickSize-1e-9
	}
	return candidate <= prior-TickSize+1e-9
}
