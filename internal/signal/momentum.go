package signal

import (
	"opt-scalp-bot/internal/market"
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// MomentumSnapshot summarizes the run of same-direction price moves at the
// tail of the tick history. Recomputed every cycle, never stored.
type MomentumSnapshot struct {
	Direction Direction
	Count     int
	Velocity  float64
}

// Momentum walks backwards from the latest tick counting consecutive moves
// in one direction. Velocity is points per second across that run.
func Momentum(ticks []market.Tick) MomentumSnapshot {
	if len(ticks) < 2 {
		return MomentumSnapshot{Direction: DirectionFlat}
	}
	last := ticks[len(ticks)-1]
	prev := ticks[len(ticks)-2]
	dir := moveDirection(prev.LTP, last.LTP)
	if dir == DirectionFlat {
		return MomentumSnapshot{Direction: DirectionFlat}
	}
	count := 1
	runStart := prev
	for i := len(ticks) - 2; i > 0; i-- {
		if moveDirection(ticks[i-1].LTP, ticks[i].LTP) != dir {
			break
		}
		count++
		runStart = ticks[i-1]
	}
	velocity := 0.0
	if dt := last.At.Sub(runStart.At).Seconds(); dt > 0 {
		velocity = (last.LTP - runStart.LTP) / dt
		if velocity < 0 {
			velocity = -velocity
		}
	}
	return MomentumSnapshot{Direction: dir, Count: count, Velocity: velocity}
}

func moveDirection(prev, curr float64) Direction {
	switch {
	case curr > prev:
		return DirectionUp
	case curr < prev:
		return DirectionDown
	default:
		return DirectionFlat
	}
}
