package signal

import (
	"testing"
	"time"

	"opt-scalp-bot/internal/market"
)

func ticksFromPrices(prices []float64, step time.Duration) []market.Tick {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	out := make([]market.Tick, 0, len(prices))
	for i, p := range prices {
		out = append(out, market.Tick{
			Exchange: "NFO",
			Symbol:   "TEST",
			LTP:      p,
			At:       base.Add(time.Duration(i) * step),
		})
	}
	return out
}

func TestMomentumCountsConsecutiveMoves(t *testing.T) {
	ticks := ticksFromPrices([]float64{100, 99.5, 100, 100.5, 101, 101.5}, time.Second)
	m := Momentum(ticks)
	if m.Direction != DirectionUp {
		t.Fatalf("expected up, got %s", m.Direction)
	}
	if m.Count != 4 {
		t.Fatalf("expected 4 consecutive up moves, got %d", m.Count)
	}
}

func TestMomentumVelocity(t *testing.T) {
	// 2 points over 4 seconds.
	ticks := ticksFromPrices([]float64{100, 100.5, 101, 101.5, 102}, time.Second)
	m := Momentum(ticks)
	if m.Velocity != 0.5 {
		t.Fatalf("expected velocity 0.5, got %.4f", m.Velocity)
	}
}

func TestMomentumDownRun(t *testing.T) {
	ticks := ticksFromPrices([]float64{102, 101.5, 101, 100.5}, time.Second)
	m := Momentum(ticks)
	if m.Direction != DirectionDown || m.Count != 3 {
		t.Fatalf("expected 3 down moves, got %s x%d", m.Direction, m.Count)
	}
	if m.Velocity != 0.5 {
		t.Fatalf("velocity must be absolute, got %.4f", m.Velocity)
	}
}

func TestMomentumFlatOnUnchangedLast(t *testing.T) {
	ticks := ticksFromPrices([]float64{100, 101, 101}, time.Second)
	m := Momentum(ticks)
	if m.Direction != DirectionFlat {
		t.Fatalf("expected flat, got %s", m.Direction)
	}
}

func TestMomentumTooFewTicks(t *testing.T) {
	m := Momentum(ticksFromPrices([]float64{100}, time.Second))
	if m.Direction != DirectionFlat || m.Count != 0 {
		t.Fatalf("expected empty snapshot, got %+v", m)
	}
}
