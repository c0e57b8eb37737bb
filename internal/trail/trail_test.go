package trail

import (
	"testing"

	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/optctx"
)

func testConfig() config.TrailConfig {
	return config.TrailConfig{
		InitialSLPoints:  5,
		BreakevenTrigger: 4,
		BreakevenBuffer:  0.5,
		LockTrigger:      6,
		LockAmount:       2,
		StartTrigger:     8,
		StepSize:         3,
		TightTrigger:     12,
		TightStep:        1.5,

		IVWidenThreshold:     25,
		IVWidenFactor:        1.3,
		MaxPainProximityPts:  25,
		MaxPainTightenFactor: 0.8,
	}
}

func TestAdvanceInitialStop(t *testing.T) {
	res := Advance(StageInitial, 100, 101, 101, true, testConfig(), optctx.Snapshot{}, false)
	if res.NewStage != StageInitial {
		t.Fatalf("expected INITIAL, got %s", res.NewStage)
	}
	if res.NewSL != 95 {
		t.Fatalf("expected stop 95, got %.2f", res.NewSL)
	}
}

func TestAdvanceBreakeven(t *testing.T) {
	res := Advance(StageInitial, 100, 104, 104, true, testConfig(), optctx.Snapshot{}, false)
	if res.NewStage != StageBreakeven {
		t.Fatalf("expected BREAKEVEN, got %s", res.NewStage)
	}
	if res.NewSL != 100.5 {
		t.Fatalf("expected stop 100.5, got %.2f", res.NewSL)
	}
}

func TestAdvanceMultiStageJump(t *testing.T) {
	// One large favorable tick should walk the machine through every
	// intermediate stage, not just one.
	res := Advance(StageInitial, 100, 113, 113, true, testConfig(), optctx.Snapshot{}, false)
	if res.NewStage != StageTight {
		t.Fatalf("expected TIGHT, got %s", res.NewStage)
	}
	if res.NewSL != 111.5 {
		t.Fatalf("expected stop 111.5, got %.2f", res.NewSL)
	}
}

func TestAdvanceTrailFollowsHigh(t *testing.T) {
	res := Advance(StageTrail, 100, 109, 110, true, testConfig(), optctx.Snapshot{}, false)
	if res.NewStage != StageTrail {
		t.Fatalf("expected TRAIL, got %s", res.NewStage)
	}
	if res.NewSL != 107 {
		t.Fatalf("expected stop 107, got %.2f", res.NewSL)
	}
}

func TestAdvanceTightIsTerminal(t *testing.T) {
	res := Advance(StageTight, 100, 150, 150, true, testConfig(), optctx.Snapshot{}, false)
	if res.NewStage != StageTight {
		t.Fatalf("expected TIGHT to be terminal, got %s", res.NewStage)
	}
	if res.NewSL != 148.5 {
		t.Fatalf("expected stop 148.5, got %.2f", res.NewSL)
	}
}

func TestStageMonotonicAlongFavorablePath(t *testing.T) {
	cfg := testConfig()
	stage := StageInitial
	high := 100.0
	sl := 95.0
	for price := 100.0; price <= 120; price += 0.5 {
		if price > high {
			high = price
		}
		res := Advance(stage, 100, price, high, true, cfg, optctx.Snapshot{}, false)
		if Rank(res.NewStage) < Rank(stage) {
			t.Fatalf("stage regressed from %s to %s at price %.1f", stage, res.NewStage, price)
		}
		stage = res.NewStage
		if Tightens(res.NewSL, sl, true) {
			if res.NewSL < sl {
				t.Fatalf("stop loosened from %.2f to %.2f at price %.1f", sl, res.NewSL, price)
			}
			sl = res.NewSL
		}
	}
	if stage != StageTight {
		t.Fatalf("expected terminal TIGHT, got %s", stage)
	}
}

func TestInitialDistanceIVWiden(t *testing.T) {
	octx := optctx.Snapshot{ATMIV: 30, SpotVsMaxPain: 100}
	res := Advance(StageInitial, 100, 100, 100, true, testConfig(), octx, true)
	// 5 * 1.3 = 6.5 wide
	if res.NewSL != 93.5 {
		t.Fatalf("expected stop 93.5, got %.2f", res.NewSL)
	}
}

func TestInitialDistanceMaxPainTighten(t *testing.T) {
	octx := optctx.Snapshot{ATMIV: 10, SpotVsMaxPain: 10}
	res := Advance(StageInitial, 100, 100, 100, true, testConfig(), octx, true)
	// 5 * 0.8 = 4 tight
	if res.NewSL != 96 {
		t.Fatalf("expected stop 96, got %.2f", res.NewSL)
	}
}

func TestAdvanceSellDirection(t *testing.T) {
	res := Advance(StageInitial, 100, 96, 96, false, testConfig(), optctx.Snapshot{}, false)
	if res.NewStage != StageBreakeven {
		t.Fatalf("expected BREAKEVEN, got %s", res.NewStage)
	}
	if res.NewSL != 99.5 {
		t.Fatalf("expected stop 99.5, got %.2f", res.NewSL)
	}
}

func TestRoundTick(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{100.02, 100},
		{100.025, 100.05},
		{100.04, 100.05},
		{99.97, 99.95},
		{107.0, 107.0},
		{148.49, 148.5},
	}
	for _, tc := range cases {
		if got := RoundTick(tc.in); got != tc.want {
			t.Fatalf("RoundTick(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTightens(t *testing.T) {
	if !Tightens(100.05, 100, true) {
		t.Fatal("expected one tick up to tighten a long stop")
	}
	if Tightens(100.04, 100, true) {
		t.Fatal("sub-tick move must not tighten")
	}
	if Tightens(99.95, 100, true) {
		t.Fatal("a lower long stop must not tighten")
	}
	if !Tightens(99.95, 100, false) {
		t.Fatal("expected one tick down to tighten a short stop")
	}
}
