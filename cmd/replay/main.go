package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/engine"
	"opt-scalp-bot/internal/journal"
	"opt-scalp-bot/internal/logging"
	"opt-scalp-bot/internal/market"
	"opt-scalp-bot/internal/metrics"
	"opt-scalp-bot/internal/risk"

	"go.uber.org/zap"
)

// replay drives the decision engine from a recorded tick journal in
// signal mode: every decision and virtual fill runs exactly as live, but
// nothing reaches a broker.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	journalPath := flag.String("journal", "", "path to tick journal (defaults to the configured journal path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	cfg.Engine.Mode = config.ModeSignal
	log := logging.New(cfg.Log)

	path := *journalPath
	if path == "" {
		path = cfg.Journal.Path
	}

	md := market.New(nil, cfg.Engine.TickWindow, log)
	governor := risk.NewGovernor(cfg.Risk)
	manager := engine.New(*cfg, engine.Options{
		Governor: governor,
		Market:   md,
		Metrics:  metrics.NewNoop(),
		Log:      log,
	})

	ctx := context.Background()
	ticks := 0
	err = journal.Replay(ctx, path, func(rec journal.Record) error {
		tick := rec.Tick()
		md.Apply(tick)
		ticks++
		manager.Cycle(ctx, tick.At)
		return nil
	})
	if err != nil {
		log.Error("replay failed", zap.Error(err))
		os.Exit(1)
	}

	final := governor.Snapshot(lastTime(md, cfg))
	fmt.Printf("replayed %d ticks\n", ticks)
	fmt.Printf("trades: %d\n", final.TradesCount)
	fmt.Printf("realized pnl: %.2f\n", final.RealizedPnl)
	fmt.Printf("consecutive losses: %d\n", final.ConsecutiveLosses)
	fmt.Printf("kill switch: %t\n", final.KillSwitch)
	for _, pos := range manager.OpenPositions() {
		fmt.Printf("still open: %s %s qty=%d entry=%.2f\n", pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice)
	}
}

func lastTime(md *market.MarketData, cfg *config.Config) time.Time {
	key := market.Key(cfg.Engine.Exchange, cfg.Engine.CESymbol)
	if tick, ok := md.Latest(key); ok {
		return tick.At
	}
	key = market.Key(cfg.Engine.Exchange, cfg.Engine.PESymbol)
	if tick, ok := md.Latest(key); ok {
		return tick.At
	}
	return time.Now().UTC()
}
