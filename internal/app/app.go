package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"opt-scalp-bot/internal/alerts"
	"opt-scalp-bot/internal/broker/rest"
	"opt-scalp-bot/internal/broker/ws"
	"opt-scalp-bot/internal/config"
	"opt-scalp-bot/internal/engine"
	"opt-scalp-bot/internal/exec"
	"opt-scalp-bot/internal/journal"
	"opt-scalp-bot/internal/market"
	"opt-scalp-bot/internal/metrics"
	"opt-scalp-bot/internal/optctx"
	"opt-scalp-bot/internal/risk"
	"opt-scalp-bot/internal/state/sqlite"
	"opt-scalp-bot/internal/telemetry"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	loc      *time.Location
	store    *sqlite.Store
	broker   *rest.Client
	feed     *ws.Client
	market   *market.MarketData
	octx     *optctx.Feed
	executor *exec.Executor
	governor *risk.Governor
	manager  *engine.Manager
	alerts   *alerts.Telegram
	tel      *telemetry.Writer
	prom     *metrics.Prometheus
	journal  *journal.Writer

	opsMu          sync.RWMutex
	riskOverride   *config.RiskConfig
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Engine.TimeZone)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(os.Getenv("BROKER_API_KEY"))
	if cfg.Engine.Mode == config.ModeExecute && apiKey == "" {
		_ = store.Close()
		return nil, errors.New("BROKER_API_KEY is required in execute mode")
	}
	brokerClient := rest.New(cfg.Broker.BaseURL, apiKey, cfg.Broker.Timeout, log)
	feed := ws.New(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)
	marketData := market.New(feed, cfg.Engine.TickWindow, log)
	optionsFeed := optctx.NewFeed(cfg.Options, log)
	executor := exec.New(&gatewayAdapter{client: brokerClient}, store, log)
	governor := risk.NewGovernor(cfg.Risk)
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	telWriter, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
		telWriter = nil
	}

	var prom *metrics.Prometheus
	engineMetrics := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		engineMetrics = prom.Metrics
	}

	var tickJournal *journal.Writer
	if cfg.Journal.Enabled {
		tickJournal, err = journal.NewWriter(cfg.Journal.Path)
		if err != nil {
			log.Warn("tick journal disabled", zap.Error(err))
			tickJournal = nil
		}
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		loc:      loc,
		store:    store,
		broker:   brokerClient,
		feed:     feed,
		market:   marketData,
		octx:     optionsFeed,
		executor: executor,
		governor: governor,
		alerts:   alertsClient,
		tel:      telWriter,
		prom:     prom,
		journal:  tickJournal,
	}
	a.manager = engine.New(*cfg, engine.Options{
		Governor:  governor,
		Market:    marketData,
		Context:   optionsFeed,
		Placer:    executor,
		Broker:    brokerClient,
		Store:     store,
		Metrics:   engineMetrics,
		Telemetry: telWriter,
		Log:       log,
		Notify:    a.notify,
	})
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.journal != nil {
		defer a.journal.Close()
	}

	now := a.now()
	if err := a.manager.Restore(ctx, now); err != nil {
		a.log.Warn("snapshot restore failed", zap.Error(err))
	}
	// Config triggers re-arm on every start; fired ones do not come back
	// mid-day because the side they opened is restored with the snapshot.
	for _, trig := range a.cfg.Engine.Triggers {
		_, err := a.manager.ArmTrigger(engine.TriggerOrder{
			Side:         risk.Side(trig.Side),
			Symbol:       trig.Symbol,
			Action:       trig.Action,
			Quantity:     trig.Quantity,
			TriggerPrice: trig.TriggerPrice,
			Direction:    engine.TriggerDirection(trig.Direction),
			TPPoints:     trig.TPPoints,
			SLPoints:     trig.SLPoints,
			CreatedAt:    now,
		})
		if err != nil {
			a.log.Warn("trigger arm failed", zap.Error(err))
		}
	}

	subs := []map[string]any{
		market.Subscription(a.cfg.Engine.Exchange, a.cfg.Engine.CESymbol, "full"),
		market.Subscription(a.cfg.Engine.Exchange, a.cfg.Engine.PESymbol, "full"),
	}
	if a.cfg.Engine.IndexKey != "" {
		exchange, symbol, ok := strings.Cut(a.cfg.Engine.IndexKey, ":")
		if ok {
			subs = append(subs, market.Subscription(exchange, symbol, "full"))
		}
	}
	if err := a.market.Start(ctx, subs); err != nil {
		return err
	}
	a.octx.Start(ctx)
	if a.tel != nil {
		a.tel.Start(ctx)
	}
	a.startOperator(ctx)
	a.startMetricsServer(ctx)
	if a.journal != nil {
		go a.journalLoop(ctx)
	}

	a.log.Info("engine running",
		zap.String("mode", a.cfg.Engine.Mode),
		zap.String("ce_symbol", a.cfg.Engine.CESymbol),
		zap.String("pe_symbol", a.cfg.Engine.PESymbol))
	a.notify(ctx, "bot started in "+a.cfg.Engine.Mode+" mode")

	// The wall-clock ticker keeps square-off and trailing moving through
	// quiet stretches when no ticks arrive.
	clock := time.NewTicker(time.Second)
	defer clock.Stop()
	var lastCycle time.Time
	for {
		select {
		case <-ctx.Done():
			a.notify(context.Background(), "bot stopping")
			return ctx.Err()
		case <-a.market.Updates():
		case <-clock.C:
		}
		now := a.now()
		if now.Sub(lastCycle) < a.cfg.Engine.CycleMinInterval {
			continue
		}
		lastCycle = now
		a.applyRiskOverride()
		a.manager.Cycle(ctx, now)
	}
}

func (a *App) now() time.Time {
	return time.Now().In(a.loc)
}

func (a *App) notify(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

// journalLoop appends the latest tick of each subscribed instrument on
// every batch signal. Best effort; journaling never blocks trading.
func (a *App) journalLoop(ctx context.Context) {
	keys := []string{
		market.Key(a.cfg.Engine.Exchange, a.cfg.Engine.CESymbol),
		market.Key(a.cfg.Engine.Exchange, a.cfg.Engine.PESymbol),
	}
	if a.cfg.Engine.IndexKey != "" {
		keys = append(keys, a.cfg.Engine.IndexKey)
	}
	seen := make(map[string]time.Time)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, key := range keys {
			tick, ok := a.market.Latest(key)
			if !ok || !tick.At.After(seen[key]) {
				continue
			}
			seen[key] = tick.At
			if err := a.journal.Append(journal.FromTick(tick)); err != nil {
				a.log.Debug("journal append failed", zap.Error(err))
			}
		}
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

// applyRiskOverride pushes the operator's limits into the governor before
// each cycle. The kill switch is state, not config: an override can lower
// limits but never un-trip it.
func (a *App) applyRiskOverride() {
	a.opsMu.RLock()
	override := a.riskOverride
	a.opsMu.RUnlock()
	if override == nil {
		a.governor.SetLimits(a.cfg.Risk)
		return
	}
	a.governor.SetLimits(*override)
}

type gatewayAdapter struct {
	client *rest.Client
}

func (g *gatewayAdapter) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	if g.client == nil {
		return "", errors.New("broker client is required")
	}
	resp, err := g.client.PlaceOrder(ctx, rest.OrderRequest{
		Symbol:    order.Symbol,
		Exchange:  order.Exchange,
		Action:    order.Action,
		Quantity:  order.Quantity,
		PriceType: order.PriceType,
		Product:   order.Product,
		Price:     order.Price,
	})
	if err != nil {
		return "", err
	}
	return resp.OrderID, nil
}
