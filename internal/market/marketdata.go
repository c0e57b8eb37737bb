package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"opt-scalp-bot/internal/broker/ws"

	"go.uber.org/zap"
)

type DepthLevel struct {
	BidPrice float64 `json:"bid_price"`
	BidQty   float64 `json:"bid_qty"`
	AskPrice float64 `json:"ask_price"`
	AskQty   float64 `json:"ask_qty"`
}

// Tick is the latest quote snapshot for one instrument.
type Tick struct {
	Exchange string       `json:"exchange"`
	Symbol   string       `json:"symbol"`
	LTP      float64      `json:"ltp"`
	Volume   float64      `json:"volume"`
	BidPrice float64      `json:"bid"`
	AskPrice float64      `json:"ask"`
	Depth    []DepthLevel `json:"depth,omitempty"`
	At       time.Time    `json:"at"`
}

func (t Tick) Key() string { return Key(t.Exchange, t.Symbol) }

func Key(exchange, symbol string) string { return exchange + ":" + symbol }

type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketData caches the latest tick per "EXCHANGE:SYMBOL" key and keeps a
// bounded tick history plus minute candles for indicator computation.
type MarketData struct {
	feed *ws.Client
	log  *zap.Logger

	mu      sync.RWMutex
	latest  map[string]Tick
	history map[string][]Tick
	candles map[string][]Candle
	window  int

	updates chan struct{}
}

const candleWindow = 60

func New(feed *ws.Client, window int, log *zap.Logger) *MarketData {
	if window <= 0 {
		window = 300
	}
	return &MarketData{
		feed:    feed,
		log:     log,
		latest:  make(map[string]Tick),
		history: make(map[string][]Tick),
		candles: make(map[string][]Candle),
		window:  window,
		updates: make(chan struct{}, 1),
	}
}

// Updates signals tick-batch arrival. The channel carries no data; readers
// pull the latest snapshots.
func (m *MarketData) Updates() <-chan struct{} { return m.updates }

func (m *MarketData) Start(ctx context.Context, subscriptions []map[string]any) error {
	if m.feed == nil {
		return nil
	}
	if err := m.feed.Connect(ctx); err != nil {
		return err
	}
	for _, sub := range subscriptions {
		if err := m.feed.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		_ = m.feed.Run(ctx, m.handleMessage)
	}()
	return nil
}

func Subscription(exchange, symbol, mode string) map[string]any {
	return map[string]any{
		"action":   "subscribe",
		"exchange": exchange,
		"symbol":   symbol,
		"mode":     mode,
	}
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	var frame struct {
		Type string `json:"type"`
		Tick
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		if m.log != nil {
			m.log.Debug("feed decode error", zap.Error(err))
		}
		return
	}
	if frame.Symbol == "" || frame.LTP <= 0 {
		return
	}
	tick := frame.Tick
	if tick.At.IsZero() {
		tick.At = time.Now().UTC()
	}
	m.Apply(tick)
}

// Apply records a tick. Exposed so replay can drive the cache directly.
func (m *MarketData) Apply(tick Tick) {
	key := tick.Key()
	m.mu.Lock()
	m.latest[key] = tick
	hist := append(m.history[key], tick)
	if len(hist) > m.window {
		hist = hist[len(hist)-m.window:]
	}
	m.history[key] = hist
	m.applyCandle(key, tick)
	m.mu.Unlock()
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *MarketData) applyCandle(key string, tick Tick) {
	start := tick.At.Truncate(time.Minute)
	candles := m.candles[key]
	if n := len(candles); n > 0 && candles[n-1].Start.Equal(start) {
		c := &candles[n-1]
		if tick.LTP > c.High {
			c.High = tick.LTP
		}
		if tick.LTP < c.Low {
			c.Low = tick.LTP
		}
		c.Close = tick.LTP
		c.Volume += tick.Volume
		return
	}
	candles = append(candles, Candle{
		Start:  start,
		Open:   tick.LTP,
		High:   tick.LTP,
		Low:    tick.LTP,
		Close:  tick.LTP,
		Volume: tick.Volume,
	})
	if len(candles) > candleWindow {
		candles = candles[len(candles)-candleWindow:]
	}
	m.candles[key] = candles
}

func (m *MarketData) Latest(key string) (Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tick, ok := m.latest[key]
	return tick, ok
}

func (m *MarketData) History(key string) []Tick {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Tick(nil), m.history[key]...)
}

func (m *MarketData) Candles(key string) []Candle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Candle(nil), m.candles[key]...)
}

// RecentPrices returns up to n most recent traded prices for a key.
func (m *MarketData) RecentPrices(key string, n int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.history[key]
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	prices := make([]float64, 0, len(hist))
	for _, tick := range hist {
		prices = append(prices, tick.LTP)
	}
	return prices
}

// Spread returns the top-of-book spread for a key, zero when unknown.
func (m *MarketData) Spread(key string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tick, ok := m.latest[key]
	if !ok || tick.BidPrice <= 0 || tick.AskPrice <= 0 {
		return 0
	}
	return tick.AskPrice - tick.BidPrice
}

// DepthTotals sums resting bid and ask quantity across depth levels,
// falling back to top of book when no depth was published.
func (m *MarketData) DepthTotals(key string) (bidQty, askQty float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tick, ok := m.latest[key]
	if !ok {
		return 0, 0
	}
	for _, lvl := range tick.Depth {
		bidQty += lvl.BidQty
		askQty += lvl.AskQty
	}
	return bidQty, askQty
}
