package optctx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"opt-scalp-bot/internal/config"

	"go.uber.org/zap"
)

// Snapshot is the externally computed options-context analytics feed. The
// engine consumes it read-only and never derives any of these values.
type Snapshot struct {
	PCR             float64   `json:"pcr"`
	MaxPainStrike   float64   `json:"max_pain_strike"`
	SpotVsMaxPain   float64   `json:"spot_vs_max_pain"`
	NetGEX          float64   `json:"net_gex"`
	ATMIV           float64   `json:"atm_iv"`
	IVSkew          float64   `json:"iv_skew"`
	TopGammaStrikes []float64 `json:"top_gamma_strikes"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Feed polls the analytics endpoint and serves the latest snapshot.
// Snapshots older than the TTL are reported as absent.
type Feed struct {
	cfg  config.OptionsConfig
	http *http.Client
	log  *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
	has  bool
}

func NewFeed(cfg config.OptionsConfig, log *zap.Logger) *Feed {
	return &Feed{
		cfg:  cfg,
		http: &http.Client{Timeout: 5 * time.Second},
		log:  log,
	}
}

// Current returns the snapshot when it is fresh enough to act on.
func (f *Feed) Current(now time.Time) (Snapshot, bool) {
	if f == nil {
		return Snapshot{}, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.has {
		return Snapshot{}, false
	}
	if now.Sub(f.snap.LastUpdated) > f.cfg.TTL {
		return Snapshot{}, false
	}
	return f.snap, true
}

// Set installs a snapshot directly. Used by replay and tests.
func (f *Feed) Set(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	f.has = true
}

func (f *Feed) Start(ctx context.Context) {
	if !f.cfg.Enabled || f.cfg.URL == "" {
		return
	}
	go f.pollLoop(ctx)
}

func (f *Feed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := f.refresh(ctx); err != nil && f.log != nil {
			f.log.Debug("options context refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Feed) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = time.Now().UTC()
	}
	f.Set(snap)
	return nil
}
