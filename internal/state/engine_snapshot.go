package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"opt-scalp-bot/internal/risk"
)

const EngineSnapshotKey = "engine:last_snapshot"

// PositionRecord is the persisted shape of one open virtual position.
// In-flight dispatch flags are deliberately not part of it: a restart must
// never resurrect a pending order attempt.
type PositionRecord struct {
	ID             string    `json:"id"`
	Side           string    `json:"side"`
	Symbol         string    `json:"symbol"`
	Exchange       string    `json:"exchange"`
	Action         string    `json:"action,omitempty"`
	Quantity       int       `json:"quantity"`
	ManagedBy      string    `json:"managed_by,omitempty"`
	TPPoints       float64   `json:"tp_points,omitempty"`
	SLPoints       float64   `json:"sl_points,omitempty"`
	EntryPrice     float64   `json:"entry_price"`
	TakeProfit     float64   `json:"take_profit"`
	StopLoss       float64   `json:"stop_loss"`
	HighSinceEntry float64   `json:"high_since_entry"`
	Stage          string    `json:"stage"`
	EntryTime      time.Time `json:"entry_time"`
	EntryOrderID   string    `json:"entry_order_id"`
	EntryATMIV     float64   `json:"entry_atm_iv,omitempty"`
	EntryPCR       float64   `json:"entry_pcr,omitempty"`
}

type EngineSnapshot struct {
	Risk           risk.State       `json:"risk"`
	Positions      []PositionRecord `json:"positions"`
	SquareOffFired string           `json:"square_off_fired,omitempty"`
	SavedAt        time.Time        `json:"saved_at"`
}

func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, EngineSnapshotKey)
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, EngineSnapshotKey, string(payload))
}
