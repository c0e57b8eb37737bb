package engine

import (
	"time"

	"opt-scalp-bot/internal/risk"
	"opt-scalp-bot/internal/state"
	"opt-scalp-bot/internal/trail"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"

	priceTypeMarket = "MARKET"
	productMIS      = "MIS"
)

// TriggerKind distinguishes the two one-shot exit triggers attached to a
// position.
type TriggerKind string

const (
	TriggerTakeProfit TriggerKind = "tp"
	TriggerStopLoss   TriggerKind = "sl"
)

// ExitTrigger is a one-shot local exit order attached to a position. It
// fires at most once; a failed dispatch re-arms it so the next cycle
// retries.
type ExitTrigger struct {
	ID         string
	PositionID string
	Kind       TriggerKind
	Level      float64
	Fired      bool
}

// TriggerDirection names which side of the trigger price fires it.
type TriggerDirection string

const (
	TriggerAbove TriggerDirection = "above"
	TriggerBelow TriggerDirection = "below"
)

// TriggerOrder is an independent one-shot price-cross order. When the
// last traded price crosses TriggerPrice in Direction, the trigger is
// deleted and converted into a managed position at the resolved fill.
type TriggerOrder struct {
	ID           string
	Side         risk.Side
	Symbol       string
	Exchange     string
	Action       string
	Quantity     int
	TriggerPrice float64
	Direction    TriggerDirection
	TPPoints     float64
	SLPoints     float64
	CreatedAt    time.Time
}

func (t TriggerOrder) crossed(ltp float64) bool {
	if t.Direction == TriggerBelow {
		return ltp <= t.TriggerPrice
	}
	return ltp >= t.TriggerPrice
}

// Position origin, recorded on every VirtualPosition.
const (
	ManagedAuto    = "auto"
	ManagedTrigger = "trigger"
	ManagedManual  = "manual"
)

// VirtualPosition is an option position tracked locally. The broker only
// ever sees plain entry and exit orders; take profit, stop loss and
// trailing all live here.
type VirtualPosition struct {
	ID        string
	Side      risk.Side
	Symbol    string
	Exchange  string
	Action    string
	Quantity  int
	ManagedBy string

	TPPoints float64
	SLPoints float64

	EntryPrice     float64
	EntryTime      time.Time
	EntryOrderID   string
	HighSinceEntry float64

	Stage      trail.Stage
	TakeProfit ExitTrigger
	StopLoss   ExitTrigger

	EntryATMIV float64
	EntryPCR   float64

	AutoEntryScore  float64
	AutoEntryReason string

	// FillPending marks an entry whose fill price could not be resolved
	// yet. Exit triggers stay detached until it resolves.
	FillPending bool
}

func (p *VirtualPosition) isBuy() bool { return p.Action != ActionSell }

func newTrigger(positionID string, kind TriggerKind, level float64) ExitTrigger {
	return ExitTrigger{
		ID:         uuid.NewString(),
		PositionID: positionID,
		Kind:       kind,
		Level:      level,
	}
}

// mergeFill folds an additional fill into an existing position with a
// quantity-weighted average entry price, exact to two decimals.
func mergeFill(entryPrice float64, entryQty int, fillPrice float64, fillQty int) float64 {
	oldNotional := decimal.NewFromFloat(entryPrice).Mul(decimal.NewFromInt(int64(entryQty)))
	addNotional := decimal.NewFromFloat(fillPrice).Mul(decimal.NewFromInt(int64(fillQty)))
	total := decimal.NewFromInt(int64(entryQty + fillQty))
	if total.IsZero() {
		return 0
	}
	merged, _ := oldNotional.Add(addNotional).Div(total).Round(2).Float64()
	return merged
}

func (p *VirtualPosition) record() state.PositionRecord {
	return state.PositionRecord{
		ID:             p.ID,
		Side:           string(p.Side),
		Symbol:         p.Symbol,
		Exchange:       p.Exchange,
		Action:         p.Action,
		Quantity:       p.Quantity,
		ManagedBy:      p.ManagedBy,
		TPPoints:       p.TPPoints,
		SLPoints:       p.SLPoints,
		EntryPrice:     p.EntryPrice,
		TakeProfit:     p.TakeProfit.Level,
		StopLoss:       p.StopLoss.Level,
		HighSinceEntry: p.HighSinceEntry,
		Stage:          string(p.Stage),
		EntryTime:      p.EntryTime,
		EntryOrderID:   p.EntryOrderID,
		EntryATMIV:     p.EntryATMIV,
		EntryPCR:       p.EntryPCR,
	}
}

// positionFromRecord rebuilds a position from its persisted shape. Triggers
// get fresh ids; fired and in-flight flags never survive a restart.
func positionFromRecord(rec state.PositionRecord) *VirtualPosition {
	pos := &VirtualPosition{
		ID:             rec.ID,
		Side:           risk.Side(rec.Side),
		Symbol:         rec.Symbol,
		Exchange:       rec.Exchange,
		Action:         rec.Action,
		Quantity:       rec.Quantity,
		ManagedBy:      rec.ManagedBy,
		TPPoints:       rec.TPPoints,
		SLPoints:       rec.SLPoints,
		EntryPrice:     rec.EntryPrice,
		EntryTime:      rec.EntryTime,
		EntryOrderID:   rec.EntryOrderID,
		HighSinceEntry: rec.HighSinceEntry,
		Stage:          trail.Stage(rec.Stage),
		EntryATMIV:     rec.EntryATMIV,
		EntryPCR:       rec.EntryPCR,
	}
	if pos.Action == "" {
		pos.Action = ActionBuy
	}
	if pos.ManagedBy == "" {
		pos.ManagedBy = ManagedAuto
	}
	if pos.Stage == "" {
		pos.Stage = trail.StageInitial
	}
	if rec.EntryPrice <= 0 {
		pos.FillPending = true
	} else {
		pos.TakeProfit = newTrigger(pos.ID, TriggerTakeProfit, rec.TakeProfit)
		pos.StopLoss = newTrigger(pos.ID, TriggerStopLoss, rec.StopLoss)
	}
	return pos
}
