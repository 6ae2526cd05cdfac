package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"icarus/internal/domain/features"
)

// Side defines long or short
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid checks if position side is valid
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// String returns string representation
func (s Side) String() string {
	return string(s)
}

// Status defines the position lifecycle state
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusClosedTP     Status = "CLOSED_TP"
	StatusClosedSL     Status = "CLOSED_SL"
	StatusClosedLiq    Status = "CLOSED_LIQ"
	StatusClosedManual Status = "CLOSED_MANUAL"
)

// Valid checks if position status is valid
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosedTP, StatusClosedSL, StatusClosedLiq, StatusClosedManual:
		return true
	}
	return false
}

// IsOpen returns true if the position is open
func (s Status) IsOpen() bool {
	return s == StatusOpen
}

// IsClosed returns true for any terminal state
func (s Status) IsClosed() bool {
	return s.Valid() && s != StatusOpen
}

// Position is a virtual futures position. While OPEN, margin is positive and
// LiquidationPrice is consistent with side, entry price, leverage and the
// maintenance margin rate. Once closed, no attribute mutates again.
type Position struct {
	ID     uuid.UUID `json:"id"`
	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`

	Qty              decimal.Decimal `json:"qty"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         int             `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`

	StopLoss   *decimal.Decimal `json:"sl_price,omitempty"`
	TakeProfit *decimal.Decimal `json:"tp_price,omitempty"`

	Status      Status          `json:"status"`
	OpenedAt    time.Time       `json:"opened_ts"`
	ClosedAt    *time.Time      `json:"closed_ts,omitempty"`
	ExitPrice   decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty"`
	FeesPaid    decimal.Decimal `json:"fees_paid,omitempty"`

	// EntryFeatures is a clone of the feature vector that produced the
	// opening signal, kept so the learning loop does not depend on the
	// bar window still containing the origin bars.
	EntryFeatures *features.Vector `json:"entry_features,omitempty"`
}

// UnrealizedPnL derives the open PnL at the given mark price.
// Returns zero for closed positions.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if !p.Status.IsOpen() {
		return decimal.Zero
	}
	diff := mark.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Qty)
}

// Notional returns the position's notional value at entry.
func (p *Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Qty)
}
