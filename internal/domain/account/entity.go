package account

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the singleton virtual wallet. Invariant:
// WalletBalance = InitialBalance + Σ realized_pnl − Σ margin over OPEN
// positions − Σ fees. Unrealised PnL is derived by readers, never stored.
type Account struct {
	WalletBalance  decimal.Decimal `json:"wallet_balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	OpenPositions  []uuid.UUID     `json:"open_position_ids"`
}

// Snapshot is the derived account view returned to callers.
type Snapshot struct {
	WalletBalance      decimal.Decimal `json:"wallet_balance"`
	InitialBalance     decimal.Decimal `json:"initial_balance"`
	OpenPositionIDs    []uuid.UUID     `json:"open_position_ids"`
	TotalMarginUsed    decimal.Decimal `json:"total_margin_used"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	MaintenanceMargin  decimal.Decimal `json:"maintenance_margin"`
	MarginRatio        decimal.Decimal `json:"margin_ratio"`
	CanTrade           bool            `json:"can_trade"`
}
