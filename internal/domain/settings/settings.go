package settings

import (
	"sync"

	"github.com/shopspring/decimal"
)

// SizingPolicy selects how margin is chosen when a signal opens a position.
type SizingPolicy string

const (
	SizingFixed      SizingPolicy = "FIXED"
	SizingPctBalance SizingPolicy = "PCT_BALANCE"
)

// Valid checks if the sizing policy is known.
func (p SizingPolicy) Valid() bool {
	return p == SizingFixed || p == SizingPctBalance
}

// Settings is the process-wide trading configuration. Readers take a value
// snapshot per operation; only the settings endpoint mutates it.
type Settings struct {
	Enabled             bool     `json:"enabled"`
	SymbolWhitelist     []string `json:"symbol_whitelist"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	DefaultLeverage     int      `json:"default_leverage"`

	SizingPolicy    SizingPolicy    `json:"sizing_policy"`
	FixedMargin     decimal.Decimal `json:"fixed_margin"`
	RiskPerTradePct decimal.Decimal `json:"risk_per_trade_pct"`

	StopLossPct   decimal.Decimal `json:"sl_pct"`
	TakeProfitPct decimal.Decimal `json:"tp_pct"`

	// Fixed exchange parameters; not mutable via the settings endpoint.
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	TakerFeeRate          decimal.Decimal `json:"taker_fee_rate"`
}

// Whitelisted reports whether the symbol is tradable.
func (s Settings) Whitelisted(symbol string) bool {
	for _, w := range s.SymbolWhitelist {
		if w == symbol {
			return true
		}
	}
	return false
}

// Default returns the baseline settings document.
func Default() Settings {
	return Settings{
		Enabled:               false,
		SymbolWhitelist:       []string{"BTCUSDT", "ETHUSDT"},
		ConfidenceThreshold:   0.70,
		DefaultLeverage:       10,
		SizingPolicy:          SizingFixed,
		FixedMargin:           decimal.NewFromInt(100),
		RiskPerTradePct:       decimal.NewFromFloat(0.01),
		StopLossPct:           decimal.NewFromFloat(0.02),
		TakeProfitPct:         decimal.NewFromFloat(0.05),
		MaintenanceMarginRate: decimal.NewFromFloat(0.005),
		TakerFeeRate:          decimal.Zero,
	}
}

// Store holds the current settings behind a single writer.
type Store struct {
	mu      sync.RWMutex
	current Settings
}

// NewStore creates a settings store seeded with the given document.
func NewStore(initial Settings) *Store {
	return &Store{current: initial}
}

// Snapshot returns a consistent copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.current
	out.SymbolWhitelist = append([]string(nil), s.current.SymbolWhitelist...)
	return out
}

// Update replaces the settings document. Fixed exchange parameters are
// carried over from the previous document regardless of the input.
func (s *Store) Update(next Settings) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	next.MaintenanceMarginRate = s.current.MaintenanceMarginRate
	next.TakerFeeRate = s.current.TakerFeeRate
	s.current = next
	return s.current
}

// Enabled reports the operator's auto-trading switch.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Enabled
}

// SetEnabled toggles auto-trading without touching the rest of the document.
func (s *Store) SetEnabled(enabled bool) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Enabled = enabled
	return s.current
}
