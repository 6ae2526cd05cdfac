package gate

import (
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
)

// Suppression reasons carried on non-actionable signals.
const (
	ReasonDisabled       = "auto_trading_disabled"
	ReasonNotWhitelisted = "symbol_not_whitelisted"
	ReasonHold           = "ensemble_hold"
	ReasonLowConfidence  = "confidence_below_threshold"
)

// Apply gates a prediction against a settings snapshot. It is pure:
// identical inputs always yield identical signals, and nothing is
// mutated. Checks run in a fixed order so the reported reason is the
// first policy that suppressed the signal.
func Apply(p prediction.Prediction, s settings.Settings) prediction.Signal {
	sig := prediction.Signal{
		Symbol:     p.Symbol,
		Ts:         p.Ts,
		Direction:  prediction.DirectionNone,
		Confidence: p.Confidence,
		Source:     &p,
	}

	switch {
	case !s.Enabled:
		sig.Reason = ReasonDisabled
	case !s.Whitelisted(p.Symbol):
		sig.Reason = ReasonNotWhitelisted
	case p.Label == prediction.LabelHold:
		sig.Reason = ReasonHold
	case p.Confidence < s.ConfidenceThreshold:
		sig.Reason = ReasonLowConfidence
	default:
		sig.Direction = p.Label.Direction()
	}

	return sig
}
