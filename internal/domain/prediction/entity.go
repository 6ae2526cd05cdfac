package prediction

import (
	"time"

	"icarus/internal/domain/features"
)

// Label is a model output class.
type Label int

const (
	LabelShort Label = -1
	LabelHold  Label = 0
	LabelLong  Label = 1
)

// String renders the label for logs and metrics.
func (l Label) String() string {
	switch {
	case l > 0:
		return "long"
	case l < 0:
		return "short"
	default:
		return "hold"
	}
}

// Direction maps the label onto a trade direction.
func (l Label) Direction() Direction {
	switch {
	case l > 0:
		return DirectionLong
	case l < 0:
		return DirectionShort
	default:
		return DirectionNone
	}
}

// Vote is a single model's output for one feature vector.
type Vote struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the aggregated ensemble output for one symbol at one instant.
// FeatureVector is retained so downstream learning can reuse the exact
// features that drove the decision.
type Prediction struct {
	Symbol        string           `json:"symbol"`
	Ts            time.Time        `json:"ts"`
	Label         Label            `json:"ensemble_label"`
	Confidence    float64          `json:"ensemble_confidence"`
	PerModel      map[string]Vote  `json:"per_model"`
	Quarantined   []string         `json:"quarantined,omitempty"`
	FeatureVector *features.Vector `json:"-"`
}

// Direction of an actionable signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NONE"
)

// Signal is a gated prediction. DirectionNone means the gate suppressed it.
type Signal struct {
	Symbol     string      `json:"symbol"`
	Ts         time.Time   `json:"ts"`
	Direction  Direction   `json:"direction"`
	Confidence float64     `json:"confidence"`
	Source     *Prediction `json:"source_prediction,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Actionable reports whether the signal asks for a position.
func (s Signal) Actionable() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}

// TrainingSample is a labelled example produced from a realised trade outcome.
type TrainingSample struct {
	Features *features.Vector `json:"features"`
	Label    Label            `json:"label"` // LabelLong (+1) or LabelShort (-1)
	Weight   float64          `json:"weight"`
	TradeID  string           `json:"trade_id"`
	Ts       time.Time        `json:"ts"`
}
