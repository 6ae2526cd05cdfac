package ml

import (
	"time"

	"icarus/internal/domain/features"
	"icarus/internal/domain/prediction"
)

// Model is the predictor contract every ensemble member satisfies.
type Model interface {
	Name() string
	SchemaID() string
	Predict(v *features.Vector) (prediction.Vote, error)
}

// OnlineModel additionally learns incrementally from labelled samples and
// can serialise its mutable state for persistence.
type OnlineModel interface {
	Model
	PartialFit(v *features.Vector, label prediction.Label, weight float64) error
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
	Stats() OnlineStats
}

// OnlineStats describes an online learner for the stats endpoint.
type OnlineStats struct {
	Name           string    `json:"name"`
	ModelType      string    `json:"model_type"`
	SamplesSeen    int64     `json:"samples_seen"`
	LastUpdate     time.Time `json:"last_update"`
	RecentAccuracy float64   `json:"recent_accuracy"`
	Quarantined    bool      `json:"quarantined"`
}
