package ml

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"icarus/internal/domain/features"
	"icarus/internal/domain/prediction"
	"icarus/pkg/errors"
)

const accuracyWindow = 100

// onlineBase carries the weight vector and bookkeeping shared by the linear
// online learners. PartialFit and Predict must not interleave; callers hold
// the reader-writer discipline, the internal mutex is a second line.
type onlineBase struct {
	mu        sync.RWMutex
	name      string
	modelType string
	schemaID  string
	dim       int

	weights []float64
	bias    float64

	samplesSeen int64
	lastUpdate  time.Time

	// Ring buffer of pre-update prediction hits for recent accuracy.
	outcomes []bool
	outIdx   int
	outFull  bool
}

func newOnlineBase(name, modelType, schemaID string, dim int) onlineBase {
	return onlineBase{
		name:      name,
		modelType: modelType,
		schemaID:  schemaID,
		dim:       dim,
		weights:   make([]float64, dim),
		outcomes:  make([]bool, 0, accuracyWindow),
	}
}

func (b *onlineBase) Name() string     { return b.name }
func (b *onlineBase) SchemaID() string { return b.schemaID }

func (b *onlineBase) checkVector(v *features.Vector) error {
	if v == nil {
		return errors.Wrap(errors.ErrInvalidInput, "nil feature vector")
	}
	if v.SchemaID != b.schemaID {
		return errors.Wrapf(errors.ErrSchemaMismatch,
			"model %s trained under %s, vector is %s", b.name, b.schemaID, v.SchemaID)
	}
	if len(v.Values) != b.dim {
		return errors.Wrapf(errors.ErrSchemaMismatch,
			"model %s expects %d features, vector has %d", b.name, b.dim, len(v.Values))
	}
	return nil
}

func (b *onlineBase) score(values []float64) float64 {
	s := b.bias
	for i, x := range values {
		s += b.weights[i] * x
	}
	return s
}

func (b *onlineBase) recordOutcome(hit bool) {
	if len(b.outcomes) < accuracyWindow {
		b.outcomes = append(b.outcomes, hit)
		return
	}
	b.outcomes[b.outIdx] = hit
	b.outIdx = (b.outIdx + 1) % accuracyWindow
	b.outFull = true
}

func (b *onlineBase) recentAccuracy() float64 {
	if len(b.outcomes) == 0 {
		return 0
	}
	hits := 0
	for _, h := range b.outcomes {
		if h {
			hits++
		}
	}
	return float64(hits) / float64(len(b.outcomes))
}

func (b *onlineBase) stats() OnlineStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return OnlineStats{
		Name:           b.name,
		ModelType:      b.modelType,
		SamplesSeen:    b.samplesSeen,
		LastUpdate:     b.lastUpdate,
		RecentAccuracy: b.recentAccuracy(),
	}
}

// onlineState is the serialised form stored under models/<schema_id>/.
type onlineState struct {
	SchemaID    string    `json:"schema_id"`
	ModelType   string    `json:"model_type"`
	Weights     []float64 `json:"weights"`
	Bias        float64   `json:"bias"`
	SamplesSeen int64     `json:"samples_seen"`
	LastUpdate  time.Time `json:"last_update"`
}

func (b *onlineBase) marshalState() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return json.Marshal(onlineState{
		SchemaID:    b.schemaID,
		ModelType:   b.modelType,
		Weights:     append([]float64(nil), b.weights...),
		Bias:        b.bias,
		SamplesSeen: b.samplesSeen,
		LastUpdate:  b.lastUpdate,
	})
}

func (b *onlineBase) unmarshalState(data []byte) error {
	var st onlineState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrapf(err, "decode %s state", b.name)
	}
	if st.SchemaID != b.schemaID {
		return errors.Wrapf(errors.ErrSchemaMismatch,
			"persisted state of %s is schema %s, want %s", b.name, st.SchemaID, b.schemaID)
	}
	if len(st.Weights) != b.dim {
		return errors.Wrapf(errors.ErrSchemaMismatch,
			"persisted state of %s has %d weights, want %d", b.name, len(st.Weights), b.dim)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.weights, st.Weights)
	b.bias = st.Bias
	b.samplesSeen = st.SamplesSeen
	b.lastUpdate = st.LastUpdate
	return nil
}

// LogisticSGD is an online logistic regression classifier trained by
// stochastic gradient descent on {-1,+1} labels.
type LogisticSGD struct {
	onlineBase
	learningRate float64
	l2           float64
}

// NewLogisticSGD creates a logistic regression learner.
func NewLogisticSGD(name, schemaID string, dim int, learningRate float64) *LogisticSGD {
	if learningRate <= 0 {
		learningRate = 0.05
	}
	return &LogisticSGD{
		onlineBase:   newOnlineBase(name, "logistic_sgd", schemaID, dim),
		learningRate: learningRate,
		l2:           1e-4,
	}
}

// Predict returns sign(p-0.5) with confidence |2p-1|.
func (m *LogisticSGD) Predict(v *features.Vector) (prediction.Vote, error) {
	if err := m.checkVector(v); err != nil {
		return prediction.Vote{}, err
	}

	m.mu.RLock()
	p := sigmoid(m.score(v.Values))
	m.mu.RUnlock()

	return voteFromProb(p), nil
}

// PartialFit performs one SGD step weighted by the sample weight.
func (m *LogisticSGD) PartialFit(v *features.Vector, label prediction.Label, weight float64) error {
	if err := m.checkVector(v); err != nil {
		return err
	}
	y, err := binaryTarget(label)
	if err != nil {
		return err
	}
	if err := checkWeight(weight); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := sigmoid(m.score(v.Values))
	m.recordOutcome(hit(p, y))

	// A weight-0 sample counts toward the statistics but moves nothing.
	if weight > 0 {
		// Gradient of log-loss with target in {0,1}.
		grad := p - y
		step := m.learningRate * weight
		for i, x := range v.Values {
			m.weights[i] -= step * (grad*x + m.l2*m.weights[i])
		}
		m.bias -= step * grad
	}

	m.samplesSeen++
	m.lastUpdate = time.Now()
	return nil
}

func (m *LogisticSGD) MarshalState() ([]byte, error)    { return m.marshalState() }
func (m *LogisticSGD) UnmarshalState(data []byte) error { return m.unmarshalState(data) }
func (m *LogisticSGD) Stats() OnlineStats               { return m.stats() }

// PassiveAggressive is an online max-margin classifier (PA-I variant).
type PassiveAggressive struct {
	onlineBase
	aggressiveness float64
}

// NewPassiveAggressive creates a PA-I learner with aggressiveness C.
func NewPassiveAggressive(name, schemaID string, dim int, c float64) *PassiveAggressive {
	if c <= 0 {
		c = 1.0
	}
	return &PassiveAggressive{
		onlineBase:     newOnlineBase(name, "passive_aggressive", schemaID, dim),
		aggressiveness: c,
	}
}

// Predict returns sign(score) with a tanh-squashed confidence.
func (m *PassiveAggressive) Predict(v *features.Vector) (prediction.Vote, error) {
	if err := m.checkVector(v); err != nil {
		return prediction.Vote{}, err
	}

	m.mu.RLock()
	s := m.score(v.Values)
	m.mu.RUnlock()

	return voteFromMargin(s), nil
}

// PartialFit applies the PA-I update scaled by the sample weight.
func (m *PassiveAggressive) PartialFit(v *features.Vector, label prediction.Label, weight float64) error {
	if err := m.checkVector(v); err != nil {
		return err
	}
	y := float64(label)
	if y == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "training label must be -1 or +1")
	}
	if err := checkWeight(weight); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.score(v.Values)
	m.recordOutcome(s*y > 0)

	loss := 1 - y*s
	if loss > 0 && weight > 0 {
		norm := 1.0 // bias term
		for _, x := range v.Values {
			norm += x * x
		}
		tau := loss / norm
		cap := m.aggressiveness * weight
		if tau > cap {
			tau = cap
		}
		for i, x := range v.Values {
			m.weights[i] += tau * y * x
		}
		m.bias += tau * y
	}

	m.samplesSeen++
	m.lastUpdate = time.Now()
	return nil
}

func (m *PassiveAggressive) MarshalState() ([]byte, error)    { return m.marshalState() }
func (m *PassiveAggressive) UnmarshalState(data []byte) error { return m.unmarshalState(data) }
func (m *PassiveAggressive) Stats() OnlineStats               { return m.stats() }

// Perceptron is the classic mistake-driven online linear classifier.
type Perceptron struct {
	onlineBase
	learningRate float64
}

// NewPerceptron creates a perceptron learner.
func NewPerceptron(name, schemaID string, dim int, learningRate float64) *Perceptron {
	if learningRate <= 0 {
		learningRate = 0.1
	}
	return &Perceptron{
		onlineBase:   newOnlineBase(name, "perceptron", schemaID, dim),
		learningRate: learningRate,
	}
}

// Predict returns sign(score) with a tanh-squashed confidence.
func (m *Perceptron) Predict(v *features.Vector) (prediction.Vote, error) {
	if err := m.checkVector(v); err != nil {
		return prediction.Vote{}, err
	}

	m.mu.RLock()
	s := m.score(v.Values)
	m.mu.RUnlock()

	return voteFromMargin(s), nil
}

// PartialFit updates weights only on misclassification.
func (m *Perceptron) PartialFit(v *features.Vector, label prediction.Label, weight float64) error {
	if err := m.checkVector(v); err != nil {
		return err
	}
	y := float64(label)
	if y == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "training label must be -1 or +1")
	}
	if err := checkWeight(weight); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.score(v.Values)
	correct := s*y > 0
	m.recordOutcome(correct)

	if !correct && weight > 0 {
		step := m.learningRate * weight
		for i, x := range v.Values {
			m.weights[i] += step * y * x
		}
		m.bias += step * y
	}

	m.samplesSeen++
	m.lastUpdate = time.Now()
	return nil
}

func (m *Perceptron) MarshalState() ([]byte, error)    { return m.marshalState() }
func (m *Perceptron) UnmarshalState(data []byte) error { return m.unmarshalState(data) }
func (m *Perceptron) Stats() OnlineStats               { return m.stats() }

func sigmoid(s float64) float64 {
	return 1 / (1 + math.Exp(-s))
}

// binaryTarget maps {-1,+1} labels to {0,1} logistic targets.
// checkWeight rejects negative sample weights. Zero is legitimate (a
// flat trade) and handled by the callers as a stats-only update.
func checkWeight(weight float64) error {
	if weight < 0 || math.IsNaN(weight) {
		return errors.Wrapf(errors.ErrInvalidInput, "sample weight %v must be non-negative", weight)
	}
	return nil
}

func binaryTarget(label prediction.Label) (float64, error) {
	switch label {
	case prediction.LabelLong:
		return 1, nil
	case prediction.LabelShort:
		return 0, nil
	default:
		return 0, errors.Wrap(errors.ErrInvalidInput, "training label must be -1 or +1")
	}
}

func hit(p, target float64) bool {
	return (p >= 0.5) == (target >= 0.5)
}

func voteFromProb(p float64) prediction.Vote {
	label := prediction.LabelHold
	if p > 0.5 {
		label = prediction.LabelLong
	} else if p < 0.5 {
		label = prediction.LabelShort
	}
	return prediction.Vote{Label: label, Confidence: math.Abs(2*p - 1)}
}

func voteFromMargin(s float64) prediction.Vote {
	label := prediction.LabelHold
	if s > 0 {
		label = prediction.LabelLong
	} else if s < 0 {
		label = prediction.LabelShort
	}
	return prediction.Vote{Label: label, Confidence: math.Abs(math.Tanh(s))}
}
