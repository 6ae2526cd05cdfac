package ensemble

import (
	"sync"
	"time"

	"icarus/internal/domain/features"
	"icarus/internal/domain/prediction"
	"icarus/internal/metrics"
	"icarus/internal/ml"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

// deadBand is the zone around zero within which the weighted vote sum
// collapses to HOLD.
const deadBand = 1e-6

// Ensemble aggregates one frozen batch model with a pool of online
// learners sharing a single schema. predict and online_update hold the
// reader-writer discipline: partial_fit never interleaves with predict
// on the same learner.
type Ensemble struct {
	mu       sync.RWMutex
	schemaID string
	batch    ml.Model
	online   []ml.OnlineModel

	quarantined map[string]bool
}

// New builds an ensemble over the given models. The batch model may be
// nil (online-only mode). Every model must carry the ensemble schema.
func New(schemaID string, batch ml.Model, online []ml.OnlineModel) (*Ensemble, error) {
	if batch != nil && batch.SchemaID() != schemaID {
		return nil, errors.Wrapf(errors.ErrSchemaMismatch,
			"batch model %s is schema %s, ensemble is %s", batch.Name(), batch.SchemaID(), schemaID)
	}
	for _, m := range online {
		if m.SchemaID() != schemaID {
			return nil, errors.Wrapf(errors.ErrSchemaMismatch,
				"online model %s is schema %s, ensemble is %s", m.Name(), m.SchemaID(), schemaID)
		}
	}
	return &Ensemble{
		schemaID:    schemaID,
		batch:       batch,
		online:      online,
		quarantined: make(map[string]bool),
	}, nil
}

// SchemaID returns the schema every member model is bound to.
func (e *Ensemble) SchemaID() string { return e.schemaID }

// Predict aggregates per-model votes into one prediction. It fails
// closed: schema mismatch, model errors or an empty pool all yield
// HOLD with confidence 0 instead of an error.
func (e *Ensemble) Predict(v *features.Vector) prediction.Prediction {
	p := prediction.Prediction{
		Label:         prediction.LabelHold,
		Confidence:    0,
		PerModel:      make(map[string]prediction.Vote),
		FeatureVector: v,
	}
	if v != nil {
		p.Symbol = v.Symbol
		p.Ts = v.Ts
	}

	if v == nil || v.SchemaID != e.schemaID {
		logger.Warnw("prediction failed closed on schema mismatch",
			"want", e.schemaID)
		return p
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	sum := 0.0
	for _, m := range e.activeModels() {
		vote, err := m.Predict(v)
		if err != nil {
			logger.Warnw("model vote failed, excluded from aggregation",
				"model", m.Name(), "error", err)
			continue
		}
		p.PerModel[m.Name()] = vote
		sum += float64(vote.Label) * vote.Confidence
	}
	p.Quarantined = e.quarantinedNames()

	if len(p.PerModel) == 0 {
		return p
	}

	switch {
	case sum > deadBand:
		p.Label = prediction.LabelLong
	case sum < -deadBand:
		p.Label = prediction.LabelShort
	default:
		metrics.PredictionsTotal.WithLabelValues(p.Symbol, "hold").Inc()
		return p
	}

	// Mean confidence over agreeing models only.
	agreeSum, agreeN := 0.0, 0
	for _, vote := range p.PerModel {
		if vote.Label == p.Label {
			agreeSum += vote.Confidence
			agreeN++
		}
	}
	if agreeN == 0 {
		p.Label = prediction.LabelHold
		return p
	}
	p.Confidence = agreeSum / float64(agreeN)

	metrics.PredictionsTotal.WithLabelValues(p.Symbol, p.Label.String()).Inc()
	return p
}

// OnlineUpdate routes one training sample to every non-quarantined
// online learner. A learner that fails is quarantined and the rest
// continue; the sample is not retried.
func (e *Ensemble) OnlineUpdate(sample prediction.TrainingSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.online {
		if e.quarantined[m.Name()] {
			continue
		}
		if err := m.PartialFit(sample.Features, sample.Label, sample.Weight); err != nil {
			logger.Errorw("online learner failed during update, quarantining",
				"model", m.Name(), "trade_id", sample.TradeID, "error", err)
			e.quarantined[m.Name()] = true
			metrics.LearnerQuarantines.WithLabelValues(m.Name()).Inc()
			metrics.LearnerUpdates.WithLabelValues(m.Name(), "error").Inc()
			continue
		}
		metrics.LearnerUpdates.WithLabelValues(m.Name(), "success").Inc()
	}
}

// ReplaceBatchModel atomically swaps the frozen batch model. The new
// model must match the ensemble schema.
func (e *Ensemble) ReplaceBatchModel(m ml.Model) error {
	if m == nil {
		return errors.Wrap(errors.ErrInvalidInput, "nil batch model")
	}
	if m.SchemaID() != e.schemaID {
		return errors.Wrapf(errors.ErrSchemaMismatch,
			"batch model %s is schema %s, ensemble is %s", m.Name(), m.SchemaID(), e.schemaID)
	}

	e.mu.Lock()
	e.batch = m
	e.mu.Unlock()

	logger.Infow("batch model replaced", "model", m.Name(), "schema", e.schemaID)
	return nil
}

// ClearQuarantine reinstates all quarantined learners and returns
// their names.
func (e *Ensemble) ClearQuarantine() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	cleared := make([]string, 0, len(e.quarantined))
	for name := range e.quarantined {
		cleared = append(cleared, name)
	}
	e.quarantined = make(map[string]bool)

	if len(cleared) > 0 {
		logger.Infow("quarantine cleared", "models", cleared)
	}
	return cleared
}

// Reinstate lifts the quarantine of a single learner. Returns false
// when the name is unknown or not quarantined.
func (e *Ensemble) Reinstate(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.quarantined[name] {
		return false
	}
	delete(e.quarantined, name)
	logger.Infow("learner reinstated", "model", name)
	return true
}

// Stats reports per-learner statistics for the dashboard.
func (e *Ensemble) Stats() []ml.OnlineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ml.OnlineStats, 0, len(e.online))
	for _, m := range e.online {
		st := m.Stats()
		st.Quarantined = e.quarantined[m.Name()]
		out = append(out, st)
	}
	return out
}

// StateSnapshot serialises every online learner keyed by name, for the
// persistence layer.
func (e *Ensemble) StateSnapshot() (map[string][]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make(map[string][]byte, len(e.online))
	for _, m := range e.online {
		data, err := m.MarshalState()
		if err != nil {
			return nil, errors.Wrapf(err, "serialize learner %s", m.Name())
		}
		states[m.Name()] = data
	}
	return states, nil
}

// RestoreStates loads persisted learner states. Learners with no
// persisted state keep their fresh initialisation; a state that fails
// to decode quarantines that learner rather than aborting startup.
func (e *Ensemble) RestoreStates(states map[string][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.online {
		data, ok := states[m.Name()]
		if !ok {
			continue
		}
		if err := m.UnmarshalState(data); err != nil {
			logger.Errorw("learner state restore failed, quarantining",
				"model", m.Name(), "error", err)
			e.quarantined[m.Name()] = true
			metrics.LearnerQuarantines.WithLabelValues(m.Name()).Inc()
		}
	}
}

// LastActivity returns the most recent update time across learners.
func (e *Ensemble) LastActivity() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var last time.Time
	for _, m := range e.online {
		if st := m.Stats(); st.LastUpdate.After(last) {
			last = st.LastUpdate
		}
	}
	return last
}

// activeModels lists the batch model plus non-quarantined learners.
// Caller holds at least a read lock.
func (e *Ensemble) activeModels() []ml.Model {
	models := make([]ml.Model, 0, len(e.online)+1)
	if e.batch != nil {
		models = append(models, e.batch)
	}
	for _, m := range e.online {
		if !e.quarantined[m.Name()] {
			models = append(models, m)
		}
	}
	return models
}

// quarantinedNames lists quarantined learner names. Caller holds at
// least a read lock.
func (e *Ensemble) quarantinedNames() []string {
	if len(e.quarantined) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.quarantined))
	for name := range e.quarantined {
		names = append(names, name)
	}
	return names
}
