package workers

import (
	"context"
	"time"

	"icarus/internal/ml/ensemble"
	"icarus/internal/persistence"
)

// StateSaver periodically checkpoints the online learners to disk so a
// crash loses at most one interval of training.
type StateSaver struct {
	*BaseWorker
	ensemble *ensemble.Ensemble
	store    *persistence.Store
}

// NewStateSaver creates the learner checkpoint worker.
func NewStateSaver(ens *ensemble.Ensemble, store *persistence.Store, every time.Duration) *StateSaver {
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &StateSaver{
		BaseWorker: NewBaseWorker("learner-state-saver", every, true),
		ensemble:   ens,
		store:      store,
	}
}

// Run serialises every learner and writes the blobs under the schema
// directory.
func (w *StateSaver) Run(ctx context.Context) error {
	start := time.Now()

	states, err := w.ensemble.StateSnapshot()
	if err != nil {
		w.RecordError(err, time.Since(start))
		return err
	}
	if err := w.store.SaveModelStates(w.ensemble.SchemaID(), states); err != nil {
		w.RecordError(err, time.Since(start))
		return err
	}

	w.Log().Debugw("learner states checkpointed", "models", len(states))
	w.RecordRun(time.Since(start))
	return nil
}
