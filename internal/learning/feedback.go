package learning

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"icarus/internal/domain/position"
	"icarus/internal/domain/prediction"
	"icarus/internal/metrics"
	"icarus/internal/ml/ensemble"
	"icarus/internal/persistence"
	"icarus/pkg/logger"
)

// Config tunes the feedback loop.
type Config struct {
	BufferCapacity int           // bounded FIFO size, oldest dropped on overflow
	FlushEvery     int           // drain after this many pushed samples
	FlushInterval  time.Duration // or after this long, whichever first
	DrainBatchSize int           // samples handed to the ensemble per drain
	ReferencePnL   decimal.Decimal
	WeightCap      float64
}

// DefaultConfig returns the baseline tuning.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 10000,
		FlushEvery:     1,
		FlushInterval:  30 * time.Second,
		DrainBatchSize: 64,
		ReferencePnL:   decimal.NewFromInt(10),
		WeightCap:      5,
	}
}

// Feedback converts realised trade outcomes into training samples and
// feeds them to the ensemble's online learners.
type Feedback struct {
	cfg      Config
	ensemble *ensemble.Ensemble
	store    *persistence.Store

	mu         sync.Mutex
	buffer     []prediction.TrainingSample
	sinceFlush int
}

// New creates the feedback component.
func New(cfg Config, ens *ensemble.Ensemble, store *persistence.Store) *Feedback {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 10000
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if !cfg.ReferencePnL.IsPositive() {
		cfg.ReferencePnL = decimal.NewFromInt(10)
	}
	if cfg.WeightCap <= 0 {
		cfg.WeightCap = 5
	}
	return &Feedback{
		cfg:      cfg,
		ensemble: ens,
		store:    store,
		buffer:   make([]prediction.TrainingSample, 0, cfg.BufferCapacity),
	}
}

// OnPositionClosed derives a labelled sample from one closed position
// and queues it. Positions that carried no entry features are skipped;
// the learning loop cannot reconstruct the state that drove them.
func (f *Feedback) OnPositionClosed(p position.Position) {
	if !p.Status.IsClosed() {
		return
	}
	if p.EntryFeatures == nil {
		logger.Debugw("closed position has no entry features, skipping learning",
			"id", p.ID, "symbol", p.Symbol)
		return
	}

	label := prediction.LabelShort
	if p.RealizedPnL.IsPositive() {
		label = prediction.LabelLong
	}
	weight := math.Min(
		p.RealizedPnL.Abs().Div(f.cfg.ReferencePnL).InexactFloat64(),
		f.cfg.WeightCap,
	)

	sample := prediction.TrainingSample{
		Features: p.EntryFeatures,
		Label:    label,
		Weight:   weight,
		TradeID:  p.ID.String(),
		Ts:       time.Now().UTC(),
	}

	if err := f.store.AppendSample(sample); err != nil {
		logger.Warnw("sample log append failed", "trade_id", sample.TradeID, "error", err)
	}

	f.push(sample)
}

// Run drains the buffer on the flush interval until the context ends.
func (f *Feedback) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Drain()
			return
		case <-ticker.C:
			f.Drain()
		}
	}
}

// Drain hands up to one batch of buffered samples to the ensemble, in
// arrival order.
func (f *Feedback) Drain() int {
	f.mu.Lock()
	n := len(f.buffer)
	if n > f.cfg.DrainBatchSize {
		n = f.cfg.DrainBatchSize
	}
	if n == 0 {
		f.sinceFlush = 0
		f.mu.Unlock()
		return 0
	}
	batch := make([]prediction.TrainingSample, n)
	copy(batch, f.buffer[:n])
	f.buffer = f.buffer[:copy(f.buffer, f.buffer[n:])]
	f.sinceFlush = 0
	metrics.SampleBufferSize.Set(float64(len(f.buffer)))
	f.mu.Unlock()

	for _, sample := range batch {
		f.ensemble.OnlineUpdate(sample)
	}
	return n
}

// Pending reports the buffered sample count.
func (f *Feedback) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffer)
}

func (f *Feedback) push(sample prediction.TrainingSample) {
	f.mu.Lock()
	if len(f.buffer) >= f.cfg.BufferCapacity {
		f.buffer = f.buffer[:copy(f.buffer, f.buffer[1:])]
		metrics.SampleBufferDropped.Inc()
	}
	f.buffer = append(f.buffer, sample)
	f.sinceFlush++
	shouldFlush := f.sinceFlush >= f.cfg.FlushEvery
	metrics.SampleBufferSize.Set(float64(len(f.buffer)))
	f.mu.Unlock()

	if shouldFlush {
		f.Drain()
	}
}
