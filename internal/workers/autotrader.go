package workers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"icarus/internal/book"
	"icarus/internal/domain/marketdata"
	"icarus/internal/domain/position"
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
	"icarus/internal/features"
	"icarus/internal/gate"
	"icarus/internal/learning"
	"icarus/internal/metrics"
	"icarus/internal/ml/ensemble"
	"icarus/internal/pricefeed"
	"icarus/pkg/errors"
)

// AutoTrader drives the trading tick: price, features, prediction,
// gate, open, mark-to-market, learning feedback. Errors inside a tick
// are logged and never stop the loop; a persistence fault in the book
// freezes trading until an operator re-enables it.
type AutoTrader struct {
	*BaseWorker

	settings *settings.Store
	feed     *pricefeed.Feed
	window   *marketdata.Window
	builder  *features.Builder
	ensemble *ensemble.Ensemble
	book     *book.Book
	feedback *learning.Feedback

	symbols []string
}

// NewAutoTrader assembles the tick loop over its collaborators.
func NewAutoTrader(
	settingsStore *settings.Store,
	feed *pricefeed.Feed,
	window *marketdata.Window,
	builder *features.Builder,
	ens *ensemble.Ensemble,
	bk *book.Book,
	fb *learning.Feedback,
	symbols []string,
	tick time.Duration,
) *AutoTrader {
	return &AutoTrader{
		BaseWorker: NewBaseWorker("auto-trader", tick, true),
		settings:   settingsStore,
		feed:       feed,
		window:     window,
		builder:    builder,
		ensemble:   ens,
		book:       bk,
		feedback:   fb,
		symbols:    symbols,
	}
}

// Run executes one tick across the whitelist.
func (w *AutoTrader) Run(ctx context.Context) error {
	start := time.Now()

	s := w.settings.Snapshot()
	if !s.Enabled {
		w.RecordRun(time.Since(start))
		return nil
	}
	if w.book.Faulted() {
		w.Log().Warn("book is faulted, skipping tick until re-enabled")
		w.RecordRun(time.Since(start))
		return nil
	}

	for _, symbol := range w.symbols {
		select {
		case <-ctx.Done():
			w.RecordRun(time.Since(start))
			return nil
		default:
		}
		if !s.Whitelisted(symbol) {
			continue
		}
		if err := w.tickSymbol(ctx, symbol, s); err != nil {
			w.Log().Errorw("tick aborted for symbol", "symbol", symbol, "error", err)
			if errors.Is(err, errors.ErrPersistenceFault) {
				// The book froze itself; remaining symbols would fail
				// the same way.
				break
			}
		}
	}

	w.RecordRun(time.Since(start))
	return nil
}

func (w *AutoTrader) tickSymbol(ctx context.Context, symbol string, s settings.Settings) error {
	quote, err := w.feed.GetPrice(ctx, symbol)
	if err != nil {
		w.Log().Warnw("no usable price, skipping symbol", "symbol", symbol, "error", err)
		return nil
	}

	sig := w.signal(symbol, s)

	// Positions opened this tick are exempt from the immediately
	// following mark-to-market: their triggers lie strictly on the
	// other side of the entry price being evaluated.
	exempt := map[uuid.UUID]bool{}

	if sig.Actionable() {
		side := position.SideLong
		if sig.Direction == prediction.DirectionShort {
			side = position.SideShort
		}

		switch {
		case w.book.HasOpenPosition(symbol, side):
			w.Log().Debugw("position already open in this direction", "symbol", symbol, "side", side)
		case w.book.HasOpenPosition(symbol, ""):
			metrics.SignalsIgnoredOpenPosition.WithLabelValues(symbol).Inc()
			w.Log().Infow("opposite-direction signal ignored while position is open",
				"symbol", symbol, "signal", sig.Direction)
		default:
			entryFeatures := sig.Source.FeatureVector
			opened, err := w.book.Open(book.OpenRequest{
				Symbol:        symbol,
				Side:          side,
				Leverage:      s.DefaultLeverage,
				EntryPrice:    quote.Price,
				EntryFeatures: entryFeatures,
			})
			if err != nil {
				if errors.Is(err, errors.ErrPersistenceFault) {
					return err
				}
				w.Log().Warnw("open rejected", "symbol", symbol, "error", err)
			} else {
				exempt[opened.ID] = true
			}
		}
	}

	closed, err := w.book.MarkToMarket(symbol, quote.Price, exempt)
	for _, p := range closed {
		w.feedback.OnPositionClosed(p)
	}
	if err != nil {
		return err
	}
	return nil
}

// signal builds the feature vector, asks the ensemble and applies the
// gate. A cold or too-short bar window yields a suppressed signal, not
// an error.
func (w *AutoTrader) signal(symbol string, s settings.Settings) prediction.Signal {
	bars := w.window.Bars(symbol)

	vec, err := w.builder.Build(symbol, bars)
	if err != nil {
		w.Log().Debugw("feature build failed, holding", "symbol", symbol, "error", err)
		vec = nil
	}

	pred := w.ensemble.Predict(vec)
	if pred.Symbol == "" {
		pred.Symbol = symbol
	}

	sig := gate.Apply(pred, s)
	if sig.Actionable() {
		metrics.SignalsEmitted.WithLabelValues(symbol, string(sig.Direction)).Inc()
	} else {
		metrics.SignalsSuppressed.WithLabelValues(symbol, sig.Reason).Inc()
	}
	return sig
}
