package workers

import (
	"context"
	"time"

	"icarus/internal/adapters/exchanges"
	"icarus/internal/domain/marketdata"
)

// BarCollector keeps the rolling bar window fed with recent klines so
// the feature builder always has enough history.
type BarCollector struct {
	*BaseWorker
	source   exchanges.MarketDataSource
	window   *marketdata.Window
	symbols  []string
	barIntvl string
}

// NewBarCollector creates the kline collector. barInterval is the
// upstream kline interval, e.g. "1m".
func NewBarCollector(source exchanges.MarketDataSource, window *marketdata.Window, symbols []string, barInterval string, every time.Duration) *BarCollector {
	if barInterval == "" {
		barInterval = "1m"
	}
	return &BarCollector{
		BaseWorker: NewBaseWorker("bar-collector", every, true),
		source:     source,
		window:     window,
		symbols:    symbols,
		barIntvl:   barInterval,
	}
}

// Run pulls the latest klines for every symbol into the window. A
// failing symbol is logged and the rest continue; the window keeps its
// previous bars, so one bad pull only delays freshness.
func (w *BarCollector) Run(ctx context.Context) error {
	start := time.Now()

	for _, symbol := range w.symbols {
		candles, err := w.source.GetOHLCV(ctx, symbol, w.barIntvl, w.window.Capacity())
		if err != nil {
			w.Log().Warnw("kline pull failed", "symbol", symbol, "error", err)
			continue
		}
		for _, c := range candles {
			w.window.Push(marketdata.Bar{
				Symbol: symbol,
				Ts:     c.OpenTime,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
			})
		}
		w.Log().Debugw("window refreshed",
			"symbol", symbol, "bars", w.window.Len(symbol))
	}

	w.RecordRun(time.Since(start))
	return nil
}
