package marketdata

import (
	"sync"
)

// Window keeps a bounded sliding window of bars per symbol.
// Bars must arrive with monotonically increasing timestamps per symbol;
// out-of-order bars are dropped, a bar with the same timestamp as the
// newest replaces it (the live candle getting refreshed).
type Window struct {
	mu   sync.RWMutex
	size int
	bars map[string][]Bar
}

// NewWindow creates a window holding at most size bars per symbol.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 250
	}
	return &Window{
		size: size,
		bars: make(map[string][]Bar),
	}
}

// Push appends a bar to the symbol's window, evicting the oldest when full.
func (w *Window) Push(bar Bar) {
	w.mu.Lock()
	defer w.mu.Unlock()

	series := w.bars[bar.Symbol]
	if n := len(series); n > 0 {
		last := series[n-1]
		if bar.Ts.Before(last.Ts) {
			return
		}
		if bar.Ts.Equal(last.Ts) {
			series[n-1] = bar
			return
		}
	}

	series = append(series, bar)
	if len(series) > w.size {
		// Shift in place so the backing array does not grow without bound.
		copy(series, series[len(series)-w.size:])
		series = series[:w.size]
	}
	w.bars[bar.Symbol] = series
}

// Bars returns a copy of the symbol's window, oldest first.
func (w *Window) Bars(symbol string) []Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()

	series := w.bars[symbol]
	out := make([]Bar, len(series))
	copy(out, series)
	return out
}

// Len returns the number of bars currently held for the symbol.
func (w *Window) Len(symbol string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bars[symbol])
}

// Capacity returns the maximum bars held per symbol.
func (w *Window) Capacity() int {
	return w.size
}
