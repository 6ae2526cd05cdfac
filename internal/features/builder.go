package features

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"icarus/internal/domain/features"
	"icarus/internal/domain/marketdata"
	"icarus/pkg/errors"
)

// SchemaID identifies this feature set. The names, their order and their
// computation are frozen under this id; adding or changing a feature
// requires a new schema id.
const SchemaID = "ta-v1"

// MinBars is the shortest window the builder accepts (EMA50 warm-up plus
// indicator lookback).
const MinBars = 60

// Feature names in schema order, with the neutral value substituted when an
// indicator has not warmed up or produced NaN.
var schema = []struct {
	name    string
	neutral float64
}{
	{"ema_9_ratio", 0},
	{"ema_21_ratio", 0},
	{"ema_50_ratio", 0},
	{"rsi_14", 0.5},
	{"rsi_7", 0.5},
	{"macd_hist_norm", 0},
	{"macd_signal_norm", 0},
	{"bb_position", 0.5},
	{"bb_width", 0},
	{"atr_norm", 0},
	{"volume_ratio", 1},
	{"obv_delta_norm", 0},
	{"ret_1", 0},
	{"ret_5", 0},
	{"ret_10", 0},
	{"high_low_spread", 0},
	{"close_open_spread", 0},
	{"volatility_10", 0},
	{"momentum_5", 0},
	{"momentum_10", 0},
}

// Names returns the schema's feature names in order.
func Names() []string {
	out := make([]string, len(schema))
	for i, f := range schema {
		out[i] = f.name
	}
	return out
}

// Builder computes fixed-shape feature vectors from bar windows.
type Builder struct{}

// NewBuilder creates a feature builder for SchemaID.
func NewBuilder() *Builder {
	return &Builder{}
}

// SchemaID returns the id of the feature set this builder produces.
func (b *Builder) SchemaID() string {
	return SchemaID
}

// Build produces the feature vector for the newest bar of the window.
// Bars must be ordered oldest first.
func (b *Builder) Build(symbol string, bars []marketdata.Bar) (*features.Vector, error) {
	if len(bars) < MinBars {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"feature window too short for %s: have %d bars, need %d", symbol, len(bars), MinBars)
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	opens := make([]float64, n)
	volumes := make([]float64, n)
	for i, bar := range bars {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
		opens[i] = bar.Open
		volumes[i] = bar.Volume
	}

	last := n - 1
	lastClose := closes[last]

	ema9 := talib.Ema(closes, 9)
	ema21 := talib.Ema(closes, 21)
	ema50 := talib.Ema(closes, 50)
	rsi14 := talib.Rsi(closes, 14)
	rsi7 := talib.Rsi(closes, 7)
	_, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	atr14 := talib.Atr(highs, lows, closes, 14)
	volSma := talib.Sma(volumes, 20)
	obv := talib.Obv(closes, volumes)

	values := make([]float64, 0, len(schema))
	put := func(idx int, v float64) {
		values = append(values, sanitize(v, schema[idx].neutral))
	}

	put(0, ratio(lastClose, ema9[last]))
	put(1, ratio(lastClose, ema21[last]))
	put(2, ratio(lastClose, ema50[last]))
	put(3, rsi14[last]/100)
	put(4, rsi7[last]/100)
	put(5, safeDiv(macdHist[last], lastClose))
	put(6, safeDiv(macdSignal[last], lastClose))
	put(7, bbPosition(lastClose, bbUpper[last], bbLower[last]))
	put(8, bbWidth(bbUpper[last], bbMiddle[last], bbLower[last]))
	put(9, safeDiv(atr14[last], lastClose))
	put(10, safeDiv(volumes[last], volSma[last]))
	put(11, obvDelta(obv, lastClose))
	put(12, pctChange(closes, 1))
	put(13, pctChange(closes, 5))
	put(14, pctChange(closes, 10))
	put(15, safeDiv(highs[last]-lows[last], lastClose))
	put(16, safeDiv(closes[last]-opens[last], opens[last]))
	put(17, rollingVolatility(closes, 10))
	put(18, momentum(closes, 5))
	put(19, momentum(closes, 10))

	ts := bars[last].Ts
	if ts.IsZero() {
		ts = time.Now()
	}

	return &features.Vector{
		Symbol:   symbol,
		Ts:       ts,
		SchemaID: SchemaID,
		Names:    Names(),
		Values:   values,
	}, nil
}

// sanitize replaces NaN/Inf with the feature's documented neutral value.
func sanitize(v, neutral float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return neutral
	}
	return v
}

func ratio(price, ma float64) float64 {
	if ma == 0 {
		return math.NaN()
	}
	return price/ma - 1
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

func bbPosition(close, upper, lower float64) float64 {
	if upper == lower {
		return math.NaN()
	}
	return (close - lower) / (upper - lower)
}

func bbWidth(upper, middle, lower float64) float64 {
	if middle == 0 {
		return math.NaN()
	}
	return (upper - lower) / middle
}

func obvDelta(obv []float64, close float64) float64 {
	n := len(obv)
	if n < 2 || close == 0 {
		return math.NaN()
	}
	return (obv[n-1] - obv[n-2]) / close
}

func pctChange(closes []float64, lag int) float64 {
	n := len(closes)
	if n <= lag || closes[n-1-lag] == 0 {
		return math.NaN()
	}
	return closes[n-1]/closes[n-1-lag] - 1
}

func momentum(closes []float64, lag int) float64 {
	return pctChange(closes, lag)
}

func rollingVolatility(closes []float64, window int) float64 {
	n := len(closes)
	if n < window+1 {
		return math.NaN()
	}
	// Std dev of simple returns over the window, relative scale.
	rets := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if closes[i-1] == 0 {
			return math.NaN()
		}
		rets = append(rets, closes[i]/closes[i-1]-1)
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rets))
	return math.Sqrt(variance)
}
