package marketdata

import "time"

// Bar is a single OHLCV candle. Immutable once produced.
type Bar struct {
	Symbol string    `json:"symbol"`
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
