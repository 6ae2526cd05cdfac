package exchanges

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MarkPrice is the reference price used to value open positions.
type MarkPrice struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// OHLCV is one candle as returned by the exchange, oldest-first ordering
// is the caller's responsibility to request.
type OHLCV struct {
	Symbol   string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// MarketDataSource is the read-only market data contract the quote upstream
// must satisfy. The bot never places orders on a real exchange.
type MarketDataSource interface {
	Name() string
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)
	GetOHLCV(ctx context.Context, symbol string, interval string, limit int) ([]OHLCV, error)
}

// MarkPriceStream is the optional streaming path for mark prices.
type MarkPriceStream interface {
	Connect(ctx context.Context) error
	SubscribeMarkPrice(symbol string, callback func(*MarkPrice)) error
	Disconnect() error
}
