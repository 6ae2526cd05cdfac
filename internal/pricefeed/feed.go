package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"icarus/internal/adapters/exchanges"
	"icarus/internal/metrics"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

const (
	defaultTTL       = 1 * time.Second
	defaultStaleness = 30 * time.Second
)

// Quote is a timestamped mark price.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	Ts     time.Time
}

// Feed produces the current mark price per symbol with a short-TTL cache.
// Within the TTL the cached value is returned without an upstream call; on
// upstream failure the cached value is served until it exceeds the staleness
// bound, after which GetPrice fails with ErrUpstreamDown. The book must
// never consume a price older than that bound.
type Feed struct {
	source    exchanges.MarketDataSource
	ttl       time.Duration
	staleness time.Duration
	log       *logger.Logger

	mu    sync.RWMutex
	cache map[string]Quote
}

// Config tunes the cache freshness bounds.
type Config struct {
	TTL       time.Duration
	Staleness time.Duration
}

// New creates a price feed over the given market data source.
func New(source exchanges.MarketDataSource, cfg Config) *Feed {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = defaultStaleness
	}
	return &Feed{
		source:    source,
		ttl:       cfg.TTL,
		staleness: cfg.Staleness,
		log:       logger.Get().With("component", "pricefeed"),
		cache:     make(map[string]Quote),
	}
}

// GetPrice returns the most recent mark price for the symbol.
func (f *Feed) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	now := time.Now()

	f.mu.RLock()
	cached, ok := f.cache[symbol]
	f.mu.RUnlock()

	if ok && now.Sub(cached.Ts) < f.ttl {
		metrics.PriceCacheHits.WithLabelValues(symbol).Inc()
		return cached, nil
	}

	mark, err := f.source.GetMarkPrice(ctx, symbol)
	if err != nil {
		metrics.PriceUpstreamErrors.WithLabelValues(symbol).Inc()
		if ok && now.Sub(cached.Ts) < f.staleness {
			f.log.Warnf("Upstream price fetch failed for %s, serving cached quote: %v", symbol, err)
			return cached, nil
		}
		return Quote{}, errors.Wrapf(errors.ErrUpstreamDown, "no fresh price for %s", symbol)
	}

	quote := Quote{Symbol: symbol, Price: mark.Price, Ts: mark.Timestamp}
	if quote.Ts.IsZero() {
		quote.Ts = now
	}
	f.store(quote)
	metrics.PriceCacheMisses.WithLabelValues(symbol).Inc()
	return quote, nil
}

// Prime injects a quote into the cache. Used by the streaming path so the
// REST poller is only hit when the stream is quiet.
func (f *Feed) Prime(mark *exchanges.MarkPrice) {
	if mark == nil {
		return
	}
	f.store(Quote{Symbol: mark.Symbol, Price: mark.Price, Ts: mark.Timestamp})
}

// store keeps only monotonically newer quotes per symbol.
func (f *Feed) store(q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.cache[q.Symbol]; ok && existing.Ts.After(q.Ts) {
		return
	}
	f.cache[q.Symbol] = q
}

// Subscribe attaches the feed's cache to a mark price stream for the given
// symbols. Restartable; a failed stream leaves the REST path untouched.
func (f *Feed) Subscribe(ctx context.Context, stream exchanges.MarkPriceStream, symbols []string) error {
	if err := stream.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect mark price stream")
	}
	for _, symbol := range symbols {
		if err := stream.SubscribeMarkPrice(symbol, f.Prime); err != nil {
			return errors.Wrapf(err, "subscribe mark price stream for %s", symbol)
		}
	}
	return nil
}
