package pricefeed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icarus/internal/adapters/exchanges"
	"icarus/pkg/errors"
)

// fakeSource serves a scripted price and counts upstream calls.
type fakeSource struct {
	price decimal.Decimal
	ts    time.Time
	err   error
	calls int
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) GetMarkPrice(_ context.Context, symbol string) (*exchanges.MarkPrice, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &exchanges.MarkPrice{Symbol: symbol, Price: s.price, Timestamp: s.ts}, nil
}

func (s *fakeSource) GetOHLCV(context.Context, string, string, int) ([]exchanges.OHLCV, error) {
	return nil, nil
}

func TestGetPriceCachesWithinTTL(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(100), ts: time.Now()}
	feed := New(src, Config{TTL: time.Minute, Staleness: time.Hour})

	q1, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, q1.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, src.calls)

	// Second read inside the TTL never touches upstream.
	src.price = decimal.NewFromInt(999)
	q2, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, q2.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, src.calls)
}

func TestGetPriceServesStaleCacheOnUpstreamError(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(100), ts: time.Now()}
	feed := New(src, Config{TTL: time.Nanosecond, Staleness: time.Hour})

	_, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	src.err = errors.New("binance 502")
	q, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err, "cached quote inside the staleness bound must be served")
	assert.True(t, q.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 2, src.calls)
}

func TestGetPriceFailsPastStalenessBound(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(100), ts: time.Now().Add(-time.Hour)}
	feed := New(src, Config{TTL: time.Nanosecond, Staleness: time.Minute})

	_, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	// Cached quote is an hour old; a dead upstream must surface.
	src.err = errors.New("binance 502")
	_, err = feed.GetPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUpstreamDown))
}

func TestGetPriceFailsColdWithDeadUpstream(t *testing.T) {
	src := &fakeSource{err: errors.New("binance 502")}
	feed := New(src, Config{})

	_, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUpstreamDown))
}

func TestPrimeKeepsNewestQuote(t *testing.T) {
	src := &fakeSource{}
	feed := New(src, Config{TTL: time.Minute})

	now := time.Now()
	feed.Prime(&exchanges.MarkPrice{Symbol: "BTCUSDT", Price: decimal.NewFromInt(101), Timestamp: now})
	// An older tick arriving late must not overwrite the newer one.
	feed.Prime(&exchanges.MarkPrice{Symbol: "BTCUSDT", Price: decimal.NewFromInt(99), Timestamp: now.Add(-time.Second)})

	q, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, 0, src.calls, "primed cache must satisfy the read")
}
