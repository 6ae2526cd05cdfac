package workers

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icarus/internal/adapters/exchanges"
	"icarus/internal/book"
	domfeatures "icarus/internal/domain/features"
	"icarus/internal/domain/marketdata"
	"icarus/internal/domain/position"
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
	featbuilder "icarus/internal/features"
	"icarus/internal/learning"
	"icarus/internal/metrics"
	"icarus/internal/ml"
	"icarus/internal/ml/ensemble"
	"icarus/internal/persistence"
	"icarus/internal/pricefeed"
)

// scriptedModel lets the test steer the ensemble output per tick.
type scriptedModel struct {
	vote prediction.Vote
}

func (m *scriptedModel) Name() string     { return "scripted" }
func (m *scriptedModel) SchemaID() string { return featbuilder.SchemaID }
func (m *scriptedModel) Predict(*domfeatures.Vector) (prediction.Vote, error) {
	return m.vote, nil
}

// stubSource serves a fixed mark price.
type stubSource struct {
	price decimal.Decimal
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) GetMarkPrice(_ context.Context, symbol string) (*exchanges.MarkPrice, error) {
	return &exchanges.MarkPrice{Symbol: symbol, Price: s.price, Timestamp: time.Now()}, nil
}

func (s *stubSource) GetOHLCV(context.Context, string, string, int) ([]exchanges.OHLCV, error) {
	return nil, nil
}

type traderFixture struct {
	trader *AutoTrader
	model  *scriptedModel
	source *stubSource
	book   *book.Book
}

func newTraderFixture(t *testing.T) *traderFixture {
	t.Helper()

	store, err := persistence.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	doc := settings.Default()
	doc.Enabled = true
	doc.SymbolWhitelist = []string{"BTCUSDT"}
	settingsStore := settings.NewStore(doc)

	model := &scriptedModel{}
	ens, err := ensemble.New(featbuilder.SchemaID, model, []ml.OnlineModel{})
	require.NoError(t, err)

	source := &stubSource{price: decimal.NewFromInt(100)}
	feed := pricefeed.New(source, pricefeed.Config{TTL: time.Nanosecond})

	window := marketdata.NewWindow(250)
	start := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 120; i++ {
		window.Push(marketdata.Bar{
			Symbol: "BTCUSDT",
			Ts:     start.Add(time.Duration(i) * time.Minute),
			Open:   100, High: 101, Low: 99, Close: 100 + float64(i%5),
			Volume: 1000,
		})
	}

	bk, err := book.New(store, settingsStore, decimal.NewFromInt(10000))
	require.NoError(t, err)

	fb := learning.New(learning.DefaultConfig(), ens, store)

	trader := NewAutoTrader(settingsStore, feed, window, featbuilder.NewBuilder(),
		ens, bk, fb, []string{"BTCUSDT"}, time.Second)

	return &traderFixture{trader: trader, model: model, source: source, book: bk}
}

func TestAutoTraderOpensOnStrongSignal(t *testing.T) {
	f := newTraderFixture(t)
	f.model.vote = prediction.Vote{Label: prediction.LabelLong, Confidence: 0.9}

	require.NoError(t, f.trader.Run(context.Background()))

	positions := f.book.Positions()
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, position.SideLong, p.Side)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, p.EntryFeatures)
	assert.Equal(t, featbuilder.SchemaID, p.EntryFeatures.SchemaID)
}

func TestAutoTraderIgnoresOppositeSignalWhileOpen(t *testing.T) {
	f := newTraderFixture(t)

	f.model.vote = prediction.Vote{Label: prediction.LabelLong, Confidence: 0.9}
	require.NoError(t, f.trader.Run(context.Background()))
	require.Len(t, f.book.Positions(), 1)

	ignored := testutil.ToFloat64(metrics.SignalsIgnoredOpenPosition.WithLabelValues("BTCUSDT"))

	// The position survives and no short is opened against it.
	f.model.vote = prediction.Vote{Label: prediction.LabelShort, Confidence: 0.95}
	require.NoError(t, f.trader.Run(context.Background()))

	positions := f.book.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, position.SideLong, positions[0].Side)

	after := testutil.ToFloat64(metrics.SignalsIgnoredOpenPosition.WithLabelValues("BTCUSDT"))
	assert.Equal(t, ignored+1, after)
}

func TestAutoTraderSameDirectionSignalDoesNotStack(t *testing.T) {
	f := newTraderFixture(t)
	f.model.vote = prediction.Vote{Label: prediction.LabelLong, Confidence: 0.9}

	require.NoError(t, f.trader.Run(context.Background()))
	require.NoError(t, f.trader.Run(context.Background()))

	assert.Len(t, f.book.Positions(), 1)
}

func TestAutoTraderHonorsDisabledSwitch(t *testing.T) {
	f := newTraderFixture(t)
	f.model.vote = prediction.Vote{Label: prediction.LabelLong, Confidence: 0.9}
	f.trader.settings.SetEnabled(false)

	require.NoError(t, f.trader.Run(context.Background()))

	assert.Empty(t, f.book.Positions())
}

func TestAutoTraderFreshPositionSurvivesOwnTick(t *testing.T) {
	f := newTraderFixture(t)

	// Entry at 100 with the default 2% stop; the same tick must not
	// evaluate the position it just opened.
	f.model.vote = prediction.Vote{Label: prediction.LabelLong, Confidence: 0.9}
	require.NoError(t, f.trader.Run(context.Background()))
	require.Len(t, f.book.Positions(), 1)

	// The next tick marks it against the live price and stops it out.
	f.model.vote = prediction.Vote{Label: prediction.LabelHold}
	f.source.price = decimal.NewFromInt(97)
	require.NoError(t, f.trader.Run(context.Background()))

	assert.Empty(t, f.book.Positions())
	trades, total := f.book.Trades("", 0, 10)
	require.Equal(t, 1, total)
	assert.Equal(t, position.StatusClosedSL, trades[0].Position.Status)
}
