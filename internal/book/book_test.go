package book

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icarus/internal/domain/position"
	"icarus/internal/domain/settings"
	"icarus/internal/persistence"
	"icarus/pkg/errors"
)

func newTestBook(t *testing.T) (*Book, *persistence.Store, *settings.Store) {
	t.Helper()

	store, err := persistence.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	doc := settings.Default()
	doc.Enabled = true
	settingsStore := settings.NewStore(doc)

	b, err := New(store, settingsStore, decimal.NewFromInt(10000))
	require.NoError(t, err)
	return b, store, settingsStore
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestOpenLongWinViaTakeProfit(t *testing.T) {
	b, _, _ := newTestBook(t)

	p, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("100"),
		SLPct:      dp("0.01"),
		TPPct:      dp("0.02"),
		EntryPrice: d("100"),
	})
	require.NoError(t, err)

	assert.True(t, p.Qty.Equal(d("10")), "qty = %s", p.Qty)
	require.NotNil(t, p.StopLoss)
	require.NotNil(t, p.TakeProfit)
	assert.True(t, p.StopLoss.Equal(d("99")))
	assert.True(t, p.TakeProfit.Equal(d("102")))
	assert.True(t, p.LiquidationPrice.Equal(d("90.5")), "liq = %s", p.LiquidationPrice)

	snap := b.Snapshot(nil)
	assert.True(t, snap.WalletBalance.Equal(d("9900")))

	// Price path 100 -> 101 -> 102.
	closed, err := b.MarkToMarket("BTCUSDT", d("101"), nil)
	require.NoError(t, err)
	assert.Empty(t, closed)

	closed, err = b.MarkToMarket("BTCUSDT", d("102"), nil)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	got := closed[0]
	assert.Equal(t, position.StatusClosedTP, got.Status)
	assert.True(t, got.ExitPrice.Equal(d("102")))
	assert.True(t, got.RealizedPnL.Equal(d("20")), "pnl = %s", got.RealizedPnL)

	snap = b.Snapshot(nil)
	assert.True(t, snap.WalletBalance.Equal(d("10020")), "balance = %s", snap.WalletBalance)
}

func TestOpenShortLossViaStopLoss(t *testing.T) {
	b, _, _ := newTestBook(t)

	p, err := b.Open(OpenRequest{
		Symbol:     "ETHUSDT",
		Side:       position.SideShort,
		Leverage:   5,
		Margin:     dp("200"),
		SLPct:      dp("0.02"),
		TPPct:      dp("0.05"),
		EntryPrice: d("2000"),
	})
	require.NoError(t, err)

	assert.True(t, p.Qty.Equal(d("0.5")))
	assert.True(t, p.StopLoss.Equal(d("2040")))
	assert.True(t, p.TakeProfit.Equal(d("1900")))

	closed, err := b.MarkToMarket("ETHUSDT", d("2041"), nil)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	got := closed[0]
	assert.Equal(t, position.StatusClosedSL, got.Status)
	assert.True(t, got.ExitPrice.Equal(d("2040")))
	assert.True(t, got.RealizedPnL.Equal(d("-20")))

	snap := b.Snapshot(nil)
	assert.True(t, snap.WalletBalance.Equal(d("9980")), "balance = %s", snap.WalletBalance)
}

func TestLiquidation(t *testing.T) {
	b, _, _ := newTestBook(t)

	zero := decimal.Zero
	p, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   20,
		Margin:     dp("50"),
		SLPct:      &zero,
		TPPct:      &zero,
		EntryPrice: d("100"),
	})
	require.NoError(t, err)

	assert.True(t, p.Qty.Equal(d("10")))
	assert.Nil(t, p.StopLoss)
	assert.Nil(t, p.TakeProfit)
	assert.True(t, p.LiquidationPrice.Equal(d("95.5")), "liq = %s", p.LiquidationPrice)

	closed, err := b.MarkToMarket("BTCUSDT", d("95.5"), nil)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	got := closed[0]
	assert.Equal(t, position.StatusClosedLiq, got.Status)
	assert.True(t, got.ExitPrice.Equal(got.LiquidationPrice))
	assert.True(t, got.RealizedPnL.Equal(d("-50")))

	snap := b.Snapshot(nil)
	assert.True(t, snap.WalletBalance.Equal(d("9950")), "balance = %s", snap.WalletBalance)
}

func TestTriggerOrderLiquidationBeforeStop(t *testing.T) {
	b, _, _ := newTestBook(t)

	// Stop close to liquidation; a deep gap must settle as a
	// liquidation, not a stop.
	_, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("100"),
		SLPct:      dp("0.09"),
		TPPct:      dp("0.02"),
		EntryPrice: d("100"),
	})
	require.NoError(t, err)

	closed, err := b.MarkToMarket("BTCUSDT", d("80"), nil)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, position.StatusClosedLiq, closed[0].Status)
}

func TestOpenCloseAtEntryIsBalanceNeutral(t *testing.T) {
	b, _, _ := newTestBook(t)

	p, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("100"),
		EntryPrice: d("100"),
	})
	require.NoError(t, err)

	closed, err := b.CloseManual(p.ID, d("100"))
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosedManual, closed.Status)
	assert.True(t, closed.RealizedPnL.IsZero())

	snap := b.Snapshot(nil)
	assert.True(t, snap.WalletBalance.Equal(d("10000")))
}

func TestInsufficientMargin(t *testing.T) {
	b, _, _ := newTestBook(t)

	_, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("10001"),
		EntryPrice: d("100"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientMargin))
}

func TestStopBeyondLiquidationRejected(t *testing.T) {
	b, _, _ := newTestBook(t)

	// 10x LONG liquidates ~9.5% below entry; a stop 20% below it
	// could never fire.
	_, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("100"),
		SLPct:      dp("0.20"),
		EntryPrice: d("100"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidSLTP))
}

func TestCloseUnknownPosition(t *testing.T) {
	b, _, _ := newTestBook(t)

	_, err := b.CloseManual(uuid.New(), d("100"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPositionNotFound))
}

func TestExemptPositionSkipsMarkToMarket(t *testing.T) {
	b, _, _ := newTestBook(t)

	p, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("100"),
		SLPct:      dp("0.01"),
		EntryPrice: d("100"),
	})
	require.NoError(t, err)

	closed, err := b.MarkToMarket("BTCUSDT", d("98"), map[uuid.UUID]bool{p.ID: true})
	require.NoError(t, err)
	assert.Empty(t, closed)
	assert.True(t, b.HasOpenPosition("BTCUSDT", position.SideLong))
}

func TestSizingPolicies(t *testing.T) {
	b, _, settingsStore := newTestBook(t)

	// FIXED policy uses the configured fixed margin.
	p, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		EntryPrice: d("100"),
	})
	require.NoError(t, err)
	assert.True(t, p.Margin.Equal(d("100")))

	doc := settingsStore.Snapshot()
	doc.SizingPolicy = settings.SizingPctBalance
	settingsStore.Update(doc)

	// 1% of the remaining 9900.
	p2, err := b.Open(OpenRequest{
		Symbol:     "ETHUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		EntryPrice: d("2000"),
	})
	require.NoError(t, err)
	assert.True(t, p2.Margin.Equal(d("99")), "margin = %s", p2.Margin)
}

func TestTradesUnboundedLimit(t *testing.T) {
	b, _, _ := newTestBook(t)

	for i := 0; i < 3; i++ {
		p, err := b.Open(OpenRequest{
			Symbol:     "BTCUSDT",
			Side:       position.SideLong,
			Leverage:   10,
			Margin:     dp("100"),
			EntryPrice: d("100"),
		})
		require.NoError(t, err)
		_, err = b.CloseManual(p.ID, d("101"))
		require.NoError(t, err)
	}

	// A dashboard asking for the full history must get it without the
	// page size turning into an allocation.
	trades, total := b.Trades("", 0, math.MaxInt32)
	assert.Equal(t, 3, total)
	assert.Len(t, trades, 3)
}

func TestLiquidationSidesAtMaxLeverage(t *testing.T) {
	b, _, _ := newTestBook(t)

	zero := decimal.Zero
	long, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   125,
		Margin:     dp("50"),
		SLPct:      &zero,
		TPPct:      &zero,
		EntryPrice: d("100"),
	})
	require.NoError(t, err)
	// entry·(1 − 1/125 + 0.005)
	assert.True(t, long.LiquidationPrice.Equal(d("99.7")), "liq = %s", long.LiquidationPrice)
	assert.True(t, long.LiquidationPrice.LessThan(long.EntryPrice))

	short, err := b.Open(OpenRequest{
		Symbol:     "ETHUSDT",
		Side:       position.SideShort,
		Leverage:   125,
		Margin:     dp("50"),
		SLPct:      &zero,
		TPPct:      &zero,
		EntryPrice: d("100"),
	})
	require.NoError(t, err)
	assert.True(t, short.LiquidationPrice.Equal(d("100.3")), "liq = %s", short.LiquidationPrice)
	assert.True(t, short.LiquidationPrice.GreaterThan(short.EntryPrice))
}

func TestRestartReplaysTradeLog(t *testing.T) {
	dir := t.TempDir()

	store, err := persistence.NewStore(dir)
	require.NoError(t, err)

	doc := settings.Default()
	settingsStore := settings.NewStore(doc)

	b, err := New(store, settingsStore, decimal.NewFromInt(10000))
	require.NoError(t, err)

	p, err := b.Open(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Leverage:   10,
		Margin:     dp("100"),
		EntryPrice: d("100"),
	})
	require.NoError(t, err)

	_, err = b.CloseManual(p.ID, d("110"))
	require.NoError(t, err)

	_, err = b.Open(OpenRequest{
		Symbol:     "ETHUSDT",
		Side:       position.SideShort,
		Leverage:   5,
		Margin:     dp("200"),
		EntryPrice: d("2000"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Fresh process over the same data directory.
	store2, err := persistence.NewStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	b2, err := New(store2, settings.NewStore(doc), decimal.NewFromInt(10000))
	require.NoError(t, err)

	// 10000 + 100 pnl - 200 margin still held.
	snap := b2.Snapshot(nil)
	assert.True(t, snap.WalletBalance.Equal(d("9900")), "balance = %s", snap.WalletBalance)
	assert.Len(t, b2.Positions(), 1)

	trades, total := b2.Trades("", 0, 10)
	assert.Equal(t, 1, total)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(1), trades[0].Seq)
}
