package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icarus/internal/domain/account"
	"icarus/internal/domain/features"
	"icarus/internal/domain/position"
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
	"icarus/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func closedTrade(seq int64, pnl, fees string) TradeRecord {
	now := time.Now().UTC()
	return TradeRecord{
		Seq: seq,
		Position: position.Position{
			ID:          uuid.New(),
			Symbol:      "BTCUSDT",
			Side:        position.SideLong,
			Qty:         decimal.NewFromInt(1),
			EntryPrice:  decimal.NewFromInt(100),
			Leverage:    10,
			Margin:      decimal.NewFromInt(10),
			Status:      position.StatusClosedManual,
			OpenedAt:    now,
			ClosedAt:    &now,
			ExitPrice:   decimal.NewFromInt(110),
			RealizedPnL: decimal.RequireFromString(pnl),
			FeesPaid:    decimal.RequireFromString(fees),
		},
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.LoadSettings()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	doc := settings.Default()
	doc.Enabled = true
	doc.ConfidenceThreshold = 0.83
	doc.SymbolWhitelist = []string{"SOLUSDT"}
	require.NoError(t, s.SaveSettings(doc))

	got, err := s.LoadSettings()
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 0.83, got.ConfidenceThreshold)
	assert.Equal(t, []string{"SOLUSDT"}, got.SymbolWhitelist)
	assert.True(t, got.FixedMargin.Equal(doc.FixedMargin))
}

func TestPositionsAndAccountRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	// Missing snapshot means a fresh book, not an error.
	open, err := s.LoadPositions()
	require.NoError(t, err)
	assert.Empty(t, open)

	sl := decimal.NewFromInt(95)
	p := &position.Position{
		ID:         uuid.New(),
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Qty:        decimal.RequireFromString("0.5"),
		EntryPrice: decimal.NewFromInt(100),
		Leverage:   10,
		Margin:     decimal.NewFromInt(5),
		StopLoss:   &sl,
		Status:     position.StatusOpen,
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
		EntryFeatures: &features.Vector{
			SchemaID: "ta-v1",
			Symbol:   "BTCUSDT",
			Values:   []float64{1, 2, 3},
		},
	}
	acc := account.Account{
		WalletBalance:  decimal.NewFromInt(9995),
		InitialBalance: decimal.NewFromInt(10000),
		OpenPositions:  []uuid.UUID{p.ID},
	}
	require.NoError(t, s.WriteOpen(map[uuid.UUID]*position.Position{p.ID: p}, acc))

	got, err := s.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	loaded := got[p.ID]
	require.NotNil(t, loaded)
	assert.True(t, loaded.Qty.Equal(p.Qty))
	require.NotNil(t, loaded.StopLoss)
	assert.True(t, loaded.StopLoss.Equal(sl))
	require.NotNil(t, loaded.EntryFeatures)
	assert.Equal(t, []float64{1, 2, 3}, loaded.EntryFeatures.Values)

	gotAcc, err := s.LoadAccount()
	require.NoError(t, err)
	assert.True(t, gotAcc.WalletBalance.Equal(acc.WalletBalance))
}

func TestTradeLogAppendAndLoad(t *testing.T) {
	s, _ := newTestStore(t)

	acc := account.Account{WalletBalance: decimal.NewFromInt(10000)}
	none := map[uuid.UUID]*position.Position{}

	require.NoError(t, s.WriteClose(closedTrade(1, "20", "0"), none, acc))
	require.NoError(t, s.WriteClose(closedTrade(2, "-5", "0.5"), none, acc))

	trades, err := s.LoadTrades()
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].Seq)
	assert.Equal(t, int64(2), trades[1].Seq)
	assert.True(t, trades[0].Position.RealizedPnL.Equal(decimal.NewFromInt(20)))
}

func TestLoadTradesSkipsCorruptLines(t *testing.T) {
	s, dir := newTestStore(t)

	acc := account.Account{WalletBalance: decimal.NewFromInt(10000)}
	require.NoError(t, s.WriteClose(closedTrade(1, "20", "0"), nil, acc))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, tradesFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := NewStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	trades, err := s2.LoadTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(1), trades[0].Seq)
}

func TestReplayBalance(t *testing.T) {
	initial := decimal.NewFromInt(10000)
	trades := []TradeRecord{
		closedTrade(1, "20", "0"),
		closedTrade(2, "-50", "1"),
	}
	p := &position.Position{Margin: decimal.NewFromInt(200), Status: position.StatusOpen}
	open := map[uuid.UUID]*position.Position{uuid.New(): p}

	// 10000 + 20 - 50 - 1 - 200
	got := ReplayBalance(initial, trades, open)
	assert.True(t, got.Equal(decimal.RequireFromString("9769")), "balance = %s", got)
}

func TestReplayBalanceClampsAtZero(t *testing.T) {
	got := ReplayBalance(decimal.NewFromInt(10), []TradeRecord{closedTrade(1, "-100", "0")}, nil)
	assert.True(t, got.IsZero())
}

func TestSampleLogAppend(t *testing.T) {
	s, dir := newTestStore(t)

	sample := prediction.TrainingSample{
		Features: &features.Vector{SchemaID: "ta-v1", Values: []float64{1}},
		Label:    prediction.LabelLong,
		Weight:   2,
		TradeID:  uuid.NewString(),
		Ts:       time.Now().UTC(),
	}
	require.NoError(t, s.AppendSample(sample))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, samplesFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), sample.TradeID)
}

func TestModelStatesRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	// Nothing persisted yet.
	states, err := s.LoadModelStates("ta-v1")
	require.NoError(t, err)
	assert.Empty(t, states)

	want := map[string][]byte{
		"logistic_sgd": []byte(`{"bias":0.25}`),
		"perceptron":   []byte(`{"bias":-1}`),
	}
	require.NoError(t, s.SaveModelStates("ta-v1", want))

	states, err = s.LoadModelStates("ta-v1")
	require.NoError(t, err)
	assert.Equal(t, want, states)

	// States are namespaced per schema.
	other, err := s.LoadModelStates("ta-v2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s, dir := newTestStore(t)

	require.NoError(t, s.SaveSettings(settings.Default()))
	require.NoError(t, s.SaveSettings(settings.Default()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file left behind: %s", e.Name())
	}
}
