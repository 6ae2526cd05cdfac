package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icarus/internal/adapters/exchanges"
	"icarus/internal/book"
	domfeatures "icarus/internal/domain/features"
	"icarus/internal/domain/marketdata"
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
	"icarus/internal/features"
	"icarus/internal/learning"
	"icarus/internal/ml"
	"icarus/internal/ml/ensemble"
	"icarus/internal/persistence"
	"icarus/internal/pricefeed"
)

type fixedModel struct {
	vote prediction.Vote
}

func (m *fixedModel) Name() string     { return "fixed" }
func (m *fixedModel) SchemaID() string { return features.SchemaID }
func (m *fixedModel) Predict(*domfeatures.Vector) (prediction.Vote, error) {
	return m.vote, nil
}

type fixedSource struct {
	price decimal.Decimal
}

func (s *fixedSource) Name() string { return "fixed" }

func (s *fixedSource) GetMarkPrice(_ context.Context, symbol string) (*exchanges.MarkPrice, error) {
	return &exchanges.MarkPrice{Symbol: symbol, Price: s.price, Timestamp: time.Now()}, nil
}

func (s *fixedSource) GetOHLCV(context.Context, string, string, int) ([]exchanges.OHLCV, error) {
	return nil, nil
}

func newTestMux(t *testing.T) (*http.ServeMux, *book.Book) {
	t.Helper()

	store, err := persistence.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	doc := settings.Default()
	doc.Enabled = true
	settingsStore := settings.NewStore(doc)

	ens, err := ensemble.New(features.SchemaID,
		&fixedModel{vote: prediction.Vote{Label: prediction.LabelLong, Confidence: 0.9}},
		[]ml.OnlineModel{})
	require.NoError(t, err)

	feed := pricefeed.New(&fixedSource{price: decimal.NewFromInt(100)}, pricefeed.Config{TTL: time.Nanosecond})

	window := marketdata.NewWindow(250)
	start := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 120; i++ {
		window.Push(marketdata.Bar{
			Symbol: "BTCUSDT",
			Ts:     start.Add(time.Duration(i) * time.Minute),
			Open:   100, High: 101, Low: 99, Close: 100 + float64(i%3),
			Volume: 500,
		})
	}

	bk, err := book.New(store, settingsStore, decimal.NewFromInt(10000))
	require.NoError(t, err)

	fb := learning.New(learning.DefaultConfig(), ens, store)

	handlers := NewHandlers(feed, window, features.NewBuilder(), ens, bk, settingsStore, store, fb)
	mux := http.NewServeMux()
	handlers.Register(mux)
	return mux, bk
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestPriceEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doRequest(mux, http.MethodGet, "/price?symbol=BTCUSDT", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))
}

func TestOpenCloseLifecycle(t *testing.T) {
	mux, bk := newTestMux(t)

	rec := doRequest(mux, http.MethodPost, "/position/open",
		`{"symbol":"BTCUSDT","side":"LONG","leverage":10,"margin":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var opened struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))
	assert.Equal(t, "BTCUSDT", opened.Symbol)
	require.Len(t, bk.Positions(), 1)

	rec = doRequest(mux, http.MethodPost, "/position/close",
		fmt.Sprintf(`{"id":%q}`, opened.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, bk.Positions())

	// Closing again is a 404.
	rec = doRequest(mux, http.MethodPost, "/position/close",
		fmt.Sprintf(`{"id":%q}`, opened.ID))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenRejectsUnknownSymbol(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doRequest(mux, http.MethodPost, "/position/open",
		`{"symbol":"DOGEUSDT","side":"LONG"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNKNOWN_SYMBOL", body.Error.Code)
}

func TestSettingsValidation(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doRequest(mux, http.MethodPost, "/settings",
		`{"enabled":true,"symbol_whitelist":["BTCUSDT"],"confidence_threshold":1.5,
		  "default_leverage":10,"sizing_policy":"FIXED","fixed_margin":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/settings",
		`{"enabled":true,"symbol_whitelist":["BTCUSDT"],"confidence_threshold":0.8,
		  "default_leverage":10,"sizing_policy":"FIXED","fixed_margin":"100",
		  "risk_per_trade_pct":"0.01","sl_pct":"0.02","tp_pct":"0.05"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(mux, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		ConfidenceThreshold float64 `json:"confidence_threshold"`
		AutoTradingFaulted  bool    `json:"auto_trading_faulted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 0.8, got.ConfidenceThreshold)
	assert.False(t, got.AutoTradingFaulted)
}

func TestSignalEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doRequest(mux, http.MethodGet, "/signal?symbol=BTCUSDT", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Direction  string  `json:"direction"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "LONG", got.Direction)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestAutoTradingToggle(t *testing.T) {
	mux, bk := newTestMux(t)

	rec := doRequest(mux, http.MethodPost, "/auto_trading/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got settings.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Enabled)

	rec = doRequest(mux, http.MethodPost, "/auto_trading/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Enabled)
	assert.False(t, bk.Faulted())
}

func TestStatsEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doRequest(mux, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got, "closed_trades")
	assert.Contains(t, got, "win_rate")
	assert.Contains(t, got, "wallet_balance")
}
