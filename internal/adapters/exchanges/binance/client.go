package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"icarus/internal/adapters/exchanges"
	"icarus/internal/adapters/exchanges/ratelimit"
	"icarus/internal/adapters/exchanges/retry"
)

const (
	futuresBaseURL     = "https://fapi.binance.com"
	defaultHTTPTimeout = 3 * time.Second
	defaultRPM         = 1200
)

// Config configures the Binance market data client.
type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerMinute int

	HTTPClient *http.Client
	Retry      retry.Config
}

// NewClient creates a new Binance futures market data adapter.
// Only public endpoints are used; the bot never trades on the real exchange.
func NewClient(cfg Config) exchanges.MarketDataSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = futuresBaseURL
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultHTTPTimeout
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = defaultRPM
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    ratelimit.NewLimiter("binance", cfg.RequestsPerMinute),
		retrier:    retry.New(cfg.Retry),
	}
}

type client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retrier    *retry.Middleware
}

func (c *client) Name() string {
	return "binance"
}

func (c *client) GetMarkPrice(ctx context.Context, symbol string) (*exchanges.MarkPrice, error) {
	params := url.Values{"symbol": []string{normalizeSymbol(symbol)}}

	data, err := c.get(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return nil, err
	}

	var res struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
		Time      int64  `json:"time"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(res.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("parse mark price %q: %w", res.MarkPrice, err)
	}

	return &exchanges.MarkPrice{
		Symbol:    res.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(res.Time),
	}, nil
}

func (c *client) GetOHLCV(ctx context.Context, symbol string, interval string, limit int) ([]exchanges.OHLCV, error) {
	if limit <= 0 {
		limit = 500
	}
	if interval == "" {
		interval = "1m"
	}
	params := url.Values{
		"symbol":   []string{normalizeSymbol(symbol)},
		"interval": []string{interval},
		"limit":    []string{strconv.Itoa(limit)},
	}

	data, err := c.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	// Each kline is a heterogeneous array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make([]exchanges.OHLCV, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		out = append(out, exchanges.OHLCV{
			Symbol:   normalizeSymbol(symbol),
			OpenTime: time.UnixMilli(int64(openTime)),
			Open:     parseFloat(k[1]),
			High:     parseFloat(k[2]),
			Low:      parseFloat(k[3]),
			Close:    parseFloat(k[4]),
			Volume:   parseFloat(k[5]),
		})
	}
	return out, nil
}

// apiError carries the Binance error payload with its HTTP status.
type apiError struct {
	Status int
	Code   int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.Status, e.Code, e.Msg)
}

func (e *apiError) StatusCode() int {
	return e.Status
}

func (c *client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var body []byte

	err := c.retrier.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		reqURL := c.cfg.BaseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return exchanges.ErrRateLimited
		}
		if resp.StatusCode != http.StatusOK {
			var e struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}
			_ = json.Unmarshal(data, &e)
			return &apiError{Status: resp.StatusCode, Code: e.Code, Msg: e.Msg}
		}

		body = data
		return nil
	})
	return body, err
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}
