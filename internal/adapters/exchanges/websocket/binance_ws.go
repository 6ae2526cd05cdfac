package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"icarus/internal/adapters/exchanges"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

const (
	binanceFuturesWSURL = "wss://fstream.binance.com/ws"
	binancePingInterval = 3 * time.Minute
	binanceReadTimeout  = 10 * time.Second
	binanceWriteTimeout = 5 * time.Second
)

// BinanceWSClient streams futures mark prices over WebSocket.
// It is the optional streaming path of the price feed; the REST poller
// remains the fallback when the stream is down.
type BinanceWSClient struct {
	baseURL   string
	conn      *websocket.Conn
	connected bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	log       *logger.Logger

	markPriceCallbacks map[string]func(*exchanges.MarkPrice)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBinanceWSClient creates a new Binance WebSocket client
func NewBinanceWSClient(baseURL string) *BinanceWSClient {
	if baseURL == "" {
		baseURL = binanceFuturesWSURL
	} else if !strings.HasSuffix(baseURL, "/ws") {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/ws"
	}
	return &BinanceWSClient{
		baseURL:            baseURL,
		log:                logger.Get().With("component", "binance_ws"),
		markPriceCallbacks: make(map[string]func(*exchanges.MarkPrice)),
	}
}

// Connect establishes the WebSocket connection
func (c *BinanceWSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.log.Infof("Connecting to Binance WebSocket: %s", c.baseURL)

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.baseURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect to Binance WebSocket")
	}

	c.conn = conn
	c.connected = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.readMessages()

	c.wg.Add(1)
	go c.pingLoop()

	c.log.Info("Binance WebSocket connected")
	return nil
}

// Disconnect closes the connection and waits for reader goroutines to exit
func (c *BinanceWSClient) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(binanceWriteTimeout),
		)
		_ = conn.Close()
	}

	c.wg.Wait()
	c.log.Info("Binance WebSocket disconnected")
	return nil
}

// SubscribeMarkPrice subscribes to the 1s mark price stream for a symbol
func (c *BinanceWSClient) SubscribeMarkPrice(symbol string, callback func(*exchanges.MarkPrice)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return exchanges.ErrWSNotConnected
	}

	stream := strings.ToLower(symbol) + "@markPrice@1s"
	c.markPriceCallbacks[strings.ToUpper(symbol)] = callback

	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{stream},
		"id":     time.Now().Unix(),
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(binanceWriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.Wrap(err, "failed to send subscription")
	}
	return nil
}

// IsConnected reports the connection state
func (c *BinanceWSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *BinanceWSClient) readMessages() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(binanceReadTimeout)); err != nil {
				c.log.Errorf("Failed to set read deadline: %v", err)
				return
			}

			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Info("WebSocket closed normally")
					return
				}
				// Read deadline expiry is expected; it lets us observe ctx.
				if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
					continue
				}
				c.log.Errorf("Error reading message: %v", err)
				return
			}

			c.processMessage(message)
		}
	}
}

func (c *BinanceWSClient) processMessage(message []byte) {
	var payload struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return
	}
	if payload.Event != "markPriceUpdate" {
		return
	}

	price, err := decimal.NewFromString(payload.MarkPrice)
	if err != nil {
		c.log.Warnf("Malformed mark price %q for %s", payload.MarkPrice, payload.Symbol)
		return
	}

	c.mu.RLock()
	callback := c.markPriceCallbacks[payload.Symbol]
	c.mu.RUnlock()

	if callback != nil {
		callback(&exchanges.MarkPrice{
			Symbol:    payload.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(payload.EventTime),
		})
	}
}

func (c *BinanceWSClient) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(binancePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.connected && c.conn != nil {
				_ = c.conn.SetWriteDeadline(time.Now().Add(binanceWriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.log.Errorf("Ping failed: %v", err)
				}
			}
			c.mu.Unlock()
		}
	}
}
