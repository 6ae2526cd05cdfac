package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"icarus/internal/book"
	"icarus/internal/domain/marketdata"
	"icarus/internal/domain/position"
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
	"icarus/internal/features"
	"icarus/internal/gate"
	"icarus/internal/learning"
	"icarus/internal/ml/ensemble"
	"icarus/internal/persistence"
	"icarus/internal/pricefeed"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

// Handlers exposes the dashboard surface over the core components.
type Handlers struct {
	feed     *pricefeed.Feed
	window   *marketdata.Window
	builder  *features.Builder
	ensemble *ensemble.Ensemble
	book     *book.Book
	settings *settings.Store
	store    *persistence.Store
	feedback *learning.Feedback

	startTime time.Time
}

// NewHandlers wires the dashboard handlers.
func NewHandlers(
	feed *pricefeed.Feed,
	window *marketdata.Window,
	builder *features.Builder,
	ens *ensemble.Ensemble,
	bk *book.Book,
	settingsStore *settings.Store,
	store *persistence.Store,
	fb *learning.Feedback,
) *Handlers {
	return &Handlers{
		feed:      feed,
		window:    window,
		builder:   builder,
		ensemble:  ens,
		book:      bk,
		settings:  settingsStore,
		store:     store,
		feedback:  fb,
		startTime: time.Now(),
	}
}

// Register mounts every dashboard route on the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /price", h.handlePrice)
	mux.HandleFunc("GET /predict", h.handlePredict)
	mux.HandleFunc("GET /signal", h.handleSignal)
	mux.HandleFunc("GET /account", h.handleAccount)
	mux.HandleFunc("GET /positions", h.handlePositions)
	mux.HandleFunc("POST /position/open", h.handleOpen)
	mux.HandleFunc("POST /position/close", h.handleClose)
	mux.HandleFunc("GET /trades", h.handleTrades)
	mux.HandleFunc("GET /settings", h.handleGetSettings)
	mux.HandleFunc("POST /settings", h.handleUpdateSettings)
	mux.HandleFunc("POST /auto_trading/enable", h.handleEnable)
	mux.HandleFunc("POST /auto_trading/disable", h.handleDisable)
	mux.HandleFunc("GET /ml/stats", h.handleMLStats)
	mux.HandleFunc("POST /ml/quarantine/clear", h.handleQuarantineClear)
	mux.HandleFunc("GET /stats", h.handleStats)
}

func (h *Handlers) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "symbol is required"))
		return
	}

	quote, err := h.feed.GetPrice(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": quote.Symbol,
		"price":  quote.Price,
		"ts":     quote.Ts,
	})
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "symbol is required"))
		return
	}

	pred := h.predict(symbol)
	writeJSON(w, http.StatusOK, pred)
}

func (h *Handlers) handleSignal(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "symbol is required"))
		return
	}

	pred := h.predict(symbol)
	sig := gate.Apply(pred, h.settings.Snapshot())
	writeJSON(w, http.StatusOK, sig)
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.book.Snapshot(h.markPrices(r)))
}

// openPositionView is a position with its derived unrealised PnL.
type openPositionView struct {
	position.Position
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	marks := h.markPrices(r)

	positions := h.book.Positions()
	out := make([]openPositionView, 0, len(positions))
	for _, p := range positions {
		view := openPositionView{Position: p}
		if mark, ok := marks[p.Symbol]; ok {
			view.UnrealizedPnL = p.UnrealizedPnL(mark)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

type openRequestBody struct {
	Symbol   string           `json:"symbol"`
	Side     position.Side    `json:"side"`
	Leverage int              `json:"leverage"`
	Margin   *decimal.Decimal `json:"margin,omitempty"`
	SLPct    *decimal.Decimal `json:"sl_pct,omitempty"`
	TPPct    *decimal.Decimal `json:"tp_pct,omitempty"`
}

func (h *Handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	var body openRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "malformed request body"))
		return
	}

	s := h.settings.Snapshot()
	if !s.Whitelisted(body.Symbol) {
		writeError(w, errors.Wrapf(errors.ErrUnknownSymbol, "symbol %q", body.Symbol))
		return
	}
	if body.Leverage == 0 {
		body.Leverage = s.DefaultLeverage
	}

	quote, err := h.feed.GetPrice(r.Context(), body.Symbol)
	if err != nil {
		writeError(w, err)
		return
	}

	// Manual opens carry the current feature vector too, so their
	// outcomes still teach the learners.
	vec, buildErr := h.builder.Build(body.Symbol, h.window.Bars(body.Symbol))
	if buildErr != nil {
		vec = nil
	}

	opened, err := h.book.Open(book.OpenRequest{
		Symbol:        body.Symbol,
		Side:          body.Side,
		Leverage:      body.Leverage,
		Margin:        body.Margin,
		SLPct:         body.SLPct,
		TPPct:         body.TPPct,
		EntryPrice:    quote.Price,
		EntryFeatures: vec,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, opened)
}

type closeRequestBody struct {
	ID uuid.UUID `json:"id"`
}

func (h *Handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	var body closeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == uuid.Nil {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "position id is required"))
		return
	}

	existing, err := h.book.Position(body.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing.Status.IsClosed() {
		writeError(w, errors.Wrapf(errors.ErrPositionNotFound, "position %s already closed", body.ID))
		return
	}

	quote, err := h.feed.GetPrice(r.Context(), existing.Symbol)
	if err != nil {
		writeError(w, err)
		return
	}

	closed, err := h.book.CloseManual(body.ID, quote.Price)
	if err != nil {
		writeError(w, err)
		return
	}

	h.feedback.OnPositionClosed(closed)
	writeJSON(w, http.StatusOK, closed)
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	symbol := r.URL.Query().Get("symbol")

	trades, total := h.book.Trades(symbol, offset, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"total":  total,
		"offset": offset,
	})
}

// settingsView adds the fault banner flag to the settings document.
type settingsView struct {
	settings.Settings
	AutoTradingFaulted bool `json:"auto_trading_faulted"`
}

func (h *Handlers) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsView{
		Settings:           h.settings.Snapshot(),
		AutoTradingFaulted: h.book.Faulted(),
	})
}

func (h *Handlers) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var doc settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "malformed settings document"))
		return
	}
	if err := validateSettings(doc); err != nil {
		writeError(w, err)
		return
	}

	updated := h.settings.Update(doc)
	if err := h.store.SaveSettings(updated); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleEnable(w http.ResponseWriter, r *http.Request) {
	// Re-enabling is the operator's acknowledgement of a persistence
	// fault; it re-arms the book.
	h.book.ClearFault()
	updated := h.settings.SetEnabled(true)
	if err := h.store.SaveSettings(updated); err != nil {
		writeError(w, err)
		return
	}
	logger.Infow("auto-trading enabled")
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleDisable(w http.ResponseWriter, r *http.Request) {
	updated := h.settings.SetEnabled(false)
	if err := h.store.SaveSettings(updated); err != nil {
		writeError(w, err)
		return
	}
	logger.Infow("auto-trading disabled")
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleMLStats(w http.ResponseWriter, r *http.Request) {
	stats := h.ensemble.Stats()
	quarantined := make([]string, 0)
	for _, st := range stats {
		if st.Quarantined {
			quarantined = append(quarantined, st.Name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schema_id":       h.ensemble.SchemaID(),
		"models":          stats,
		"quarantined":     quarantined,
		"pending_samples": h.feedback.Pending(),
	})
}

func (h *Handlers) handleQuarantineClear(w http.ResponseWriter, r *http.Request) {
	// An empty or absent body clears every quarantined learner; naming
	// a model reinstates just that one.
	var body struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var cleared []string
	if body.Model != "" {
		if !h.ensemble.Reinstate(body.Model) {
			writeError(w, errors.Wrapf(errors.ErrNotFound, "no quarantined model %q", body.Model))
			return
		}
		cleared = []string{body.Model}
	} else {
		cleared = h.ensemble.ClearQuarantine()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": cleared,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	trades, total := h.book.Trades("", 0, math.MaxInt32)

	wins, losses := 0, 0
	totalPnL := decimal.Zero
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	byStatus := map[string]int{}
	for _, rec := range trades {
		p := rec.Position
		byStatus[string(p.Status)]++
		totalPnL = totalPnL.Add(p.RealizedPnL).Sub(p.FeesPaid)
		if p.RealizedPnL.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(p.RealizedPnL)
		} else {
			losses++
			grossLoss = grossLoss.Add(p.RealizedPnL.Abs())
		}
	}

	winRate := 0.0
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses)
	}
	// Undefined until at least one losing trade exists; Inf does not
	// survive JSON encoding.
	var profitFactor interface{}
	if grossLoss.IsPositive() {
		profitFactor = grossProfit.Div(grossLoss).InexactFloat64()
	}

	snap := h.book.Snapshot(nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":           time.Since(h.startTime).String(),
		"wallet_balance":   snap.WalletBalance,
		"initial_balance":  snap.InitialBalance,
		"open_positions":   len(snap.OpenPositionIDs),
		"closed_trades":    total,
		"trades_by_status": byStatus,
		"wins":             wins,
		"losses":           losses,
		"win_rate":         winRate,
		"profit_factor":    profitFactor,
		"max_drawdown":     maxDrawdown(trades),
		"total_realized":   totalPnL,
		"auto_trading":     h.settings.Snapshot().Enabled,
		"trading_faulted":  h.book.Faulted(),
		"learner_models":   len(h.ensemble.Stats()),
	})
}

// maxDrawdown walks the realised equity curve oldest-first and returns
// the deepest peak-to-trough fall.
func maxDrawdown(trades []persistence.TradeRecord) decimal.Decimal {
	equity := decimal.Zero
	peak := decimal.Zero
	worst := decimal.Zero
	for i := len(trades) - 1; i >= 0; i-- {
		p := trades[i].Position
		equity = equity.Add(p.RealizedPnL).Sub(p.FeesPaid)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}

// predict builds the current feature vector and queries the ensemble.
// A cold window yields the fail-closed HOLD prediction.
func (h *Handlers) predict(symbol string) prediction.Prediction {
	vec, err := h.builder.Build(symbol, h.window.Bars(symbol))
	if err != nil {
		vec = nil
	}
	pred := h.ensemble.Predict(vec)
	if pred.Symbol == "" {
		pred.Symbol = symbol
	}
	return pred
}

// markPrices collects current marks for every open-position symbol,
// from cache where possible.
func (h *Handlers) markPrices(r *http.Request) map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal)
	for _, p := range h.book.Positions() {
		if _, ok := marks[p.Symbol]; ok {
			continue
		}
		quote, err := h.feed.GetPrice(r.Context(), p.Symbol)
		if err != nil {
			continue
		}
		marks[p.Symbol] = quote.Price
	}
	return marks
}

func validateSettings(doc settings.Settings) error {
	if doc.ConfidenceThreshold < 0 || doc.ConfidenceThreshold > 1 {
		return errors.Wrap(errors.ErrInvalidInput, "confidence_threshold must be in [0,1]")
	}
	if doc.DefaultLeverage < 1 {
		return errors.Wrap(errors.ErrInvalidInput, "default_leverage must be at least 1")
	}
	if !doc.SizingPolicy.Valid() {
		return errors.Wrapf(errors.ErrInvalidInput, "sizing policy %q", doc.SizingPolicy)
	}
	if doc.SizingPolicy == settings.SizingFixed && !doc.FixedMargin.IsPositive() {
		return errors.Wrap(errors.ErrInvalidInput, "fixed_margin must be positive")
	}
	if doc.SizingPolicy == settings.SizingPctBalance &&
		(!doc.RiskPerTradePct.IsPositive() || doc.RiskPerTradePct.GreaterThan(decimal.NewFromInt(1))) {
		return errors.Wrap(errors.ErrInvalidInput, "risk_per_trade_pct must be in (0,1]")
	}
	return nil
}
