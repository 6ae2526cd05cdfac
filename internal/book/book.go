package book

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"icarus/internal/domain/account"
	"icarus/internal/domain/features"
	"icarus/internal/domain/position"
	"icarus/internal/domain/settings"
	"icarus/internal/metrics"
	"icarus/internal/persistence"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

// Monetary scales, rounded half-even.
const (
	quoteScale = 2
	qtyScale   = 8
)

var (
	one = decimal.NewFromInt(1)

	// canTradeRatio is the margin ratio above which new opens are
	// refused even though nothing has liquidated yet.
	canTradeRatio = decimal.NewFromFloat(0.8)
)

// OpenRequest describes one position opening. Margin nil means the
// sizing policy from the settings snapshot applies. SLPct/TPPct nil
// mean the settings defaults; an explicit zero disables that trigger.
type OpenRequest struct {
	Symbol   string
	Side     position.Side
	Leverage int

	Margin *decimal.Decimal
	SLPct  *decimal.Decimal
	TPPct  *decimal.Decimal

	EntryPrice    decimal.Decimal
	EntryFeatures *features.Vector
}

// Book is the authoritative state machine for positions and the
// account. Every mutation serialises through one mutex, and the
// persistence write happens inside the critical section before the
// in-memory transition is published.
type Book struct {
	mu sync.Mutex

	store    *persistence.Store
	settings *settings.Store

	acc       account.Account
	positions map[uuid.UUID]*position.Position
	trades    []persistence.TradeRecord
	seq       int64

	faulted bool

	now func() time.Time
}

// New restores the book from the store, or starts fresh with the given
// initial balance. The trade log is replayed to verify the persisted
// balance snapshot.
func New(store *persistence.Store, settingsStore *settings.Store, initialBalance decimal.Decimal) (*Book, error) {
	positions, err := store.LoadPositions()
	if err != nil {
		return nil, err
	}
	trades, err := store.LoadTrades()
	if err != nil {
		return nil, err
	}

	acc, err := store.LoadAccount()
	if errors.Is(err, errors.ErrNotFound) {
		acc = account.Account{
			WalletBalance:  initialBalance,
			InitialBalance: initialBalance,
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	replayed := persistence.ReplayBalance(acc.InitialBalance, trades, positions)
	if !replayed.Equal(acc.WalletBalance) {
		logger.Warnw("account snapshot disagrees with trade log replay, trusting the log",
			"snapshot", acc.WalletBalance, "replayed", replayed)
		acc.WalletBalance = replayed
	}
	acc.OpenPositions = openIDs(positions)

	var seq int64
	for _, rec := range trades {
		if rec.Seq > seq {
			seq = rec.Seq
		}
	}

	b := &Book{
		store:     store,
		settings:  settingsStore,
		acc:       acc,
		positions: positions,
		trades:    trades,
		seq:       seq,
		now:       time.Now,
	}
	b.publishMetrics()
	return b, nil
}

// Open validates, sizes and opens a position. The request is rejected
// before any state changes; a persistence failure rolls the transition
// back and marks the book faulted.
func (b *Book) Open(req OpenRequest) (position.Position, error) {
	s := b.settings.Snapshot()

	if !req.Side.Valid() {
		return position.Position{}, errors.Wrapf(errors.ErrInvalidInput, "side %q", req.Side)
	}
	if req.Leverage < 1 {
		return position.Position{}, errors.Wrapf(errors.ErrInvalidInput, "leverage %d", req.Leverage)
	}
	if !req.EntryPrice.IsPositive() {
		return position.Position{}, errors.Wrap(errors.ErrInvalidInput, "entry price must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.faulted {
		return position.Position{}, errors.Wrap(errors.ErrTradingDisabled, "book is faulted, re-enable to resume")
	}

	margin, err := b.sizeLocked(req, s)
	if err != nil {
		return position.Position{}, err
	}
	if margin.GreaterThan(b.acc.WalletBalance) {
		return position.Position{}, errors.Wrapf(errors.ErrInsufficientMargin,
			"margin %s exceeds balance %s", margin, b.acc.WalletBalance)
	}

	lev := decimal.NewFromInt(int64(req.Leverage))
	qty := margin.Mul(lev).Div(req.EntryPrice).RoundBank(qtyScale)
	liq := liquidationPrice(req.Side, req.EntryPrice, req.Leverage, s.MaintenanceMarginRate)

	sl, tp, err := triggerPrices(req, s, liq)
	if err != nil {
		return position.Position{}, err
	}

	openFee := req.EntryPrice.Mul(qty).Mul(s.TakerFeeRate).RoundBank(quoteScale)

	p := &position.Position{
		ID:               uuid.New(),
		Symbol:           req.Symbol,
		Side:             req.Side,
		Qty:              qty,
		EntryPrice:       req.EntryPrice,
		Leverage:         req.Leverage,
		Margin:           margin,
		LiquidationPrice: liq,
		StopLoss:         sl,
		TakeProfit:       tp,
		Status:           position.StatusOpen,
		OpenedAt:         b.now().UTC(),
		FeesPaid:         openFee,
		EntryFeatures:    req.EntryFeatures.Clone(),
	}

	prevBalance := b.acc.WalletBalance
	b.positions[p.ID] = p
	b.acc.WalletBalance = b.acc.WalletBalance.Sub(margin)
	b.acc.OpenPositions = openIDs(b.positions)

	if err := b.store.WriteOpen(b.positions, b.acc); err != nil {
		delete(b.positions, p.ID)
		b.acc.WalletBalance = prevBalance
		b.acc.OpenPositions = openIDs(b.positions)
		b.faulted = true
		logger.Errorw("persistence failed opening position, book faulted",
			"symbol", req.Symbol, "error", err)
		return position.Position{}, errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}

	logger.Infow("position opened",
		"id", p.ID, "symbol", p.Symbol, "side", p.Side,
		"entry", p.EntryPrice, "qty", p.Qty, "margin", p.Margin,
		"leverage", p.Leverage, "liq", p.LiquidationPrice)

	b.publishMetrics()
	return *p, nil
}

// MarkToMarket evaluates every open position of the symbol against the
// mark price, in the fixed order liquidation, stop-loss, take-profit,
// with non-strict trigger inequalities. Positions in the exempt set
// (opened this tick) are skipped. Returns the positions closed by this
// call.
func (b *Book) MarkToMarket(symbol string, price decimal.Decimal, exempt map[uuid.UUID]bool) ([]position.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var closed []position.Position
	for _, p := range b.positions {
		if p.Symbol != symbol || exempt[p.ID] {
			continue
		}

		status, exit, ok := evaluate(p, price)
		if !ok {
			continue
		}
		rec, err := b.closeLocked(p, status, exit)
		if err != nil {
			return closed, err
		}
		closed = append(closed, rec)
	}
	return closed, nil
}

// CloseManual closes one open position at the supplied price.
func (b *Book) CloseManual(id uuid.UUID, price decimal.Decimal) (position.Position, error) {
	if !price.IsPositive() {
		return position.Position{}, errors.Wrap(errors.ErrInvalidInput, "close price must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return position.Position{}, errors.Wrapf(errors.ErrPositionNotFound, "position %s", id)
	}
	return b.closeLocked(p, position.StatusClosedManual, price)
}

// Snapshot derives the account view at the given mark prices. Symbols
// without a price contribute zero unrealised PnL.
func (b *Book) Snapshot(marks map[string]decimal.Decimal) account.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.settings.Snapshot()

	snap := account.Snapshot{
		WalletBalance:   b.acc.WalletBalance,
		InitialBalance:  b.acc.InitialBalance,
		OpenPositionIDs: openIDs(b.positions),
	}
	for _, p := range b.positions {
		snap.TotalMarginUsed = snap.TotalMarginUsed.Add(p.Margin)
		snap.MaintenanceMargin = snap.MaintenanceMargin.Add(
			p.Notional().Mul(s.MaintenanceMarginRate))
		if mark, ok := marks[p.Symbol]; ok {
			snap.TotalUnrealizedPnL = snap.TotalUnrealizedPnL.Add(p.UnrealizedPnL(mark))
		}
	}

	equity := snap.WalletBalance.Add(snap.TotalMarginUsed).Add(snap.TotalUnrealizedPnL)
	if equity.IsPositive() {
		snap.MarginRatio = snap.MaintenanceMargin.Div(equity).RoundBank(4)
	} else if snap.MaintenanceMargin.IsPositive() {
		snap.MarginRatio = one
	}
	snap.CanTrade = !b.faulted && snap.MarginRatio.LessThan(canTradeRatio)
	return snap
}

// Positions lists open positions as value copies.
func (b *Book) Positions() []position.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]position.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns one position, open or closed.
func (b *Book) Position(id uuid.UUID) (position.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.positions[id]; ok {
		return *p, nil
	}
	for i := len(b.trades) - 1; i >= 0; i-- {
		if b.trades[i].Position.ID == id {
			return b.trades[i].Position, nil
		}
	}
	return position.Position{}, errors.Wrapf(errors.ErrPositionNotFound, "position %s", id)
}

// HasOpenPosition reports whether the symbol has an open position,
// optionally restricted to one side.
func (b *Book) HasOpenPosition(symbol string, side position.Side) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.positions {
		if p.Symbol == symbol && (side == "" || p.Side == side) {
			return true
		}
	}
	return false
}

// Trades pages through closed positions, newest first. An empty
// symbol matches every trade.
func (b *Book) Trades(symbol string, offset, limit int) ([]persistence.TradeRecord, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	// The limit is a page size, not an allocation hint; a caller
	// asking for everything must not size the slice off it.
	capHint := limit
	if capHint > len(b.trades) {
		capHint = len(b.trades)
	}

	matched := 0
	out := make([]persistence.TradeRecord, 0, capHint)
	for i := len(b.trades) - 1; i >= 0; i-- {
		if symbol != "" && b.trades[i].Position.Symbol != symbol {
			continue
		}
		matched++
		if matched <= offset || len(out) >= limit {
			continue
		}
		out = append(out, b.trades[i])
	}
	return out, matched
}

// Faulted reports whether a persistence failure froze the book.
func (b *Book) Faulted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faulted
}

// ClearFault re-arms the book after operator intervention.
func (b *Book) ClearFault() {
	b.mu.Lock()
	b.faulted = false
	b.mu.Unlock()
}

// sizeLocked resolves the opening margin from the request or the
// sizing policy. Caller holds the mutex.
func (b *Book) sizeLocked(req OpenRequest, s settings.Settings) (decimal.Decimal, error) {
	if req.Margin != nil {
		if !req.Margin.IsPositive() {
			return decimal.Zero, errors.Wrap(errors.ErrInvalidInput, "margin must be positive")
		}
		return req.Margin.RoundBank(quoteScale), nil
	}

	switch s.SizingPolicy {
	case settings.SizingFixed:
		return s.FixedMargin.RoundBank(quoteScale), nil
	case settings.SizingPctBalance:
		return b.acc.WalletBalance.Mul(s.RiskPerTradePct).RoundBank(quoteScale), nil
	default:
		return decimal.Zero, errors.Wrapf(errors.ErrInvalidInput, "sizing policy %q", s.SizingPolicy)
	}
}

// closeLocked transitions one open position to a terminal state,
// settles the balance and persists. Caller holds the mutex.
func (b *Book) closeLocked(p *position.Position, status position.Status, exit decimal.Decimal) (position.Position, error) {
	var pnl decimal.Decimal
	if status == position.StatusClosedLiq {
		// Full margin lost, no further debit.
		exit = p.LiquidationPrice
		pnl = p.Margin.Neg()
	} else {
		diff := exit.Sub(p.EntryPrice)
		if p.Side == position.SideShort {
			diff = diff.Neg()
		}
		pnl = diff.Mul(p.Qty).RoundBank(quoteScale)

		s := b.settings.Snapshot()
		closeFee := exit.Mul(p.Qty).Mul(s.TakerFeeRate).RoundBank(quoteScale)
		p.FeesPaid = p.FeesPaid.Add(closeFee)
	}

	now := b.now().UTC()
	prev := *p

	p.Status = status
	p.ClosedAt = &now
	p.ExitPrice = exit
	p.RealizedPnL = pnl

	prevBalance := b.acc.WalletBalance
	b.acc.WalletBalance = b.acc.WalletBalance.Add(p.Margin).Add(pnl).Sub(p.FeesPaid)
	if b.acc.WalletBalance.IsNegative() {
		b.acc.WalletBalance = decimal.Zero
	}

	delete(b.positions, p.ID)
	b.acc.OpenPositions = openIDs(b.positions)

	b.seq++
	rec := persistence.TradeRecord{Seq: b.seq, Position: *p}

	if err := b.store.WriteClose(rec, b.positions, b.acc); err != nil {
		*p = prev
		b.positions[p.ID] = p
		b.acc.WalletBalance = prevBalance
		b.acc.OpenPositions = openIDs(b.positions)
		b.seq--
		b.faulted = true
		logger.Errorw("persistence failed closing position, book faulted",
			"id", p.ID, "symbol", p.Symbol, "error", err)
		return position.Position{}, errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}

	b.trades = append(b.trades, rec)

	logger.Infow("position closed",
		"id", p.ID, "symbol", p.Symbol, "side", p.Side, "status", status,
		"exit", exit, "pnl", pnl, "fees", p.FeesPaid, "balance", b.acc.WalletBalance)

	metrics.TradesClosed.WithLabelValues(p.Symbol, string(status)).Inc()
	metrics.RealizedPnL.WithLabelValues(p.Symbol).Add(pnl.InexactFloat64())
	b.publishMetrics()
	return *p, nil
}

// evaluate checks the trigger chain for one open position. The trigger
// side inequalities are non-strict: a price exactly at a level fires.
func evaluate(p *position.Position, price decimal.Decimal) (position.Status, decimal.Decimal, bool) {
	long := p.Side == position.SideLong

	if (long && price.LessThanOrEqual(p.LiquidationPrice)) ||
		(!long && price.GreaterThanOrEqual(p.LiquidationPrice)) {
		return position.StatusClosedLiq, p.LiquidationPrice, true
	}
	if p.StopLoss != nil {
		if (long && price.LessThanOrEqual(*p.StopLoss)) ||
			(!long && price.GreaterThanOrEqual(*p.StopLoss)) {
			return position.StatusClosedSL, *p.StopLoss, true
		}
	}
	if p.TakeProfit != nil {
		if (long && price.GreaterThanOrEqual(*p.TakeProfit)) ||
			(!long && price.LessThanOrEqual(*p.TakeProfit)) {
			return position.StatusClosedTP, *p.TakeProfit, true
		}
	}
	return "", decimal.Zero, false
}

// liquidationPrice derives the forced-close level.
// LONG: entry·(1 − 1/leverage + m), SHORT: entry·(1 + 1/leverage − m).
func liquidationPrice(side position.Side, entry decimal.Decimal, leverage int, m decimal.Decimal) decimal.Decimal {
	invLev := one.Div(decimal.NewFromInt(int64(leverage)))
	var factor decimal.Decimal
	if side == position.SideLong {
		factor = one.Sub(invLev).Add(m)
	} else {
		factor = one.Add(invLev).Sub(m)
	}
	return entry.Mul(factor).RoundBank(qtyScale)
}

// triggerPrices derives SL/TP levels from percentages. A nil request
// percentage falls back to the settings default; zero disables the
// trigger. A stop beyond the liquidation level would never fire and is
// rejected.
func triggerPrices(req OpenRequest, s settings.Settings, liq decimal.Decimal) (*decimal.Decimal, *decimal.Decimal, error) {
	slPct := s.StopLossPct
	if req.SLPct != nil {
		slPct = *req.SLPct
	}
	tpPct := s.TakeProfitPct
	if req.TPPct != nil {
		tpPct = *req.TPPct
	}
	if slPct.IsNegative() || tpPct.IsNegative() {
		return nil, nil, errors.Wrap(errors.ErrInvalidSLTP, "percentages must be non-negative")
	}

	long := req.Side == position.SideLong
	var sl, tp *decimal.Decimal

	if slPct.IsPositive() {
		var level decimal.Decimal
		if long {
			level = req.EntryPrice.Mul(one.Sub(slPct)).RoundBank(qtyScale)
		} else {
			level = req.EntryPrice.Mul(one.Add(slPct)).RoundBank(qtyScale)
		}
		if (long && level.LessThanOrEqual(liq)) || (!long && level.GreaterThanOrEqual(liq)) {
			return nil, nil, errors.Wrapf(errors.ErrInvalidSLTP,
				"stop %s sits beyond liquidation %s", level, liq)
		}
		sl = &level
	}

	if tpPct.IsPositive() {
		var level decimal.Decimal
		if long {
			level = req.EntryPrice.Mul(one.Add(tpPct)).RoundBank(qtyScale)
		} else {
			level = req.EntryPrice.Mul(one.Sub(tpPct)).RoundBank(qtyScale)
		}
		tp = &level
	}

	return sl, tp, nil
}

// publishMetrics refreshes gauges. Caller holds the mutex.
func (b *Book) publishMetrics() {
	counts := make(map[string]int)
	for _, p := range b.positions {
		counts[p.Symbol]++
	}
	metrics.PositionsOpen.Reset()
	for symbol, n := range counts {
		metrics.PositionsOpen.WithLabelValues(symbol).Set(float64(n))
	}
	metrics.WalletBalance.Set(b.acc.WalletBalance.InexactFloat64())
}

func openIDs(positions map[uuid.UUID]*position.Position) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	return ids
}
