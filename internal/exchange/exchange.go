package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeyard/exchange/internal/models"
)

// StartingBalance is credited to every account at registration.
var StartingBalance = decimal.NewFromInt(10000)

// recentTradeLimit bounds the per-symbol execution history kept in memory.
const recentTradeLimit = 100

// Submission outcome reported to the client.
const (
	ResultOpen    = "OPEN"
	ResultPartial = "PARTIAL"
	ResultFilled  = "FILLED"
)

// OrderRequest is a raw submission before normalization.
type OrderRequest struct {
	SymbolID int64
	Side     string
	Type     string
	Price    *decimal.Decimal
	Quantity int64
}

// ExecutedTrade is one fill as reported back to the submitter.
type ExecutedTrade struct {
	Price    decimal.Decimal
	Quantity int64
}

// SubmissionResult is the atomic outcome of one accepted submission.
type SubmissionResult struct {
	OrderID int64 // zero for market orders, which are never persisted
	Status  string
	Trades  []ExecutedTrade
}

// Exchange is the order coordinator. It serializes submissions and
// cancellations per symbol, composes the ledger, registry, books and matcher,
// and persists every committed effect through the Store before mutating its
// in-memory state.
type Exchange struct {
	store Store
	log   *zap.Logger

	ledger   *Ledger
	registry *Registry

	mu          sync.RWMutex
	users       map[int64]*models.User
	usersByName map[string]int64
	books       map[int64]*Book
	locks       map[int64]*sync.Mutex
	orders      map[int64]*models.Order
	trades      map[int64][]models.Trade
	nextOrderID int64
	nextTradeID int64

	now func() time.Time
}

func New(store Store, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		store:       store,
		log:         log,
		ledger:      NewLedger(),
		registry:    NewRegistry(),
		users:       make(map[int64]*models.User),
		usersByName: make(map[string]int64),
		books:       make(map[int64]*Book),
		locks:       make(map[int64]*sync.Mutex),
		orders:      make(map[int64]*models.Order),
		trades:      make(map[int64][]models.Trade),
		now:         time.Now,
	}
}

// Restore rebuilds the engine from a persisted snapshot.
func (e *Exchange) Restore(snap *Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range snap.Users {
		u := snap.Users[i]
		e.users[u.ID] = &u
		e.usersByName[u.Username] = u.ID
		e.ledger.CreateAccount(u.ID, u.Cash)
	}
	for _, sym := range snap.Symbols {
		e.registry.Add(sym)
		e.books[sym.ID] = NewBook()
		e.locks[sym.ID] = &sync.Mutex{}
	}
	for _, p := range snap.Positions {
		e.ledger.SetPosition(p.UserID, p.SymbolID, p.Quantity)
	}
	for i := range snap.OpenOrders {
		o := snap.OpenOrders[i]
		if o.Status != models.StatusOpen {
			continue
		}
		book, ok := e.books[o.SymbolID]
		if !ok {
			continue
		}
		e.orders[o.ID] = &o
		book.Insert(&o)
	}
	for _, t := range snap.RecentTrades {
		e.trades[t.SymbolID] = append(e.trades[t.SymbolID], t)
	}
	e.nextOrderID = snap.MaxOrderID
	e.nextTradeID = snap.MaxTradeID
}

// Ledger exposes the cash and position state, mainly for tests and seeding.
func (e *Exchange) Ledger() *Ledger {
	return e.ledger
}

// SubmitOrder validates, reserves, matches and settles one order atomically
// under the owning symbol's lock. Either it returns an error with no state
// change, or it commits with the resulting trade list.
func (e *Exchange) SubmitOrder(ctx context.Context, userID int64, req OrderRequest) (*SubmissionResult, error) {
	side, typ, price, err := normalizeOrder(&req)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	_, userOK := e.users[userID]
	lock := e.locks[req.SymbolID]
	e.mu.RUnlock()
	if !userOK {
		return nil, ErrUnknownUser
	}
	if lock == nil {
		return nil, ErrUnknownSymbol
	}

	lock.Lock()
	defer lock.Unlock()

	// The symbol may have been deleted while we waited for its lock.
	sym, ok := e.registry.Get(req.SymbolID)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	e.mu.RLock()
	book := e.books[req.SymbolID]
	e.mu.RUnlock()
	if book == nil {
		return nil, ErrUnknownSymbol
	}

	if typ == models.Limit {
		return e.submitLimit(ctx, userID, sym, book, side, price, req.Quantity)
	}
	return e.submitMarket(ctx, userID, sym, book, side, req.Quantity)
}

func normalizeOrder(req *OrderRequest) (models.Side, models.OrderType, decimal.Decimal, error) {
	side := models.Side(strings.ToLower(strings.TrimSpace(req.Side)))
	if side != models.Buy && side != models.Sell {
		return "", "", decimal.Decimal{}, fmt.Errorf("%w: side must be buy or sell", ErrInvalidInput)
	}
	typ := models.OrderType(strings.ToLower(strings.TrimSpace(req.Type)))
	if typ != models.Limit && typ != models.Market {
		return "", "", decimal.Decimal{}, fmt.Errorf("%w: type must be limit or market", ErrInvalidInput)
	}
	if req.Quantity < 1 {
		return "", "", decimal.Decimal{}, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidInput)
	}
	switch typ {
	case models.Limit:
		if req.Price == nil || req.Price.Sign() <= 0 {
			return "", "", decimal.Decimal{}, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidInput)
		}
		return side, typ, *req.Price, nil
	default:
		if req.Price != nil {
			return "", "", decimal.Decimal{}, fmt.Errorf("%w: market orders carry no price", ErrInvalidInput)
		}
		return side, typ, decimal.Decimal{}, nil
	}
}

// submitLimit rests a limit order. Marketable limits are rejected outright,
// which is what keeps the book uncrossed at rest: an accepted limit can never
// match at submission, so only market orders generate fills.
func (e *Exchange) submitLimit(ctx context.Context, userID int64, sym models.Symbol, book *Book, side models.Side, price decimal.Decimal, qty int64) (*SubmissionResult, error) {
	if side == models.Buy {
		if ask, ok := book.BestAsk(); ok && price.GreaterThanOrEqual(ask) {
			return nil, ErrCrossesBook
		}
	} else {
		if bid, ok := book.BestBid(); ok && price.LessThanOrEqual(bid) {
			return nil, ErrCrossesBook
		}
	}

	var reserve decimal.Decimal
	var overhang int64
	if side == models.Buy {
		reserve = price.Mul(decimal.NewFromInt(qty))
	} else {
		overhang = qty - maxInt64(e.ledger.Position(userID, sym.ID), 0)
		if overhang < 0 {
			overhang = 0
		}
		if overhang > sym.Outstanding {
			return nil, ErrInsufficientShares
		}
		reserve = price.Mul(decimal.NewFromInt(overhang))
	}
	if reserve.Sign() > 0 {
		if err := e.ledger.ReserveCash(userID, reserve); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.nextOrderID++
	id := e.nextOrderID
	e.mu.Unlock()

	order := &models.Order{
		ID:            id,
		UserID:        userID,
		SymbolID:      sym.ID,
		Side:          side,
		Type:          models.Limit,
		Price:         price,
		Quantity:      qty,
		Remaining:     qty,
		ShortReserved: overhang,
		Status:        models.StatusOpen,
		CreatedAt:     e.now(),
	}

	eff := &SubmissionEffect{NewOrder: order}
	if reserve.Sign() > 0 {
		eff.Balances = append(eff.Balances, BalanceChange{UserID: userID, Delta: reserve.Neg()})
	}
	if err := e.store.ApplySubmission(ctx, eff); err != nil {
		if reserve.Sign() > 0 {
			e.ledger.CreditCash(userID, reserve)
		}
		e.log.Error("persist limit order failed", zap.Int64("order_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.mu.Lock()
	e.orders[id] = order
	e.mu.Unlock()
	book.Insert(order)

	e.log.Info("order resting",
		zap.Int64("order_id", id),
		zap.Int64("user_id", userID),
		zap.String("symbol", sym.Ticker),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.Int64("quantity", qty))

	return &SubmissionResult{OrderID: id, Status: ResultOpen}, nil
}

// submitMarket matches a market order against the book and settles the fills.
func (e *Exchange) submitMarket(ctx context.Context, userID int64, sym models.Symbol, book *Book, side models.Side, qty int64) (*SubmissionResult, error) {
	if side == models.Sell {
		overhang := qty - maxInt64(e.ledger.Position(userID, sym.ID), 0)
		if overhang > 0 {
			if overhang > sym.Outstanding {
				return nil, ErrInsufficientShares
			}
			// The short gate needs a reference price; with no trade history
			// there is nothing to value the short against, so only the
			// outstanding-float gate applies.
			if sym.LastPrice != nil {
				need := sym.LastPrice.Mul(decimal.NewFromInt(overhang))
				if e.ledger.Cash(userID).LessThan(need) {
					return nil, ErrInsufficientFunds
				}
			}
		}
	}

	available := decimal.Zero
	if side == models.Buy {
		available = e.ledger.Cash(userID)
	}

	fills, residual := matchOrder(book, side, models.Market, nil, qty, available)
	if len(fills) == 0 {
		return nil, ErrNoLiquidity
	}

	now := e.now()
	eff := &SubmissionEffect{}
	cashDelta := make(map[int64]decimal.Decimal)
	posDelta := make(map[positionKey]int64)
	var takerCost decimal.Decimal
	var lastPrice decimal.Decimal
	result := &SubmissionResult{}

	for _, f := range fills {
		notional := f.Price.Mul(decimal.NewFromInt(f.Quantity))
		buyUser, sellUser := userID, f.Maker.UserID
		var buyOrderID, sellOrderID *int64
		if side == models.Buy {
			sellUser = f.Maker.UserID
			sellOrderID = int64Ptr(f.Maker.ID)
		} else {
			buyUser, sellUser = f.Maker.UserID, userID
			buyOrderID = int64Ptr(f.Maker.ID)
		}

		e.mu.Lock()
		e.nextTradeID++
		tradeID := e.nextTradeID
		e.mu.Unlock()

		eff.Trades = append(eff.Trades, models.Trade{
			ID:          tradeID,
			SymbolID:    sym.ID,
			Price:       f.Price,
			Quantity:    f.Quantity,
			BuyOrderID:  buyOrderID,
			SellOrderID: sellOrderID,
			BuyUserID:   int64Ptr(buyUser),
			SellUserID:  int64Ptr(sellUser),
			TakerSide:   side,
			ExecutedAt:  now,
		})

		makerRemaining := f.Maker.Remaining - f.Quantity
		makerStatus := models.StatusOpen
		if makerRemaining == 0 {
			makerStatus = models.StatusFilled
		}
		eff.Orders = append(eff.Orders, OrderChange{OrderID: f.Maker.ID, Remaining: makerRemaining, Status: makerStatus})

		posDelta[positionKey{buyUser, sym.ID}] += f.Quantity
		posDelta[positionKey{sellUser, sym.ID}] -= f.Quantity

		// The seller is always paid the notional. A resting buy's cash was
		// reserved at its limit price when it was submitted; a market buy's
		// spend is reserved below before the effect commits.
		cashDelta[sellUser] = cashDelta[sellUser].Add(notional)
		if side == models.Buy {
			takerCost = takerCost.Add(notional)
			cashDelta[userID] = cashDelta[userID].Sub(notional)
		} else {
			// Reconciliation: refund the reserved buyer any difference between
			// its limit price and the trade price. Fills execute at the
			// maker's own price, so this settles to zero, but the rule is the
			// contract that keeps reserved cash exact.
			refund := f.Maker.Price.Sub(f.Price).Mul(decimal.NewFromInt(f.Quantity))
			if refund.Sign() > 0 {
				cashDelta[f.Maker.UserID] = cashDelta[f.Maker.UserID].Add(refund)
			}
		}

		lastPrice = f.Price
		result.Trades = append(result.Trades, ExecutedTrade{Price: f.Price, Quantity: f.Quantity})
	}

	prev := lastPrice
	if sym.LastPrice != nil {
		prev = *sym.LastPrice
	}
	eff.Price = &PriceChange{SymbolID: sym.ID, Last: lastPrice, Previous: prev}
	eff.Balances = balanceChanges(cashDelta)
	eff.Positions = positionChanges(posDelta)

	// Reserve the taker's spend before committing: a concurrent settlement on
	// another symbol may have reduced the balance since the match was priced.
	if side == models.Buy {
		if err := e.ledger.ReserveCash(userID, takerCost); err != nil {
			return nil, err
		}
	}

	if err := e.store.ApplySubmission(ctx, eff); err != nil {
		if side == models.Buy {
			e.ledger.CreditCash(userID, takerCost)
		}
		e.log.Error("persist market submission failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	for _, f := range fills {
		book.Decrement(f.Maker.ID, f.Quantity)
		if f.Maker.Remaining == 0 {
			f.Maker.Status = models.StatusFilled
			e.mu.Lock()
			delete(e.orders, f.Maker.ID)
			e.mu.Unlock()
		}
	}
	e.applyCashDeltas(cashDelta, side, userID, takerCost)
	for key, delta := range posDelta {
		e.ledger.AdjustPosition(key.userID, key.symbolID, delta)
	}
	e.registry.MarkTrade(sym.ID, lastPrice)
	e.appendTrades(sym.ID, eff.Trades)

	if residual > 0 {
		result.Status = ResultPartial
	} else {
		result.Status = ResultFilled
	}

	e.log.Info("market order executed",
		zap.Int64("user_id", userID),
		zap.String("symbol", sym.Ticker),
		zap.String("side", string(side)),
		zap.Int("fills", len(fills)),
		zap.Int64("residual", residual))

	return result, nil
}

// applyCashDeltas commits the settlement deltas to the ledger. The market
// buyer's total cost was already taken by the reservation, so its delta is
// offset by that amount before applying.
func (e *Exchange) applyCashDeltas(cashDelta map[int64]decimal.Decimal, side models.Side, takerID int64, takerCost decimal.Decimal) {
	for userID, delta := range cashDelta {
		if side == models.Buy && userID == takerID {
			delta = delta.Add(takerCost)
		}
		if delta.Sign() != 0 {
			e.ledger.CreditCash(userID, delta)
		}
	}
}

// CancelOrder atomically cancels an OPEN order owned by the caller, refunding
// exactly what its reservation still holds. A repeated cancel, a cancel of a
// filled order, or a cancel by a non-owner all report the same rejection.
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID int64) error {
	e.mu.RLock()
	order := e.orders[orderID]
	e.mu.RUnlock()
	if order == nil || order.UserID != userID {
		return ErrUnknownOrder
	}
	symbolID := order.SymbolID

	e.mu.RLock()
	lock := e.locks[symbolID]
	e.mu.RUnlock()
	if lock == nil {
		return ErrUnknownOrder
	}
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the symbol lock: the order may have filled or been
	// cancelled while we waited.
	e.mu.RLock()
	order = e.orders[orderID]
	e.mu.RUnlock()
	if order == nil || order.Status != models.StatusOpen || order.UserID != userID {
		return ErrUnknownOrder
	}

	refund := cancelRefund(order)
	eff := &CancellationEffect{
		Order:  OrderChange{OrderID: orderID, Remaining: 0, Status: models.StatusCancelled},
		Refund: BalanceChange{UserID: userID, Delta: refund},
	}
	if err := e.store.ApplyCancellation(ctx, eff); err != nil {
		e.log.Error("persist cancellation failed", zap.Int64("order_id", orderID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.mu.RLock()
	book := e.books[symbolID]
	e.mu.RUnlock()
	if book != nil {
		book.Remove(orderID)
	}
	order.Status = models.StatusCancelled
	order.Remaining = 0
	e.mu.Lock()
	delete(e.orders, orderID)
	e.mu.Unlock()
	if refund.Sign() > 0 {
		e.ledger.CreditCash(userID, refund)
	}

	e.log.Info("order cancelled",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", userID),
		zap.String("refund", refund.String()))
	return nil
}

// cancelRefund is the reservation still held by an open order: the full
// remaining notional for a buy, and the collateral on the still-short part
// for a sell. Owned shares are treated as filling first, so the releasable
// short quantity is min(remaining, initial overhang).
func cancelRefund(o *models.Order) decimal.Decimal {
	if o.Side == models.Buy {
		return o.Price.Mul(decimal.NewFromInt(o.Remaining))
	}
	short := o.ShortReserved
	if o.Remaining < short {
		short = o.Remaining
	}
	return o.Price.Mul(decimal.NewFromInt(short))
}

// CreateUser registers an account with the starting balance.
func (e *Exchange) CreateUser(ctx context.Context, username, passwordHash string, role models.Role) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if role != models.RoleUser && role != models.RoleManager {
		return nil, fmt.Errorf("%w: bad role %q", ErrInvalidInput, role)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.usersByName[username]; taken {
		return nil, fmt.Errorf("%w: username %q taken", ErrInvalidInput, username)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Cash:         StartingBalance,
		CreatedAt:    e.now(),
	}
	id, err := e.store.CreateUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	user.ID = id
	e.users[id] = user
	e.usersByName[username] = id
	e.ledger.CreateAccount(id, StartingBalance)

	e.log.Info("user registered", zap.Int64("user_id", id), zap.String("username", username), zap.String("role", string(role)))
	copied := *user
	return &copied, nil
}

// DeleteUser removes an account: its open orders are cancelled (releasing
// their reservations), positions cascade, and trade history keeps nulled ids.
// The last remaining manager cannot be deleted.
func (e *Exchange) DeleteUser(ctx context.Context, userID int64) error {
	e.mu.RLock()
	user := e.users[userID]
	if user == nil {
		e.mu.RUnlock()
		return ErrUnknownUser
	}
	if user.Role == models.RoleManager {
		managers := 0
		for _, u := range e.users {
			if u.Role == models.RoleManager {
				managers++
			}
		}
		if managers <= 1 {
			e.mu.RUnlock()
			return ErrLastManager
		}
	}
	e.mu.RUnlock()

	for {
		var next int64
		e.mu.RLock()
		for id, o := range e.orders {
			if o.UserID == userID {
				next = id
				break
			}
		}
		e.mu.RUnlock()
		if next == 0 {
			break
		}
		if err := e.CancelOrder(ctx, userID, next); err != nil && !errors.Is(err, ErrUnknownOrder) {
			return err
		}
	}

	if err := e.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.ledger.DropAccount(userID)
	e.mu.Lock()
	delete(e.usersByName, user.Username)
	delete(e.users, userID)
	e.mu.Unlock()

	e.log.Info("user deleted", zap.Int64("user_id", userID))
	return nil
}

// User returns a copy of the account record.
func (e *Exchange) User(id int64) (*models.User, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.users[id]
	if !ok {
		return nil, false
	}
	copied := *u
	return &copied, true
}

// UserByName returns a copy of the account record looked up by username.
func (e *Exchange) UserByName(username string) (*models.User, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.usersByName[username]
	if !ok {
		return nil, false
	}
	copied := *e.users[id]
	return &copied, true
}

func (e *Exchange) requireManager(userID int64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	if u.Role != models.RoleManager {
		return ErrPermissionDenied
	}
	return nil
}

// CreateSymbol registers a new instrument with an empty float.
func (e *Exchange) CreateSymbol(ctx context.Context, managerID int64, ticker string) (*models.Symbol, error) {
	if err := e.requireManager(managerID); err != nil {
		return nil, err
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("%w: ticker cannot be empty", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry.TickerTaken(ticker) {
		return nil, fmt.Errorf("%w: ticker %s taken", ErrInvalidInput, ticker)
	}
	sym := &models.Symbol{Ticker: ticker, CreatedAt: e.now()}
	id, err := e.store.CreateSymbol(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	sym.ID = id
	e.registry.Add(*sym)
	e.books[id] = NewBook()
	e.locks[id] = &sync.Mutex{}

	e.log.Info("symbol created", zap.Int64("symbol_id", id), zap.String("ticker", ticker))
	copied := *sym
	return &copied, nil
}

// DeleteSymbol removes an instrument that nothing references any more.
func (e *Exchange) DeleteSymbol(ctx context.Context, managerID, symbolID int64) error {
	if err := e.requireManager(managerID); err != nil {
		return err
	}
	e.mu.RLock()
	lock := e.locks[symbolID]
	e.mu.RUnlock()
	if lock == nil {
		return ErrUnknownSymbol
	}
	lock.Lock()
	defer lock.Unlock()

	sym, ok := e.registry.Get(symbolID)
	if !ok {
		return ErrUnknownSymbol
	}
	e.mu.RLock()
	book := e.books[symbolID]
	e.mu.RUnlock()
	if (book != nil && book.Len() > 0) || e.ledger.HasPositions(symbolID) {
		return ErrSymbolInUse
	}

	if err := e.store.DeleteSymbol(ctx, symbolID); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.registry.Remove(symbolID)
	e.mu.Lock()
	delete(e.books, symbolID)
	delete(e.locks, symbolID)
	delete(e.trades, symbolID)
	e.mu.Unlock()

	e.log.Info("symbol deleted", zap.Int64("symbol_id", symbolID), zap.String("ticker", sym.Ticker))
	return nil
}

// Mint adds shares to the float, crediting the invoking manager's position.
func (e *Exchange) Mint(ctx context.Context, managerID, symbolID, qty int64) error {
	if err := e.requireManager(managerID); err != nil {
		return err
	}
	if qty < 1 || qty > MaxMintPerCall {
		return fmt.Errorf("%w: mint quantity must be between 1 and %d", ErrInvalidInput, MaxMintPerCall)
	}
	return e.changeFloat(ctx, managerID, symbolID, qty)
}

// Burn removes shares from the float, debiting the invoking manager's
// position. The manager must own the shares being burned.
func (e *Exchange) Burn(ctx context.Context, managerID, symbolID, qty int64) error {
	if err := e.requireManager(managerID); err != nil {
		return err
	}
	if qty < 1 {
		return fmt.Errorf("%w: burn quantity must be positive", ErrInvalidInput)
	}
	return e.changeFloat(ctx, managerID, symbolID, -qty)
}

func (e *Exchange) changeFloat(ctx context.Context, managerID, symbolID, delta int64) error {
	e.mu.RLock()
	lock := e.locks[symbolID]
	e.mu.RUnlock()
	if lock == nil {
		return ErrUnknownSymbol
	}
	lock.Lock()
	defer lock.Unlock()

	sym, ok := e.registry.Get(symbolID)
	if !ok {
		return ErrUnknownSymbol
	}
	if delta < 0 {
		if sym.Outstanding+delta < 0 || e.ledger.Position(managerID, symbolID)+delta < 0 {
			return ErrInsufficientShares
		}
	}

	eff := &FloatEffect{
		SymbolID:    symbolID,
		Outstanding: sym.Outstanding + delta,
		Position:    PositionChange{UserID: managerID, SymbolID: symbolID, Delta: delta},
	}
	if err := e.store.ApplyFloatChange(ctx, eff); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.registry.AdjustOutstanding(symbolID, delta)
	e.ledger.AdjustPosition(managerID, symbolID, delta)

	e.log.Info("float changed",
		zap.Int64("symbol_id", symbolID),
		zap.Int64("manager_id", managerID),
		zap.Int64("delta", delta),
		zap.Int64("outstanding", sym.Outstanding+delta))
	return nil
}

// Symbols lists all registered instruments.
func (e *Exchange) Symbols() []models.Symbol {
	return e.registry.List()
}

// Symbol returns one instrument.
func (e *Exchange) Symbol(id int64) (models.Symbol, bool) {
	return e.registry.Get(id)
}

// BookSnapshot is the aggregated public view of one symbol's book.
type BookSnapshot struct {
	SymbolID       int64
	Ticker         string
	LastPrice      *decimal.Decimal
	PriceDirection string
	Buys           []PriceLevelSummary
	Sells          []PriceLevelSummary
}

// BookSnapshot builds a consistent book view under the symbol lock.
func (e *Exchange) BookSnapshot(symbolID int64) (*BookSnapshot, error) {
	e.mu.RLock()
	lock := e.locks[symbolID]
	e.mu.RUnlock()
	if lock == nil {
		return nil, ErrUnknownSymbol
	}
	lock.Lock()
	defer lock.Unlock()

	sym, ok := e.registry.Get(symbolID)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	e.mu.RLock()
	book := e.books[symbolID]
	e.mu.RUnlock()
	if book == nil {
		return nil, ErrUnknownSymbol
	}

	snap := &BookSnapshot{
		SymbolID:       sym.ID,
		Ticker:         sym.Ticker,
		LastPrice:      sym.LastPrice,
		PriceDirection: priceDirection(sym.LastPrice, sym.PreviousPrice),
		Buys:           book.Levels(models.Buy),
		Sells:          book.Levels(models.Sell),
	}
	return snap, nil
}

func priceDirection(last, previous *decimal.Decimal) string {
	if last == nil || previous == nil {
		return "same"
	}
	switch last.Cmp(*previous) {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "same"
	}
}

// RecentTrades returns up to limit executions for a symbol, newest first.
func (e *Exchange) RecentTrades(symbolID int64, limit int) ([]models.Trade, error) {
	if _, ok := e.registry.Get(symbolID); !ok {
		return nil, ErrUnknownSymbol
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := e.trades[symbolID]
	if limit > len(history) {
		limit = len(history)
	}
	out := make([]models.Trade, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

// ProfilePosition is one row of a user profile.
type ProfilePosition struct {
	SymbolID int64
	Ticker   string
	Quantity int64
}

// Profile is the public view of an account.
type Profile struct {
	ID        int64
	Username  string
	Role      models.Role
	Cash      decimal.Decimal
	Positions []ProfilePosition
}

func (e *Exchange) Profile(userID int64) (*Profile, error) {
	user, ok := e.User(userID)
	if !ok {
		return nil, ErrUnknownUser
	}
	profile := &Profile{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
		Cash:     e.ledger.Cash(userID),
	}
	for _, p := range e.ledger.PositionsForUser(userID) {
		ticker := ""
		if sym, ok := e.registry.Get(p.SymbolID); ok {
			ticker = sym.Ticker
		}
		profile.Positions = append(profile.Positions, ProfilePosition{
			SymbolID: p.SymbolID,
			Ticker:   ticker,
			Quantity: p.Quantity,
		})
	}
	return profile, nil
}

func (e *Exchange) appendTrades(symbolID int64, trades []models.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history := append(e.trades[symbolID], trades...)
	if len(history) > recentTradeLimit {
		history = history[len(history)-recentTradeLimit:]
	}
	e.trades[symbolID] = history
}

func balanceChanges(deltas map[int64]decimal.Decimal) []BalanceChange {
	out := make([]BalanceChange, 0, len(deltas))
	for userID, delta := range deltas {
		if delta.Sign() != 0 {
			out = append(out, BalanceChange{UserID: userID, Delta: delta})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func positionChanges(deltas map[positionKey]int64) []PositionChange {
	out := make([]PositionChange, 0, len(deltas))
	for key, delta := range deltas {
		if delta != 0 {
			out = append(out, PositionChange{UserID: key.userID, SymbolID: key.symbolID, Delta: delta})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func int64Ptr(v int64) *int64 {
	return &v
}
