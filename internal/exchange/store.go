package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/models"
)

// BalanceChange is a signed cash delta for one user.
type BalanceChange struct {
	UserID int64
	Delta  decimal.Decimal
}

// PositionChange is a signed share delta for one (user, symbol) row.
type PositionChange struct {
	UserID   int64
	SymbolID int64
	Delta    int64
}

// OrderChange updates a persisted order's remaining quantity and status.
type OrderChange struct {
	OrderID   int64
	Remaining int64
	Status    models.OrderStatus
}

// PriceChange stamps a symbol's last and previous trade prices.
type PriceChange struct {
	SymbolID int64
	Last     decimal.Decimal
	Previous decimal.Decimal
}

// SubmissionEffect is the complete durable effect of one accepted order
// submission. The store must apply it in a single transaction.
type SubmissionEffect struct {
	NewOrder  *models.Order // resting limit order, nil for market submissions
	Trades    []models.Trade
	Orders    []OrderChange
	Balances  []BalanceChange
	Positions []PositionChange
	Price     *PriceChange
}

// CancellationEffect is the durable effect of one accepted cancellation.
type CancellationEffect struct {
	Order  OrderChange
	Refund BalanceChange
}

// FloatEffect is the durable effect of a mint or burn: an absolute
// outstanding count plus the manager's position delta.
type FloatEffect struct {
	SymbolID    int64
	Outstanding int64
	Position    PositionChange
}

// Store persists engine state. The engine computes each effect in memory
// under the owning symbol's lock, persists it through the store, and only
// then mutates its in-memory state; a store error therefore rolls the whole
// operation back.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) (int64, error)
	DeleteUser(ctx context.Context, userID int64) error
	CreateSymbol(ctx context.Context, sym *models.Symbol) (int64, error)
	DeleteSymbol(ctx context.Context, symbolID int64) error
	ApplySubmission(ctx context.Context, eff *SubmissionEffect) error
	ApplyCancellation(ctx context.Context, eff *CancellationEffect) error
	ApplyFloatChange(ctx context.Context, eff *FloatEffect) error
}

// Snapshot is the persisted state the engine rebuilds from at boot.
type Snapshot struct {
	Users        []models.User
	Symbols      []models.Symbol
	Positions    []models.Position
	OpenOrders   []models.Order
	RecentTrades []models.Trade // all symbols; ascending by id within each symbol
	MaxOrderID   int64
	MaxTradeID   int64
}
