package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role determines what a user may do; managers control the share float.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// User represents a registered account with its cash balance.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         Role
	Cash         decimal.Decimal
	CreatedAt    time.Time
}

// Symbol is a tradable instrument with its outstanding share count and
// last/previous trade prices. The prices are nil until the first execution.
type Symbol struct {
	ID            int64
	Ticker        string
	Outstanding   int64
	LastPrice     *decimal.Decimal
	PreviousPrice *decimal.Decimal
	CreatedAt     time.Time
}

// Position is a signed per-(user, symbol) share count. Negative means short.
// A zero-quantity position is semantically absent and never stored.
type Position struct {
	UserID   int64
	SymbolID int64
	Quantity int64
}

// Order is a buy or sell instruction. Market orders never rest and are not
// persisted; their lifetime is confined to a single submission.
type Order struct {
	ID        int64
	UserID    int64
	SymbolID  int64
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Quantity  int64
	Remaining int64
	// ShortReserved is the short overhang the order carried at submission;
	// collateral of Price x ShortReserved was debited for it.
	ShortReserved int64
	Status        OrderStatus
	CreatedAt     time.Time
}

// Trade is an immutable execution record. Order and user ids are pointers
// because the market-taker side has no persisted order, and user ids are
// nulled when an account is deleted.
type Trade struct {
	ID          int64
	SymbolID    int64
	Price       decimal.Decimal
	Quantity    int64
	BuyOrderID  *int64
	SellOrderID *int64
	BuyUserID   *int64
	SellUserID  *int64
	TakerSide   Side
	ExecutedAt  time.Time
}
