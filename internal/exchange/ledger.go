package exchange

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/models"
)

type positionKey struct {
	userID   int64
	symbolID int64
}

// Ledger holds the authoritative cash balances and signed share positions.
// Every operation is atomic under the ledger mutex, so the coordinator can
// compose them across symbols without driving any balance negative.
type Ledger struct {
	mu        sync.Mutex
	cash      map[int64]decimal.Decimal
	positions map[positionKey]int64
}

func NewLedger() *Ledger {
	return &Ledger{
		cash:      make(map[int64]decimal.Decimal),
		positions: make(map[positionKey]int64),
	}
}

// CreateAccount registers a cash balance for a user.
func (l *Ledger) CreateAccount(userID int64, cash decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash[userID] = cash
}

// DropAccount removes a user's cash balance and all of their positions.
func (l *Ledger) DropAccount(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cash, userID)
	for key := range l.positions {
		if key.userID == userID {
			delete(l.positions, key)
		}
	}
}

// Cash returns the user's current balance, zero for unknown users.
func (l *Ledger) Cash(userID int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash[userID]
}

// ReserveCash atomically verifies balance >= amount and deducts it.
func (l *Ledger) ReserveCash(userID int64, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.cash[userID]
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	l.cash[userID] = balance.Sub(amount)
	return nil
}

// CreditCash unconditionally adds to the user's balance.
func (l *Ledger) CreditCash(userID int64, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash[userID] = l.cash[userID].Add(amount)
}

// DebitCash unconditionally subtracts from the user's balance.
func (l *Ledger) DebitCash(userID int64, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash[userID] = l.cash[userID].Sub(amount)
}

// Position returns the signed share count, defaulting to zero.
func (l *Ledger) Position(userID, symbolID int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[positionKey{userID, symbolID}]
}

// AdjustPosition applies a signed delta, creating the row if absent and
// deleting it when the result is zero.
func (l *Ledger) AdjustPosition(userID, symbolID, delta int64) {
	if delta == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := positionKey{userID, symbolID}
	next := l.positions[key] + delta
	if next == 0 {
		delete(l.positions, key)
		return
	}
	l.positions[key] = next
}

// SetPosition installs an absolute quantity, used when restoring state.
func (l *Ledger) SetPosition(userID, symbolID, quantity int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := positionKey{userID, symbolID}
	if quantity == 0 {
		delete(l.positions, key)
		return
	}
	l.positions[key] = quantity
}

// PositionsForUser lists a user's non-zero positions ordered by symbol id.
func (l *Ledger) PositionsForUser(userID int64) []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Position
	for key, qty := range l.positions {
		if key.userID == userID {
			out = append(out, models.Position{UserID: userID, SymbolID: key.symbolID, Quantity: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SymbolID < out[j].SymbolID })
	return out
}

// HasPositions reports whether any user holds a non-zero position in the
// symbol. Used to guard symbol deletion.
func (l *Ledger) HasPositions(symbolID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.positions {
		if key.symbolID == symbolID {
			return true
		}
	}
	return false
}

// TotalPosition sums every position for a symbol. Fills only move shares
// between users, so the sum equals the outstanding share count even when some
// positions are short.
func (l *Ledger) TotalPosition(symbolID int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for key, qty := range l.positions {
		if key.symbolID == symbolID {
			sum += qty
		}
	}
	return sum
}
