package exchange

import (
	"context"
	"errors"
	"sync"

	"pgregory.net/rapid"

	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/models"
)

// memStore satisfies Store without a database. It only hands out ids; the
// engine's in-memory state is authoritative in tests. failNext makes the next
// durable write fail, for exercising rollback.
type memStore struct {
	mu           sync.Mutex
	nextUserID   int64
	nextSymbolID int64
	failNext     bool
}

var errStoreDown = errors.New("store down")

func (s *memStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errStoreDown
	}
	return nil
}

func (s *memStore) CreateUser(_ context.Context, _ *models.User) (int64, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUserID++
	return s.nextUserID, nil
}

func (s *memStore) DeleteUser(_ context.Context, _ int64) error { return s.fail() }

func (s *memStore) CreateSymbol(_ context.Context, _ *models.Symbol) (int64, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSymbolID++
	return s.nextSymbolID, nil
}

func (s *memStore) DeleteSymbol(_ context.Context, _ int64) error { return s.fail() }

func (s *memStore) ApplySubmission(_ context.Context, _ *SubmissionEffect) error { return s.fail() }

func (s *memStore) ApplyCancellation(_ context.Context, _ *CancellationEffect) error {
	return s.fail()
}

func (s *memStore) ApplyFloatChange(_ context.Context, _ *FloatEffect) error { return s.fail() }

// testMarket is the scenario base state: manager-trader u1 holding the whole
// float of one symbol, trader u2 with cash only, both at the starting balance.
type testMarket struct {
	ex    *Exchange
	store *memStore
	u1    *models.User
	u2    *models.User
	sym   *models.Symbol
}

func newTestMarket(t rapid.TB) *testMarket {
	t.Helper()
	ctx := context.Background()
	store := &memStore{}
	ex := New(store, nil)

	u1, err := ex.CreateUser(ctx, "u1", "hash", models.RoleManager)
	if err != nil {
		t.Fatalf("create u1: %v", err)
	}
	u2, err := ex.CreateUser(ctx, "u2", "hash", models.RoleUser)
	if err != nil {
		t.Fatalf("create u2: %v", err)
	}
	sym, err := ex.CreateSymbol(ctx, u1.ID, "ACME")
	if err != nil {
		t.Fatalf("create symbol: %v", err)
	}
	if err := ex.Mint(ctx, u1.ID, sym.ID, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}

	return &testMarket{ex: ex, store: store, u1: u1, u2: u2, sym: sym}
}

func (m *testMarket) submit(t rapid.TB, userID int64, side, typ string, price string, qty int64) (*SubmissionResult, error) {
	t.Helper()
	req := OrderRequest{SymbolID: m.sym.ID, Side: side, Type: typ, Quantity: qty}
	if price != "" {
		p := decimal.RequireFromString(price)
		req.Price = &p
	}
	return m.ex.SubmitOrder(context.Background(), userID, req)
}

func (m *testMarket) mustSubmit(t rapid.TB, userID int64, side, typ string, price string, qty int64) *SubmissionResult {
	t.Helper()
	result, err := m.submit(t, userID, side, typ, price, qty)
	if err != nil {
		t.Fatalf("submit %s %s %s x%d: %v", side, typ, price, qty, err)
	}
	return result
}

func (m *testMarket) cash(t rapid.TB, userID int64) string {
	t.Helper()
	return m.ex.Ledger().Cash(userID).String()
}

func (m *testMarket) position(userID int64) int64 {
	return m.ex.Ledger().Position(userID, m.sym.ID)
}

func decimal90() decimal.Decimal { return decimal.RequireFromString("90") }
func decimal99() decimal.Decimal { return decimal.RequireFromString("99") }
