package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/exchange"
	"github.com/tradeyard/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool and implements exchange.Store. Each
// Apply* method commits one engine effect in a single transaction.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// CreateUser inserts a new user and returns its id.
func (db *DB) CreateUser(ctx context.Context, user *models.User) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, role, cash) VALUES ($1, $2, $3, $4) RETURNING id",
		user.Username, user.PasswordHash, string(user.Role), user.Cash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// DeleteUser removes a user row. Positions cascade and trade-history ids are
// nulled by the schema's foreign keys.
func (db *DB) DeleteUser(ctx context.Context, userID int64) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// CreateSymbol inserts a new symbol and returns its id.
func (db *DB) CreateSymbol(ctx context.Context, sym *models.Symbol) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO symbols (ticker, outstanding) VALUES ($1, $2) RETURNING id",
		sym.Ticker, sym.Outstanding).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create symbol: %w", err)
	}
	return id, nil
}

// DeleteSymbol removes a symbol row.
func (db *DB) DeleteSymbol(ctx context.Context, symbolID int64) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM symbols WHERE id = $1", symbolID)
	if err != nil {
		return fmt.Errorf("failed to delete symbol: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("symbol %d not found", symbolID)
	}
	return nil
}

// ApplySubmission persists the full effect of one accepted submission.
func (db *DB) ApplySubmission(ctx context.Context, eff *exchange.SubmissionEffect) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if eff.NewOrder != nil {
		o := eff.NewOrder
		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, symbol_id, side, type, price, quantity, remaining, short_reserved, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			o.ID, o.UserID, o.SymbolID, string(o.Side), string(o.Type), o.Price, o.Quantity, o.Remaining, o.ShortReserved, string(o.Status), o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
	}
	for _, t := range eff.Trades {
		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, symbol_id, price, quantity, buy_order_id, sell_order_id, buy_user_id, sell_user_id, taker_side, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.SymbolID, t.Price, t.Quantity, t.BuyOrderID, t.SellOrderID, t.BuyUserID, t.SellUserID, string(t.TakerSide), t.ExecutedAt)
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
	}
	if err := applyChanges(ctx, tx, eff.Orders, eff.Balances, eff.Positions); err != nil {
		return err
	}
	if eff.Price != nil {
		_, err = tx.Exec(ctx,
			"UPDATE symbols SET last_price = $1, previous_price = $2 WHERE id = $3",
			eff.Price.Last, eff.Price.Previous, eff.Price.SymbolID)
		if err != nil {
			return fmt.Errorf("failed to stamp prices: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit submission: %w", err)
	}
	return nil
}

// ApplyCancellation persists one accepted cancellation.
func (db *DB) ApplyCancellation(ctx context.Context, eff *exchange.CancellationEffect) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row so a concurrent engine restart cannot observe a half
	// cancelled order.
	var status string
	err = tx.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", eff.Order.OrderID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("order %d not found", eff.Order.OrderID)
		}
		return fmt.Errorf("failed to lock order: %w", err)
	}
	if status != string(models.StatusOpen) {
		return fmt.Errorf("order %d not open", eff.Order.OrderID)
	}

	if err := applyChanges(ctx, tx, []exchange.OrderChange{eff.Order}, []exchange.BalanceChange{eff.Refund}, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return nil
}

// ApplyFloatChange persists a mint or burn.
func (db *DB) ApplyFloatChange(ctx context.Context, eff *exchange.FloatEffect) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "UPDATE symbols SET outstanding = $1 WHERE id = $2", eff.Outstanding, eff.SymbolID)
	if err != nil {
		return fmt.Errorf("failed to update outstanding: %w", err)
	}
	if err := applyChanges(ctx, tx, nil, nil, []exchange.PositionChange{eff.Position}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit float change: %w", err)
	}
	return nil
}

func applyChanges(ctx context.Context, tx pgx.Tx, orders []exchange.OrderChange, balances []exchange.BalanceChange, positions []exchange.PositionChange) error {
	for _, oc := range orders {
		_, err := tx.Exec(ctx,
			"UPDATE orders SET remaining = $1, status = $2 WHERE id = $3",
			oc.Remaining, string(oc.Status), oc.OrderID)
		if err != nil {
			return fmt.Errorf("failed to update order %d: %w", oc.OrderID, err)
		}
	}
	for _, bc := range balances {
		if bc.Delta.Sign() == 0 {
			continue
		}
		_, err := tx.Exec(ctx,
			"UPDATE users SET cash = cash + $1 WHERE id = $2",
			bc.Delta, bc.UserID)
		if err != nil {
			return fmt.Errorf("failed to update balance of user %d: %w", bc.UserID, err)
		}
	}
	for _, pc := range positions {
		if pc.Delta == 0 {
			continue
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, symbol_id, quantity) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, symbol_id) DO UPDATE SET quantity = positions.quantity + $3`,
			pc.UserID, pc.SymbolID, pc.Delta)
		if err != nil {
			return fmt.Errorf("failed to update position: %w", err)
		}
		_, err = tx.Exec(ctx,
			"DELETE FROM positions WHERE user_id = $1 AND symbol_id = $2 AND quantity = 0",
			pc.UserID, pc.SymbolID)
		if err != nil {
			return fmt.Errorf("failed to clean up position: %w", err)
		}
	}
	return nil
}

// LoadSnapshot reads the persisted state the engine restores from at boot.
func (db *DB) LoadSnapshot(ctx context.Context) (*exchange.Snapshot, error) {
	snap := &exchange.Snapshot{}

	rows, err := db.Pool.Query(ctx, "SELECT id, username, password_hash, role, cash, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u models.User
		var role string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.Cash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Role = models.Role(role)
		snap.Users = append(snap.Users, u)
	}
	rows.Close()

	rows, err = db.Pool.Query(ctx, "SELECT id, ticker, outstanding, last_price, previous_price, created_at FROM symbols ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load symbols: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s models.Symbol
		var last, previous decimal.NullDecimal
		if err := rows.Scan(&s.ID, &s.Ticker, &s.Outstanding, &last, &previous, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		if last.Valid {
			s.LastPrice = &last.Decimal
		}
		if previous.Valid {
			s.PreviousPrice = &previous.Decimal
		}
		snap.Symbols = append(snap.Symbols, s)
	}
	rows.Close()

	rows, err = db.Pool.Query(ctx, "SELECT user_id, symbol_id, quantity FROM positions")
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.UserID, &p.SymbolID, &p.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		snap.Positions = append(snap.Positions, p)
	}
	rows.Close()

	rows, err = db.Pool.Query(ctx,
		`SELECT id, user_id, symbol_id, side, type, price, quantity, remaining, short_reserved, status, created_at
		 FROM orders WHERE status = 'OPEN' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o models.Order
		var side, typ, status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.SymbolID, &side, &typ, &o.Price, &o.Quantity, &o.Remaining, &o.ShortReserved, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = models.Side(side)
		o.Type = models.OrderType(typ)
		o.Status = models.OrderStatus(status)
		snap.OpenOrders = append(snap.OpenOrders, o)
	}
	rows.Close()

	for _, sym := range snap.Symbols {
		trades, err := db.RecentTrades(ctx, sym.ID, 100)
		if err != nil {
			return nil, err
		}
		// RecentTrades returns newest first; the snapshot wants ascending.
		for i := len(trades) - 1; i >= 0; i-- {
			snap.RecentTrades = append(snap.RecentTrades, trades[i])
		}
	}

	err = db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM orders").Scan(&snap.MaxOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read max order id: %w", err)
	}
	err = db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM trades").Scan(&snap.MaxTradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read max trade id: %w", err)
	}

	return snap, nil
}

// RecentTrades reads up to limit executions for a symbol, newest first.
func (db *DB) RecentTrades(ctx context.Context, symbolID int64, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, symbol_id, price, quantity, buy_order_id, sell_order_id, buy_user_id, sell_user_id, taker_side, executed_at
		 FROM trades WHERE symbol_id = $1 ORDER BY id DESC LIMIT $2`,
		symbolID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var taker string
		if err := rows.Scan(&t.ID, &t.SymbolID, &t.Price, &t.Quantity, &t.BuyOrderID, &t.SellOrderID, &t.BuyUserID, &t.SellUserID, &taker, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.TakerSide = models.Side(taker)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
