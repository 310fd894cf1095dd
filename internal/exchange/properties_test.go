package exchange

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func drawPrice(t *rapid.T, label string) decimal.Decimal {
	cents := rapid.Int64Range(1, 20000).Draw(t, label)
	return decimal.New(cents, -2)
}

// Property: the sum of all positions for a symbol always equals the
// outstanding float, across any sequence of submissions and cancellations.
func TestProperty_ConservationOfShares(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		ctx := context.Background()
		users := []int64{m.u1.ID, m.u2.ID}
		var openOrders []int64

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := users[rapid.IntRange(0, 1).Draw(t, fmt.Sprintf("user%d", i))]
			side := []string{"buy", "sell"}[rapid.IntRange(0, 1).Draw(t, fmt.Sprintf("side%d", i))]
			qty := rapid.Int64Range(1, 20).Draw(t, fmt.Sprintf("qty%d", i))

			switch rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0: // limit order
				price := drawPrice(t, fmt.Sprintf("price%d", i)).String()
				if result, err := m.submit(t, user, side, "limit", price, qty); err == nil {
					openOrders = append(openOrders, result.OrderID)
				}
			case 1: // market order
				_, _ = m.submit(t, user, side, "market", "", qty)
			case 2: // cancel something that may or may not still be open
				if len(openOrders) > 0 {
					idx := rapid.IntRange(0, len(openOrders)-1).Draw(t, fmt.Sprintf("cancel%d", i))
					_ = m.ex.CancelOrder(ctx, user, openOrders[idx])
				}
			case 3: // mint or burn by the manager
				if side == "buy" {
					_ = m.ex.Mint(ctx, m.u1.ID, m.sym.ID, qty)
				} else {
					_ = m.ex.Burn(ctx, m.u1.ID, m.sym.ID, qty)
				}
			}

			sym, _ := m.ex.Symbol(m.sym.ID)
			total := m.ex.Ledger().TotalPosition(m.sym.ID)
			if total != sym.Outstanding {
				t.Fatalf("step %d: total positions %d != outstanding %d", i, total, sym.Outstanding)
			}
		}
	})
}

// Property: a trade between two users moves cash and shares in exactly
// opposite amounts, measured from before the maker's submission so that the
// buy-side reservation is included.
func TestProperty_PairwiseAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		price := drawPrice(t, "price")
		qty := rapid.Int64Range(1, 50).Draw(t, "qty")
		makerIsSeller := rapid.Bool().Draw(t, "makerIsSeller")

		u1Cash := m.ex.Ledger().Cash(m.u1.ID)
		u2Cash := m.ex.Ledger().Cash(m.u2.ID)
		u1Pos := m.position(m.u1.ID)
		u2Pos := m.position(m.u2.ID)

		// u1 holds the full float, so u1 always sells and u2 always buys:
		// both legs are covered and affordable by construction.
		if makerIsSeller {
			m.mustSubmit(t, m.u1.ID, "sell", "limit", price.String(), qty)
			m.mustSubmit(t, m.u2.ID, "buy", "market", "", qty)
		} else {
			m.mustSubmit(t, m.u2.ID, "buy", "limit", price.String(), qty)
			m.mustSubmit(t, m.u1.ID, "sell", "market", "", qty)
		}

		u1CashDelta := m.ex.Ledger().Cash(m.u1.ID).Sub(u1Cash)
		u2CashDelta := m.ex.Ledger().Cash(m.u2.ID).Sub(u2Cash)
		if !u1CashDelta.Equal(u2CashDelta.Neg()) {
			t.Fatalf("cash deltas not opposite: u1 %s, u2 %s", u1CashDelta, u2CashDelta)
		}
		notional := price.Mul(decimal.NewFromInt(qty))
		if !u1CashDelta.Equal(notional) {
			t.Fatalf("seller credited %s, want %s", u1CashDelta, notional)
		}

		u1PosDelta := m.position(m.u1.ID) - u1Pos
		u2PosDelta := m.position(m.u2.ID) - u2Pos
		if u1PosDelta != -qty || u2PosDelta != qty {
			t.Fatalf("position deltas %d/%d, want %d/%d", u1PosDelta, u2PosDelta, -qty, qty)
		}
	})
}

// Property: after any sequence of accepted submissions, the book never
// crosses: best bid < best ask whenever both sides rest.
func TestProperty_BookNeverCrosses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		users := []int64{m.u1.ID, m.u2.ID}

		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := users[rapid.IntRange(0, 1).Draw(t, fmt.Sprintf("user%d", i))]
			side := []string{"buy", "sell"}[rapid.IntRange(0, 1).Draw(t, fmt.Sprintf("side%d", i))]
			price := drawPrice(t, fmt.Sprintf("price%d", i)).String()
			qty := rapid.Int64Range(1, 10).Draw(t, fmt.Sprintf("qty%d", i))
			_, _ = m.submit(t, user, side, "limit", price, qty)

			snap, err := m.ex.BookSnapshot(m.sym.ID)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(snap.Buys) > 0 && len(snap.Sells) > 0 {
				bid, ask := snap.Buys[0].Price, snap.Sells[0].Price
				if !bid.LessThan(ask) {
					t.Fatalf("book crossed: bid %s >= ask %s", bid, ask)
				}
			}
		}
	})
}

// Property: among equally priced resting orders, the earlier id fills first.
func TestProperty_PriceTimePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		price := drawPrice(t, "price")
		qtyA := rapid.Int64Range(2, 20).Draw(t, "qtyA")
		qtyB := rapid.Int64Range(1, 20).Draw(t, "qtyB")
		takeQty := rapid.Int64Range(1, qtyA-1).Draw(t, "takeQty")

		first := m.mustSubmit(t, m.u1.ID, "sell", "limit", price.String(), qtyA)
		second := m.mustSubmit(t, m.u1.ID, "sell", "limit", price.String(), qtyB)

		m.mustSubmit(t, m.u2.ID, "buy", "market", "", takeQty)

		m.ex.mu.RLock()
		a := m.ex.orders[first.OrderID]
		b := m.ex.orders[second.OrderID]
		m.ex.mu.RUnlock()
		if a == nil || a.Remaining != qtyA-takeQty {
			t.Fatalf("earlier order not filled first: %+v", a)
		}
		if b == nil || b.Remaining != qtyB {
			t.Fatalf("later order touched before the earlier one drained: %+v", b)
		}
	})
}

// Property: for a buy limit at P filled in parts and then cancelled, the
// buyer's net cash change is exactly -P x filled quantity.
func TestProperty_RefundAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		cents := rapid.Int64Range(1, 10000).Draw(t, "priceCents")
		price := decimal.New(cents, -2)
		qty := rapid.Int64Range(1, 50).Draw(t, "qty")

		result := m.mustSubmit(t, m.u2.ID, "buy", "limit", price.String(), qty)

		var filled int64
		pieces := rapid.IntRange(0, 4).Draw(t, "pieces")
		for i := 0; i < pieces && filled < qty; i++ {
			piece := rapid.Int64Range(1, qty-filled).Draw(t, fmt.Sprintf("piece%d", i))
			if _, err := m.submit(t, m.u1.ID, "sell", "market", "", piece); err == nil {
				filled += piece
			}
		}
		if filled < qty {
			if err := m.ex.CancelOrder(context.Background(), m.u2.ID, result.OrderID); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}

		want := StartingBalance.Sub(price.Mul(decimal.NewFromInt(filled)))
		if got := m.ex.Ledger().Cash(m.u2.ID); !got.Equal(want) {
			t.Fatalf("buyer cash %s, want %s (filled %d at %s)", got, want, filled, price)
		}
	})
}

// Property: crossing your own resting order is cash- and position-neutral,
// and still records a trade at the maker's price.
func TestProperty_SelfTradeNeutrality(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		price := drawPrice(t, "price")
		qty := rapid.Int64Range(1, 50).Draw(t, "qty")

		m.mustSubmit(t, m.u1.ID, "buy", "limit", price.String(), qty)
		result := m.mustSubmit(t, m.u1.ID, "sell", "market", "", qty)

		if got := m.ex.Ledger().Cash(m.u1.ID); !got.Equal(StartingBalance) {
			t.Fatalf("self-trade moved cash: %s", got)
		}
		if got := m.position(m.u1.ID); got != 100 {
			t.Fatalf("self-trade moved position: %d", got)
		}
		if len(result.Trades) != 1 || !result.Trades[0].Price.Equal(price) {
			t.Fatalf("expected one trade at %s, got %+v", price, result.Trades)
		}
	})
}

// Property: cancelling a buy limit at P with remaining r credits exactly P*r.
func TestProperty_CancellationReleasesReservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newTestMarket(t)
		price := drawPrice(t, "price")
		qty := rapid.Int64Range(1, 50).Draw(t, "qty")

		result := m.mustSubmit(t, m.u2.ID, "buy", "limit", price.String(), qty)
		reserved := price.Mul(decimal.NewFromInt(qty))
		if got := m.ex.Ledger().Cash(m.u2.ID); !got.Equal(StartingBalance.Sub(reserved)) {
			t.Fatalf("reservation %s not taken: cash %s", reserved, got)
		}

		if err := m.ex.CancelOrder(context.Background(), m.u2.ID, result.OrderID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got := m.ex.Ledger().Cash(m.u2.ID); !got.Equal(StartingBalance) {
			t.Fatalf("cancel did not release exactly the reservation: %s", got)
		}
	})
}
