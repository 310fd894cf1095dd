package exchange

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/models"
)

// priceLevel is a FIFO queue of resting orders sharing one price. Order ids
// are monotonic, so appending keeps each queue in time priority.
type priceLevel struct {
	price  decimal.Decimal
	orders []*models.Order
}

// PriceLevelSummary is one aggregated row of a book snapshot.
type PriceLevelSummary struct {
	Price    decimal.Decimal
	Quantity int64
}

// Book holds the OPEN limit orders of a single symbol, one btree of price
// levels per side. Iteration order over the levels is the sole source of
// price-time priority.
type Book struct {
	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]
	byID map[int64]*models.Order
}

func levelLess(a, b *priceLevel) bool {
	return a.price.LessThan(b.price)
}

func NewBook() *Book {
	return &Book{
		bids: btree.NewG(8, levelLess),
		asks: btree.NewG(8, levelLess),
		byID: make(map[int64]*models.Order),
	}
}

func (b *Book) side(side models.Side) *btree.BTreeG[*priceLevel] {
	if side == models.Buy {
		return b.bids
	}
	return b.asks
}

// Len is the number of resting orders on both sides.
func (b *Book) Len() int {
	return len(b.byID)
}

// Get returns the resting order with the given id.
func (b *Book) Get(id int64) (*models.Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// BestBid is the highest resting buy price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	level, ok := b.bids.Max()
	if !ok {
		return decimal.Decimal{}, false
	}
	return level.price, true
}

// BestAsk is the lowest resting sell price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return decimal.Decimal{}, false
	}
	return level.price, true
}

// Insert rests an order on its side of the book.
func (b *Book) Insert(o *models.Order) {
	tree := b.side(o.Side)
	probe := &priceLevel{price: o.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = probe
		tree.ReplaceOrInsert(level)
	}
	level.orders = append(level.orders, o)
	b.byID[o.ID] = o
}

// Remove takes an order out of the book.
func (b *Book) Remove(id int64) bool {
	o, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	tree := b.side(o.Side)
	level, ok := tree.Get(&priceLevel{price: o.Price})
	if !ok {
		return false
	}
	for i, resting := range level.orders {
		if resting.ID == id {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
	return true
}

// Decrement reduces a resting order's remaining quantity, removing it from
// the book when it reaches zero. The order's status is the caller's concern.
func (b *Book) Decrement(id, qty int64) {
	o, ok := b.byID[id]
	if !ok {
		return
	}
	o.Remaining -= qty
	if o.Remaining <= 0 {
		o.Remaining = 0
		b.Remove(id)
	}
}

// IterMatching yields the opposite-side resting orders that could cross an
// incoming order, in strict priority order: ascending price then id for an
// incoming buy, descending price then ascending id for an incoming sell.
// A nil limit (market order) yields every opposite-side order. The callback
// returns false to stop early.
func (b *Book) IterMatching(side models.Side, limit *decimal.Decimal, fn func(*models.Order) bool) {
	visit := func(level *priceLevel) bool {
		for _, o := range level.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	}
	if side == models.Buy {
		b.asks.Ascend(func(level *priceLevel) bool {
			if limit != nil && level.price.GreaterThan(*limit) {
				return false
			}
			return visit(level)
		})
		return
	}
	b.bids.Descend(func(level *priceLevel) bool {
		if limit != nil && level.price.LessThan(*limit) {
			return false
		}
		return visit(level)
	})
}

// Levels aggregates one side of the book for a snapshot: bids descending by
// price, asks ascending.
func (b *Book) Levels(side models.Side) []PriceLevelSummary {
	var out []PriceLevelSummary
	collect := func(level *priceLevel) bool {
		var qty int64
		for _, o := range level.orders {
			qty += o.Remaining
		}
		out = append(out, PriceLevelSummary{Price: level.price, Quantity: qty})
		return true
	}
	if side == models.Buy {
		b.bids.Descend(collect)
	} else {
		b.asks.Ascend(collect)
	}
	return out
}
