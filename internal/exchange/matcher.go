package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/models"
)

// Fill is one proposed execution against a resting maker order. The trade
// always happens at the maker's resting price.
type Fill struct {
	Maker    *models.Order
	Price    decimal.Decimal
	Quantity int64
}

// matchOrder reduces an incoming order against the book's priority-ordered
// candidates and returns the proposed fills plus the unfilled residual. It is
// pure: neither the book nor the candidate orders are mutated, and it is
// oblivious to order ownership, so self-trades flow through.
//
// limit is nil for market orders. available caps the total spend of a market
// buy; each fill quantity is clipped to what the remaining cash affords at
// the maker's price, and iteration stops when that reaches zero.
func matchOrder(book *Book, side models.Side, typ models.OrderType, limit *decimal.Decimal, qty int64, available decimal.Decimal) ([]Fill, int64) {
	var fills []Fill
	residual := qty
	spendable := available

	book.IterMatching(side, limit, func(maker *models.Order) bool {
		if residual <= 0 {
			return false
		}
		tradeQty := residual
		if maker.Remaining < tradeQty {
			tradeQty = maker.Remaining
		}
		if side == models.Buy && typ == models.Market {
			affordable := affordableQuantity(spendable, maker.Price)
			if affordable < tradeQty {
				tradeQty = affordable
			}
			if tradeQty <= 0 {
				return false
			}
			spendable = spendable.Sub(maker.Price.Mul(decimal.NewFromInt(tradeQty)))
		}
		fills = append(fills, Fill{Maker: maker, Price: maker.Price, Quantity: tradeQty})
		residual -= tradeQty
		return residual > 0
	})

	return fills, residual
}

// affordableQuantity is the largest q with price*q <= cash.
func affordableQuantity(cash, price decimal.Decimal) int64 {
	if price.Sign() <= 0 {
		return 0
	}
	q := cash.Div(price).IntPart()
	for q > 0 && price.Mul(decimal.NewFromInt(q)).GreaterThan(cash) {
		q--
	}
	if q < 0 {
		return 0
	}
	return q
}
