package exchange

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradeyard/exchange/internal/models"
)

// MaxMintPerCall caps how many shares a single mint may add to the float.
const MaxMintPerCall = 1_000_000

// Registry is the set of tradable symbols. Outstanding counts and prices are
// mutated by the coordinator under the owning symbol's lock; the registry
// mutex guards the maps and the symbol records they hold.
type Registry struct {
	mu       sync.RWMutex
	symbols  map[int64]*models.Symbol
	byTicker map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		symbols:  make(map[int64]*models.Symbol),
		byTicker: make(map[string]int64),
	}
}

// Add installs a symbol. The ticker must not already be taken.
func (r *Registry) Add(sym models.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := sym
	r.symbols[sym.ID] = &copied
	r.byTicker[sym.Ticker] = sym.ID
}

// Remove deletes a symbol from the registry.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sym, ok := r.symbols[id]; ok {
		delete(r.byTicker, sym.Ticker)
		delete(r.symbols, id)
	}
}

// Get returns a copy of the symbol.
func (r *Registry) Get(id int64) (models.Symbol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.symbols[id]
	if !ok {
		return models.Symbol{}, false
	}
	return *sym, true
}

// TickerTaken reports whether a ticker is already registered.
func (r *Registry) TickerTaken(ticker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTicker[ticker]
	return ok
}

// List returns all symbols ordered by id.
func (r *Registry) List() []models.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Symbol, 0, len(r.symbols))
	for _, sym := range r.symbols {
		out = append(out, *sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AdjustOutstanding applies a signed delta to the outstanding share count.
func (r *Registry) AdjustOutstanding(id, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sym, ok := r.symbols[id]; ok {
		sym.Outstanding += delta
	}
}

// MarkTrade stamps the last and previous trade prices after an execution.
// The previous price falls back to the executed price when no last price
// existed, so the first trade reads as an unchanged price.
func (r *Registry) MarkTrade(id int64, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sym, ok := r.symbols[id]
	if !ok {
		return
	}
	if sym.LastPrice != nil {
		prev := *sym.LastPrice
		sym.PreviousPrice = &prev
	} else {
		prev := price
		sym.PreviousPrice = &prev
	}
	last := price
	sym.LastPrice = &last
}
