package exchange

import "errors"

// Rejection kinds surfaced by the engine. Every rejection leaves state
// untouched; callers classify with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrUnknownOrder       = errors.New("order not found or closed")
	ErrUnknownUser        = errors.New("unknown user")
	ErrCrossesBook        = errors.New("limit order would cross the book, use a market order")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares in circulation")
	ErrNoLiquidity        = errors.New("no liquidity")
	ErrSymbolInUse        = errors.New("symbol has live orders or positions")
	ErrLastManager        = errors.New("cannot delete the last manager")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInternal           = errors.New("internal error")
)
