package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeyard/exchange/internal/auth"
	"github.com/tradeyard/exchange/internal/exchange"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Exchange: ex, AuthService: authService, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// writeError maps an engine rejection to its HTTP status and message envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrUnknownSymbol),
		errors.Is(err, exchange.ErrUnknownOrder),
		errors.Is(err, exchange.ErrUnknownUser):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrCrossesBook),
		errors.Is(err, exchange.ErrInsufficientFunds),
		errors.Is(err, exchange.ErrInsufficientShares),
		errors.Is(err, exchange.ErrNoLiquidity),
		errors.Is(err, exchange.ErrSymbolInUse),
		errors.Is(err, exchange.ErrLastManager):
		status = http.StatusConflict
	case errors.Is(err, exchange.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, exchange.ErrInternal):
		writeMessage(w, http.StatusInternalServerError, exchange.ErrInternal.Error())
		return
	}
	writeMessage(w, status, err.Error())
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, exchange.ErrInvalidInput) {
			writeError(w, err)
			return
		}
		h.Log.Error("register failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and stashes the user id in context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// DeleteAccount removes the authenticated user's account.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.Exchange.DeleteUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "account deleted")
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	profile, err := h.Exchange.Profile(userID)
	if err != nil {
		writeError(w, err)
		return
	}

	positions := make([]map[string]interface{}, 0, len(profile.Positions))
	for _, p := range profile.Positions {
		positions = append(positions, map[string]interface{}{
			"symbol_id": p.SymbolID,
			"symbol":    p.Ticker,
			"quantity":  p.Quantity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           profile.ID,
		"username":     profile.Username,
		"role":         profile.Role,
		"cash_balance": profile.Cash,
		"positions":    positions,
	})
}

// PlaceOrder handles order submission.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		SymbolID int64            `json:"symbol_id"`
		Side     string           `json:"side"`
		Type     string           `json:"type"`
		Price    *decimal.Decimal `json:"price"`
		Quantity int64            `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Exchange.SubmitOrder(r.Context(), userID, exchange.OrderRequest{
		SymbolID: req.SymbolID,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	trades := make([]map[string]interface{}, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, map[string]interface{}{
			"price":    t.Price,
			"quantity": t.Quantity,
		})
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"orderStatus":    result.Status,
		"tradesExecuted": trades,
	})
}

// CancelOrder cancels an open order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := h.Exchange.CancelOrder(r.Context(), userID, orderID); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "order cancelled")
}

// ListSymbols returns every tradable symbol.
func (h *Handler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := h.Exchange.Symbols()
	out := make([]map[string]interface{}, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, map[string]interface{}{
			"id":          s.ID,
			"ticker":      s.Ticker,
			"outstanding": s.Outstanding,
			"lastPrice":   s.LastPrice,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func symbolParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// GetOrderBook returns the aggregated book snapshot for a symbol.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbolID, err := symbolParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid symbol id")
		return
	}
	snap, err := h.Exchange.BookSnapshot(symbolID)
	if err != nil {
		writeError(w, err)
		return
	}

	levels := func(in []exchange.PriceLevelSummary) []map[string]interface{} {
		out := make([]map[string]interface{}, 0, len(in))
		for _, level := range in {
			out = append(out, map[string]interface{}{
				"price":    level.Price,
				"quantity": level.Quantity,
			})
		}
		return out
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":         snap.Ticker,
		"lastPrice":      snap.LastPrice,
		"priceDirection": snap.PriceDirection,
		"buyOrders":      levels(snap.Buys),
		"sellOrders":     levels(snap.Sells),
	})
}

// GetRecentTrades returns the most recent 20 trades for a symbol.
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	symbolID, err := symbolParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid symbol id")
		return
	}
	trades, err := h.Exchange.RecentTrades(symbolID, 20)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]interface{}{
			"price":      t.Price,
			"quantity":   t.Quantity,
			"taker_side": t.TakerSide,
			"timestamp":  t.ExecutedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateSymbol registers a new instrument (manager only).
func (h *Handler) CreateSymbol(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Ticker string `json:"ticker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sym, err := h.Exchange.CreateSymbol(r.Context(), userID, req.Ticker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     sym.ID,
		"ticker": sym.Ticker,
	})
}

// DeleteSymbol removes an unused instrument (manager only).
func (h *Handler) DeleteSymbol(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	symbolID, err := symbolParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid symbol id")
		return
	}
	if err := h.Exchange.DeleteSymbol(r.Context(), userID, symbolID); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "symbol deleted")
}

func (h *Handler) floatChange(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, managerID, symbolID, qty int64) error) {
	userID, ok := requestUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	symbolID, err := symbolParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid symbol id")
		return
	}
	var req struct {
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := apply(r.Context(), userID, symbolID, req.Quantity); err != nil {
		writeError(w, err)
		return
	}

	sym, _ := h.Exchange.Symbol(symbolID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker":      sym.Ticker,
		"outstanding": sym.Outstanding,
	})
}

// Mint adds shares to a symbol's float (manager only).
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	h.floatChange(w, r, h.Exchange.Mint)
}

// Burn removes shares from a symbol's float (manager only).
func (h *Handler) Burn(w http.ResponseWriter, r *http.Request) {
	h.floatChange(w, r, h.Exchange.Burn)
}
