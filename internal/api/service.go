// Package api exposes the market engine over HTTP and WebSocket.
//
// All monetary values use shopspring/decimal; they serialise as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-market/internal/engine"
	"github.com/atmx/binary-market/internal/lmsr"
	"github.com/atmx/binary-market/internal/model"
)

// Service holds the HTTP handlers. Concurrency control lives in the store
// transactions behind the engine, so handlers share no state.
type Service struct {
	eng    *engine.Engine
	router *engine.Router
}

// NewService creates the HTTP handlers for eng.
func NewService(eng *engine.Engine) *Service {
	return &Service{
		eng:    eng,
		router: engine.NewRouter(eng),
	}
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	Bio string `json:"bio"`
}

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Question  string          `json:"question"`
	Liquidity decimal.NullDecimal `json:"liquidity"` // LMSR b; absent or null → engine default
}

// BetRequest is the JSON body for POST /markets/{marketID}/bets.
type BetRequest struct {
	Side     string `json:"side"` // "YES" or "NO", any case
	Quantity int64  `json:"quantity"`
}

// DepositRequest is the JSON body for POST /deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// MarketView is a market with its live prices.
type MarketView struct {
	*model.Market
	Status   string          `json:"status"`
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
	Cost     decimal.Decimal `json:"cost"`     // LMSR cost function at the current counts
	MaxLoss  decimal.Decimal `json:"max_loss"` // market maker's worst case, b·ln 2
}

func newMarketView(m *model.Market) MarketView {
	v := MarketView{Market: m, Status: m.Status()}
	if mm, err := lmsr.NewMarketMaker(m.Liquidity); err == nil {
		v.PriceYes, v.PriceNo = mm.Prices(m.NumYes, m.NumNo)
		v.Cost = mm.Cost(m.NumYes, m.NumNo)
		v.MaxLoss = mm.MaxLoss()
	}
	return v
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/users
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := s.eng.Register(r.Context(), CallerFrom(r.Context()), req.Bio)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": id})
}

// ListUsers handles GET /api/v1/users
func (s *Service) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.eng.GetUsers(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.eng.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Deposit handles POST /api/v1/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.eng.Deposit(r.Context(), CallerFrom(r.Context()), req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListMarkets handles GET /api/v1/markets
// Optional ?status=open|resolved filter.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.eng.GetMarkets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	status := r.URL.Query().Get("status")
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		if status != "" && markets[i].Status() != status {
			continue
		}
		views = append(views, newMarketView(&markets[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b := s.eng.DefaultLiquidity()
	if req.Liquidity.Valid {
		b = req.Liquidity.Decimal
	}

	ctx := r.Context()
	id, err := s.eng.AddMarket(ctx, CallerFrom(ctx), req.Question, b)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	market, err := s.eng.GetMarket(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(market))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.eng.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(market))
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
// Unknown markets price at (0, 0) with status 200.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	yes, no, err := s.eng.GetCost(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, engine.Prices{Yes: yes, No: no})
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	side, err := model.ParseOutcome(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	ctx := r.Context()
	receipt, err := s.eng.Bet(ctx, CallerFrom(ctx), chi.URLParam(r, "marketID"), side, req.Quantity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settlement, err := s.eng.Resolve(ctx, CallerFrom(ctx), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// Dispatch handles POST /api/v1/ops/{op}
// The body is the operation's argument object. Mutating operations need a
// caller identity.
func (s *Service) Dispatch(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	ctx := r.Context()
	caller := CallerFrom(ctx)
	if caller == "" && engine.IsMutating(op) {
		writeError(w, "missing "+CallerHeader+" header", "AnonymousCaller", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", "InvalidArguments", http.StatusBadRequest)
		return
	}

	result, err := s.router.Dispatch(ctx, caller, op, json.RawMessage(body))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- helpers ---

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true // empty body means all defaults
		}
		writeError(w, "invalid request body", "InvalidArguments", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNoSuchMarket), errors.Is(err, model.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrMarketAlreadyResolved),
		errors.Is(err, model.ErrAlreadyVoted),
		errors.Is(err, model.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotCreator), errors.Is(err, model.ErrUserNotRegistered):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAnonymousCaller):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidSide),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidLiquidity),
		errors.Is(err, model.ErrInvalidQuestion),
		errors.Is(err, model.ErrInvalidArguments):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err as a JSON error response. Internal errors are
// logged and reported without detail.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", model.ErrorCode(err), status)
		return
	}
	writeError(w, err.Error(), model.ErrorCode(err), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
