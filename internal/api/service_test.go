package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/binary-market/internal/api"
	"github.com/atmx/binary-market/internal/engine"
	"github.com/atmx/binary-market/internal/idgen"
	"github.com/atmx/binary-market/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEnv(t *testing.T) (*engine.Engine, chi.Router) {
	t.Helper()
	eng := engine.New(store.NewMemoryStore(), idgen.MarketSequence(), engine.Options{
		DefaultLiquidity: decimal.NewFromInt(10),
	})
	r := api.NewRouter(api.NewService(eng), api.RouterOptions{CORSOrigins: []string{"*"}})
	return eng, r
}

func do(t *testing.T, router http.Handler, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

type marketView struct {
	ID        string          `json:"id"`
	CreatorID string          `json:"creator_id"`
	Question  string          `json:"question"`
	NumYes    int64           `json:"num_yes"`
	NumNo     int64           `json:"num_no"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Resolved  bool            `json:"resolved"`
	Outcome   *string         `json:"outcome"`
	Status    string          `json:"status"`
	PriceYes  decimal.Decimal `json:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no"`
	Cost      decimal.Decimal `json:"cost"`
	MaxLoss   decimal.Decimal `json:"max_loss"`
}

func register(t *testing.T, router http.Handler, users ...string) {
	t.Helper()
	for _, u := range users {
		rec := do(t, router, "POST", "/api/v1/users", u, api.RegisterRequest{Bio: "bio of " + u})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func createMarket(t *testing.T, router http.Handler, creator string, b string) marketView {
	t.Helper()
	rec := do(t, router, "POST", "/api/v1/markets", creator, api.CreateMarketRequest{
		Question:  "Will it snow in Denver on Friday?",
		Liquidity: decimal.NewNullDecimal(d(b)),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m marketView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	return m
}

func bet(t *testing.T, router http.Handler, caller, marketID, side string, qty int64) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/markets/"+marketID+"/bets", caller, api.BetRequest{Side: side, Quantity: qty})
}

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)
	rec := do(t, router, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRegister(t *testing.T) {
	_, router := newTestEnv(t)

	rec := do(t, router, "POST", "/api/v1/users", "bob", api.RegisterRequest{Bio: "forecaster"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "bob", out["user_id"])

	rec = do(t, router, "POST", "/api/v1/users", "bob", api.RegisterRequest{Bio: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyRegistered", decodeError(t, rec).Code)

	rec = do(t, router, "GET", "/api/v1/users/bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user struct {
		ID      string          `json:"id"`
		Bio     string          `json:"bio"`
		Balance decimal.Decimal `json:"balance"`
		History []string        `json:"history"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, "forecaster", user.Bio)
	assert.True(t, user.Balance.Equal(d("100")))
	assert.Empty(t, user.History)
}

func TestMutationsRequireCaller(t *testing.T) {
	_, router := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/users",
		"/api/v1/deposit",
		"/api/v1/markets",
		"/api/v1/markets/market_1/bets",
		"/api/v1/markets/market_1/resolve",
	} {
		rec := do(t, router, "POST", path, "", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "AnonymousCaller", decodeError(t, rec).Code, path)
	}
}

func TestCreateMarket(t *testing.T) {
	_, router := newTestEnv(t)

	m := createMarket(t, router, "alice", "10")
	assert.Equal(t, "market_1", m.ID)
	assert.Equal(t, "alice", m.CreatorID)
	assert.Equal(t, "open", m.Status)
	assert.True(t, m.PriceYes.Equal(d("0.5")))
	assert.True(t, m.PriceNo.Equal(d("0.5")))
	assert.True(t, m.MaxLoss.Equal(d("6.93147181")), m.MaxLoss.String())
	assert.True(t, m.Cost.Equal(m.MaxLoss), "fresh market costs b·ln2, got %s", m.Cost)
	assert.Nil(t, m.Outcome)
}

func TestCreateMarket_DefaultLiquidity(t *testing.T) {
	_, router := newTestEnv(t)

	rec := do(t, router, "POST", "/api/v1/markets", "alice", `{"question":"Frost by Monday?"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m marketView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.True(t, m.Liquidity.Equal(d("10")))
}

func TestCreateMarket_Invalid(t *testing.T) {
	_, router := newTestEnv(t)

	rec := do(t, router, "POST", "/api/v1/markets", "alice", api.CreateMarketRequest{Question: "", Liquidity: decimal.NewNullDecimal(d("10"))})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidQuestion", decodeError(t, rec).Code)

	rec = do(t, router, "POST", "/api/v1/markets", "alice", api.CreateMarketRequest{Question: "q", Liquidity: decimal.NewNullDecimal(d("-5"))})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidLiquidity", decodeError(t, rec).Code)

	rec = do(t, router, "POST", "/api/v1/markets", "alice", `{"question":"q","liquidity":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "explicit zero is not the default")
	assert.Equal(t, "InvalidLiquidity", decodeError(t, rec).Code)

	rec = do(t, router, "POST", "/api/v1/markets", "alice", `{"question":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidArguments", decodeError(t, rec).Code)
}

func TestCreateMarket_UnrepresentableLiquidity(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router, "alice", "10")

	for _, b := range []string{"1e-400", "1e400"} {
		rec := do(t, router, "POST", "/api/v1/markets", "alice", `{"question":"q","liquidity":"`+b+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, b)
		assert.Equal(t, "InvalidLiquidity", decodeError(t, rec).Code, b)
	}

	rec := do(t, router, "GET", "/api/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []marketView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	assert.Len(t, views, 1, "rejected markets were never stored")
}

func TestCreateMarket_NullLiquidityUsesDefault(t *testing.T) {
	_, router := newTestEnv(t)

	rec := do(t, router, "POST", "/api/v1/markets", "alice", `{"question":"Fog at dawn?","liquidity":null}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m marketView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.True(t, m.Liquidity.Equal(d("10")))
}

func TestPlaceBet(t *testing.T) {
	_, router := newTestEnv(t)
	register(t, router, "bob")
	m := createMarket(t, router, "alice", "10")

	rec := bet(t, router, "bob", m.ID, "yes", 50)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var receipt engine.Receipt
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&receipt))
	assert.Equal(t, "YES", string(receipt.Side))
	assert.True(t, receipt.UnitPrice.Equal(d("0.5")))
	assert.True(t, receipt.Cost.Equal(d("25")))
	assert.True(t, receipt.Balance.Equal(d("75")))
	assert.True(t, receipt.PriceYes.GreaterThan(d("0.5")))

	rec = do(t, router, "GET", "/api/v1/markets/"+m.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view marketView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.EqualValues(t, 1, view.NumYes)
	assert.True(t, view.PriceYes.Equal(receipt.PriceYes))
}

func TestPlaceBet_Errors(t *testing.T) {
	_, router := newTestEnv(t)
	register(t, router, "bob", "carol")
	m := createMarket(t, router, "alice", "10")
	require.Equal(t, http.StatusCreated, bet(t, router, "bob", m.ID, "NO", 1).Code)

	tests := []struct {
		name   string
		caller string
		market string
		side   string
		qty    int64
		status int
		code   string
	}{
		{"unknown market", "bob", "market_404", "YES", 1, http.StatusNotFound, "NoSuchMarket"},
		{"unregistered", "dave", m.ID, "YES", 1, http.StatusForbidden, "UserNotRegistered"},
		{"already voted", "bob", m.ID, "YES", 1, http.StatusConflict, "AlreadyVoted"},
		{"insufficient balance", "carol", m.ID, "YES", 1000, http.StatusUnprocessableEntity, "InsufficientBalance"},
		{"bad side", "carol", m.ID, "MAYBE", 1, http.StatusBadRequest, "InvalidSide"},
		{"zero quantity", "carol", m.ID, "YES", 0, http.StatusBadRequest, "InvalidQuantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := bet(t, router, tt.caller, tt.market, tt.side, tt.qty)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestResolveMarket(t *testing.T) {
	eng, router := newTestEnv(t)
	register(t, router, "bob", "carol", "dave")
	m := createMarket(t, router, "alice", "10")
	require.Equal(t, http.StatusCreated, bet(t, router, "bob", m.ID, "YES", 10).Code)
	require.Equal(t, http.StatusCreated, bet(t, router, "carol", m.ID, "NO", 20).Code)
	require.Equal(t, http.StatusCreated, bet(t, router, "dave", m.ID, "NO", 5).Code)

	rec := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NotCreator", decodeError(t, rec).Code)

	carolBefore, err := eng.GetUser(t.Context(), "carol")
	require.NoError(t, err)

	rec = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s engine.Settlement
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, "NO", string(s.Outcome))
	assert.True(t, s.TotalPaid.Equal(d("25")))
	require.Len(t, s.Payouts, 2)

	carolAfter, err := eng.GetUser(t.Context(), "carol")
	require.NoError(t, err)
	assert.True(t, carolAfter.Balance.Equal(carolBefore.Balance.Add(d("20"))))

	rec = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MarketAlreadyResolved", decodeError(t, rec).Code)

	rec = do(t, router, "GET", "/api/v1/markets/"+m.ID, "", nil)
	var view marketView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "resolved", view.Status)
	require.NotNil(t, view.Outcome)
	assert.Equal(t, "NO", *view.Outcome)
}

func TestGetPrice(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMarket(t, router, "alice", "10")

	rec := do(t, router, "GET", "/api/v1/markets/"+m.ID+"/price", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p engine.Prices
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.True(t, p.Yes.Equal(d("0.5")))
	assert.True(t, p.No.Equal(d("0.5")))

	rec = do(t, router, "GET", "/api/v1/markets/market_404/price", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.True(t, p.Yes.IsZero())
	assert.True(t, p.No.IsZero())
}

func TestGetMarket_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	rec := do(t, router, "GET", "/api/v1/markets/market_404", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NoSuchMarket", decodeError(t, rec).Code)

	rec = do(t, router, "GET", "/api/v1/users/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UserNotFound", decodeError(t, rec).Code)
}

func TestListMarkets_StatusFilter(t *testing.T) {
	_, router := newTestEnv(t)
	first := createMarket(t, router, "alice", "10")
	createMarket(t, router, "alice", "20")
	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/v1/markets/"+first.ID+"/resolve", "alice", nil).Code)

	var all, open, resolved []marketView
	require.NoError(t, json.NewDecoder(do(t, router, "GET", "/api/v1/markets", "", nil).Body).Decode(&all))
	require.NoError(t, json.NewDecoder(do(t, router, "GET", "/api/v1/markets?status=open", "", nil).Body).Decode(&open))
	require.NoError(t, json.NewDecoder(do(t, router, "GET", "/api/v1/markets?status=resolved", "", nil).Body).Decode(&resolved))

	assert.Len(t, all, 2)
	require.Len(t, open, 1)
	assert.Equal(t, "market_2", open[0].ID)
	require.Len(t, resolved, 1)
	assert.Equal(t, "market_1", resolved[0].ID)
}

func TestListUsers_Empty(t *testing.T) {
	_, router := newTestEnv(t)
	rec := do(t, router, "GET", "/api/v1/users", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDeposit(t *testing.T) {
	eng, router := newTestEnv(t)
	register(t, router, "bob")

	rec := do(t, router, "POST", "/api/v1/deposit", "bob", api.DepositRequest{Amount: d("7.25")})
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := eng.GetUser(t.Context(), "bob")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d("107.25")))

	rec = do(t, router, "POST", "/api/v1/deposit", "ghost", api.DepositRequest{Amount: d("7")})
	assert.Equal(t, http.StatusOK, rec.Code, "unregistered deposit is a no-op")
}

func TestDispatch(t *testing.T) {
	_, router := newTestEnv(t)

	rec := do(t, router, "POST", "/api/v1/ops/register", "bob", `{"bio":"via ops"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, "POST", "/api/v1/ops/addMarket", "alice", `{"question":"Wind over 40kt?","liquidity":"10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"market_id":"market_1"}`, rec.Body.String())

	rec = do(t, router, "POST", "/api/v1/ops/bet", "bob", `{"market_id":"market_1","side":"NO","quantity":4}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, "POST", "/api/v1/ops/getCost", "", `{"market_id":"market_1"}`)
	require.Equal(t, http.StatusOK, rec.Code, "queries need no caller")
	var p engine.Prices
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.True(t, p.No.GreaterThan(p.Yes))

	rec = do(t, router, "POST", "/api/v1/ops/resolve", "", `{"market_id":"market_1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, "POST", "/api/v1/ops/liquidate", "bob", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UnknownOperation", decodeError(t, rec).Code)

	rec = do(t, router, "POST", "/api/v1/ops/bet", "bob", `{"market_id":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidArguments", decodeError(t, rec).Code)
}

func TestCORSPreflight(t *testing.T) {
	_, router := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), api.CallerHeader)
}
