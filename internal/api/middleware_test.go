package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/binary-market/internal/api"
	"github.com/atmx/binary-market/internal/engine"
	"github.com/atmx/binary-market/internal/idgen"
	"github.com/atmx/binary-market/internal/store"
)

func TestCallerLimiter_PerCaller(t *testing.T) {
	l := api.NewCallerLimiter(0.001, 2)

	assert.True(t, l.Allow("bob"))
	assert.True(t, l.Allow("bob"))
	assert.False(t, l.Allow("bob"), "burst exhausted")
	assert.True(t, l.Allow("carol"), "buckets are independent")
}

func TestRateLimitedRoutes(t *testing.T) {
	eng := engine.New(store.NewMemoryStore(), idgen.MarketSequence(), engine.Options{
		DefaultLiquidity: decimal.NewFromInt(10),
	})
	router := api.NewRouter(api.NewService(eng), api.RouterOptions{
		Limiter: api.NewCallerLimiter(0.001, 2),
	})

	for i := 0; i < 2; i++ {
		rec := do(t, router, "POST", "/api/v1/deposit", "bob", `{"amount":"1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, router, "POST", "/api/v1/deposit", "bob", `{"amount":"1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimited", decodeError(t, rec).Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Other callers and read-only routes are unaffected.
	rec = do(t, router, "POST", "/api/v1/deposit", "carol", `{"amount":"1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	for i := 0; i < 5; i++ {
		rec = do(t, router, "GET", "/api/v1/markets", "bob", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCallerFrom(t *testing.T) {
	var seen string
	h := api.WithCaller(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = api.CallerFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(api.CallerHeader, "  alice  ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "", seen)
}
