package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ordexlabs/ordex/internal/bus"
	"github.com/ordexlabs/ordex/internal/config"
	"github.com/ordexlabs/ordex/internal/lock"
	"github.com/ordexlabs/ordex/internal/order"
	"github.com/ordexlabs/ordex/internal/quota"
	"github.com/ordexlabs/ordex/internal/risk"
	"github.com/ordexlabs/ordex/internal/trade"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	orders := order.NewGormStore(db)
	require.NoError(t, orders.Migrate())
	trades := trade.NewGormStore(db)
	require.NoError(t, trades.Migrate())
	limits := risk.NewGormLimitStore(db)
	require.NoError(t, limits.Migrate())

	cfg := &config.Config{}
	cfg.Lock.WaitTimeout = 200 * time.Millisecond
	cfg.Lock.LeaseTimeout = time.Second
	cfg.Risk.DefaultNotionalLimit = 1_000_000
	cfg.Risk.DefaultPositionLimit = 10_000
	cfg.Risk.DefaultOrderCountLimit = 100
	cfg.Risk.QuotaTTL = time.Minute
	cfg.Risk.MarketPlaceholderPrice = 100
	cfg.Risk.CheckTimeout = time.Second
	cfg.Matching.ExecutionProbability = 0.8
	cfg.Matching.Workers = 2
	cfg.Matching.ConsumerGroup = "trade-engine"

	riskSvc := risk.NewService(limits, quota.NewMemoryLedger(), cfg, zap.NewNop())
	memBus := bus.NewMemoryBus(zap.NewNop())
	t.Cleanup(func() { _ = memBus.Close() })
	orderSvc := order.NewService(orders, lock.NewMemoryManager(), riskSvc, memBus, cfg, zap.NewNop())

	return New(zap.NewNop(), orderSvc, riskSvc, trades).Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func orderBody(clientOrderID string) map[string]interface{} {
	body := map[string]interface{}{
		"symbol":      "AAPL",
		"side":        "BUY",
		"type":        "LIMIT",
		"quantity":    "10",
		"price":       "150.00",
		"timeInForce": "GTC",
		"accountId":   "acct-1",
		"userId":      "user-1",
	}
	if clientOrderID != "" {
		body["clientOrderId"] = clientOrderID
	}
	return body
}

func TestCreateOrder_Created(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/orders", orderBody(""), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var o order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.NotEmpty(t, o.OrderID)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.NotEmpty(t, w.Header().Get("X-Trace-Id"))
}

func TestCreateOrder_HeaderIdentityWins(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/orders", orderBody(""), map[string]string{
		"X-User-Id": "header-user",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var o order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.Equal(t, "header-user", o.UserID)
}

func TestCreateOrder_DuplicateReturnsConflictWithOriginal(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/orders", orderBody("C1"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var first order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = doJSON(t, router, http.MethodPost, "/orders", orderBody("C1"), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	var second order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.OrderID, second.OrderID)
}

func TestCreateOrder_BadRequests(t *testing.T) {
	router := setupRouter(t)

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing symbol", func(b map[string]interface{}) { delete(b, "symbol") }},
		{"bad side", func(b map[string]interface{}) { b["side"] = "HOLD" }},
		{"bad tif", func(b map[string]interface{}) { b["timeInForce"] = "GTD" }},
		{"limit without price", func(b map[string]interface{}) { delete(b, "price") }},
		{"zero quantity", func(b map[string]interface{}) { b["quantity"] = "0" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := orderBody("")
			tc.mutate(body)
			w := doJSON(t, router, http.MethodPost, "/orders", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var resp struct {
				Code    string `json:"code"`
				TraceID string `json:"traceId"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Code)
			assert.NotEmpty(t, resp.TraceID)
		})
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/orders/ORD-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrder_RoundTrip(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/orders", orderBody(""), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, router, http.MethodGet, "/orders/"+created.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.OrderID, got.OrderID)
}

func TestListOrders_RequiresIdentity(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/orders", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrders_Paged(t *testing.T) {
	router := setupRouter(t)

	for i := 0; i < 3; i++ {
		w := doJSON(t, router, http.MethodPost, "/orders", orderBody(""), map[string]string{
			"X-User-Id": "lister",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/orders?page=0&size=2", nil, map[string]string{
		"X-User-Id": "lister",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListOrdersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, 2, resp.Size)
}

func TestRiskCheck_Endpoint(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/risk/check", map[string]interface{}{
		"orderId":   "ORD-1",
		"userId":    "user-1",
		"accountId": "acct-1",
		"symbol":    "AAPL",
		"side":      "BUY",
		"quantity":  "10",
		"price":     "150.00",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var d risk.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.Approved)
	assert.Equal(t, risk.ReasonPassed, d.Reason)
	assert.NotEmpty(t, d.DecisionID)
}

func TestTraceHeaderPropagated(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil, map[string]string{
		"X-Trace-Id": "trace-abc",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-abc", w.Header().Get("X-Trace-Id"))
}

func TestOrderTrades_NotFound(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/orders/%s/trades", "ORD-missing"), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
