package execution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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

type fixture struct {
	engine   *Engine
	orderSvc *order.Service
	orders   *order.GormStore
	trades   *trade.GormStore
	ledger   *quota.MemoryLedger
	bus      *bus.MemoryBus
	cfg      *config.Config
	cancel   context.CancelFunc
}

func setupEngine(t *testing.T, probability float64) *fixture {
	t.Helper()
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
	cfg.Matching.ExecutionProbability = probability
	cfg.Matching.Workers = 2
	cfg.Matching.ConsumerGroup = "trade-engine"

	ledger := quota.NewMemoryLedger()
	riskSvc := risk.NewService(limits, ledger, cfg, zap.NewNop())
	memBus := bus.NewMemoryBus(zap.NewNop())
	orderSvc := order.NewService(orders, lock.NewMemoryManager(), riskSvc, memBus, cfg, zap.NewNop())
	engine := NewEngine(orderSvc, trades, riskSvc, memBus, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = memBus.Close()
	})
	require.NoError(t, engine.Start(ctx))

	return &fixture{
		engine: engine, orderSvc: orderSvc, orders: orders, trades: trades,
		ledger: ledger, bus: memBus, cfg: cfg, cancel: cancel,
	}
}

func (f *fixture) createLimitOrder(t *testing.T, qty, price int64) *order.Order {
	t.Helper()
	p := decimal.NewFromInt(price)
	o, created, err := f.orderSvc.CreateOrder(context.Background(), order.CreateRequest{
		UserID:      "user-1",
		AccountID:   "acct-1",
		Symbol:      "AAPL",
		Side:        order.SideBuy,
		Type:        order.TypeLimit,
		Quantity:    decimal.NewFromInt(qty),
		Price:       &p,
		TimeInForce: order.TIFGTC,
	})
	require.NoError(t, err)
	require.True(t, created)
	return o
}

func (f *fixture) waitForStatus(t *testing.T, orderID, status string) *order.Order {
	t.Helper()
	var got *order.Order
	require.Eventually(t, func() bool {
		o, err := f.orders.GetByOrderID(context.Background(), orderID)
		if err != nil {
			return false
		}
		got = o
		return o.Status == status
	}, 3*time.Second, 10*time.Millisecond, "order %s never reached %s", orderID, status)
	return got
}

func TestEngine_FillsOrder(t *testing.T) {
	f := setupEngine(t, 1)
	ctx := context.Background()

	// Collect trade events through a side consumer group.
	tradeEvents := make(chan bus.TradeExecutedEvent, 4)
	require.NoError(t, f.bus.Subscribe(ctx, bus.TopicTrades, "test-observer", func(_ context.Context, msg *bus.Message) error {
		var ev bus.TradeExecutedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return err
		}
		tradeEvents <- ev
		return nil
	}))

	o := f.createLimitOrder(t, 10, 150)
	filled := f.waitForStatus(t, o.OrderID, order.StatusFilled)

	assert.True(t, filled.FilledQty.Equal(decimal.NewFromInt(10)))
	require.True(t, filled.AvgPrice.Valid)
	assert.True(t, filled.AvgPrice.Decimal.Equal(decimal.NewFromInt(150)))

	tr, err := f.trades.GetByOrderID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, tr.TotalAmount.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, o.TraceID, tr.TraceID)

	select {
	case ev := <-tradeEvents:
		assert.Equal(t, tr.TradeID, ev.TradeID)
		assert.Equal(t, "1500", ev.TotalAmount)
	case <-time.After(3 * time.Second):
		t.Fatal("no trade event observed")
	}
}

func TestEngine_RejectsAndReleasesQuota(t *testing.T) {
	f := setupEngine(t, 0)
	ctx := context.Background()

	o := f.createLimitOrder(t, 10, 150)
	rejected := f.waitForStatus(t, o.OrderID, order.StatusRejected)
	assert.Equal(t, rejectReasonNoMatch, rejected.RejectReason)
	assert.True(t, rejected.FilledQty.IsZero())

	// The reservation made at admission is handed back.
	require.Eventually(t, func() bool {
		notional, err := f.ledger.Get(ctx, quota.NotionalKey("user-1"))
		return err == nil && notional == 0
	}, 3*time.Second, 10*time.Millisecond)
	count, err := f.ledger.Get(ctx, quota.OrderCountKey("user-1"))
	require.NoError(t, err)
	assert.Zero(t, count)

	// No trade row for a rejected order.
	_, err = f.trades.GetByOrderID(ctx, o.OrderID)
	assert.Error(t, err)
}

func TestEngine_SkipsRiskRejectedEvents(t *testing.T) {
	f := setupEngine(t, 1)
	ctx := context.Background()

	value, err := json.Marshal(bus.OrderCreatedEvent{
		OrderID:  "ORD-risk-rejected",
		UserID:   "user-1",
		Symbol:   "AAPL",
		Quantity: "10",
		Status:   order.StatusRiskRejected,
	})
	require.NoError(t, err)

	err = f.engine.handleOrderCreated(ctx, &bus.Message{
		Topic: string(bus.TopicOrders), Key: "ORD-risk-rejected", Value: value, Attempt: 1,
	})
	require.NoError(t, err)

	_, err = f.trades.GetByOrderID(ctx, "ORD-risk-rejected")
	assert.Error(t, err, "risk-rejected orders must never trade")
}

func TestEngine_RedeliveryDoesNotDoubleExecute(t *testing.T) {
	f := setupEngine(t, 1)
	ctx := context.Background()

	o := f.createLimitOrder(t, 5, 100)
	f.waitForStatus(t, o.OrderID, order.StatusFilled)

	first, err := f.trades.GetByOrderID(ctx, o.OrderID)
	require.NoError(t, err)

	// Replay the creation event as a redelivery.
	value, err := json.Marshal(bus.OrderCreatedEvent{
		OrderID:  o.OrderID,
		UserID:   o.UserID,
		Symbol:   o.Symbol,
		Quantity: o.Quantity.String(),
		Status:   order.StatusPending,
	})
	require.NoError(t, err)
	err = f.engine.handleOrderCreated(ctx, &bus.Message{
		Topic: string(bus.TopicOrders), Key: o.OrderID, Value: value, Attempt: 2,
	})
	require.NoError(t, err)

	// Still exactly one trade, same row.
	again, err := f.trades.GetByOrderID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, first.TradeID, again.TradeID)

	_, total, err := f.trades.ListByUser(ctx, "user-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestEngine_PoisonMessageAcked(t *testing.T) {
	f := setupEngine(t, 1)

	err := f.engine.handleOrderCreated(context.Background(), &bus.Message{
		Topic: string(bus.TopicOrders), Key: "bad", Value: []byte("{not json"), Attempt: 1,
	})
	assert.NoError(t, err, "undecodable events are acked, not retried")
}

func TestEngine_MissingOrderRowSkipped(t *testing.T) {
	f := setupEngine(t, 1)

	value, err := json.Marshal(bus.OrderCreatedEvent{
		OrderID:  "ORD-ghost",
		Status:   order.StatusPending,
		Quantity: "1",
	})
	require.NoError(t, err)
	err = f.engine.handleOrderCreated(context.Background(), &bus.Message{
		Topic: string(bus.TopicOrders), Key: "ORD-ghost", Value: value, Attempt: 1,
	})
	assert.NoError(t, err)
}
