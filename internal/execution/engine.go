// Package execution consumes admitted orders and simulates matching. The
// fill/reject draw is an explicit stand-in for a real matching engine; the
// protocol around it is the real deliverable: every consumed order-created
// event yields exactly one terminal order-updated event, and a trade row is
// durable before its trade-executed event leaves the process.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/internal/bus"
	"github.com/ordexlabs/ordex/internal/config"
	"github.com/ordexlabs/ordex/internal/order"
	"github.com/ordexlabs/ordex/internal/trade"
	"github.com/ordexlabs/ordex/pkg/errors"
	"github.com/ordexlabs/ordex/pkg/idgen"
	"github.com/ordexlabs/ordex/pkg/metrics"
)

const rejectReasonNoMatch = "No matching orders available"

// Orders is the slice of the order service the engine drives: defensive
// re-reads and the terminal transition.
type Orders interface {
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	UpdateStatus(ctx context.Context, orderID string, update order.StatusUpdate) (*order.Order, error)
}

// QuotaReleaser compensates risk reservations for orders that die at
// execution.
type QuotaReleaser interface {
	ReleaseReservation(ctx context.Context, userID, symbol string, price *decimal.Decimal, quantity decimal.Decimal) error
}

// Engine is the simulated matching engine.
type Engine struct {
	orders    Orders
	trades    trade.Store
	riskSvc   QuotaReleaser
	consumer  bus.Consumer
	publisher bus.Publisher
	logger    *zap.Logger

	probability float64
	group       string
	sem         chan struct{}

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine wires the execution service.
func NewEngine(orders Orders, trades trade.Store, riskSvc QuotaReleaser, b bus.Bus, cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		orders:      orders,
		trades:      trades,
		riskSvc:     riskSvc,
		consumer:    b,
		publisher:   b,
		logger:      logger,
		probability: cfg.Matching.ExecutionProbability,
		group:       cfg.Matching.ConsumerGroup,
		sem:         make(chan struct{}, cfg.Matching.Workers),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start subscribes the engine's consumer group to the orders topic.
func (e *Engine) Start(ctx context.Context) error {
	return e.consumer.Subscribe(ctx, bus.TopicOrders, e.group, e.handleOrderCreated)
}

// handleOrderCreated processes one order event. Returning an error keeps the
// message unacknowledged for redelivery, so every effect in here must be
// idempotent against replays.
func (e *Engine) handleOrderCreated(ctx context.Context, msg *bus.Message) error {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var ev bus.OrderCreatedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Poison message: redelivery cannot fix it, ack and log.
		e.logger.Error("undecodable order event, skipping",
			zap.String("key", msg.Key), zap.Error(err))
		return nil
	}

	log := e.logger.With(zap.String("order_id", ev.OrderID), zap.String("trace_id", ev.TraceID))
	log.Info("processing order for matching", zap.Int("attempt", msg.Attempt))

	if ev.Status == order.StatusRiskRejected {
		log.Info("order already rejected by risk, skipping matching")
		return nil
	}

	// Defensive re-read: a redelivered event for an order that already
	// reached a terminal state must not execute twice.
	o, err := e.orders.GetOrder(ctx, ev.OrderID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Warn("order event without order row, skipping")
			return nil
		}
		return err
	}
	if o.Status != order.StatusPending && o.Status != order.StatusSubmitted {
		log.Info("order not in a pre-execution state, skipping",
			zap.String("status", o.Status))
		return nil
	}

	if e.draw() {
		return e.executeOrder(ctx, o, log)
	}
	return e.rejectOrder(ctx, o, log)
}

func (e *Engine) draw() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.probability
}

// executeOrder fills the entire quantity at the limit price, or a synthetic
// market price for unpriced orders. Trade persistence precedes both events.
func (e *Engine) executeOrder(ctx context.Context, o *order.Order, log *zap.Logger) error {
	executionPrice := e.executionPrice(o)
	totalAmount := executionPrice.Mul(o.Quantity)

	// Reuse the trade from an earlier partially-completed delivery rather
	// than creating a second one.
	t, err := e.trades.GetByOrderID(ctx, o.OrderID)
	if errors.IsNotFound(err) {
		t = &trade.Trade{
			TradeID:     idgen.TradeID(),
			OrderID:     o.OrderID,
			UserID:      o.UserID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Quantity:    o.Quantity,
			Price:       executionPrice,
			TotalAmount: totalAmount,
			TraceID:     o.TraceID,
		}
		if err := e.trades.Create(ctx, t); err != nil {
			return err
		}
		log.Info("trade executed",
			zap.String("trade_id", t.TradeID),
			zap.String("quantity", t.Quantity.String()),
			zap.String("price", t.Price.String()))
	} else if err != nil {
		return err
	}

	if err := e.publisher.Publish(ctx, bus.TopicTrades, t.TradeID, &bus.TradeExecutedEvent{
		TradeID:     t.TradeID,
		OrderID:     t.OrderID,
		UserID:      t.UserID,
		Symbol:      t.Symbol,
		Side:        t.Side,
		Quantity:    t.Quantity.String(),
		Price:       t.Price.String(),
		TotalAmount: t.TotalAmount.String(),
		Timestamp:   time.Now().UnixMilli(),
		TraceID:     t.TraceID,
	}); err != nil {
		return err
	}

	filled := t.Quantity
	avg := t.Price
	if _, err := e.orders.UpdateStatus(ctx, o.OrderID, order.StatusUpdate{
		Status:    order.StatusFilled,
		FilledQty: &filled,
		AvgPrice:  &avg,
	}); err != nil {
		return err
	}
	metrics.OrdersExecuted.WithLabelValues("filled").Inc()
	return nil
}

// rejectOrder publishes the terminal rejection and hands the reserved quota
// back: a dead order must not keep consuming the user's window.
func (e *Engine) rejectOrder(ctx context.Context, o *order.Order, log *zap.Logger) error {
	log.Info("rejecting order", zap.String("reason", rejectReasonNoMatch))

	zero := decimal.Zero
	if _, err := e.orders.UpdateStatus(ctx, o.OrderID, order.StatusUpdate{
		Status:       order.StatusRejected,
		FilledQty:    &zero,
		RejectReason: rejectReasonNoMatch,
	}); err != nil {
		return err
	}

	var price *decimal.Decimal
	if o.Price.Valid {
		p := o.Price.Decimal
		price = &p
	}
	if err := e.riskSvc.ReleaseReservation(ctx, o.UserID, o.Symbol, price, o.Quantity); err != nil {
		// The terminal event already went out; a failed release only
		// over-reserves until the quota window expires.
		log.Warn("quota release failed after rejection", zap.Error(err))
	}
	metrics.OrdersExecuted.WithLabelValues("rejected").Inc()
	return nil
}

// executionPrice is the limit price, or a synthetic market price in
// [100, 200) rounded to two decimals.
func (e *Engine) executionPrice(o *order.Order) decimal.Decimal {
	if o.Price.Valid {
		return o.Price.Decimal
	}
	e.mu.Lock()
	p := 100 + e.rng.Float64()*100
	e.mu.Unlock()
	return decimal.NewFromFloat(p).Round(2)
}

// String describes the engine configuration for startup logs.
func (e *Engine) String() string {
	return fmt.Sprintf("execution.Engine(group=%s, p=%.2f, workers=%d)", e.group, e.probability, cap(e.sem))
}
