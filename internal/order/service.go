package order

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/internal/bus"
	"github.com/ordexlabs/ordex/internal/config"
	"github.com/ordexlabs/ordex/internal/lock"
	"github.com/ordexlabs/ordex/internal/risk"
	"github.com/ordexlabs/ordex/pkg/errors"
	"github.com/ordexlabs/ordex/pkg/idgen"
	"github.com/ordexlabs/ordex/pkg/metrics"
)

var symbolPattern = regexp.MustCompile(`^[A-Z]{1,10}$`)

// statusUpdateRetries bounds re-read/re-write attempts on optimistic conflict.
const statusUpdateRetries = 3

// RiskChecker is the synchronous risk admission dependency.
type RiskChecker interface {
	CheckRisk(ctx context.Context, req risk.CheckRequest) (*risk.Decision, error)
	ReleaseReservation(ctx context.Context, userID, symbol string, price *decimal.Decimal, quantity decimal.Decimal) error
}

// CreateRequest is a validated-at-the-edge order submission.
type CreateRequest struct {
	ClientOrderID *string
	UserID        string
	AccountID     string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	TimeInForce   string
	TraceID       string
}

// Service is the order admission service. It owns order lifecycle writes up
// to SUBMITTED; terminal transitions arrive through UpdateStatus.
type Service struct {
	store     Store
	locks     lock.Manager
	riskSvc   RiskChecker
	publisher bus.Publisher
	logger    *zap.Logger

	lockWait  time.Duration
	lockLease time.Duration
	riskWait  time.Duration
}

// NewService wires the admission service.
func NewService(store Store, locks lock.Manager, riskSvc RiskChecker, publisher bus.Publisher, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		locks:     locks,
		riskSvc:   riskSvc,
		publisher: publisher,
		logger:    logger,
		lockWait:  cfg.Lock.WaitTimeout,
		lockLease: cfg.Lock.LeaseTimeout,
		riskWait:  cfg.Risk.CheckTimeout,
	}
}

// CreateOrder admits one order: validate, dedupe on clientOrderId, lock,
// risk-check, persist, emit. The returned bool is false when an existing
// order was returned for an idempotent replay.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*Order, bool, error) {
	start := time.Now()
	defer func() { metrics.AdmissionLatency.Observe(time.Since(start).Seconds()) }()

	if req.TraceID == "" {
		req.TraceID = idgen.TraceID()
	}
	log := s.logger.With(zap.String("user_id", req.UserID), zap.String("trace_id", req.TraceID))

	if err := validateCreate(req); err != nil {
		return nil, false, err
	}

	// Idempotency pre-read. Cheap fast path; the unique constraint below
	// still guards the concurrent duplicate race.
	if req.ClientOrderID != nil {
		existing, err := s.store.GetByClientOrderID(ctx, *req.ClientOrderID)
		if err == nil {
			log.Info("duplicate order detected",
				zap.String("client_order_id", *req.ClientOrderID),
				zap.String("order_id", existing.OrderID))
			return existing, false, nil
		}
		if !errors.IsNotFound(err) {
			return nil, false, err
		}
	}

	orderID := idgen.OrderID()
	log = log.With(zap.String("order_id", orderID))

	lease, err := s.locks.TryAcquire(ctx, lock.OrderKey(orderID), s.lockWait, s.lockLease)
	if err != nil {
		log.Warn("admission lock not acquired", zap.Error(err))
		return nil, false, err
	}
	defer func() {
		if relErr := s.locks.Release(context.WithoutCancel(ctx), lease); relErr != nil {
			log.Warn("lease release failed", zap.Error(relErr))
		}
	}()

	decision := s.performRiskCheck(ctx, orderID, req, log)

	o := &Order{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		TimeInForce:   req.TimeInForce,
		FilledQty:     decimal.Zero,
		TraceID:       req.TraceID,
	}
	if req.Price != nil {
		o.Price = decimal.NullDecimal{Decimal: *req.Price, Valid: true}
	}
	if decision.Approved {
		o.Status = StatusPending
	} else {
		o.Status = StatusRiskRejected
		o.RejectReason = decision.Reason
	}

	if err := s.store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrDuplicateClientOrderID) && req.ClientOrderID != nil {
			// Lost the insert race. Undo our reservation and hand back
			// the winner's record; no event for this attempt.
			if decision.Approved {
				if relErr := s.riskSvc.ReleaseReservation(ctx, req.UserID, req.Symbol, req.Price, req.Quantity); relErr != nil {
					log.Error("quota release after duplicate insert failed", zap.Error(relErr))
				}
			}
			winner, getErr := s.store.GetByClientOrderID(ctx, *req.ClientOrderID)
			if getErr != nil {
				return nil, false, getErr
			}
			log.Info("concurrent duplicate resolved", zap.String("order_id", winner.OrderID))
			return winner, false, nil
		}
		return nil, false, err
	}

	if decision.Approved {
		metrics.OrdersAdmitted.WithLabelValues("submitted").Inc()
		log.Info("order created", zap.String("status", o.Status))
	} else {
		metrics.OrdersAdmitted.WithLabelValues("risk_rejected").Inc()
		log.Warn("order rejected by risk", zap.String("reason", decision.Reason))
	}

	// Rejected attempts are published too, so downstream auditors see them.
	if err := s.publisher.Publish(ctx, bus.TopicOrders, o.OrderID, createdEvent(o)); err != nil {
		// The row exists without its event: surface as an operational
		// failure, never a silent success.
		log.Error("order persisted but event publish failed, needs reconciliation", zap.Error(err))
		return nil, false, err
	}

	return o, true, nil
}

// performRiskCheck calls risk admission with a bounded wait. Any failure of
// the dependency is treated as a rejection, never an approval.
func (s *Service) performRiskCheck(ctx context.Context, orderID string, req CreateRequest, log *zap.Logger) *risk.Decision {
	checkCtx, cancel := context.WithTimeout(ctx, s.riskWait)
	defer cancel()

	decision, err := s.riskSvc.CheckRisk(checkCtx, risk.CheckRequest{
		OrderID:   orderID,
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
	})
	if err != nil {
		log.Error("risk check unavailable, failing closed", zap.Error(err))
		return &risk.Decision{
			Approved:   false,
			Reason:     "Risk service error: " + err.Error(),
			DecisionID: idgen.DecisionID(),
		}
	}
	return decision
}

// GetOrder fetches one order by id.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.GetByOrderID(ctx, orderID)
}

// ListOrders pages a user's orders newest first, optionally by status.
func (s *Service) ListOrders(ctx context.Context, userID, status string, page, size int) ([]Order, int64, error) {
	if status != "" && !knownStatus(status) {
		return nil, 0, errors.Validation(errors.CodeInvalidStatus, "unknown status %q", status)
	}
	return s.store.List(ctx, userID, status, page, size)
}

// UpdateStatus applies a forward-only transition with optimistic versioning
// and publishes the order-updated event. Retries a bounded number of times on
// version conflicts; a terminal order absorbs repeat updates idempotently.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, update StatusUpdate) (*Order, error) {
	var lastErr error
	for attempt := 0; attempt < statusUpdateRetries; attempt++ {
		o, err := s.store.GetByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Status == update.Status {
			// Redelivered update already applied.
			return o, nil
		}
		if !CanTransition(o.Status, update.Status) {
			return nil, errors.Validation(errors.CodeInvalidStatus,
				"illegal transition %s -> %s for order %s", o.Status, update.Status, orderID)
		}

		updated, err := s.store.UpdateStatus(ctx, orderID, o.Version, update)
		if err != nil {
			if errors.IsConcurrency(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if err := s.publisher.Publish(ctx, bus.TopicOrderStatus, updated.OrderID, updatedEvent(updated)); err != nil {
			s.logger.Error("status persisted but event publish failed, needs reconciliation",
				zap.String("order_id", orderID), zap.Error(err))
			return nil, err
		}
		s.logger.Info("order status updated",
			zap.String("order_id", orderID),
			zap.String("status", update.Status))
		return updated, nil
	}
	return nil, lastErr
}

func validateCreate(req CreateRequest) error {
	if req.UserID == "" {
		return errors.Validation(errors.CodeInvalidRequest, "userId is required")
	}
	if req.AccountID == "" {
		return errors.Validation(errors.CodeInvalidRequest, "accountId is required")
	}
	if !symbolPattern.MatchString(req.Symbol) {
		return errors.Validation(errors.CodeInvalidSymbol, "symbol must match %s", symbolPattern.String())
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return errors.Validation(errors.CodeInvalidRequest, "side must be BUY or SELL")
	}
	if req.Type != TypeLimit && req.Type != TypeMarket {
		return errors.Validation(errors.CodeInvalidRequest, "type must be LIMIT or MARKET")
	}
	switch req.TimeInForce {
	case TIFGTC, TIFIOC, TIFFOK:
	default:
		return errors.Validation(errors.CodeInvalidRequest, "timeInForce must be GTC, IOC or FOK")
	}
	if !req.Quantity.IsPositive() {
		return errors.Validation(errors.CodeInvalidQuantity, "quantity must be positive")
	}
	if req.Type == TypeLimit && req.Price == nil {
		return errors.Validation(errors.CodeInvalidPrice, "limit order must have price")
	}
	if req.Type == TypeMarket && req.Price != nil {
		return errors.Validation(errors.CodeInvalidPrice, "market order must not have price")
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return errors.Validation(errors.CodeInvalidPrice, "price must be positive")
	}
	return nil
}

func knownStatus(status string) bool {
	switch status {
	case StatusPending, StatusRiskChecking, StatusRiskRejected, StatusSubmitted,
		StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func createdEvent(o *Order) *bus.OrderCreatedEvent {
	ev := &bus.OrderCreatedEvent{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity.String(),
		TimeInForce:   o.TimeInForce,
		Status:        o.Status,
		Timestamp:     o.CreatedAt.UnixMilli(),
		TraceID:       o.TraceID,
	}
	if o.Price.Valid {
		p := o.Price.Decimal.String()
		ev.Price = &p
	}
	return ev
}

func updatedEvent(o *Order) *bus.OrderUpdatedEvent {
	ev := &bus.OrderUpdatedEvent{
		OrderID:        o.OrderID,
		UserID:         o.UserID,
		Status:         o.Status,
		FilledQuantity: o.FilledQty.String(),
		RejectReason:   o.RejectReason,
		Timestamp:      o.UpdatedAt.UnixMilli(),
		TraceID:        o.TraceID,
	}
	if o.AvgPrice.Valid {
		p := o.AvgPrice.Decimal.String()
		ev.AvgPrice = &p
	}
	return ev
}
