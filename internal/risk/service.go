package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/internal/config"
	"github.com/ordexlabs/ordex/internal/quota"
	"github.com/ordexlabs/ordex/pkg/idgen"
	"github.com/ordexlabs/ordex/pkg/metrics"
)

// Rejection reasons. Downstream consumers and tests depend on these strings.
const (
	ReasonNotionalExceeded   = "Notional limit exceeded"
	ReasonPositionExceeded   = "Position limit exceeded"
	ReasonOrderCountExceeded = "Order count limit exceeded"
	ReasonPassed             = "Risk check passed"
)

// CheckRequest describes the order under admission. The order itself is never
// persisted here.
type CheckRequest struct {
	OrderID   string
	UserID    string
	AccountID string
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
}

// Decision is the admission outcome. Every rejection is terminal for the
// order; there is no retry path through risk.
type Decision struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason"`
	DecisionID string `json:"riskDecisionId"`
}

// Service evaluates orders against notional, position and order-count limits
// and maintains the quota reservations backing those checks.
type Service struct {
	limits LimitStore
	ledger quota.Ledger
	logger *zap.Logger

	defaultNotional   decimal.Decimal
	defaultPosition   decimal.Decimal
	defaultOrderCount int
	placeholderPrice  decimal.Decimal
	quotaTTL          time.Duration
}

// NewService wires the risk admission service.
func NewService(limits LimitStore, ledger quota.Ledger, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		limits:            limits,
		ledger:            ledger,
		logger:            logger,
		defaultNotional:   decimal.NewFromFloat(cfg.Risk.DefaultNotionalLimit),
		defaultPosition:   decimal.NewFromFloat(cfg.Risk.DefaultPositionLimit),
		defaultOrderCount: cfg.Risk.DefaultOrderCountLimit,
		placeholderPrice:  decimal.NewFromFloat(cfg.Risk.MarketPlaceholderPrice),
		quotaTTL:          cfg.Risk.QuotaTTL,
	}
}

// effectiveLimits resolves the account-level limit (implicit default when none
// configured) overridden field by field by an enabled symbol-level limit.
func (s *Service) effectiveLimits(ctx context.Context, req CheckRequest) (notional, position decimal.Decimal, orderCount int, err error) {
	notional = s.defaultNotional
	position = s.defaultPosition
	orderCount = s.defaultOrderCount

	account, err := s.limits.FindAccountLimit(ctx, req.UserID, req.AccountID)
	if err != nil {
		return notional, position, orderCount, err
	}
	if account != nil {
		if account.NotionalLimit != nil {
			notional = *account.NotionalLimit
		}
		if account.PositionLimit != nil {
			position = *account.PositionLimit
		}
		if account.OrderCountLimit != nil {
			orderCount = *account.OrderCountLimit
		}
	}

	symbol, err := s.limits.FindSymbolLimit(ctx, req.UserID, req.AccountID, req.Symbol)
	if err != nil {
		return notional, position, orderCount, err
	}
	if symbol != nil {
		if symbol.NotionalLimit != nil {
			notional = *symbol.NotionalLimit
		}
		if symbol.PositionLimit != nil {
			position = *symbol.PositionLimit
		}
		if symbol.OrderCountLimit != nil {
			orderCount = *symbol.OrderCountLimit
		}
	}
	return notional, position, orderCount, nil
}

// notionalValue is price × quantity for priced orders. Market orders use a
// fixed conservative placeholder; a real reference price is out of scope.
func (s *Service) notionalValue(price *decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	if price != nil {
		return price.Mul(qty)
	}
	return s.placeholderPrice.Mul(qty)
}

// CheckRisk runs the three checks in order, short-circuiting on the first
// failure, and reserves quota on approval. The checks and the reservation are
// not one atomic unit across concurrent orders of the same user; that narrow
// window is an accepted limitation of the TTL-window ledger.
func (s *Service) CheckRisk(ctx context.Context, req CheckRequest) (*Decision, error) {
	log := s.logger.With(
		zap.String("order_id", req.OrderID),
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol))
	log.Info("performing risk check")

	decisionID := idgen.DecisionID()
	reject := func(reason string) (*Decision, error) {
		log.Warn("risk check rejected", zap.String("reason", reason))
		metrics.RiskDecisions.WithLabelValues("rejected").Inc()
		return &Decision{Approved: false, Reason: reason, DecisionID: decisionID}, nil
	}

	notionalLimit, positionLimit, orderCountLimit, err := s.effectiveLimits(ctx, req)
	if err != nil {
		return nil, err
	}

	notionalValue := s.notionalValue(req.Price, req.Quantity)

	reservedNotional, err := s.ledger.Get(ctx, quota.NotionalKey(req.UserID))
	if err != nil {
		return nil, err
	}
	if decimal.NewFromFloat(reservedNotional).Add(notionalValue).GreaterThan(notionalLimit) {
		return reject(ReasonNotionalExceeded)
	}

	reservedPosition, err := s.ledger.Get(ctx, quota.PositionKey(req.UserID, req.Symbol))
	if err != nil {
		return nil, err
	}
	if decimal.NewFromFloat(reservedPosition).Add(req.Quantity).GreaterThan(positionLimit) {
		return reject(ReasonPositionExceeded)
	}

	reservedCount, err := s.ledger.Get(ctx, quota.OrderCountKey(req.UserID))
	if err != nil {
		return nil, err
	}
	if int(reservedCount) >= orderCountLimit {
		return reject(ReasonOrderCountExceeded)
	}

	if err := s.reserveQuota(ctx, req.UserID, req.Symbol, notionalValue, req.Quantity); err != nil {
		return nil, err
	}

	log.Info("risk check passed", zap.String("decision_id", decisionID))
	metrics.RiskDecisions.WithLabelValues("approved").Inc()
	return &Decision{Approved: true, Reason: ReasonPassed, DecisionID: decisionID}, nil
}

func (s *Service) reserveQuota(ctx context.Context, userID, symbol string, notionalValue, qty decimal.Decimal) error {
	if _, err := s.ledger.IncrBy(ctx, quota.NotionalKey(userID), notionalValue.InexactFloat64(), s.quotaTTL); err != nil {
		return err
	}
	if _, err := s.ledger.IncrBy(ctx, quota.PositionKey(userID, symbol), qty.InexactFloat64(), s.quotaTTL); err != nil {
		return err
	}
	if _, err := s.ledger.IncrBy(ctx, quota.OrderCountKey(userID), 1, s.quotaTTL); err != nil {
		return err
	}
	return nil
}

// ReleaseQuota reverses a prior reservation, for orders cancelled or failed
// after admission. Counters clamp at zero, so a release landing after the
// quota window expired is a harmless no-op.
func (s *Service) ReleaseQuota(ctx context.Context, userID, symbol string, notionalValue, qty decimal.Decimal) error {
	s.logger.Info("releasing quota",
		zap.String("user_id", userID),
		zap.String("symbol", symbol),
		zap.String("notional", notionalValue.String()))

	if _, err := s.ledger.DecrBy(ctx, quota.NotionalKey(userID), notionalValue.InexactFloat64()); err != nil {
		return err
	}
	if _, err := s.ledger.DecrBy(ctx, quota.PositionKey(userID, symbol), qty.InexactFloat64()); err != nil {
		return err
	}
	if _, err := s.ledger.DecrBy(ctx, quota.OrderCountKey(userID), 1); err != nil {
		return err
	}
	return nil
}

// ReleaseReservation computes the notional the same way CheckRisk reserved it
// and releases all three counters.
func (s *Service) ReleaseReservation(ctx context.Context, userID, symbol string, price *decimal.Decimal, qty decimal.Decimal) error {
	return s.ReleaseQuota(ctx, userID, symbol, s.notionalValue(price, qty), qty)
}
