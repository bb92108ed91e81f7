package order

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordexlabs/ordex/pkg/errors"
)

// ErrDuplicateClientOrderID signals that the unique constraint on
// client_order_id fired: another submission with the same clientOrderId won
// the insert race.
var ErrDuplicateClientOrderID = errors.Concurrency(errors.CodeDuplicateOrder, "client order id already exists")

// Store is the durable order record with optimistic versioning.
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByOrderID(ctx context.Context, orderID string) (*Order, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*Order, error)
	// List returns the user's orders ordered by createdAt descending.
	// status filters when non-empty. Page is zero-based.
	List(ctx context.Context, userID, status string, page, size int) ([]Order, int64, error)
	// UpdateStatus applies a terminal-bound transition with an optimistic
	// version check. A stale expected version fails with a concurrency
	// error and changes nothing.
	UpdateStatus(ctx context.Context, orderID string, expectedVersion int64, update StatusUpdate) (*Order, error)
}

// StatusUpdate carries the fields a status transition may change.
type StatusUpdate struct {
	Status       string
	FilledQty    *decimal.Decimal
	AvgPrice     *decimal.Decimal
	RejectReason string
}

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed order store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the orders table.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Order{})
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite (tests) without the error translator
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Create inserts the order, translating a unique-key violation on
// client_order_id into ErrDuplicateClientOrderID.
func (s *GormStore) Create(ctx context.Context, o *Order) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if isDuplicateErr(err) {
			return ErrDuplicateClientOrderID
		}
		return errors.Dependency(errors.CodeDatabaseError, err, "create order %s", o.OrderID)
	}
	return nil
}

// GetByOrderID fetches one order.
func (s *GormStore) GetByOrderID(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound(errors.CodeOrderNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, errors.Dependency(errors.CodeDatabaseError, err, "get order %s", orderID)
	}
	return &o, nil
}

// GetByClientOrderID fetches by the client-supplied idempotency key.
func (s *GormStore) GetByClientOrderID(ctx context.Context, clientOrderID string) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound(errors.CodeOrderNotFound, "order with client id %s not found", clientOrderID)
	}
	if err != nil {
		return nil, errors.Dependency(errors.CodeDatabaseError, err, "get order by client id %s", clientOrderID)
	}
	return &o, nil
}

// List pages the user's orders newest first.
func (s *GormStore) List(ctx context.Context, userID, status string, page, size int) ([]Order, int64, error) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}

	q := s.db.WithContext(ctx).Model(&Order{}).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Dependency(errors.CodeDatabaseError, err, "count orders for %s", userID)
	}

	var orders []Order
	err := q.Order("created_at DESC").Offset(page * size).Limit(size).Find(&orders).Error
	if err != nil {
		return nil, 0, errors.Dependency(errors.CodeDatabaseError, err, "list orders for %s", userID)
	}
	return orders, total, nil
}

// UpdateStatus performs the optimistic-version write. Zero rows affected means
// somebody else moved the order first.
func (s *GormStore) UpdateStatus(ctx context.Context, orderID string, expectedVersion int64, update StatusUpdate) (*Order, error) {
	fields := map[string]interface{}{
		"status":  update.Status,
		"version": expectedVersion + 1,
	}
	if update.FilledQty != nil {
		fields["filled_qty"] = *update.FilledQty
	}
	if update.AvgPrice != nil {
		fields["avg_price"] = *update.AvgPrice
	}
	if update.RejectReason != "" {
		fields["reject_reason"] = update.RejectReason
	}

	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ? AND version = ?", orderID, expectedVersion).
		Updates(fields)
	if res.Error != nil {
		return nil, errors.Dependency(errors.CodeDatabaseError, res.Error, "update order %s", orderID)
	}
	if res.RowsAffected == 0 {
		return nil, errors.Concurrency(errors.CodeStaleVersion,
			"order %s version %d is stale", orderID, expectedVersion)
	}
	return s.GetByOrderID(ctx, orderID)
}
