// Package trade holds the append-only record of executions.
package trade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordexlabs/ordex/pkg/errors"
)

// Trade is one execution. Rows are immutable once created; an order owns at
// most one trade under the full-fill-or-reject protocol.
type Trade struct {
	ID          uint            `json:"-" gorm:"primaryKey"`
	TradeID     string          `json:"tradeId" gorm:"uniqueIndex;size:64;not null"`
	OrderID     string          `json:"orderId" gorm:"index;size:64;not null"`
	UserID      string          `json:"userId" gorm:"index;size:64;not null"`
	Symbol      string          `json:"symbol" gorm:"size:16;not null"`
	Side        string          `json:"side" gorm:"size:8;not null"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(32,8);not null"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(32,8);not null"`
	TotalAmount decimal.Decimal `json:"totalAmount" gorm:"type:decimal(32,8);not null"`
	TraceID     string          `json:"traceId" gorm:"size:64"`
	ExecutedAt  time.Time       `json:"executedAt" gorm:"autoCreateTime"`
}

// TableName pins the table name.
func (Trade) TableName() string { return "trades" }

// Store is the append-only trade record.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	GetByOrderID(ctx context.Context, orderID string) (*Trade, error)
	ListByUser(ctx context.Context, userID string, page, size int) ([]Trade, int64, error)
}

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed trade store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the trades table.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Trade{})
}

// Create appends one trade.
func (s *GormStore) Create(ctx context.Context, t *Trade) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return errors.Dependency(errors.CodeDatabaseError, err, "create trade %s", t.TradeID)
	}
	return nil
}

// GetByOrderID fetches the trade for an order, if one exists.
func (s *GormStore) GetByOrderID(ctx context.Context, orderID string) (*Trade, error) {
	var t Trade
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound(errors.CodeOrderNotFound, "no trade for order %s", orderID)
	}
	if err != nil {
		return nil, errors.Dependency(errors.CodeDatabaseError, err, "get trade for order %s", orderID)
	}
	return &t, nil
}

// ListByUser pages a user's trades newest first.
func (s *GormStore) ListByUser(ctx context.Context, userID string, page, size int) ([]Trade, int64, error) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}

	q := s.db.WithContext(ctx).Model(&Trade{}).Where("user_id = ?", userID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Dependency(errors.CodeDatabaseError, err, "count trades for %s", userID)
	}

	var trades []Trade
	err := q.Order("executed_at DESC").Offset(page * size).Limit(size).Find(&trades).Error
	if err != nil {
		return nil, 0, errors.Dependency(errors.CodeDatabaseError, err, "list trades for %s", userID)
	}
	return trades, total, nil
}
