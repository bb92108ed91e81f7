// Package risk implements risk admission: limit resolution, the three quota
// checks, and quota reservation/release against the ledger. This package is
// the sole writer of quota keys.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordexlabs/ordex/pkg/errors"
)

// Limit is a configured risk limit, scoped to (userId, accountId) when Symbol
// is nil, or to one symbol otherwise. Nil fields on a symbol-level limit fall
// back to the account-level value field by field.
type Limit struct {
	ID              uint             `json:"-" gorm:"primaryKey"`
	UserID          string           `json:"userId" gorm:"index:idx_limit_scope;size:64;not null"`
	AccountID       string           `json:"accountId" gorm:"index:idx_limit_scope;size:64;not null"`
	Symbol          *string          `json:"symbol,omitempty" gorm:"index:idx_limit_scope;size:16"`
	NotionalLimit   *decimal.Decimal `json:"notionalLimit,omitempty" gorm:"type:decimal(32,8)"`
	PositionLimit   *decimal.Decimal `json:"positionLimit,omitempty" gorm:"type:decimal(32,8)"`
	OrderCountLimit *int             `json:"orderCountLimit,omitempty"`
	Enabled         bool             `json:"enabled" gorm:"not null;default:true"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// TableName pins the table name.
func (Limit) TableName() string { return "risk_limits" }

// LimitStore fetches configured limits.
type LimitStore interface {
	// FindAccountLimit returns the enabled account-level limit, nil when
	// none is configured.
	FindAccountLimit(ctx context.Context, userID, accountID string) (*Limit, error)
	// FindSymbolLimit returns the enabled symbol-level limit, nil when none
	// is configured.
	FindSymbolLimit(ctx context.Context, userID, accountID, symbol string) (*Limit, error)
	// Save upserts a limit row (seed/admin path).
	Save(ctx context.Context, limit *Limit) error
}

// GormLimitStore implements LimitStore on gorm.
type GormLimitStore struct {
	db *gorm.DB
}

// NewGormLimitStore creates a gorm-backed limit store.
func NewGormLimitStore(db *gorm.DB) *GormLimitStore {
	return &GormLimitStore{db: db}
}

// Migrate creates the risk_limits table.
func (s *GormLimitStore) Migrate() error {
	return s.db.AutoMigrate(&Limit{})
}

// FindAccountLimit fetches the account-level row (symbol IS NULL).
func (s *GormLimitStore) FindAccountLimit(ctx context.Context, userID, accountID string) (*Limit, error) {
	var l Limit
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND account_id = ? AND symbol IS NULL AND enabled = ?", userID, accountID, true).
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Dependency(errors.CodeDatabaseError, err, "find account limit for %s", userID)
	}
	return &l, nil
}

// FindSymbolLimit fetches the symbol-level row.
func (s *GormLimitStore) FindSymbolLimit(ctx context.Context, userID, accountID, symbol string) (*Limit, error) {
	var l Limit
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND account_id = ? AND symbol = ? AND enabled = ?", userID, accountID, symbol, true).
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Dependency(errors.CodeDatabaseError, err, "find symbol limit for %s/%s", userID, symbol)
	}
	return &l, nil
}

// Save upserts a limit row.
func (s *GormLimitStore) Save(ctx context.Context, limit *Limit) error {
	if err := s.db.WithContext(ctx).Save(limit).Error; err != nil {
		return errors.Dependency(errors.CodeDatabaseError, err, "save risk limit for %s", limit.UserID)
	}
	return nil
}
