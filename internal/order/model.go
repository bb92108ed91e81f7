// Package order implements the order model, durable store and the admission
// service that carries an order from request to SUBMITTED-eligible PENDING or
// RISK_REJECTED.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides, types, statuses and time-in-force values.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"

	StatusPending         = "PENDING"
	StatusRiskChecking    = "RISK_CHECKING"
	StatusRiskRejected    = "RISK_REJECTED"
	StatusSubmitted       = "SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"

	TIFGTC = "GTC"
	TIFIOC = "IOC"
	TIFFOK = "FOK"
)

// Order is the durable record of one order. Version fences concurrent status
// writers: exactly one of two competing updates wins.
type Order struct {
	ID            uint                `json:"-" gorm:"primaryKey"`
	OrderID       string              `json:"orderId" gorm:"uniqueIndex;size:64;not null"`
	ClientOrderID *string             `json:"clientOrderId,omitempty" gorm:"uniqueIndex;size:64"`
	UserID        string              `json:"userId" gorm:"index;size:64;not null"`
	AccountID     string              `json:"accountId" gorm:"size:64;not null"`
	Symbol        string              `json:"symbol" gorm:"index;size:16;not null"`
	Side          string              `json:"side" gorm:"size:8;not null"`
	Type          string              `json:"type" gorm:"size:16;not null"`
	Quantity      decimal.Decimal     `json:"quantity" gorm:"type:decimal(32,8);not null"`
	Price         decimal.NullDecimal `json:"price" gorm:"type:decimal(32,8)"`
	TimeInForce   string              `json:"timeInForce" gorm:"size:8;not null"`
	Status        string              `json:"status" gorm:"index;size:24;not null"`
	FilledQty     decimal.Decimal     `json:"filledQuantity" gorm:"type:decimal(32,8);not null"`
	AvgPrice      decimal.NullDecimal `json:"avgPrice" gorm:"type:decimal(32,8)"`
	RejectReason  string              `json:"rejectReason,omitempty" gorm:"size:255"`
	TraceID       string              `json:"traceId" gorm:"size:64"`
	Version       int64               `json:"version" gorm:"not null;default:0"`
	CreatedAt     time.Time           `json:"createdAt" gorm:"index"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// TableName pins the table name regardless of gorm pluralization settings.
func (Order) TableName() string { return "orders" }

// transitions lists the allowed forward moves. Absent statuses are terminal.
var transitions = map[string][]string{
	StatusPending:         {StatusRiskChecking, StatusRiskRejected, StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled, StatusExpired},
	StatusRiskChecking:    {StatusRiskRejected, StatusSubmitted},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusFilled, StatusCancelled, StatusExpired},
}

// IsTerminal reports whether no further transition can occur from status.
func IsTerminal(status string) bool {
	switch status {
	case StatusRiskRejected, StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal forward move.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
