// Package idgen generates order, trade and trace identifiers.
package idgen

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// OrderID returns a new order identifier, format ORD-{millis}-{random}.
func OrderID() string {
	return fmt.Sprintf("ORD-%d-%d", time.Now().UnixMilli(), 10000+rand.Intn(90000))
}

// TradeID returns a new trade identifier, format TRD-{millis}-{random}.
func TradeID() string {
	return fmt.Sprintf("TRD-%d-%d", time.Now().UnixMilli(), 10000+rand.Intn(90000))
}

// TraceID returns a new correlation identifier.
func TraceID() string {
	return uuid.New().String()
}

// DecisionID returns a new risk decision identifier.
func DecisionID() string {
	return uuid.New().String()
}
