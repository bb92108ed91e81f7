package bus

// Event payloads are wire schemas shared with downstream consumers
// (audit, notification). Decimal amounts travel as strings so consumers in
// any language parse them without float loss; optional fields are pointers.

// OrderCreatedEvent is published on TopicOrders for every persisted order,
// including risk-rejected ones, exactly once per newly created order.
type OrderCreatedEvent struct {
	OrderID       string  `json:"orderId"`
	ClientOrderID *string `json:"clientOrderId,omitempty"`
	UserID        string  `json:"userId"`
	AccountID     string  `json:"accountId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      string  `json:"quantity"`
	Price         *string `json:"price,omitempty"`
	TimeInForce   string  `json:"timeInForce"`
	Status        string  `json:"status"`
	Timestamp     int64   `json:"timestamp"`
	TraceID       string  `json:"traceId"`
}

// OrderUpdatedEvent is published on TopicOrderStatus for every status
// transition after creation.
type OrderUpdatedEvent struct {
	OrderID        string  `json:"orderId"`
	UserID         string  `json:"userId"`
	Status         string  `json:"status"`
	FilledQuantity string  `json:"filledQuantity"`
	AvgPrice       *string `json:"avgPrice,omitempty"`
	RejectReason   string  `json:"rejectReason,omitempty"`
	Timestamp      int64   `json:"timestamp"`
	TraceID        string  `json:"traceId"`
}

// TradeExecutedEvent is published on TopicTrades after the trade row is
// durably persisted, never before.
type TradeExecutedEvent struct {
	TradeID     string `json:"tradeId"`
	OrderID     string `json:"orderId"`
	UserID      string `json:"userId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	TotalAmount string `json:"totalAmount"`
	Timestamp   int64  `json:"timestamp"`
	TraceID     string `json:"traceId"`
}
