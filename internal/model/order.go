package model

import "time"

// TradeMode selects simulated or exchange execution.
type TradeMode string

const (
	ModeSimulated TradeMode = "simulated"
	ModeReal      TradeMode = "real"
)

// OrderSide is the exchange side of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderStatus is the final state of an order operation.
type OrderStatus string

const (
	OrderFilled    OrderStatus = "filled"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderAction names the operation an order performed.
type OrderAction string

const (
	ActionOpen             OrderAction = "open"
	ActionClose            OrderAction = "close"
	ActionPartialClose     OrderAction = "partial_close"
	ActionScaleIn          OrderAction = "scale_in"
	ActionScaleOut         OrderAction = "scale_out"
	ActionUpdateStopLoss   OrderAction = "update_stop_loss"
	ActionUpdateTakeProfit OrderAction = "update_take_profit"
)

// Order is an immutable record of one trade operation, successful or not.
type Order struct {
	ID              string      `json:"id"`
	PositionID      string      `json:"position_id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Action          OrderAction `json:"action"`
	Side            OrderSide   `json:"side"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	Status          OrderStatus `json:"status"`
	Mode            TradeMode   `json:"mode"`
	Error           string      `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// IncompleteOp is work abandoned at the shutdown deadline.
type IncompleteOp struct {
	Kind      string    `json:"kind"`
	Ref       string    `json:"ref"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
