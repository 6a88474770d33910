package model

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus is open or closed. Positions are never deleted.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Close reasons recorded on positions and signals.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonDecision   = "decision"
	ReasonFlip       = "flip"
)

// Position is a trade held on behalf of one signal.
type Position struct {
	ID          string         `json:"id"`
	SignalID    string         `json:"signal_id"`
	TenantID    string         `json:"tenant_id"`
	Symbol      string         `json:"symbol"`
	Side        Side           `json:"side"`
	EntryPrice  float64        `json:"entry_price"`
	Size        float64        `json:"size"`
	StopLoss    float64        `json:"stop_loss,omitempty"`
	TakeProfit  float64        `json:"take_profit,omitempty"`
	Status      PositionStatus `json:"status"`
	ExitPrice   float64        `json:"exit_price,omitempty"`
	RealizedPnL float64        `json:"realized_pnl"`
	CloseReason string         `json:"close_reason,omitempty"`
	Mode        TradeMode      `json:"mode"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
}

// PnL returns the profit of size units moved from entry to price.
func (p Position) PnL(price, size float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * size
	}
	return (price - p.EntryPrice) * size
}

// UnrealizedPnL values the remaining size at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Status != PositionOpen {
		return 0
	}
	return p.PnL(price, p.Size)
}

// StopHit reports whether price has crossed the stop-loss.
func (p Position) StopHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// TargetHit reports whether price has crossed the take-profit.
func (p Position) TargetHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}
