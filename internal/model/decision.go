package model

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the action chosen by the decision service.
type Verdict string

const (
	VerdictOpenLong         Verdict = "open_long"
	VerdictOpenShort        Verdict = "open_short"
	VerdictClose            Verdict = "close"
	VerdictPartialClose     Verdict = "partial_close"
	VerdictScaleIn          Verdict = "scale_in"
	VerdictScaleOut         Verdict = "scale_out"
	VerdictUpdateStopLoss   Verdict = "update_stop_loss"
	VerdictUpdateTakeProfit Verdict = "update_take_profit"
	VerdictFlip             Verdict = "flip_position"
	VerdictNoTrade          Verdict = "no_trade"
	VerdictWatch            Verdict = "watch"
)

var verdictAliases = map[string]Verdict{
	"open_long":          VerdictOpenLong,
	"long":               VerdictOpenLong,
	"open_short":         VerdictOpenShort,
	"short":              VerdictOpenShort,
	"close":              VerdictClose,
	"close_watch":        VerdictClose,
	"partial_close":      VerdictPartialClose,
	"scale_in":           VerdictScaleIn,
	"scale_out":          VerdictScaleOut,
	"update_stop_loss":   VerdictUpdateStopLoss,
	"update_stop":        VerdictUpdateStopLoss,
	"update_take_profit": VerdictUpdateTakeProfit,
	"update_target":      VerdictUpdateTakeProfit,
	"flip_position":      VerdictFlip,
	"flip":               VerdictFlip,
	"no_trade":           VerdictNoTrade,
	"watch":              VerdictWatch,
}

// ParseVerdict normalizes case, hyphens and the short aliases used by decision services.
func ParseVerdict(s string) (Verdict, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if v, ok := verdictAliases[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// Opens reports whether the verdict opens a new position.
func (v Verdict) Opens() bool {
	return v == VerdictOpenLong || v == VerdictOpenShort
}

// NeedsPosition reports whether the verdict only applies to an open position.
func (v Verdict) NeedsPosition() bool {
	switch v {
	case VerdictPartialClose, VerdictScaleIn, VerdictScaleOut,
		VerdictUpdateStopLoss, VerdictUpdateTakeProfit, VerdictFlip:
		return true
	}
	return false
}

// Levels are the optional price levels attached to a decision. Zero means unset.
type Levels struct {
	StopLoss        float64 `json:"stop_loss,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`
	Size            float64 `json:"size,omitempty"`
	ClosePercentage float64 `json:"close_percentage,omitempty"`
}

// Decision is one immutable analysis result for a signal.
type Decision struct {
	ID         string    `json:"id"`
	SignalID   string    `json:"signal_id"`
	TenantID   string    `json:"tenant_id"`
	Verdict    Verdict   `json:"verdict"`
	Confidence int       `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Levels     Levels    `json:"levels"`
	CreatedAt  time.Time `json:"created_at"`
}
