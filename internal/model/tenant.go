package model

import (
	"fmt"
	"strings"
	"time"
)

// TenantStatus is the scheduling state of a tenant configuration.
type TenantStatus string

const (
	TenantActive TenantStatus = "active"
	TenantPaused TenantStatus = "paused"
	TenantError  TenantStatus = "error"
)

// TenantConfig is a tenant's screening setup. It changes only through an explicit reload.
type TenantConfig struct {
	ID                string       `json:"id" yaml:"id"`
	Name              string       `json:"name" yaml:"name"`
	RuleCode          string       `json:"rule_code" yaml:"rule_code"`
	Timeframes        []Timeframe  `json:"timeframes" yaml:"timeframes"`
	Symbols           []string     `json:"symbols" yaml:"symbols"` // empty means every ingested symbol
	ScanCadence       string       `json:"scan_cadence" yaml:"scan_cadence"`
	ReanalysisCadence string       `json:"reanalysis_cadence" yaml:"reanalysis_cadence"`
	Status            TenantStatus `json:"status" yaml:"status"`
	Diagnostic        string       `json:"diagnostic,omitempty" yaml:"-"`
	UpdatedAt         time.Time    `json:"updated_at" yaml:"-"`
}

// AllSymbols reports whether the tenant screens every ingested symbol.
func (t TenantConfig) AllSymbols() bool {
	return len(t.Symbols) == 0
}

// Cadence describes when a timer fires.
type Cadence struct {
	Every time.Duration
	// Aligned fires on candle-close boundaries of Every instead of a fixed delay.
	Aligned bool
}

func (c Cadence) String() string {
	if c.Aligned {
		return c.Every.String() + " (candle close)"
	}
	return "every " + c.Every.String()
}

// ParseCadence accepts Go durations ("60s", "1m30s"), interval shorthand ("1d", "1w")
// and candle-aligned forms such as "15m_close".
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cadence{}, fmt.Errorf("empty cadence")
	}
	if tf, ok := strings.CutSuffix(s, "_close"); ok {
		d, err := ParseInterval(tf)
		if err != nil {
			return Cadence{}, fmt.Errorf("parse cadence %q: %w", s, err)
		}
		return Cadence{Every: d, Aligned: true}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return Cadence{}, fmt.Errorf("cadence %q below one second", s)
		}
		return Cadence{Every: d}, nil
	}
	d, err := ParseInterval(s)
	if err != nil {
		return Cadence{}, fmt.Errorf("parse cadence %q: %w", s, err)
	}
	return Cadence{Every: d}, nil
}
