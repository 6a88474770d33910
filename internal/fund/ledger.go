package fund

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when a reservation exceeds the free cash.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger is the simulated-mode balance. Opening a position reserves its entry
// notional; closing releases the notional plus the realized P&L.
type Ledger struct {
	mu       sync.Mutex
	state    *State
	filePath string
	log      zerolog.Logger
}

// NewLedger creates a Ledger, loading state from filePath when it exists.
// An empty filePath keeps the ledger in memory only.
func NewLedger(filePath string, startingBalance float64, quote string, log zerolog.Logger) (*Ledger, error) {
	l := &Ledger{filePath: filePath, log: log.With().Str("component", "ledger").Logger()}
	if filePath != "" {
		state, err := LoadState(filePath)
		if err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
		l.state = state
	}
	if l.state == nil {
		start := decimal.NewFromFloat(startingBalance)
		l.state = &State{Quote: quote, StartingBalance: start, Cash: start}
		if err := l.save(); err != nil {
			return nil, fmt.Errorf("save ledger: %w", err)
		}
	}
	return l, nil
}

// State returns a copy of the current state.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.state
}

// Cash returns the free balance.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Cash.InexactFloat64()
}

// Reserve moves price*qty from free cash into reserved funds.
func (l *Ledger) Reserve(price, qty float64) error {
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	if !notional.IsPositive() {
		return fmt.Errorf("reserve: notional must be positive, got %s", notional)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if notional.GreaterThan(l.state.Cash) {
		return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientBalance, notional.StringFixed(2), l.state.Quote, l.state.Cash.StringFixed(2))
	}
	l.state.Cash = l.state.Cash.Sub(notional)
	l.state.Reserved = l.state.Reserved.Add(notional)
	l.state.Trades++
	l.persist()
	return nil
}

// Release returns entryPrice*qty from reserved funds to cash together with pnl.
func (l *Ledger) Release(entryPrice, qty, pnl float64) {
	notional := decimal.NewFromFloat(entryPrice).Mul(decimal.NewFromFloat(qty))
	profit := decimal.NewFromFloat(pnl)

	l.mu.Lock()
	defer l.mu.Unlock()
	if notional.GreaterThan(l.state.Reserved) {
		notional = l.state.Reserved
	}
	l.state.Reserved = l.state.Reserved.Sub(notional)
	l.state.Cash = l.state.Cash.Add(notional).Add(profit)
	l.state.RealizedPnL = l.state.RealizedPnL.Add(profit)
	l.state.Trades++
	l.persist()
}

// Save flushes the state to disk.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save()
}

func (l *Ledger) persist() {
	if err := l.save(); err != nil {
		l.log.Error().Err(err).Msg("failed to save ledger state")
	}
}

func (l *Ledger) save() error {
	if l.filePath == "" {
		return nil
	}
	return SaveState(l.filePath, l.state)
}
