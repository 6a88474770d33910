package fund

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// State is the persisted simulated balance.
type State struct {
	Quote           string          `json:"quote"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	Cash            decimal.Decimal `json:"cash"`
	Reserved        decimal.Decimal `json:"reserved"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Trades          int             `json:"trades"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LoadState reads the ledger state from a JSON file. Returns nil if the file doesn't exist.
func LoadState(filePath string) (*State, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveState writes the ledger state to a JSON file, replacing it atomically.
func SaveState(filePath string, state *State) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}
