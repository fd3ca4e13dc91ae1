package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// Money is an amount in cents. Signed: ledger debits are negative.
type Money int64

func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * 100))
}

func (m Money) Float64() float64 { return float64(m) / 100 }

func (m Money) String() string { return fmt.Sprintf("%.2f", m.Float64()) }

// MarshalJSON renders money as a decimal number, which is what the
// mobile clients expect (e.g. 25.50).
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%.2f", m.Float64())), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*m = MoneyFromFloat(f)
	return nil
}
