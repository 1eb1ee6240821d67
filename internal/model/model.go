// Package model holds the persisted record types shared by the store
// implementations and the ledger engine.
//
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"stocksim/internal/types"
)

// Position is one held lot of a stock inside an account. A position with
// quantity 0 is never stored; it is removed instead.
type Position struct {
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// Account is the per-user cash balance plus stock positions. Version is the
// optimistic-concurrency counter: every committed mutation increments it, and
// mutating store operations are compare-and-swap on the version they read.
type Account struct {
	ID        string              `json:"id"`
	Username  string              `json:"username"`
	Email     string              `json:"email"`
	Balance   decimal.Decimal     `json:"balance"`
	Positions map[string]Position `json:"positions"`
	Version   int64               `json:"-"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate positions without touching
// the committed snapshot.
func (a Account) Clone() Account {
	out := a
	out.Positions = make(map[string]Position, len(a.Positions))
	for id, p := range a.Positions {
		out.Positions[id] = p
	}
	return out
}

// Transaction is one completed buy or sell. Immutable once appended.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	StockID      string          `json:"stock_id"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Type         types.TxnType   `json:"type"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Loan is a cash advance against an account, repaid in full or not at all.
// At most one loan per user has IsRepaid == false at any time.
type Loan struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Principal    decimal.Decimal `json:"principal"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TotalRepay   decimal.Decimal `json:"total_repay"`
	IsRepaid     bool            `json:"is_repaid"`
	CreatedAt    time.Time       `json:"created_at"`
	RepaidAt     *time.Time      `json:"repaid_at,omitempty"`
}

// Stock is a catalog entry. The ledger never reads CurrentPrice on its own;
// callers pass prices into trades and valuations explicitly.
type Stock struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PricePoint is one entry in a stock's price history.
type PricePoint struct {
	ID        string          `json:"id"`
	StockID   string          `json:"stock_id"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}
