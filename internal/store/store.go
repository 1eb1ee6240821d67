// Package store defines the persistence interface for the account ledger and
// the stock catalog. PostgreSQL is the source of truth in production; the
// in-memory implementation serves tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"stocksim/internal/model"
)

// Sentinel errors returned by Store implementations. Anything else coming out
// of a Store method is a genuine storage failure (I/O, connection loss) and is
// reported to callers as such rather than being swallowed.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrUsernameTaken   = errors.New("username or email already taken")
	ErrVersionConflict = errors.New("account version conflict")
	ErrOpenLoanExists  = errors.New("an open loan already exists")
	ErrNoOpenLoan      = errors.New("no open loan")
	ErrStockNotFound   = errors.New("stock not found")
	ErrStockExists     = errors.New("stock already exists")
)

// Store is the persistence interface.
//
// The Apply* methods are the only ways to mutate an account. Each takes the
// full next account state plus the version the caller read, and commits the
// account update together with its derived record (transaction or loan) as a
// single atomic unit, failing with ErrVersionConflict when the account moved
// underneath the caller. Readers only ever observe committed snapshots.
type Store interface {
	// Accounts.
	CreateAccount(ctx context.Context, acct model.Account, passwordHash string) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (model.Account, error)
	GetCredentialByEmail(ctx context.Context, email string) (userID, passwordHash string, err error)
	ListAccountsByBalance(ctx context.Context) ([]model.Account, error)

	// Atomic account mutations.
	ApplyTrade(ctx context.Context, next model.Account, expectedVersion int64, txn model.Transaction) error
	ApplyLoanGrant(ctx context.Context, next model.Account, expectedVersion int64, loan model.Loan) error
	ApplyLoanRepay(ctx context.Context, next model.Account, expectedVersion int64, loanID string, repaidAt time.Time) error

	// Transaction log.
	Transactions(ctx context.Context, userID, stockID string) ([]model.Transaction, error)
	TransactionsByStock(ctx context.Context, stockID string) ([]model.Transaction, error)

	// Loan ledger.
	OpenLoan(ctx context.Context, userID string) (model.Loan, error)
	LoansByUser(ctx context.Context, userID string) ([]model.Loan, error)

	// Stock catalog.
	CreateStock(ctx context.Context, s model.Stock, initial model.PricePoint) error
	GetStock(ctx context.Context, id string) (model.Stock, error)
	GetStockBySymbol(ctx context.Context, symbol string) (model.Stock, error)
	ListStocks(ctx context.Context) ([]model.Stock, error)
	RecordPrice(ctx context.Context, p model.PricePoint) error
	PriceHistory(ctx context.Context, stockID string) ([]model.PricePoint, error)
}
