// Package ledger implements the account ledger and trading engine: the only
// code that mutates balances, positions and loan state. Every mutating
// operation is an atomic read-modify-write against one account, serialized by
// optimistic versioning; operations on different accounts proceed in
// parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stocksim/internal/model"
	"stocksim/internal/store"
	"stocksim/internal/types"
)

// maxRetries bounds the optimistic-concurrency retry loop. A mutation that
// loses the version race this many times in a row fails with
// ErrConcurrencyTimeout instead of blocking.
const maxRetries = 5

// DefaultInterestRate is the fixed markup applied to every loan.
var DefaultInterestRate = decimal.NewFromFloat(0.10)

type Engine struct {
	store        store.Store
	interestRate decimal.Decimal
}

func NewEngine(st store.Store) *Engine {
	return &Engine{store: st, interestRate: DefaultInterestRate}
}

// NewEngineWithRate overrides the loan interest rate, e.g. from config.
func NewEngineWithRate(st store.Store, interestRate decimal.Decimal) *Engine {
	return &Engine{store: st, interestRate: interestRate}
}

type TradeRequest struct {
	UserID       string
	StockID      string
	Quantity     int64
	PricePerUnit decimal.Decimal
}

type TradeResult struct {
	TransactionID string
	NewBalance    decimal.Decimal
}

type LoanResult struct {
	LoanID     string
	NewBalance decimal.Decimal
	TotalRepay decimal.Decimal
}

func (r TradeRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if r.StockID == "" {
		return fmt.Errorf("%w: stock id is required", ErrInvalidArgument)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if r.PricePerUnit.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: price per unit must be positive", ErrInvalidArgument)
	}
	return nil
}

func (e *Engine) getAccount(ctx context.Context, userID string) (model.Account, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return model.Account{}, ErrAccountNotFound
		}
		return model.Account{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return acct, nil
}

// Buy debits quantity*pricePerUnit from the balance, merges the lot into the
// portfolio and appends one buy transaction, all in one atomic commit.
func (e *Engine) Buy(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if err := req.validate(); err != nil {
		return TradeResult{}, err
	}
	totalCost := req.PricePerUnit.Mul(decimal.NewFromInt(req.Quantity))
	for attempt := 0; attempt < maxRetries; attempt++ {
		acct, err := e.getAccount(ctx, req.UserID)
		if err != nil {
			return TradeResult{}, err
		}
		if acct.Balance.LessThan(totalCost) {
			return TradeResult{}, ErrInsufficientFunds
		}
		next := acct.Clone()
		next.Balance = acct.Balance.Sub(totalCost)
		next.Positions[req.StockID] = MergePosition(acct.Positions[req.StockID], req.Quantity, req.PricePerUnit)
		txn := model.Transaction{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			StockID:      req.StockID,
			Quantity:     req.Quantity,
			PricePerUnit: req.PricePerUnit,
			Type:         types.TxnTypeBuy,
			CreatedAt:    time.Now().UTC(),
		}
		err = e.store.ApplyTrade(ctx, next, acct.Version, txn)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return TradeResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		slog.Info("buy executed",
			"user_id", req.UserID, "stock_id", req.StockID,
			"qty", req.Quantity, "price", req.PricePerUnit.String(),
			"balance", next.Balance.String())
		return TradeResult{TransactionID: txn.ID, NewBalance: next.Balance}, nil
	}
	return TradeResult{}, ErrConcurrencyTimeout
}

// Sell reduces or removes the position, credits the proceeds and appends one
// sell transaction atomically. The average price of a partially sold position
// is left untouched.
func (e *Engine) Sell(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if err := req.validate(); err != nil {
		return TradeResult{}, err
	}
	proceeds := req.PricePerUnit.Mul(decimal.NewFromInt(req.Quantity))
	for attempt := 0; attempt < maxRetries; attempt++ {
		acct, err := e.getAccount(ctx, req.UserID)
		if err != nil {
			return TradeResult{}, err
		}
		held, ok := acct.Positions[req.StockID]
		if !ok {
			return TradeResult{}, ErrPositionNotFound
		}
		if held.Quantity < req.Quantity {
			return TradeResult{}, ErrInsufficientShares
		}
		next := acct.Clone()
		next.Balance = acct.Balance.Add(proceeds)
		if reduced, keep := ReducePosition(held, req.Quantity); keep {
			next.Positions[req.StockID] = reduced
		} else {
			delete(next.Positions, req.StockID)
		}
		txn := model.Transaction{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			StockID:      req.StockID,
			Quantity:     req.Quantity,
			PricePerUnit: req.PricePerUnit,
			Type:         types.TxnTypeSell,
			CreatedAt:    time.Now().UTC(),
		}
		err = e.store.ApplyTrade(ctx, next, acct.Version, txn)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return TradeResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		slog.Info("sell executed",
			"user_id", req.UserID, "stock_id", req.StockID,
			"qty", req.Quantity, "price", req.PricePerUnit.String(),
			"balance", next.Balance.String())
		return TradeResult{TransactionID: txn.ID, NewBalance: next.Balance}, nil
	}
	return TradeResult{}, ErrConcurrencyTimeout
}

// TakeLoan grants a loan of amount at the engine's interest rate, crediting
// the balance in the same commit that records the loan. A user holds at most
// one open loan; the store's uniqueness rule backstops the check here.
func (e *Engine) TakeLoan(ctx context.Context, userID string, amount decimal.Decimal) (LoanResult, error) {
	if userID == "" {
		return LoanResult{}, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return LoanResult{}, fmt.Errorf("%w: loan amount must be positive", ErrInvalidArgument)
	}
	totalRepay := amount.Mul(decimal.NewFromInt(1).Add(e.interestRate))
	for attempt := 0; attempt < maxRetries; attempt++ {
		acct, err := e.getAccount(ctx, userID)
		if err != nil {
			return LoanResult{}, err
		}
		if _, err := e.store.OpenLoan(ctx, userID); err == nil {
			return LoanResult{}, ErrLoanAlreadyActive
		} else if !errors.Is(err, store.ErrNoOpenLoan) {
			return LoanResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		loan := model.Loan{
			ID:           uuid.NewString(),
			UserID:       userID,
			Principal:    amount,
			InterestRate: e.interestRate,
			TotalRepay:   totalRepay,
			CreatedAt:    time.Now().UTC(),
		}
		next := acct.Clone()
		next.Balance = acct.Balance.Add(amount)
		err = e.store.ApplyLoanGrant(ctx, next, acct.Version, loan)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrOpenLoanExists) {
			return LoanResult{}, ErrLoanAlreadyActive
		}
		if err != nil {
			return LoanResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		slog.Info("loan granted",
			"user_id", userID, "principal", amount.String(),
			"total_repay", totalRepay.String(), "balance", next.Balance.String())
		return LoanResult{LoanID: loan.ID, NewBalance: next.Balance, TotalRepay: totalRepay}, nil
	}
	return LoanResult{}, ErrConcurrencyTimeout
}

// RepayLoan settles the open loan in full. Partial repayment is not
// supported.
func (e *Engine) RepayLoan(ctx context.Context, userID string) (LoanResult, error) {
	if userID == "" {
		return LoanResult{}, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		acct, err := e.getAccount(ctx, userID)
		if err != nil {
			return LoanResult{}, err
		}
		loan, err := e.store.OpenLoan(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNoOpenLoan) {
				return LoanResult{}, ErrNoActiveLoan
			}
			return LoanResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if acct.Balance.LessThan(loan.TotalRepay) {
			return LoanResult{}, ErrInsufficientFunds
		}
		next := acct.Clone()
		next.Balance = acct.Balance.Sub(loan.TotalRepay)
		err = e.store.ApplyLoanRepay(ctx, next, acct.Version, loan.ID, time.Now().UTC())
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrNoOpenLoan) {
			// Another repay for the same loan won the race.
			return LoanResult{}, ErrNoActiveLoan
		}
		if err != nil {
			return LoanResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		slog.Info("loan repaid",
			"user_id", userID, "loan_id", loan.ID,
			"total_repay", loan.TotalRepay.String(), "balance", next.Balance.String())
		return LoanResult{LoanID: loan.ID, NewBalance: next.Balance, TotalRepay: loan.TotalRepay}, nil
	}
	return LoanResult{}, ErrConcurrencyTimeout
}

// LoanStatus reports the open loan for the user, or active=false when none.
func (e *Engine) LoanStatus(ctx context.Context, userID string) (model.Loan, bool, error) {
	if _, err := e.getAccount(ctx, userID); err != nil {
		return model.Loan{}, false, err
	}
	loan, err := e.store.OpenLoan(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNoOpenLoan) {
			return model.Loan{}, false, nil
		}
		return model.Loan{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return loan, true, nil
}

// Transactions returns the user's buy/sell history, most recent first,
// optionally filtered by stock.
func (e *Engine) Transactions(ctx context.Context, userID, stockID string) ([]model.Transaction, error) {
	if _, err := e.getAccount(ctx, userID); err != nil {
		return nil, err
	}
	txns, err := e.store.Transactions(ctx, userID, stockID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return txns, nil
}

// Portfolio returns a valuation of the user's current account snapshot
// against the supplied prices. Lock-free: it reads one committed snapshot.
func (e *Engine) Portfolio(ctx context.Context, userID string, prices map[string]decimal.Decimal) (Valuation, error) {
	acct, err := e.getAccount(ctx, userID)
	if err != nil {
		return Valuation{}, err
	}
	return Valuate(acct, prices), nil
}

// Account exposes a committed snapshot for read-side collaborators (profile,
// reports, the assistant).
func (e *Engine) Account(ctx context.Context, userID string) (model.Account, error) {
	return e.getAccount(ctx, userID)
}
