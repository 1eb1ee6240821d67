package ledger

import "errors"

// Business errors returned by the engine. All are recoverable and map to a
// stable kind for the HTTP layer; none indicate a broken process.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAccountNotFound    = errors.New("account not found")
	ErrPositionNotFound   = errors.New("no position in this stock")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrInsufficientShares = errors.New("insufficient shares to sell")
	ErrLoanAlreadyActive  = errors.New("repay existing loan before taking a new one")
	ErrNoActiveLoan       = errors.New("no active loan to repay")
	ErrConcurrencyTimeout = errors.New("account too contended, try again")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
