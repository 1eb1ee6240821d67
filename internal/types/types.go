package types

type TxnType string

type LoanState string

const (
	TxnTypeBuy  TxnType = "buy"
	TxnTypeSell TxnType = "sell"
)

const (
	LoanStateNone   LoanState = "none"
	LoanStateOpen   LoanState = "open"
	LoanStateRepaid LoanState = "repaid"
)

func (t TxnType) Valid() bool {
	return t == TxnTypeBuy || t == TxnTypeSell
}
