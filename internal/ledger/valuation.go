package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"stocksim/internal/model"
)

// Holding is one valued position.
type Holding struct {
	StockID      string          `json:"stock_id"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
}

// Valuation is the read-side projection of an account against current prices.
type Valuation struct {
	Holdings    []Holding       `json:"holdings"`
	TotalValue  decimal.Decimal `json:"total_value"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	NetWorth    decimal.Decimal `json:"net_worth"`
}

// Valuate prices an account snapshot. Pure: no mutation, safe to call
// concurrently with any writers. Positions with no entry in prices are
// treated as stale or delisted and excluded from the valuation; they stay in
// the account untouched.
func Valuate(acct model.Account, prices map[string]decimal.Decimal) Valuation {
	v := Valuation{
		Holdings:    make([]Holding, 0, len(acct.Positions)),
		TotalValue:  decimal.Zero,
		CashBalance: acct.Balance,
	}
	for stockID, pos := range acct.Positions {
		price, ok := prices[stockID]
		if !ok {
			continue
		}
		marketValue := price.Mul(decimal.NewFromInt(pos.Quantity))
		v.Holdings = append(v.Holdings, Holding{
			StockID:      stockID,
			Quantity:     pos.Quantity,
			AveragePrice: pos.AveragePrice,
			CurrentPrice: price,
			MarketValue:  marketValue,
		})
		v.TotalValue = v.TotalValue.Add(marketValue)
	}
	sort.Slice(v.Holdings, func(i, j int) bool { return v.Holdings[i].StockID < v.Holdings[j].StockID })
	v.NetWorth = v.TotalValue.Add(acct.Balance)
	return v
}
