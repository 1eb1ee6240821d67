package ledger

import (
	"github.com/shopspring/decimal"

	"stocksim/internal/model"
)

// MergePosition folds a freshly bought lot into an existing position using a
// quantity-weighted average price:
//
//	newAvg = (oldQty*oldAvg + qty*price) / (oldQty + qty)
//
// A zero-quantity old position means the account holds nothing in this stock
// and the lot starts a new position at its own price.
func MergePosition(old model.Position, quantity int64, pricePerUnit decimal.Decimal) model.Position {
	if old.Quantity <= 0 {
		return model.Position{Quantity: quantity, AveragePrice: pricePerUnit}
	}
	oldQty := decimal.NewFromInt(old.Quantity)
	addQty := decimal.NewFromInt(quantity)
	totalQty := oldQty.Add(addQty)
	weighted := old.AveragePrice.Mul(oldQty).Add(pricePerUnit.Mul(addQty))
	return model.Position{
		Quantity:     old.Quantity + quantity,
		AveragePrice: weighted.Div(totalQty),
	}
}

// ReducePosition takes quantity shares out of a position after a sell. The
// average price is left unchanged; it is meaningless once the position closes,
// so a fully sold position reports ok=false and is removed by the caller.
func ReducePosition(old model.Position, quantity int64) (next model.Position, ok bool) {
	remaining := old.Quantity - quantity
	if remaining <= 0 {
		return model.Position{}, false
	}
	return model.Position{Quantity: remaining, AveragePrice: old.AveragePrice}, true
}
