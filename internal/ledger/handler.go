package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/internal/httputil"
	"stocksim/internal/model"
	"stocksim/internal/stocks"
	"stocksim/internal/store"
)

type Handler struct {
	engine *Engine
	stocks *stocks.Service
	st     store.Store
}

func NewHandler(engine *Engine, stockSvc *stocks.Service, st store.Store) *Handler {
	return &Handler{engine: engine, stocks: stockSvc, st: st}
}

type tradeRequest struct {
	StockID      string `json:"stock_id"`
	Quantity     int64  `json:"quantity"`
	PricePerUnit string `json:"price_per_unit"`
}

type tradeResponse struct {
	Message       string          `json:"message"`
	TransactionID string          `json:"transaction_id"`
	Balance       decimal.Decimal `json:"balance"`
}

type loanRequest struct {
	Amount string `json:"amount"`
}

type loanResponse struct {
	Message    string          `json:"message"`
	LoanID     string          `json:"loan_id,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	TotalRepay decimal.Decimal `json:"total_repay"`
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrNoActiveLoan):
		status = http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientShares):
		status = http.StatusBadRequest
	case errors.Is(err, ErrLoanAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, ErrConcurrencyTimeout), errors.Is(err, ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
}

// resolveTrade turns the wire request into an engine request, resolving the
// price from the catalog when the caller leaves it out.
func (h *Handler) resolveTrade(r *http.Request, userID string) (TradeRequest, error) {
	var req tradeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		return TradeRequest{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	out := TradeRequest{UserID: userID, StockID: strings.TrimSpace(req.StockID), Quantity: req.Quantity}
	if strings.TrimSpace(req.PricePerUnit) == "" {
		stock, err := h.stocks.Get(r.Context(), out.StockID)
		if err != nil {
			return TradeRequest{}, fmt.Errorf("%w: unknown stock and no price given", ErrInvalidArgument)
		}
		out.PricePerUnit = stock.CurrentPrice
		return out, nil
	}
	price, err := decimal.NewFromString(req.PricePerUnit)
	if err != nil {
		return TradeRequest{}, fmt.Errorf("%w: invalid price_per_unit", ErrInvalidArgument)
	}
	out.PricePerUnit = price
	return out, nil
}

func (h *Handler) Buy(w http.ResponseWriter, r *http.Request, userID string) {
	req, err := h.resolveTrade(r, userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	res, err := h.engine.Buy(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tradeResponse{
		Message:       "stock purchased",
		TransactionID: res.TransactionID,
		Balance:       res.NewBalance,
	})
}

func (h *Handler) Sell(w http.ResponseWriter, r *http.Request, userID string) {
	req, err := h.resolveTrade(r, userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	res, err := h.engine.Sell(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tradeResponse{
		Message:       "stock sold",
		TransactionID: res.TransactionID,
		Balance:       res.NewBalance,
	})
}

func (h *Handler) TakeLoan(w http.ResponseWriter, r *http.Request, userID string) {
	var req loanRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	res, err := h.engine.TakeLoan(r.Context(), userID, amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loanResponse{
		Message:    "loan granted",
		LoanID:     res.LoanID,
		Balance:    res.NewBalance,
		TotalRepay: res.TotalRepay,
	})
}

func (h *Handler) RepayLoan(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := h.engine.RepayLoan(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loanResponse{
		Message:    "loan repaid",
		LoanID:     res.LoanID,
		Balance:    res.NewBalance,
		TotalRepay: res.TotalRepay,
	})
}

func (h *Handler) LoanStatus(w http.ResponseWriter, r *http.Request, userID string) {
	loan, active, err := h.engine.LoanStatus(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if !active {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"has_loan": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"has_loan":      true,
		"principal":     loan.Principal,
		"interest_rate": loan.InterestRate,
		"total_repay":   loan.TotalRepay,
		"created_at":    loan.CreatedAt,
	})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request, userID string) {
	stockID := strings.TrimSpace(r.URL.Query().Get("stock_id"))
	txns, err := h.engine.Transactions(r.Context(), userID, stockID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"transactions": txns, "count": len(txns)})
}

func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request, userID string) {
	prices, err := h.stocks.PriceLookup(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	v, err := h.engine.Portfolio(r.Context(), userID, prices)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

type leaderboardEntry struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.st.ListAccountsByBalance(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]leaderboardEntry, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, leaderboardEntry{UserID: a.ID, Username: a.Username, Balance: a.Balance})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type reportHolding struct {
	StockID       string          `json:"stock_id"`
	ReturnPercent decimal.Decimal `json:"return_percent"`
	MarketValue   decimal.Decimal `json:"market_value"`
}

type accountReport struct {
	UserID        string          `json:"user_id"`
	Username      string          `json:"username"`
	AccountAge    string          `json:"account_age"`
	TotalHoldings int             `json:"total_holdings"`
	TotalValue    decimal.Decimal `json:"total_value"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	TopPerformers []reportHolding `json:"top_performers"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// Report summarizes an account: valuation totals plus the three holdings with
// the best return over their average cost.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request, userID string) {
	acct, err := h.engine.Account(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	prices, err := h.stocks.PriceLookup(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	v := Valuate(acct, prices)
	performers := make([]reportHolding, 0, len(v.Holdings))
	hundred := decimal.NewFromInt(100)
	for _, hold := range v.Holdings {
		ret := decimal.Zero
		if hold.AveragePrice.GreaterThan(decimal.Zero) {
			ret = hold.CurrentPrice.Sub(hold.AveragePrice).Div(hold.AveragePrice).Mul(hundred)
		}
		performers = append(performers, reportHolding{
			StockID:       hold.StockID,
			ReturnPercent: ret.Round(2),
			MarketValue:   hold.MarketValue,
		})
	}
	sort.Slice(performers, func(i, j int) bool {
		return performers[i].ReturnPercent.GreaterThan(performers[j].ReturnPercent)
	})
	if len(performers) > 3 {
		performers = performers[:3]
	}
	ageDays := int(time.Since(acct.CreatedAt).Hours() / 24)
	httputil.WriteJSON(w, http.StatusOK, accountReport{
		UserID:        acct.ID,
		Username:      acct.Username,
		AccountAge:    strconv.Itoa(ageDays) + " days",
		TotalHoldings: len(v.Holdings),
		TotalValue:    v.TotalValue,
		CashBalance:   v.CashBalance,
		NetWorth:      v.NetWorth,
		TopPerformers: performers,
		GeneratedAt:   time.Now().UTC(),
	})
}
