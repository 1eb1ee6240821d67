package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/internal/model"
	"stocksim/internal/store"
)

func seedAccount(t *testing.T, st *store.MemoryStore, id string, balance decimal.Decimal) {
	t.Helper()
	acct := model.Account{
		ID:        id,
		Username:  id,
		Email:     id + "@test.local",
		Balance:   balance,
		Positions: map[string]model.Position{},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateAccount(context.Background(), acct, "hash"); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestBuy_DebitsBalanceAndRecordsTransaction(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(10000))
	e := NewEngine(st)
	ctx := context.Background()

	res, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 10, PricePerUnit: d(150)})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !res.NewBalance.Equal(d(8500)) {
		t.Errorf("expected balance 8500, got %s", res.NewBalance)
	}
	if res.TransactionID == "" {
		t.Error("expected a transaction id")
	}

	acct, err := st.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	pos := acct.Positions["s1"]
	if pos.Quantity != 10 || !pos.AveragePrice.Equal(d(150)) {
		t.Errorf("unexpected position: qty=%d avg=%s", pos.Quantity, pos.AveragePrice)
	}

	txns, err := e.Transactions(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if txns[0].ID != res.TransactionID {
		t.Errorf("transaction id mismatch: %s vs %s", txns[0].ID, res.TransactionID)
	}
}

func TestBuy_InsufficientFundsLeavesStateUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(100))
	e := NewEngine(st)
	ctx := context.Background()

	_, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 1, PricePerUnit: d(101)})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	acct, _ := st.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(d(100)) {
		t.Errorf("balance changed after failed buy: %s", acct.Balance)
	}
	if len(acct.Positions) != 0 {
		t.Error("position created by a failed buy")
	}
	txns, _ := e.Transactions(ctx, "u1", "")
	if len(txns) != 0 {
		t.Error("transaction recorded for a failed buy")
	}
}

func TestBuy_ExactBalanceSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(100))
	e := NewEngine(st)

	res, err := e.Buy(context.Background(), TradeRequest{UserID: "u1", StockID: "s1", Quantity: 2, PricePerUnit: d(50)})
	if err != nil {
		t.Fatalf("buy at exact balance should succeed: %v", err)
	}
	if !res.NewBalance.Equal(decimal.Zero) {
		t.Errorf("expected zero balance, got %s", res.NewBalance)
	}
}

func TestBuy_AveragesAcrossBuys(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(10000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 10, PricePerUnit: d(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 10, PricePerUnit: d(200)}); err != nil {
		t.Fatal(err)
	}

	acct, _ := st.GetAccount(ctx, "u1")
	pos := acct.Positions["s1"]
	if pos.Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(d(150)) {
		t.Errorf("expected average 150, got %s", pos.AveragePrice)
	}
}

func TestBuy_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	cases := []TradeRequest{
		{UserID: "", StockID: "s1", Quantity: 1, PricePerUnit: d(10)},
		{UserID: "u1", StockID: "", Quantity: 1, PricePerUnit: d(10)},
		{UserID: "u1", StockID: "s1", Quantity: 0, PricePerUnit: d(10)},
		{UserID: "u1", StockID: "s1", Quantity: -5, PricePerUnit: d(10)},
		{UserID: "u1", StockID: "s1", Quantity: 1, PricePerUnit: decimal.Zero},
		{UserID: "u1", StockID: "s1", Quantity: 1, PricePerUnit: d(-10)},
	}
	for i, req := range cases {
		if _, err := e.Buy(ctx, req); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestBuy_AccountNotFound(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	_, err := e.Buy(context.Background(), TradeRequest{UserID: "ghost", StockID: "s1", Quantity: 1, PricePerUnit: d(10)})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSell_PartialKeepsAveragePrice(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(10000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 10, PricePerUnit: d(100)}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Sell(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 4, PricePerUnit: d(120)})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	// 10000 - 1000 + 480
	if !res.NewBalance.Equal(d(9480)) {
		t.Errorf("expected balance 9480, got %s", res.NewBalance)
	}
	acct, _ := st.GetAccount(ctx, "u1")
	pos := acct.Positions["s1"]
	if pos.Quantity != 6 {
		t.Errorf("expected 6 remaining shares, got %d", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(d(100)) {
		t.Errorf("sell must not change average price, got %s", pos.AveragePrice)
	}
}

func TestSell_FullCloseRemovesPosition(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 5, PricePerUnit: d(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Sell(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 5, PricePerUnit: d(100)}); err != nil {
		t.Fatal(err)
	}
	acct, _ := st.GetAccount(ctx, "u1")
	if _, ok := acct.Positions["s1"]; ok {
		t.Error("fully sold position should be removed")
	}
	if !acct.Balance.Equal(d(1000)) {
		t.Errorf("round trip at the same price should restore the balance, got %s", acct.Balance)
	}
}

func TestSell_PositionNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)

	_, err := e.Sell(context.Background(), TradeRequest{UserID: "u1", StockID: "s1", Quantity: 1, PricePerUnit: d(10)})
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestSell_InsufficientShares(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 3, PricePerUnit: d(10)}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Sell(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 4, PricePerUnit: d(10)})
	if !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestLoan_Lifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	res, err := e.TakeLoan(ctx, "u1", d(500))
	if err != nil {
		t.Fatalf("take loan: %v", err)
	}
	if !res.NewBalance.Equal(d(1500)) {
		t.Errorf("expected balance 1500, got %s", res.NewBalance)
	}
	if !res.TotalRepay.Equal(d(550)) {
		t.Errorf("expected total repay 550 at 10%%, got %s", res.TotalRepay)
	}

	loan, active, err := e.LoanStatus(ctx, "u1")
	if err != nil || !active {
		t.Fatalf("expected an active loan, got active=%v err=%v", active, err)
	}
	if !loan.Principal.Equal(d(500)) {
		t.Errorf("expected principal 500, got %s", loan.Principal)
	}

	if _, err := e.TakeLoan(ctx, "u1", d(100)); !errors.Is(err, ErrLoanAlreadyActive) {
		t.Errorf("expected ErrLoanAlreadyActive, got %v", err)
	}

	repay, err := e.RepayLoan(ctx, "u1")
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !repay.NewBalance.Equal(d(950)) {
		t.Errorf("expected balance 950 after repay, got %s", repay.NewBalance)
	}

	if _, active, _ := e.LoanStatus(ctx, "u1"); active {
		t.Error("loan should be closed after repay")
	}
	if _, err := e.RepayLoan(ctx, "u1"); !errors.Is(err, ErrNoActiveLoan) {
		t.Errorf("expected ErrNoActiveLoan on second repay, got %v", err)
	}

	// A repaid loan does not block a new one.
	if _, err := e.TakeLoan(ctx, "u1", d(200)); err != nil {
		t.Errorf("expected a new loan after settling the old one, got %v", err)
	}
}

func TestRepayLoan_InsufficientFunds(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", decimal.Zero)
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.TakeLoan(ctx, "u1", d(100)); err != nil {
		t.Fatal(err)
	}
	// Balance is 100 but the debt is 110.
	if _, err := e.RepayLoan(ctx, "u1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	// The loan stays open and the balance is untouched.
	if _, active, _ := e.LoanStatus(ctx, "u1"); !active {
		t.Error("loan should remain open after a failed repay")
	}
	acct, _ := st.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(d(100)) {
		t.Errorf("balance changed after failed repay: %s", acct.Balance)
	}
}

func TestTakeLoan_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.TakeLoan(ctx, "u1", decimal.Zero); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero amount, got %v", err)
	}
	if _, err := e.TakeLoan(ctx, "u1", d(-5)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative amount, got %v", err)
	}
}

func TestTransactions_MostRecentFirstAndFiltered(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(10000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "aaa", Quantity: 1, PricePerUnit: d(10)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "bbb", Quantity: 1, PricePerUnit: d(10)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Sell(ctx, TradeRequest{UserID: "u1", StockID: "aaa", Quantity: 1, PricePerUnit: d(12)}); err != nil {
		t.Fatal(err)
	}

	all, err := e.Transactions(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(all))
	}
	if all[0].StockID != "aaa" || all[0].Quantity != 1 {
		t.Errorf("most recent transaction should be the sell of aaa, got %+v", all[0])
	}
	if !all[0].CreatedAt.After(all[2].CreatedAt) && !all[0].CreatedAt.Equal(all[2].CreatedAt) {
		t.Error("transactions not ordered most recent first")
	}

	filtered, err := e.Transactions(ctx, "u1", "aaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 transactions for aaa, got %d", len(filtered))
	}
	for _, txn := range filtered {
		if txn.StockID != "aaa" {
			t.Errorf("filter leaked stock %s", txn.StockID)
		}
	}
}

func TestConcurrentBuys_ConserveBalance(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	const workers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 1, PricePerUnit: d(10)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrConcurrencyTimeout) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := st.GetAccount(ctx, "u1")
	spent := d(10).Mul(decimal.NewFromInt(int64(succeeded)))
	if !acct.Balance.Equal(d(1000).Sub(spent)) {
		t.Errorf("balance %s does not match %d successful buys", acct.Balance, succeeded)
	}
	if int(acct.Positions["s1"].Quantity) != succeeded {
		t.Errorf("position quantity %d does not match %d successful buys", acct.Positions["s1"].Quantity, succeeded)
	}
	txns, _ := e.Transactions(ctx, "u1", "")
	if len(txns) != succeeded {
		t.Errorf("expected %d transactions, got %d", succeeded, len(txns))
	}
}

// conflictStore loses every version race, as if another writer always
// commits first.
type conflictStore struct {
	*store.MemoryStore
	tradeAttempts int
	loanAttempts  int
}

func (s *conflictStore) ApplyTrade(_ context.Context, _ model.Account, _ int64, _ model.Transaction) error {
	s.tradeAttempts++
	return store.ErrVersionConflict
}

func (s *conflictStore) ApplyLoanGrant(_ context.Context, _ model.Account, _ int64, _ model.Loan) error {
	s.loanAttempts++
	return store.ErrVersionConflict
}

func TestRetryExhaustion_FailsWithConcurrencyTimeout(t *testing.T) {
	st := &conflictStore{MemoryStore: store.NewMemoryStore()}
	seedAccount(t, st.MemoryStore, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	_, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 1, PricePerUnit: d(10)})
	if !errors.Is(err, ErrConcurrencyTimeout) {
		t.Fatalf("expected ErrConcurrencyTimeout, got %v", err)
	}
	if st.tradeAttempts != maxRetries {
		t.Errorf("expected %d commit attempts before giving up, got %d", maxRetries, st.tradeAttempts)
	}

	_, err = e.TakeLoan(ctx, "u1", d(100))
	if !errors.Is(err, ErrConcurrencyTimeout) {
		t.Fatalf("expected ErrConcurrencyTimeout, got %v", err)
	}
	if st.loanAttempts != maxRetries {
		t.Errorf("expected %d commit attempts before giving up, got %d", maxRetries, st.loanAttempts)
	}

	// No conflicted attempt may leave partial state behind.
	acct, _ := st.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(d(1000)) {
		t.Errorf("expected balance untouched at 1000, got %s", acct.Balance)
	}
	if len(acct.Positions) != 0 {
		t.Errorf("expected no positions, got %v", acct.Positions)
	}
}

func TestConcurrentSells_SingleWinnerOnExactPosition(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	if _, err := e.Buy(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 5, PricePerUnit: d(100)}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Sell(ctx, TradeRequest{UserID: "u1", StockID: "s1", Quantity: 5, PricePerUnit: d(100)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientShares) && !errors.Is(err, ErrPositionNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one successful sell, got %d", succeeded)
	}
	acct, _ := st.GetAccount(ctx, "u1")
	if _, ok := acct.Positions["s1"]; ok {
		t.Error("fully sold position should be removed")
	}
	if !acct.Balance.Equal(d(1000)) {
		t.Errorf("expected balance restored to 1000, got %s", acct.Balance)
	}
}

func TestConcurrentTakeLoan_SingleWinner(t *testing.T) {
	st := store.NewMemoryStore()
	seedAccount(t, st, "u1", d(1000))
	e := NewEngine(st)
	ctx := context.Background()

	const workers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.TakeLoan(ctx, "u1", d(100))
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrLoanAlreadyActive) && !errors.Is(err, ErrConcurrencyTimeout) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("expected exactly one granted loan, got %d", granted)
	}
	loans, _ := st.LoansByUser(ctx, "u1")
	open := 0
	for _, l := range loans {
		if !l.IsRepaid {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one open loan in the ledger, got %d", open)
	}
	acct, _ := st.GetAccount(ctx, "u1")
	if !acct.Balance.Equal(d(1100)) {
		t.Errorf("expected balance 1100 after one granted loan, got %s", acct.Balance)
	}
}
