package stocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stocksim/internal/marketdata"
	"stocksim/internal/model"
	"stocksim/internal/store"
	"stocksim/internal/types"
)

// recordTrade appends a committed transaction the way the trading engine
// does, without pulling that package into these tests.
func recordTrade(t *testing.T, st *store.MemoryStore, userID, stockID string, qty int64, price decimal.Decimal, typ types.TxnType) {
	t.Helper()
	ctx := context.Background()
	acct, err := st.GetAccount(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	txn := model.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		StockID:      stockID,
		Quantity:     qty,
		PricePerUnit: price,
		Type:         typ,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.ApplyTrade(ctx, acct.Clone(), acct.Version, txn); err != nil {
		t.Fatal(err)
	}
}

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRegister_NormalizesAndRecordsOpeningPrice(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil, nil)
	ctx := context.Background()

	stock, err := svc.Register(ctx, " acme ", "Acme Corp", d(100))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if stock.Symbol != "ACME" {
		t.Errorf("expected symbol ACME, got %s", stock.Symbol)
	}
	history, err := svc.History(ctx, stock.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || !history[0].Price.Equal(d(100)) {
		t.Errorf("expected one opening price of 100, got %+v", history)
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "", "Acme", d(10)); !errors.Is(err, ErrInvalidStock) {
		t.Errorf("expected ErrInvalidStock for empty symbol, got %v", err)
	}
	if _, err := svc.Register(ctx, "ACME", "", d(10)); !errors.Is(err, ErrInvalidStock) {
		t.Errorf("expected ErrInvalidStock for empty name, got %v", err)
	}
	if _, err := svc.Register(ctx, "ACME", "Acme", decimal.Zero); !errors.Is(err, ErrInvalidStock) {
		t.Errorf("expected ErrInvalidStock for zero price, got %v", err)
	}
}

func TestRegister_DuplicateSymbol(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ACME", "Acme", d(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "acme", "Acme Again", d(20)); !errors.Is(err, ErrStockExists) {
		t.Errorf("expected ErrStockExists, got %v", err)
	}
}

func TestPostPrice_UpdatesLookupAndPublishes(t *testing.T) {
	st := store.NewMemoryStore()
	bus := marketdata.NewBus()
	svc := NewService(st, bus, nil)
	ctx := context.Background()

	stock, err := svc.Register(ctx, "ACME", "Acme", d(100))
	if err != nil {
		t.Fatal(err)
	}

	events := bus.Subscribe()
	defer bus.Unsubscribe(events)

	if _, err := svc.PostPrice(ctx, stock.ID, d(120)); err != nil {
		t.Fatalf("post price: %v", err)
	}

	prices, err := svc.PriceLookup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !prices[stock.ID].Equal(d(120)) {
		t.Errorf("expected lookup price 120, got %s", prices[stock.ID])
	}

	select {
	case evt := <-events:
		upd, ok := evt.Data.(marketdata.PriceUpdate)
		if !ok {
			t.Fatalf("unexpected event payload %T", evt.Data)
		}
		if upd.Symbol != "ACME" || upd.Price != d(120).String() {
			t.Errorf("unexpected update: %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatal("no price event published")
	}
}

func TestPostPrice_UnknownStock(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, nil)
	if _, err := svc.PostPrice(context.Background(), "missing", d(10)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReport_AggregatesTrades(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil, nil)
	ctx := context.Background()

	stock, err := svc.Register(ctx, "ACME", "Acme", d(100))
	if err != nil {
		t.Fatal(err)
	}
	acct := model.Account{ID: "u1", Username: "u1", Email: "u1@test.local", Balance: d(10000), Positions: map[string]model.Position{}}
	if err := st.CreateAccount(ctx, acct, "h"); err != nil {
		t.Fatal(err)
	}
	recordTrade(t, st, "u1", stock.ID, 10, d(100), types.TxnTypeBuy)
	recordTrade(t, st, "u1", stock.ID, 4, d(110), types.TxnTypeSell)

	rep, err := svc.Report(ctx, stock.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.TotalBought != 10 || rep.TotalSold != 4 {
		t.Errorf("expected bought=10 sold=4, got bought=%d sold=%d", rep.TotalBought, rep.TotalSold)
	}
	if rep.TradeCount != 2 {
		t.Errorf("expected 2 trades, got %d", rep.TradeCount)
	}
	// 10*100 + 4*110
	if !rep.Turnover.Equal(d(1440)) {
		t.Errorf("expected turnover 1440, got %s", rep.Turnover)
	}
}

func TestTopStocks_RanksByBoughtVolume(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil, nil)
	ctx := context.Background()

	hot, err := svc.Register(ctx, "HOT", "Hot Inc", d(10))
	if err != nil {
		t.Fatal(err)
	}
	cold, err := svc.Register(ctx, "COLD", "Cold Inc", d(10))
	if err != nil {
		t.Fatal(err)
	}
	acct := model.Account{ID: "u1", Username: "u1", Email: "u1@test.local", Balance: d(10000), Positions: map[string]model.Position{}}
	if err := st.CreateAccount(ctx, acct, "h"); err != nil {
		t.Fatal(err)
	}
	recordTrade(t, st, "u1", hot.ID, 50, d(10), types.TxnTypeBuy)
	recordTrade(t, st, "u1", cold.ID, 5, d(10), types.TxnTypeBuy)

	top, err := svc.TopStocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0].Stock.Symbol != "HOT" || top[0].TotalBought != 50 {
		t.Errorf("expected HOT first with 50 bought, got %+v", top[0])
	}
}
