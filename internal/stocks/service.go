package stocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stocksim/internal/marketdata"
	"stocksim/internal/model"
	"stocksim/internal/store"
	"stocksim/internal/types"
)

var (
	ErrInvalidStock = errors.New("invalid stock")
	ErrStockExists  = errors.New("stock already exists")
	ErrNotFound     = errors.New("stock not found")
)

type Service struct {
	store store.Store
	bus   *marketdata.Bus
	log   *slog.Logger
}

func NewService(st store.Store, bus *marketdata.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, bus: bus, log: log}
}

// Register adds a stock to the catalog with its opening price.
func (s *Service) Register(ctx context.Context, symbol, name string, price decimal.Decimal) (model.Stock, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	name = strings.TrimSpace(name)
	if symbol == "" || name == "" {
		return model.Stock{}, fmt.Errorf("%w: symbol and name are required", ErrInvalidStock)
	}
	if !price.IsPositive() {
		return model.Stock{}, fmt.Errorf("%w: price must be positive", ErrInvalidStock)
	}
	now := time.Now().UTC()
	stock := model.Stock{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Name:         name,
		CurrentPrice: price,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	initial := model.PricePoint{ID: uuid.NewString(), StockID: stock.ID, Price: price, CreatedAt: now}
	if err := s.store.CreateStock(ctx, stock, initial); err != nil {
		if errors.Is(err, store.ErrStockExists) {
			return model.Stock{}, ErrStockExists
		}
		return model.Stock{}, err
	}
	s.log.Info("stock registered", "symbol", symbol, "price", price.String())
	s.publishPrice(stock, initial)
	return stock, nil
}

func (s *Service) List(ctx context.Context) ([]model.Stock, error) {
	return s.store.ListStocks(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (model.Stock, error) {
	stock, err := s.store.GetStock(ctx, id)
	if errors.Is(err, store.ErrStockNotFound) {
		return model.Stock{}, ErrNotFound
	}
	return stock, err
}

func (s *Service) GetBySymbol(ctx context.Context, symbol string) (model.Stock, error) {
	stock, err := s.store.GetStockBySymbol(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if errors.Is(err, store.ErrStockNotFound) {
		return model.Stock{}, ErrNotFound
	}
	return stock, err
}

// PostPrice appends a price tick and fans it out to websocket subscribers.
func (s *Service) PostPrice(ctx context.Context, stockID string, price decimal.Decimal) (model.PricePoint, error) {
	if !price.IsPositive() {
		return model.PricePoint{}, fmt.Errorf("%w: price must be positive", ErrInvalidStock)
	}
	stock, err := s.Get(ctx, stockID)
	if err != nil {
		return model.PricePoint{}, err
	}
	point := model.PricePoint{
		ID:        uuid.NewString(),
		StockID:   stock.ID,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.RecordPrice(ctx, point); err != nil {
		if errors.Is(err, store.ErrStockNotFound) {
			return model.PricePoint{}, ErrNotFound
		}
		return model.PricePoint{}, err
	}
	stock.CurrentPrice = price
	s.publishPrice(stock, point)
	return point, nil
}

func (s *Service) History(ctx context.Context, stockID string) ([]model.PricePoint, error) {
	if _, err := s.Get(ctx, stockID); err != nil {
		return nil, err
	}
	return s.store.PriceHistory(ctx, stockID)
}

// PriceLookup snapshots current prices keyed by stock id.
func (s *Service) PriceLookup(ctx context.Context) (map[string]decimal.Decimal, error) {
	list, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(list))
	for _, st := range list {
		prices[st.ID] = st.CurrentPrice
	}
	return prices, nil
}

type StockReport struct {
	Stock        model.Stock        `json:"stock"`
	TotalBought  int64              `json:"total_bought"`
	TotalSold    int64              `json:"total_sold"`
	TradeCount   int                `json:"trade_count"`
	Turnover     decimal.Decimal    `json:"turnover"`
	LatestPrices []model.PricePoint `json:"latest_prices"`
}

// Report aggregates trading activity for one stock.
func (s *Service) Report(ctx context.Context, stockID string) (StockReport, error) {
	stock, err := s.Get(ctx, stockID)
	if err != nil {
		return StockReport{}, err
	}
	txns, err := s.store.TransactionsByStock(ctx, stock.ID)
	if err != nil {
		return StockReport{}, err
	}
	rep := StockReport{Stock: stock, TradeCount: len(txns), Turnover: decimal.Zero}
	for _, t := range txns {
		value := t.PricePerUnit.Mul(decimal.NewFromInt(t.Quantity))
		rep.Turnover = rep.Turnover.Add(value)
		switch t.Type {
		case types.TxnTypeBuy:
			rep.TotalBought += t.Quantity
		case types.TxnTypeSell:
			rep.TotalSold += t.Quantity
		}
	}
	history, err := s.store.PriceHistory(ctx, stock.ID)
	if err != nil {
		return StockReport{}, err
	}
	if len(history) > 10 {
		history = history[:10]
	}
	rep.LatestPrices = history
	return rep, nil
}

type TopStock struct {
	Stock       model.Stock `json:"stock"`
	TotalBought int64       `json:"total_bought"`
}

// TopStocks ranks the catalog by bought volume and keeps the top five.
func (s *Service) TopStocks(ctx context.Context) ([]TopStock, error) {
	list, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TopStock, 0, len(list))
	for _, st := range list {
		txns, err := s.store.TransactionsByStock(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		var bought int64
		for _, t := range txns {
			if t.Type == types.TxnTypeBuy {
				bought += t.Quantity
			}
		}
		out = append(out, TopStock{Stock: st, TotalBought: bought})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBought != out[j].TotalBought {
			return out[i].TotalBought > out[j].TotalBought
		}
		return out[i].Stock.Symbol < out[j].Stock.Symbol
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out, nil
}

func (s *Service) publishPrice(stock model.Stock, point model.PricePoint) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(marketdata.Event{Type: "price", Data: marketdata.PriceUpdate{
		StockID:   stock.ID,
		Symbol:    stock.Symbol,
		Price:     point.Price.String(),
		Timestamp: point.CreatedAt.UTC().Unix(),
	}})
}
