package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stocksim/internal/model"
)

// MemoryStore implements Store with mutex-guarded maps. Used by tests and
// local development; not durable.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	credentials map[string]credential // keyed by email
	txns        []model.Transaction
	loans       []model.Loan
	stocks      map[string]*model.Stock
	prices      []model.PricePoint
}

type credential struct {
	userID       string
	passwordHash string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		credentials: make(map[string]credential),
		stocks:      make(map[string]*model.Stock),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct model.Account, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[acct.Email]; ok {
		return ErrUsernameTaken
	}
	for _, existing := range s.accounts {
		if existing.Username == acct.Username || existing.Email == acct.Email {
			return ErrUsernameTaken
		}
	}
	copy := acct.Clone()
	if copy.Version == 0 {
		copy.Version = 1
	}
	s.accounts[acct.ID] = &copy
	s.credentials[acct.Email] = credential{userID: acct.ID, passwordHash: passwordHash}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAccountByUsername(_ context.Context, username string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Username == username {
			return a.Clone(), nil
		}
	}
	return model.Account{}, ErrAccountNotFound
}

func (s *MemoryStore) GetCredentialByEmail(_ context.Context, email string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[email]
	if !ok {
		return "", "", ErrAccountNotFound
	}
	return c.userID, c.passwordHash, nil
}

func (s *MemoryStore) ListAccountsByBalance(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Balance.Equal(out[j].Balance) {
			return out[i].Balance.GreaterThan(out[j].Balance)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// swapAccount replaces the stored account if the version matches, bumping the
// version. Callers must hold the write lock.
func (s *MemoryStore) swapAccount(next model.Account, expectedVersion int64) error {
	current, ok := s.accounts[next.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	copy := next.Clone()
	copy.Version = expectedVersion + 1
	copy.UpdatedAt = time.Now().UTC()
	s.accounts[next.ID] = &copy
	return nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, next model.Account, expectedVersion int64, txn model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.swapAccount(next, expectedVersion); err != nil {
		return err
	}
	s.txns = append(s.txns, txn)
	return nil
}

func (s *MemoryStore) ApplyLoanGrant(_ context.Context, next model.Account, expectedVersion int64, loan model.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Same rule the postgres schema enforces with a partial unique index.
	for _, l := range s.loans {
		if l.UserID == loan.UserID && !l.IsRepaid {
			return ErrOpenLoanExists
		}
	}
	if err := s.swapAccount(next, expectedVersion); err != nil {
		return err
	}
	s.loans = append(s.loans, loan)
	return nil
}

func (s *MemoryStore) ApplyLoanRepay(_ context.Context, next model.Account, expectedVersion int64, loanID string, repaidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, l := range s.loans {
		if l.ID == loanID && l.UserID == next.ID && !l.IsRepaid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNoOpenLoan
	}
	if err := s.swapAccount(next, expectedVersion); err != nil {
		return err
	}
	s.loans[idx].IsRepaid = true
	at := repaidAt.UTC()
	s.loans[idx].RepaidAt = &at
	return nil
}

func (s *MemoryStore) Transactions(_ context.Context, userID, stockID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	// Appended in commit order; walk backwards for most-recent-first.
	for i := len(s.txns) - 1; i >= 0; i-- {
		t := s.txns[i]
		if t.UserID != userID {
			continue
		}
		if stockID != "" && t.StockID != stockID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) TransactionsByStock(_ context.Context, stockID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].StockID == stockID {
			out = append(out, s.txns[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenLoan(_ context.Context, userID string) (model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.loans {
		if l.UserID == userID && !l.IsRepaid {
			return l, nil
		}
	}
	return model.Loan{}, ErrNoOpenLoan
}

func (s *MemoryStore) LoansByUser(_ context.Context, userID string) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Loan
	for i := len(s.loans) - 1; i >= 0; i-- {
		if s.loans[i].UserID == userID {
			out = append(out, s.loans[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateStock(_ context.Context, stock model.Stock, initial model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.stocks {
		if strings.EqualFold(existing.Symbol, stock.Symbol) {
			return ErrStockExists
		}
	}
	copy := stock
	s.stocks[stock.ID] = &copy
	s.prices = append(s.prices, initial)
	return nil
}

func (s *MemoryStore) GetStock(_ context.Context, id string) (model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stocks[id]
	if !ok {
		return model.Stock{}, ErrStockNotFound
	}
	return *st, nil
}

func (s *MemoryStore) GetStockBySymbol(_ context.Context, symbol string) (model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.stocks {
		if strings.EqualFold(st.Symbol, symbol) {
			return *st, nil
		}
	}
	return model.Stock{}, ErrStockNotFound
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) RecordPrice(_ context.Context, p model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[p.StockID]
	if !ok {
		return ErrStockNotFound
	}
	st.CurrentPrice = p.Price
	st.UpdatedAt = p.CreatedAt
	s.prices = append(s.prices, p)
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, stockID string) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PricePoint
	for i := len(s.prices) - 1; i >= 0; i-- {
		if s.prices[i].StockID == stockID {
			out = append(out, s.prices[i])
		}
	}
	return out, nil
}
