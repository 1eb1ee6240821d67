package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stocksim/internal/model"
	"stocksim/internal/types"
)

// PostgresStore implements Store on PostgreSQL. Monetary values are stored as
// NUMERIC, positions as a jsonb document on the account row. Mutations run in
// a serializable transaction and compare-and-swap on the account version; the
// single-open-loan rule is additionally enforced by a partial unique index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema is applied by InitSchema. Kept in one place so the memory store and
// tests stay the documentation of record for behavior, not DDL.
const schema = `
create table if not exists accounts (
	id uuid primary key,
	username text not null unique,
	email text not null unique,
	balance numeric not null check (balance >= 0),
	positions jsonb not null default '{}',
	version bigint not null default 1,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
create table if not exists account_credentials (
	user_id uuid primary key references accounts(id),
	password_hash text not null
);
create table if not exists transactions (
	id uuid primary key,
	user_id uuid not null references accounts(id),
	-- opaque to the ledger; trades at an explicit price need no catalog entry
	stock_id text not null,
	quantity bigint not null check (quantity > 0),
	price_per_unit numeric not null check (price_per_unit > 0),
	type text not null check (type in ('buy', 'sell')),
	created_at timestamptz not null default now()
);
create index if not exists transactions_user_created_idx on transactions (user_id, created_at desc);
create index if not exists transactions_stock_idx on transactions (stock_id);
create table if not exists loans (
	id uuid primary key,
	user_id uuid not null references accounts(id),
	principal numeric not null check (principal > 0),
	interest_rate numeric not null,
	total_repay numeric not null,
	is_repaid boolean not null default false,
	created_at timestamptz not null default now(),
	repaid_at timestamptz
);
create unique index if not exists loans_single_open_idx on loans (user_id) where not is_repaid;
create table if not exists stocks (
	id uuid primary key,
	symbol text not null unique,
	name text not null,
	current_price numeric not null,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
create table if not exists price_history (
	id uuid primary key,
	stock_id uuid not null references stocks(id),
	price numeric not null,
	created_at timestamptz not null default now()
);
create index if not exists price_history_stock_idx on price_history (stock_id, created_at desc);
`

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Serializable transactions can fail to commit under contention; that is the
// same retry signal as a lost version race.
func commitCAS(ctx context.Context, tx pgx.Tx) error {
	err := tx.Commit(ctx)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return ErrVersionConflict
	}
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct model.Account, passwordHash string) error {
	positions, err := json.Marshal(acct.Positions)
	if err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx,
		"insert into accounts (id, username, email, balance, positions, version, created_at, updated_at) values ($1, $2, $3, $4, $5, 1, $6, $6)",
		acct.ID, acct.Username, acct.Email, acct.Balance, positions, acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return err
	}
	_, err = tx.Exec(ctx,
		"insert into account_credentials (user_id, password_hash) values ($1, $2)",
		acct.ID, passwordHash)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	var positions []byte
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Balance, &positions, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, ErrAccountNotFound
		}
		return a, err
	}
	if err := json.Unmarshal(positions, &a.Positions); err != nil {
		return a, fmt.Errorf("decode positions for account %s: %w", a.ID, err)
	}
	if a.Positions == nil {
		a.Positions = map[string]model.Position{}
	}
	return a, nil
}

const accountColumns = "id, username, email, balance, positions, version, created_at, updated_at"

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from accounts where id = $1", id))
}

func (s *PostgresStore) GetAccountByUsername(ctx context.Context, username string) (model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from accounts where username = $1", username))
}

func (s *PostgresStore) GetCredentialByEmail(ctx context.Context, email string) (string, string, error) {
	var userID, hash string
	err := s.pool.QueryRow(ctx,
		"select a.id, c.password_hash from accounts a join account_credentials c on c.user_id = a.id where a.email = $1",
		email).Scan(&userID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrAccountNotFound
	}
	return userID, hash, err
}

func (s *PostgresStore) ListAccountsByBalance(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, "select "+accountColumns+" from accounts order by balance desc, username asc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// casAccount updates the account row iff the version matches. Callers run it
// inside the same transaction that writes the derived record.
func (s *PostgresStore) casAccount(ctx context.Context, tx pgx.Tx, next model.Account, expectedVersion int64) error {
	positions, err := json.Marshal(next.Positions)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		"update accounts set balance = $1, positions = $2, version = version + 1, updated_at = now() where id = $3 and version = $4",
		next.Balance, positions, next.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing account from a lost race.
		var exists bool
		if err := tx.QueryRow(ctx, "select exists(select 1 from accounts where id = $1)", next.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, next model.Account, expectedVersion int64, txn model.Transaction) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.casAccount(ctx, tx, next, expectedVersion); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"insert into transactions (id, user_id, stock_id, quantity, price_per_unit, type, created_at) values ($1, $2, $3, $4, $5, $6, $7)",
		txn.ID, txn.UserID, txn.StockID, txn.Quantity, txn.PricePerUnit, string(txn.Type), txn.CreatedAt)
	if err != nil {
		return err
	}
	return commitCAS(ctx, tx)
}

func (s *PostgresStore) ApplyLoanGrant(ctx context.Context, next model.Account, expectedVersion int64, loan model.Loan) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.casAccount(ctx, tx, next, expectedVersion); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"insert into loans (id, user_id, principal, interest_rate, total_repay, is_repaid, created_at) values ($1, $2, $3, $4, $5, false, $6)",
		loan.ID, loan.UserID, loan.Principal, loan.InterestRate, loan.TotalRepay, loan.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenLoanExists
		}
		return err
	}
	return commitCAS(ctx, tx)
}

func (s *PostgresStore) ApplyLoanRepay(ctx context.Context, next model.Account, expectedVersion int64, loanID string, repaidAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.casAccount(ctx, tx, next, expectedVersion); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		"update loans set is_repaid = true, repaid_at = $1 where id = $2 and user_id = $3 and not is_repaid",
		repaidAt.UTC(), loanID, next.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoOpenLoan
	}
	return commitCAS(ctx, tx)
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &t.StockID, &t.Quantity, &t.PricePerUnit, &typ, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = types.TxnType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

const txnColumns = "id, user_id, stock_id, quantity, price_per_unit, type, created_at"

func (s *PostgresStore) Transactions(ctx context.Context, userID, stockID string) ([]model.Transaction, error) {
	if stockID != "" {
		return s.queryTransactions(ctx,
			"select "+txnColumns+" from transactions where user_id = $1 and stock_id = $2 order by created_at desc",
			userID, stockID)
	}
	return s.queryTransactions(ctx,
		"select "+txnColumns+" from transactions where user_id = $1 order by created_at desc", userID)
}

func (s *PostgresStore) TransactionsByStock(ctx context.Context, stockID string) ([]model.Transaction, error) {
	return s.queryTransactions(ctx,
		"select "+txnColumns+" from transactions where stock_id = $1 order by created_at desc", stockID)
}

func (s *PostgresStore) scanLoan(row pgx.Row) (model.Loan, error) {
	var l model.Loan
	err := row.Scan(&l.ID, &l.UserID, &l.Principal, &l.InterestRate, &l.TotalRepay, &l.IsRepaid, &l.CreatedAt, &l.RepaidAt)
	return l, err
}

const loanColumns = "id, user_id, principal, interest_rate, total_repay, is_repaid, created_at, repaid_at"

func (s *PostgresStore) OpenLoan(ctx context.Context, userID string) (model.Loan, error) {
	l, err := s.scanLoan(s.pool.QueryRow(ctx,
		"select "+loanColumns+" from loans where user_id = $1 and not is_repaid", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Loan{}, ErrNoOpenLoan
	}
	return l, err
}

func (s *PostgresStore) LoansByUser(ctx context.Context, userID string) ([]model.Loan, error) {
	rows, err := s.pool.Query(ctx,
		"select "+loanColumns+" from loans where user_id = $1 order by created_at desc", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Loan
	for rows.Next() {
		l, err := s.scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateStock(ctx context.Context, stock model.Stock, initial model.PricePoint) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx,
		"insert into stocks (id, symbol, name, current_price, created_at, updated_at) values ($1, $2, $3, $4, $5, $5)",
		stock.ID, stock.Symbol, stock.Name, stock.CurrentPrice, stock.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrStockExists
		}
		return err
	}
	_, err = tx.Exec(ctx,
		"insert into price_history (id, stock_id, price, created_at) values ($1, $2, $3, $4)",
		initial.ID, initial.StockID, initial.Price, initial.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) scanStock(row pgx.Row) (model.Stock, error) {
	var st model.Stock
	err := row.Scan(&st.ID, &st.Symbol, &st.Name, &st.CurrentPrice, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, ErrStockNotFound
	}
	return st, err
}

const stockColumns = "id, symbol, name, current_price, created_at, updated_at"

func (s *PostgresStore) GetStock(ctx context.Context, id string) (model.Stock, error) {
	return s.scanStock(s.pool.QueryRow(ctx, "select "+stockColumns+" from stocks where id = $1", id))
}

func (s *PostgresStore) GetStockBySymbol(ctx context.Context, symbol string) (model.Stock, error) {
	return s.scanStock(s.pool.QueryRow(ctx, "select "+stockColumns+" from stocks where upper(symbol) = upper($1)", symbol))
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx, "select "+stockColumns+" from stocks order by symbol asc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Stock
	for rows.Next() {
		st, err := s.scanStock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordPrice(ctx context.Context, p model.PricePoint) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx,
		"update stocks set current_price = $1, updated_at = $2 where id = $3", p.Price, p.CreatedAt, p.StockID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStockNotFound
	}
	_, err = tx.Exec(ctx,
		"insert into price_history (id, stock_id, price, created_at) values ($1, $2, $3, $4)",
		p.ID, p.StockID, p.Price, p.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PriceHistory(ctx context.Context, stockID string) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		"select id, stock_id, price, created_at from price_history where stock_id = $1 order by created_at desc", stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		if err := rows.Scan(&p.ID, &p.StockID, &p.Price, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
