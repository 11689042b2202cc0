// Package sqlstore implements the ledger service on database/sql. It
// speaks PostgreSQL through pgx and SQLite through modernc.org/sqlite,
// chosen by DSN scheme; SQL stays in the shared subset of the two
// dialects. Semantics mirror ledger.InMemory row for row.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/envelope-budget/backend/internal/ids"
	"github.com/envelope-budget/backend/internal/ledger"
)

// Store is a SQL-backed ledger.Service.
type Store struct {
	db       *sql.DB
	postgres bool
}

var _ ledger.Service = (*Store)(nil)

// Open connects to the database named by dsn. postgres:// and
// postgresql:// select pgx; anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return &Store{db: db, postgres: true}, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// New wraps an existing connection. Tests use this with sqlmock.
func New(db *sql.DB, postgres bool) *Store {
	return &Store{db: db, postgres: postgres}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// begin opens a write transaction. Postgres gets serializable isolation;
// SQLite transactions are serializable by construction.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.postgres {
		return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return s.db.BeginTx(ctx, nil)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) CreateBudget(ctx context.Context, name, currencyCode string) (ledger.Budget, error) {
	if currencyCode == "" {
		currencyCode = "USD"
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Budget{}, err
	}
	defer func() { _ = tx.Rollback() }()

	b := ledger.Budget{
		ID:           ids.New(),
		Name:         name,
		CurrencyCode: currencyCode,
		CreatedAt:    time.Now().UTC(),
	}
	unallocatedID := ids.New()
	b.UnallocatedEnvelopeID = unallocatedID
	if _, err := tx.ExecContext(ctx, `
		insert into budgets(id, name, currency_code, unallocated_envelope_id, created_at)
		values ($1,$2,$3,$4,$5)
	`, b.ID, b.Name, b.CurrencyCode, unallocatedID, b.CreatedAt); err != nil {
		return ledger.Budget{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into envelopes(id, budget_id, category_id, name, balance, monthly_budget_amount, linked_account_id, note, sort_order, hidden, deleted)
		values ($1,$2,'',$3,0,0,'','',0,false,false)
	`, unallocatedID, b.ID, ledger.UnallocatedEnvelopeName); err != nil {
		return ledger.Budget{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Budget{}, err
	}
	return b, nil
}

func (s *Store) GetBudget(ctx context.Context, id string) (ledger.Budget, error) {
	return getBudget(ctx, s.db, id)
}

func getBudget(ctx context.Context, q querier, id string) (ledger.Budget, error) {
	var b ledger.Budget
	err := q.QueryRowContext(ctx, `
		select id, name, currency_code, unallocated_envelope_id, created_at
		from budgets where id=$1
	`, id).Scan(&b.ID, &b.Name, &b.CurrencyCode, &b.UnallocatedEnvelopeID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Budget{}, ledger.ErrBudgetNotFound
	}
	if err != nil {
		return ledger.Budget{}, err
	}
	return b, nil
}

const accountCols = `id, budget_id, name, type, balance, cleared_balance, closed, deleted, sfin_id, last_synced_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var a ledger.Account
	var synced sql.NullTime
	err := row.Scan(&a.ID, &a.BudgetID, &a.Name, &a.Type, &a.Balance, &a.ClearedBalance,
		&a.Closed, &a.Deleted, &a.SFinID, &synced, &a.CreatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	if synced.Valid {
		a.LastSyncedAt = synced.Time
	}
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, budgetID, name string, typ ledger.AccountType) (ledger.Account, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getBudget(ctx, tx, budgetID); err != nil {
		return ledger.Account{}, err
	}
	a := ledger.Account{
		ID:        ids.New(),
		BudgetID:  budgetID,
		Name:      name,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into accounts(id, budget_id, name, type, balance, cleared_balance, closed, deleted, sfin_id, last_synced_at, created_at)
		values ($1,$2,$3,$4,0,0,false,false,'',null,$5)
	`, a.ID, a.BudgetID, a.Name, a.Type, a.CreatedAt); err != nil {
		return ledger.Account{}, err
	}

	if typ.IsDebt() {
		catID, err := debtCategoryTx(ctx, tx, budgetID)
		if err != nil {
			return ledger.Account{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into envelopes(id, budget_id, category_id, name, balance, monthly_budget_amount, linked_account_id, note, sort_order, hidden, deleted)
			values ($1,$2,$3,$4,0,0,$5,'',99,false,false)
		`, ids.New(), budgetID, catID, name+" Payments", a.ID); err != nil {
			return ledger.Account{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

func debtCategoryTx(ctx context.Context, tx *sql.Tx, budgetID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		select id from categories where budget_id=$1 and name=$2 and not deleted
	`, budgetID, "Debt").Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = ids.New()
	_, err = tx.ExecContext(ctx, `
		insert into categories(id, budget_id, name, balance, sort_order, hidden, deleted)
		values ($1,$2,$3,0,999,false,false)
	`, id, budgetID, "Debt")
	return id, err
}

func (s *Store) GetAccount(ctx context.Context, budgetID, id string) (ledger.Account, error) {
	return getAccount(ctx, s.db, budgetID, id)
}

func getAccount(ctx context.Context, q querier, budgetID, id string) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, `
		select `+accountCols+` from accounts
		where id=$1 and budget_id=$2 and not deleted
	`, id, budgetID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context, budgetID string) ([]ledger.Account, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+accountCols+` from accounts
		where budget_id=$1 and not deleted
		order by name asc
	`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]ledger.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) ArchiveAccount(ctx context.Context, budgetID, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := getAccount(ctx, tx, budgetID, id)
	if err != nil {
		return err
	}
	if !a.Balance.IsZero() {
		return ledger.ErrAccountNotEmpty
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set closed=true, deleted=true where id=$1
	`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// applyAccountDelta adjusts the denormalized account balances by delta,
// counting it against the cleared balance as well when cleared is set.
func applyAccountDelta(ctx context.Context, tx *sql.Tx, accountID string, delta ledger.Milliunits, cleared bool) error {
	clearedDelta := ledger.Milliunits(0)
	if cleared {
		clearedDelta = delta
	}
	_, err := tx.ExecContext(ctx, `
		update accounts set balance = balance + $2, cleared_balance = cleared_balance + $3
		where id=$1
	`, accountID, delta, clearedDelta)
	return err
}

// applyEnvelopeDelta adjusts an envelope balance and refreshes its derived
// category total.
func applyEnvelopeDelta(ctx context.Context, tx *sql.Tx, envelopeID string, delta ledger.Milliunits) error {
	if envelopeID == "" || delta == 0 {
		return nil
	}
	var categoryID string
	if err := tx.QueryRowContext(ctx, `select category_id from envelopes where id=$1`, envelopeID).Scan(&categoryID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update envelopes set balance = balance + $2 where id=$1
	`, envelopeID, delta); err != nil {
		return err
	}
	return recomputeCategory(ctx, tx, categoryID)
}

func recomputeCategory(ctx context.Context, tx *sql.Tx, categoryID string) error {
	if categoryID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		update categories set balance = (
			select coalesce(sum(balance), 0) from envelopes
			where category_id=$1 and not deleted
		) where id=$1
	`, categoryID)
	return err
}
