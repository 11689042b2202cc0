package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/envelope-budget/backend/internal/ids"
	"github.com/envelope-budget/backend/internal/ledger"
)

func (s *Store) CreateCategory(ctx context.Context, budgetID, name string) (ledger.Category, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return ledger.Category{}, err
	}
	c := ledger.Category{
		ID:        ids.New(),
		BudgetID:  budgetID,
		Name:      name,
		SortOrder: 99,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into categories(id, budget_id, name, balance, sort_order, hidden, deleted)
		values ($1,$2,$3,0,$4,false,false)
	`, c.ID, c.BudgetID, c.Name, c.SortOrder)
	if err != nil {
		return ledger.Category{}, err
	}
	return c, nil
}

func (s *Store) GetCategory(ctx context.Context, budgetID, id string) (ledger.Category, error) {
	var c ledger.Category
	err := s.db.QueryRowContext(ctx, `
		select id, budget_id, name, balance, sort_order, hidden, deleted
		from categories
		where id=$1 and budget_id=$2 and not deleted
	`, id, budgetID).Scan(&c.ID, &c.BudgetID, &c.Name, &c.Balance, &c.SortOrder, &c.Hidden, &c.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Category{}, ledger.ErrCategoryNotFound
	}
	if err != nil {
		return ledger.Category{}, err
	}
	return c, nil
}

func (s *Store) ListCategories(ctx context.Context, budgetID string) ([]ledger.Category, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, budget_id, name, balance, sort_order, hidden, deleted
		from categories
		where budget_id=$1 and not deleted
		order by sort_order asc, name asc
	`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]ledger.Category, 0)
	for rows.Next() {
		var c ledger.Category
		if err := rows.Scan(&c.ID, &c.BudgetID, &c.Name, &c.Balance, &c.SortOrder, &c.Hidden, &c.Deleted); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const envelopeCols = `id, budget_id, category_id, name, balance, monthly_budget_amount, linked_account_id, note, sort_order, hidden, deleted`

func scanEnvelope(row interface{ Scan(...any) error }) (ledger.Envelope, error) {
	var e ledger.Envelope
	err := row.Scan(&e.ID, &e.BudgetID, &e.CategoryID, &e.Name, &e.Balance,
		&e.MonthlyBudgetAmount, &e.LinkedAccountID, &e.Note, &e.SortOrder, &e.Hidden, &e.Deleted)
	return e, err
}

func (s *Store) CreateEnvelope(ctx context.Context, budgetID, categoryID, name string) (ledger.Envelope, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return ledger.Envelope{}, err
	}
	if categoryID != "" {
		var one int
		err := s.db.QueryRowContext(ctx, `
			select 1 from categories where id=$1 and budget_id=$2 and not deleted
		`, categoryID, budgetID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Envelope{}, ledger.ErrCategoryNotFound
		}
		if err != nil {
			return ledger.Envelope{}, err
		}
	}
	e := ledger.Envelope{
		ID:         ids.New(),
		BudgetID:   budgetID,
		CategoryID: categoryID,
		Name:       name,
		SortOrder:  99,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into envelopes(`+envelopeCols+`)
		values ($1,$2,$3,$4,0,0,'','',$5,false,false)
	`, e.ID, e.BudgetID, e.CategoryID, e.Name, e.SortOrder)
	if err != nil {
		return ledger.Envelope{}, err
	}
	return e, nil
}

func (s *Store) GetEnvelope(ctx context.Context, budgetID, id string) (ledger.Envelope, error) {
	return getEnvelope(ctx, s.db, budgetID, id)
}

func getEnvelope(ctx context.Context, q querier, budgetID, id string) (ledger.Envelope, error) {
	row := q.QueryRowContext(ctx, `
		select `+envelopeCols+` from envelopes
		where id=$1 and budget_id=$2 and not deleted
	`, id, budgetID)
	e, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Envelope{}, ledger.ErrEnvelopeNotFound
	}
	return e, err
}

func (s *Store) UnallocatedEnvelope(ctx context.Context, budgetID string) (ledger.Envelope, error) {
	b, err := getBudget(ctx, s.db, budgetID)
	if err != nil {
		return ledger.Envelope{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		select `+envelopeCols+` from envelopes where id=$1
	`, b.UnallocatedEnvelopeID)
	e, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Envelope{}, ledger.ErrEnvelopeNotFound
	}
	return e, err
}

func (s *Store) ListEnvelopes(ctx context.Context, budgetID string) ([]ledger.Envelope, error) {
	b, err := getBudget(ctx, s.db, budgetID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+envelopeCols+` from envelopes
		where budget_id=$1 and not deleted and id <> $2
		order by sort_order asc, name asc
	`, budgetID, b.UnallocatedEnvelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]ledger.Envelope, 0)
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) SetMonthlyBudget(ctx context.Context, budgetID, envelopeID string, amount ledger.Milliunits) error {
	res, err := s.db.ExecContext(ctx, `
		update envelopes set monthly_budget_amount=$3
		where id=$1 and budget_id=$2 and not deleted
	`, envelopeID, budgetID, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrEnvelopeNotFound
	}
	return nil
}

func (s *Store) DeleteEnvelope(ctx context.Context, budgetID, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	b, err := getBudget(ctx, tx, budgetID)
	if err != nil {
		return err
	}
	e, err := getEnvelope(ctx, tx, budgetID, id)
	if err != nil {
		return err
	}
	if e.ID == b.UnallocatedEnvelopeID {
		if _, err := tx.ExecContext(ctx, `update envelopes set hidden=true where id=$1`, id); err != nil {
			return err
		}
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `update envelopes set deleted=true where id=$1`, id); err != nil {
		return err
	}
	if err := recomputeCategory(ctx, tx, e.CategoryID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetOrCreatePayee(ctx context.Context, budgetID, name string) (ledger.Payee, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return ledger.Payee{}, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Payee{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getOrCreatePayeeTx(ctx, tx, budgetID, name)
	if err != nil {
		return ledger.Payee{}, err
	}
	return p, tx.Commit()
}

func getOrCreatePayeeTx(ctx context.Context, tx *sql.Tx, budgetID, name string) (ledger.Payee, error) {
	p := ledger.Payee{BudgetID: budgetID, Name: name}
	err := tx.QueryRowContext(ctx, `
		select id from payees where budget_id=$1 and name=$2 and not deleted
	`, budgetID, name).Scan(&p.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Payee{}, err
	}
	p.ID = ids.New()
	_, err = tx.ExecContext(ctx, `
		insert into payees(id, budget_id, name, deleted) values ($1,$2,$3,false)
	`, p.ID, budgetID, name)
	return p, err
}

func (s *Store) ListPayees(ctx context.Context, budgetID string) ([]ledger.Payee, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, budget_id, name, deleted from payees
		where budget_id=$1 and not deleted
		order by lower(name) asc
	`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]ledger.Payee, 0)
	for rows.Next() {
		var p ledger.Payee
		if err := rows.Scan(&p.ID, &p.BudgetID, &p.Name, &p.Deleted); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) DeleteUnusedPayees(ctx context.Context, budgetID string) (int, error) {
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		delete from payees
		where budget_id=$1 and id not in (
			select payee_id from transactions where budget_id=$1 and payee_id <> ''
		)
	`, budgetID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `
		select 1 from payees where id=$1 and budget_id=$2 and not deleted
	`, targetID, budgetID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrPayeeNotFound
	}
	if err != nil {
		return 0, err
	}

	repointed := 0
	for _, id := range sourceIDs {
		if id == targetID {
			continue
		}
		err := tx.QueryRowContext(ctx, `
			select 1 from payees where id=$1 and budget_id=$2
		`, id, budgetID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrPayeeNotFound
		}
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, `
			update transactions set payee_id=$1 where budget_id=$2 and payee_id=$3
		`, targetID, budgetID, id)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		repointed += int(n)
		if _, err := tx.ExecContext(ctx, `update payees set deleted=true where id=$1`, id); err != nil {
			return 0, err
		}
	}
	return repointed, tx.Commit()
}
