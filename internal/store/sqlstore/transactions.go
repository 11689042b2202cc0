package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/envelope-budget/backend/internal/ids"
	"github.com/envelope-budget/backend/internal/ledger"
	"github.com/envelope-budget/backend/internal/search"
)

const txCols = `id, budget_id, account_id, payee_id, envelope_id, date, amount, memo,
	cleared, pending, reconciled, in_inbox, deleted, import_id, sfin_id, import_payee_name,
	is_transfer, transfer_account_id, transfer_transaction_id, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := row.Scan(&t.ID, &t.BudgetID, &t.AccountID, &t.PayeeID, &t.EnvelopeID, &t.Date,
		&t.Amount, &t.Memo, &t.Cleared, &t.Pending, &t.Reconciled, &t.InInbox, &t.Deleted,
		&t.ImportID, &t.SFinID, &t.ImportPayeeName, &t.IsTransfer, &t.TransferAccountID,
		&t.TransferTransactionID, &t.CreatedAt)
	return t, err
}

// forUpdate appends a row lock on Postgres. SQLite locks the whole database
// per write transaction, so the clause is unnecessary and unsupported there.
func (s *Store) forUpdate() string {
	if s.postgres {
		return " for update"
	}
	return ""
}

func (s *Store) getTransactionTx(ctx context.Context, q querier, budgetID, id string, lock bool) (ledger.Transaction, error) {
	query := `select ` + txCols + ` from transactions where id=$1 and budget_id=$2 and not deleted`
	if lock {
		query += s.forUpdate()
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, query, id, budgetID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return t, err
}

// dedupConflict reports whether another live row on the account already
// carries either import key.
func dedupConflict(ctx context.Context, q querier, budgetID, accountID, importID, sfinID, excludeID string) (bool, error) {
	if importID == "" && sfinID == "" {
		return false, nil
	}
	var n int
	err := q.QueryRowContext(ctx, `
		select count(*) from transactions
		where budget_id=$1 and account_id=$2 and not deleted and id <> $3
		  and (($4 <> '' and import_id=$4) or ($5 <> '' and sfin_id=$5))
	`, budgetID, accountID, excludeID, importID, sfinID).Scan(&n)
	return n > 0, err
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t ledger.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		insert into transactions(`+txCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, t.ID, t.BudgetID, t.AccountID, t.PayeeID, t.EnvelopeID, t.Date, t.Amount, t.Memo,
		t.Cleared, t.Pending, t.Reconciled, t.InInbox, t.Deleted, t.ImportID, t.SFinID,
		t.ImportPayeeName, t.IsTransfer, t.TransferAccountID, t.TransferTransactionID, t.CreatedAt)
	return err
}

// createTransactionTx validates and inserts a row inside an open write
// transaction, applying balance deltas unless balanceNeutral is set.
func (s *Store) createTransactionTx(ctx context.Context, tx *sql.Tx, in ledger.TransactionInput, balanceNeutral bool) (ledger.Transaction, error) {
	if _, err := getBudget(ctx, tx, in.BudgetID); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := getAccount(ctx, tx, in.BudgetID, in.AccountID); err != nil {
		return ledger.Transaction{}, err
	}
	if in.EnvelopeID != "" {
		if _, err := getEnvelope(ctx, tx, in.BudgetID, in.EnvelopeID); err != nil {
			return ledger.Transaction{}, err
		}
	}

	payeeID := in.PayeeID
	if payeeID != "" {
		var one int
		err := tx.QueryRowContext(ctx, `
			select 1 from payees where id=$1 and budget_id=$2 and not deleted
		`, payeeID, in.BudgetID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrPayeeNotFound
		}
		if err != nil {
			return ledger.Transaction{}, err
		}
	} else if in.PayeeName != "" {
		p, err := getOrCreatePayeeTx(ctx, tx, in.BudgetID, in.PayeeName)
		if err != nil {
			return ledger.Transaction{}, err
		}
		payeeID = p.ID
	}

	dup, err := dedupConflict(ctx, tx, in.BudgetID, in.AccountID, in.ImportID, in.SFinID, "")
	if err != nil {
		return ledger.Transaction{}, err
	}
	if dup {
		return ledger.Transaction{}, ledger.ErrDuplicateTransaction
	}

	t := ledger.Transaction{
		ID:              ids.New(),
		BudgetID:        in.BudgetID,
		AccountID:       in.AccountID,
		PayeeID:         payeeID,
		EnvelopeID:      in.EnvelopeID,
		Date:            in.Date,
		Amount:          in.Amount,
		Memo:            in.Memo,
		Cleared:         in.Cleared,
		Pending:         in.Pending,
		Reconciled:      in.Reconciled,
		InInbox:         in.InInbox,
		ImportID:        in.ImportID,
		SFinID:          in.SFinID,
		ImportPayeeName: in.ImportPayeeName,
		CreatedAt:       time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return ledger.Transaction{}, err
	}
	if !balanceNeutral {
		if err := applyAccountDelta(ctx, tx, t.AccountID, t.Amount, t.Cleared); err != nil {
			return ledger.Transaction{}, err
		}
		if err := applyEnvelopeDelta(ctx, tx, t.EnvelopeID, t.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, in ledger.TransactionInput) (ledger.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.createTransactionTx(ctx, tx, in, false)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return t, tx.Commit()
}

func (s *Store) GetTransaction(ctx context.Context, budgetID, id string) (ledger.Transaction, error) {
	return s.getTransactionTx(ctx, s.db, budgetID, id, false)
}

func (s *Store) UpdateTransaction(ctx context.Context, budgetID, id string, in ledger.TransactionInput) (ledger.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := s.getTransactionTx(ctx, tx, budgetID, id, true)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := getAccount(ctx, tx, budgetID, in.AccountID); err != nil {
		return ledger.Transaction{}, err
	}

	splitCount, err := splitCountTx(ctx, tx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	hasSplits := splitCount > 0
	if hasSplits {
		if in.Amount != old.Amount {
			return ledger.Transaction{}, ledger.ErrSplitAmountMismatch
		}
		in.EnvelopeID = ""
	}
	if in.EnvelopeID != "" {
		if _, err := getEnvelope(ctx, tx, budgetID, in.EnvelopeID); err != nil {
			return ledger.Transaction{}, err
		}
	}

	if in.ImportID != old.ImportID || in.SFinID != old.SFinID || in.AccountID != old.AccountID {
		dup, err := dedupConflict(ctx, tx, budgetID, in.AccountID, in.ImportID, in.SFinID, id)
		if err != nil {
			return ledger.Transaction{}, err
		}
		if dup {
			return ledger.Transaction{}, ledger.ErrDuplicateTransaction
		}
	}

	payeeID := in.PayeeID
	if payeeID == "" && in.PayeeName != "" {
		p, err := getOrCreatePayeeTx(ctx, tx, budgetID, in.PayeeName)
		if err != nil {
			return ledger.Transaction{}, err
		}
		payeeID = p.ID
	}

	// Reverse the old contribution, apply the new one.
	if err := applyAccountDelta(ctx, tx, old.AccountID, -old.Amount, old.Cleared); err != nil {
		return ledger.Transaction{}, err
	}
	if err := applyAccountDelta(ctx, tx, in.AccountID, in.Amount, in.Cleared); err != nil {
		return ledger.Transaction{}, err
	}
	if !hasSplits {
		if err := applyEnvelopeDelta(ctx, tx, old.EnvelopeID, -old.Amount); err != nil {
			return ledger.Transaction{}, err
		}
		if err := applyEnvelopeDelta(ctx, tx, in.EnvelopeID, in.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}

	updated := old
	updated.AccountID = in.AccountID
	updated.PayeeID = payeeID
	updated.EnvelopeID = in.EnvelopeID
	updated.Date = in.Date
	updated.Amount = in.Amount
	updated.Memo = in.Memo
	updated.Cleared = in.Cleared
	updated.Pending = in.Pending
	updated.Reconciled = in.Reconciled
	updated.InInbox = in.InInbox
	updated.ImportID = in.ImportID
	updated.SFinID = in.SFinID
	if in.ImportPayeeName != "" {
		updated.ImportPayeeName = in.ImportPayeeName
	}
	if _, err := tx.ExecContext(ctx, `
		update transactions set account_id=$2, payee_id=$3, envelope_id=$4, date=$5,
			amount=$6, memo=$7, cleared=$8, pending=$9, reconciled=$10, in_inbox=$11,
			import_id=$12, sfin_id=$13, import_payee_name=$14
		where id=$1
	`, updated.ID, updated.AccountID, updated.PayeeID, updated.EnvelopeID, updated.Date,
		updated.Amount, updated.Memo, updated.Cleared, updated.Pending, updated.Reconciled,
		updated.InInbox, updated.ImportID, updated.SFinID, updated.ImportPayeeName); err != nil {
		return ledger.Transaction{}, err
	}
	return updated, tx.Commit()
}

// reverseTransactionTx removes a live row's balance contribution. Splits
// are soft-deleted alongside it; when splits exist they own the envelope
// contribution, otherwise the row's own envelope is reversed.
func reverseTransactionTx(ctx context.Context, tx *sql.Tx, t ledger.Transaction) error {
	if err := applyAccountDelta(ctx, tx, t.AccountID, -t.Amount, t.Cleared); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, `
		select id, envelope_id, amount from sub_transactions
		where transaction_id=$1 and not deleted
	`, t.ID)
	if err != nil {
		return err
	}
	type splitRow struct {
		id, envelopeID string
		amount         ledger.Milliunits
	}
	var splits []splitRow
	for rows.Next() {
		var sp splitRow
		if err := rows.Scan(&sp.id, &sp.envelopeID, &sp.amount); err != nil {
			rows.Close()
			return err
		}
		splits = append(splits, sp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(splits) == 0 {
		return applyEnvelopeDelta(ctx, tx, t.EnvelopeID, -t.Amount)
	}
	for _, sp := range splits {
		if err := applyEnvelopeDelta(ctx, tx, sp.envelopeID, -sp.amount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update sub_transactions set deleted=true where id=$1`, sp.id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SoftDeleteTransaction(ctx context.Context, budgetID, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.getTransactionTx(ctx, tx, budgetID, id, true)
	if err != nil {
		return err
	}
	if err := reverseTransactionTx(ctx, tx, t); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update transactions set deleted=true where id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) HardDeleteTransaction(ctx context.Context, budgetID, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.getTransactionTx(ctx, tx, budgetID, id, true)
	if err != nil {
		return err
	}
	if err := reverseTransactionTx(ctx, tx, t); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from sub_transactions where transaction_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from transactions where id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ArchiveTransactions(ctx context.Context, budgetID string, txIDs []string) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	for _, id := range txIDs {
		res, err := tx.ExecContext(ctx, `
			update transactions set in_inbox=false
			where id=$1 and budget_id=$2 and not deleted and in_inbox
		`, id, budgetID)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		count += int(n)
	}
	return count, tx.Commit()
}

// ListTransactions loads the budget's rows with their display names and
// split counts, then evaluates the compiled query in process. The filter
// grammar lives in one place instead of being recompiled to SQL per
// dialect; a personal budget is small enough to scan.
func (s *Store) ListTransactions(ctx context.Context, budgetID, query string, limit, offset int) ([]ledger.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := getBudget(ctx, s.db, budgetID); err != nil {
		return nil, err
	}

	q := search.Parse(query)
	rows, err := s.db.QueryContext(ctx, `
		select `+prefixCols("t", txCols)+`,
			coalesce(p.name, ''), coalesce(e.name, ''), coalesce(a.name, ''),
			(select count(*) from sub_transactions st where st.transaction_id=t.id and not st.deleted),
			(select count(*) from sub_transactions st where st.transaction_id=t.id and not st.deleted and st.envelope_id='')
		from transactions t
		left join payees p on p.id = t.payee_id
		left join envelopes e on e.id = t.envelope_id
		left join accounts a on a.id = t.account_id
		where t.budget_id=$1
		order by t.date desc, t.id desc
	`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matched := make([]ledger.Transaction, 0)
	for rows.Next() {
		var t ledger.Transaction
		var payeeName, envelopeName, accountName string
		var splitCount, unassignedCount int
		if err := rows.Scan(&t.ID, &t.BudgetID, &t.AccountID, &t.PayeeID, &t.EnvelopeID, &t.Date,
			&t.Amount, &t.Memo, &t.Cleared, &t.Pending, &t.Reconciled, &t.InInbox, &t.Deleted,
			&t.ImportID, &t.SFinID, &t.ImportPayeeName, &t.IsTransfer, &t.TransferAccountID,
			&t.TransferTransactionID, &t.CreatedAt,
			&payeeName, &envelopeName, &accountName, &splitCount, &unassignedCount); err != nil {
			return nil, err
		}
		v := search.TxView{
			Amount:               int64(t.Amount),
			Date:                 t.Date,
			Cleared:              t.Cleared,
			Pending:              t.Pending,
			InInbox:              t.InInbox,
			Deleted:              t.Deleted,
			PayeeName:            payeeName,
			EnvelopeName:         envelopeName,
			AccountName:          accountName,
			Memo:                 t.Memo,
			HasEnvelope:          t.EnvelopeID != "",
			SplitCount:           splitCount,
			UnassignedSplitCount: unassignedCount,
		}
		if q.Match(v) {
			matched = append(matched, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if offset >= len(matched) {
		return []ledger.Transaction{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func splitCountTx(ctx context.Context, q querier, txID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		select count(*) from sub_transactions where transaction_id=$1 and not deleted
	`, txID).Scan(&n)
	return n, err
}

func (s *Store) SetSubTransactions(ctx context.Context, budgetID, txID string, splits []ledger.SplitInput) ([]ledger.SubTransaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.getTransactionTx(ctx, tx, budgetID, txID, true)
	if err != nil {
		return nil, err
	}
	if len(splits) > 0 {
		var sum ledger.Milliunits
		for _, sp := range splits {
			sum += sp.Amount
		}
		if sum != t.Amount {
			return nil, ledger.ErrSplitAmountMismatch
		}
		for _, sp := range splits {
			if sp.EnvelopeID != "" {
				if _, err := getEnvelope(ctx, tx, budgetID, sp.EnvelopeID); err != nil {
					return nil, err
				}
			}
		}
	}

	// Reverse whichever currently holds the envelope contribution.
	rows, err := tx.QueryContext(ctx, `
		select id, envelope_id, amount from sub_transactions
		where transaction_id=$1 and not deleted
	`, txID)
	if err != nil {
		return nil, err
	}
	type splitRow struct {
		id, envelopeID string
		amount         ledger.Milliunits
	}
	var existing []splitRow
	for rows.Next() {
		var sp splitRow
		if err := rows.Scan(&sp.id, &sp.envelopeID, &sp.amount); err != nil {
			rows.Close()
			return nil, err
		}
		existing = append(existing, sp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(existing) == 0 && t.EnvelopeID != "" {
		if err := applyEnvelopeDelta(ctx, tx, t.EnvelopeID, -t.Amount); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `update transactions set envelope_id='' where id=$1`, txID); err != nil {
			return nil, err
		}
	}
	for _, sp := range existing {
		if err := applyEnvelopeDelta(ctx, tx, sp.envelopeID, -sp.amount); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `delete from sub_transactions where transaction_id=$1`, txID); err != nil {
		return nil, err
	}

	created := make([]ledger.SubTransaction, 0, len(splits))
	for _, in := range splits {
		sp := ledger.SubTransaction{
			ID:            ids.New(),
			TransactionID: txID,
			EnvelopeID:    in.EnvelopeID,
			Amount:        in.Amount,
			Memo:          in.Memo,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into sub_transactions(id, transaction_id, envelope_id, amount, memo, deleted)
			values ($1,$2,$3,$4,$5,false)
		`, sp.ID, sp.TransactionID, sp.EnvelopeID, sp.Amount, sp.Memo); err != nil {
			return nil, err
		}
		if err := applyEnvelopeDelta(ctx, tx, sp.EnvelopeID, sp.Amount); err != nil {
			return nil, err
		}
		created = append(created, sp)
	}
	return created, tx.Commit()
}

func (s *Store) ListSubTransactions(ctx context.Context, budgetID, txID string) ([]ledger.SubTransaction, error) {
	if _, err := s.getTransactionTx(ctx, s.db, budgetID, txID, false); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, transaction_id, envelope_id, amount, memo, deleted
		from sub_transactions
		where transaction_id=$1 and not deleted
		order by id asc
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]ledger.SubTransaction, 0)
	for rows.Next() {
		var sp ledger.SubTransaction
		if err := rows.Scan(&sp.ID, &sp.TransactionID, &sp.EnvelopeID, &sp.Amount, &sp.Memo, &sp.Deleted); err != nil {
			return nil, err
		}
		res = append(res, sp)
	}
	return res, rows.Err()
}

// prefixCols qualifies a comma-separated column list with a table alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
