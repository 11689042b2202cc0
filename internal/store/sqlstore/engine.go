package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/envelope-budget/backend/internal/ids"
	"github.com/envelope-budget/backend/internal/ledger"
)

// adjustAccountBalances applies independent deltas to the running and
// cleared balances. The merge math needs them decoupled.
func adjustAccountBalances(ctx context.Context, tx *sql.Tx, accountID string, delta, clearedDelta ledger.Milliunits) error {
	_, err := tx.ExecContext(ctx, `
		update accounts set balance = balance + $2, cleared_balance = cleared_balance + $3
		where id=$1
	`, accountID, delta, clearedDelta)
	return err
}

func (s *Store) MergeTransactions(ctx context.Context, budgetID string, txIDs []string) (ledger.Transaction, ledger.TransactionMerge, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Transaction{}, ledger.TransactionMerge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sources := make([]ledger.Transaction, 0, len(txIDs))
	seen := make(map[string]bool)
	for _, id := range txIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := s.getTransactionTx(ctx, tx, budgetID, id, true)
		if err != nil {
			return ledger.Transaction{}, ledger.TransactionMerge{}, err
		}
		n, err := splitCountTx(ctx, tx, id)
		if err != nil {
			return ledger.Transaction{}, ledger.TransactionMerge{}, err
		}
		if n > 0 {
			return ledger.Transaction{}, ledger.TransactionMerge{}, &ledger.MergeValidationError{Reason: "transactions with sub-transactions cannot be merged"}
		}
		sources = append(sources, t)
	}

	proto, err := ledger.ResolveMerge(sources)
	if err != nil {
		return ledger.Transaction{}, ledger.TransactionMerge{}, err
	}

	amount := proto.Amount
	n := ledger.Milliunits(len(sources))
	clearedCount := ledger.Milliunits(0)
	envCount := ledger.Milliunits(0)
	sourceIDs := make([]string, 0, len(sources))
	for _, src := range sources {
		if src.Cleared {
			clearedCount++
		}
		if proto.EnvelopeID != "" && src.EnvelopeID == proto.EnvelopeID {
			envCount++
		}
		sourceIDs = append(sourceIDs, src.ID)
	}

	// Sources out first so the merged row cannot trip the dedup check on
	// its inherited import keys.
	for _, id := range sourceIDs {
		if _, err := tx.ExecContext(ctx, `update transactions set deleted=true where id=$1`, id); err != nil {
			return ledger.Transaction{}, ledger.TransactionMerge{}, err
		}
	}

	merged, err := s.createTransactionTx(ctx, tx, ledger.TransactionInput{
		BudgetID:        proto.BudgetID,
		AccountID:       proto.AccountID,
		PayeeID:         proto.PayeeID,
		EnvelopeID:      proto.EnvelopeID,
		Date:            proto.Date,
		Amount:          proto.Amount,
		Memo:            proto.Memo,
		Cleared:         proto.Cleared,
		Pending:         proto.Pending,
		Reconciled:      proto.Reconciled,
		InInbox:         proto.InInbox,
		ImportID:        proto.ImportID,
		SFinID:          proto.SFinID,
		ImportPayeeName: proto.ImportPayeeName,
	}, true)
	if err != nil {
		return ledger.Transaction{}, ledger.TransactionMerge{}, err
	}

	// Net adjustment: N contributions become one.
	clearedDelta := -amount * clearedCount
	if merged.Cleared {
		clearedDelta += amount
	}
	if err := adjustAccountBalances(ctx, tx, proto.AccountID, -amount*(n-1), clearedDelta); err != nil {
		return ledger.Transaction{}, ledger.TransactionMerge{}, err
	}
	if proto.EnvelopeID != "" {
		if err := applyEnvelopeDelta(ctx, tx, proto.EnvelopeID, -amount*(envCount-1)); err != nil {
			return ledger.Transaction{}, ledger.TransactionMerge{}, err
		}
	}

	rec := ledger.TransactionMerge{
		ID:                   ids.New(),
		BudgetID:             budgetID,
		MergedTransactionID:  merged.ID,
		SourceTransactionIDs: sourceIDs,
		CreatedAt:            time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into transaction_merges(id, budget_id, merged_transaction_id, created_at)
		values ($1,$2,$3,$4)
	`, rec.ID, rec.BudgetID, rec.MergedTransactionID, rec.CreatedAt); err != nil {
		return ledger.Transaction{}, ledger.TransactionMerge{}, err
	}
	for i, id := range sourceIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into transaction_merge_sources(merge_id, position, transaction_id)
			values ($1,$2,$3)
		`, rec.ID, i, id); err != nil {
			return ledger.Transaction{}, ledger.TransactionMerge{}, err
		}
	}
	return merged, rec, tx.Commit()
}

func (s *Store) GetMerge(ctx context.Context, budgetID, mergeID string) (ledger.TransactionMerge, error) {
	return getMerge(ctx, s.db, budgetID, mergeID)
}

func getMerge(ctx context.Context, q querier, budgetID, mergeID string) (ledger.TransactionMerge, error) {
	var rec ledger.TransactionMerge
	err := q.QueryRowContext(ctx, `
		select id, budget_id, merged_transaction_id, created_at
		from transaction_merges where id=$1 and budget_id=$2
	`, mergeID, budgetID).Scan(&rec.ID, &rec.BudgetID, &rec.MergedTransactionID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TransactionMerge{}, ledger.ErrMergeNotFound
	}
	if err != nil {
		return ledger.TransactionMerge{}, err
	}
	rows, err := q.QueryContext(ctx, `
		select transaction_id from transaction_merge_sources
		where merge_id=$1 order by position asc
	`, mergeID)
	if err != nil {
		return ledger.TransactionMerge{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ledger.TransactionMerge{}, err
		}
		rec.SourceTransactionIDs = append(rec.SourceTransactionIDs, id)
	}
	return rec, rows.Err()
}

func (s *Store) UndoMerge(ctx context.Context, budgetID, mergeID string) ([]string, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := getMerge(ctx, tx, budgetID, mergeID)
	if err != nil {
		return nil, err
	}
	merged, err := s.getTransactionTx(ctx, tx, budgetID, rec.MergedTransactionID, true)
	if err != nil {
		return nil, err
	}

	// Merged row out first, mirroring the merge's ordering.
	if err := reverseTransactionTx(ctx, tx, merged); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `update transactions set deleted=true where id=$1`, merged.ID); err != nil {
		return nil, err
	}

	restored := make([]string, 0, len(rec.SourceTransactionIDs))
	for _, id := range rec.SourceTransactionIDs {
		src, err := scanTransaction(tx.QueryRowContext(ctx, `
			select `+txCols+` from transactions where id=$1 and budget_id=$2 and deleted
		`, id, budgetID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrBalanceInvariant
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `update transactions set deleted=false where id=$1`, id); err != nil {
			return nil, err
		}
		if err := applyAccountDelta(ctx, tx, src.AccountID, src.Amount, src.Cleared); err != nil {
			return nil, err
		}
		if err := applyEnvelopeDelta(ctx, tx, src.EnvelopeID, src.Amount); err != nil {
			return nil, err
		}
		restored = append(restored, id)
	}

	if _, err := tx.ExecContext(ctx, `delete from transaction_merge_sources where merge_id=$1`, mergeID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `delete from transaction_merges where id=$1`, mergeID); err != nil {
		return nil, err
	}
	return restored, tx.Commit()
}

func (s *Store) BulkImport(ctx context.Context, budgetID, accountID string, records []ledger.ExternalRecord) (ledger.ImportResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.ImportResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getBudget(ctx, tx, budgetID); err != nil {
		return ledger.ImportResult{}, err
	}
	if _, err := getAccount(ctx, tx, budgetID, accountID); err != nil {
		return ledger.ImportResult{}, err
	}

	// Both import keys over every row, deleted included, so re-imports
	// after deletes or merges stay idempotent.
	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `
		select import_id, sfin_id from transactions
		where budget_id=$1 and account_id=$2
	`, budgetID, accountID)
	if err != nil {
		return ledger.ImportResult{}, err
	}
	for rows.Next() {
		var importID, sfinID string
		if err := rows.Scan(&importID, &sfinID); err != nil {
			rows.Close()
			return ledger.ImportResult{}, err
		}
		if importID != "" {
			existing[importID] = true
		}
		if sfinID != "" {
			existing[sfinID] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ledger.ImportResult{}, err
	}

	result := ledger.ImportResult{
		CreatedIDs:   []string{},
		DuplicateIDs: []string{},
		Failures:     []ledger.ImportFailure{},
	}
	for _, rec := range records {
		if rec.ExternalID == "" {
			result.Failures = append(result.Failures, ledger.ImportFailure{Reason: "missing external id"})
			continue
		}
		if rec.Date.IsZero() {
			result.Failures = append(result.Failures, ledger.ImportFailure{ExternalID: rec.ExternalID, Reason: "missing date"})
			continue
		}
		if existing[rec.ExternalID] {
			result.DuplicateIDs = append(result.DuplicateIDs, rec.ExternalID)
			continue
		}
		t, err := s.createTransactionTx(ctx, tx, ledger.TransactionInput{
			BudgetID:        budgetID,
			AccountID:       accountID,
			PayeeName:       rec.PayeeName,
			Date:            rec.Date,
			Amount:          ledger.FromDecimal(rec.Amount),
			Memo:            rec.Memo,
			Cleared:         !rec.Pending,
			Pending:         rec.Pending,
			InInbox:         true,
			ImportID:        rec.ExternalID,
			ImportPayeeName: rec.PayeeName,
		}, false)
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			result.DuplicateIDs = append(result.DuplicateIDs, rec.ExternalID)
			continue
		}
		if err != nil {
			return ledger.ImportResult{}, err
		}
		existing[rec.ExternalID] = true
		result.CreatedIDs = append(result.CreatedIDs, t.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		update accounts set last_synced_at=$2 where id=$1
	`, accountID, time.Now().UTC()); err != nil {
		return ledger.ImportResult{}, err
	}
	return result, tx.Commit()
}

func (s *Store) CreateTransfer(ctx context.Context, in ledger.TransferInput) (ledger.Transaction, ledger.Transaction, error) {
	if !in.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if in.FromAccountID == in.ToAccountID {
		return ledger.Transaction{}, ledger.Transaction{}, ledger.ErrAccountNotFound
	}
	payeeName := in.PayeeName
	if payeeName == "" {
		payeeName = ledger.TransferPayeeName
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.createTransactionTx(ctx, tx, ledger.TransactionInput{
		BudgetID:  in.BudgetID,
		AccountID: in.FromAccountID,
		PayeeName: payeeName,
		Date:      date,
		Amount:    -in.Amount,
		Memo:      in.Memo,
		Cleared:   true,
	}, false)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	inc, err := s.createTransactionTx(ctx, tx, ledger.TransactionInput{
		BudgetID:  in.BudgetID,
		AccountID: in.ToAccountID,
		PayeeName: payeeName,
		Date:      date,
		Amount:    in.Amount,
		Memo:      in.Memo,
		Cleared:   true,
	}, false)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}

	if err := linkTransferTx(ctx, tx, &out, &inc); err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	return out, inc, tx.Commit()
}

func linkTransferTx(ctx context.Context, tx *sql.Tx, a, b *ledger.Transaction) error {
	a.IsTransfer, b.IsTransfer = true, true
	a.TransferAccountID, b.TransferAccountID = b.AccountID, a.AccountID
	a.TransferTransactionID, b.TransferTransactionID = b.ID, a.ID
	for _, t := range []*ledger.Transaction{a, b} {
		if _, err := tx.ExecContext(ctx, `
			update transactions set is_transfer=true, transfer_account_id=$2, transfer_transaction_id=$3
			where id=$1
		`, t.ID, t.TransferAccountID, t.TransferTransactionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkAsTransfer(ctx context.Context, budgetID, txID, otherAccountID string, createCounterpart bool) (ledger.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.getTransactionTx(ctx, tx, budgetID, txID, true)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if otherAccountID == t.AccountID {
		return ledger.Transaction{}, ledger.ErrAccountNotFound
	}
	if _, err := getAccount(ctx, tx, budgetID, otherAccountID); err != nil {
		return ledger.Transaction{}, err
	}

	if t.EnvelopeID != "" {
		if err := applyEnvelopeDelta(ctx, tx, t.EnvelopeID, -t.Amount); err != nil {
			return ledger.Transaction{}, err
		}
		t.EnvelopeID = ""
	}
	t.IsTransfer = true
	t.TransferAccountID = otherAccountID
	t.InInbox = false
	if _, err := tx.ExecContext(ctx, `
		update transactions set is_transfer=true, transfer_account_id=$2, envelope_id='', in_inbox=false
		where id=$1
	`, t.ID, otherAccountID); err != nil {
		return ledger.Transaction{}, err
	}

	if createCounterpart {
		other, err := s.createTransactionTx(ctx, tx, ledger.TransactionInput{
			BudgetID:  budgetID,
			AccountID: otherAccountID,
			PayeeID:   t.PayeeID,
			Date:      t.Date,
			Amount:    -t.Amount,
			Memo:      t.Memo,
			Cleared:   t.Cleared,
		}, false)
		if err != nil {
			return ledger.Transaction{}, err
		}
		if err := linkTransferTx(ctx, tx, &t, &other); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return t, tx.Commit()
}

func (s *Store) FindPotentialTransferMatches(ctx context.Context, budgetID, txID string) ([]ledger.Transaction, error) {
	t, err := s.getTransactionTx(ctx, s.db, budgetID, txID, false)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+txCols+` from transactions
		where budget_id=$1 and not deleted and id <> $2 and account_id <> $3
		  and amount = $4 and not is_transfer and transfer_transaction_id=''
		  and date >= $5 and date <= $6
	`, budgetID, t.ID, t.AccountID, -t.Amount,
		t.Date.Add(-24*time.Hour), t.Date.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]ledger.Transaction, 0)
	for rows.Next() {
		cand, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		di := absDuration(matches[i].Date.Sub(t.Date))
		dj := absDuration(matches[j].Date.Sub(t.Date))
		if di != dj {
			return di < dj
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
