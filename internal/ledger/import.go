package ledger

import (
	"context"
	"time"
)

// BulkImport loads a batch of external records into an account. Each record
// is partitioned into exactly one of created, duplicate, or failed; a bad
// record never aborts the batch. Duplicates are detected against both
// import keys across every existing row of the account, deleted rows
// included, so re-importing after a delete or a merge stays idempotent.
// The account's sync watermark advances once the batch is done.
func (s *InMemory) BulkImport(ctx context.Context, budgetID, accountID string, records []ExternalRecord) (ImportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[budgetID]; !ok {
		return ImportResult{}, ErrBudgetNotFound
	}
	acc, err := s.accountLocked(budgetID, accountID)
	if err != nil {
		return ImportResult{}, err
	}

	existing := make(map[string]bool)
	for _, tx := range s.transactions {
		if tx.BudgetID != budgetID || tx.AccountID != accountID {
			continue
		}
		if tx.ImportID != "" {
			existing[tx.ImportID] = true
		}
		if tx.SFinID != "" {
			existing[tx.SFinID] = true
		}
	}

	result := ImportResult{
		CreatedIDs:   []string{},
		DuplicateIDs: []string{},
		Failures:     []ImportFailure{},
	}
	for _, rec := range records {
		if rec.ExternalID == "" {
			result.Failures = append(result.Failures, ImportFailure{Reason: "missing external id"})
			continue
		}
		if rec.Date.IsZero() {
			result.Failures = append(result.Failures, ImportFailure{ExternalID: rec.ExternalID, Reason: "missing date"})
			continue
		}
		if existing[rec.ExternalID] {
			result.DuplicateIDs = append(result.DuplicateIDs, rec.ExternalID)
			continue
		}

		tx, err := s.createLocked(TransactionInput{
			BudgetID:        budgetID,
			AccountID:       accountID,
			PayeeName:       rec.PayeeName,
			Date:            rec.Date,
			Amount:          FromDecimal(rec.Amount),
			Memo:            rec.Memo,
			Cleared:         !rec.Pending,
			Pending:         rec.Pending,
			InInbox:         true,
			ImportID:        rec.ExternalID,
			ImportPayeeName: rec.PayeeName,
		}, false)
		if err != nil {
			result.Failures = append(result.Failures, ImportFailure{ExternalID: rec.ExternalID, Reason: err.Error()})
			continue
		}
		existing[rec.ExternalID] = true
		result.CreatedIDs = append(result.CreatedIDs, tx.ID)
	}

	acc.LastSyncedAt = time.Now().UTC()
	return result, nil
}
