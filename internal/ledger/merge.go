package ledger

import (
	"context"
	"sort"
	"time"
)

// ResolveMerge validates a set of source transactions and computes the
// merged row's field values. Pure function shared by every Service
// implementation; callers check splits and apply balance adjustments
// themselves.
//
// Sources are sorted by (Date, ID) first so every field pick is
// deterministic regardless of input order. Rules:
//
//   - date is the earliest source date
//   - cleared, reconciled, in_inbox are true if true on any source
//   - pending is true only if true on every source
//   - import_id and sfin_id come from the first non-pending source carrying
//     one, falling back to the first carrier
//   - payee and memo prefer the first manually entered source (no import_id
//     and no sfin_id), falling back to the first source
func ResolveMerge(sources []Transaction) (Transaction, error) {
	if len(sources) < 2 {
		return Transaction{}, &MergeValidationError{Reason: "at least two transactions are required"}
	}
	sort.Slice(sources, func(i, j int) bool {
		if !sources[i].Date.Equal(sources[j].Date) {
			return sources[i].Date.Before(sources[j].Date)
		}
		return sources[i].ID < sources[j].ID
	})

	first := sources[0]
	merged := Transaction{
		BudgetID:  first.BudgetID,
		AccountID: first.AccountID,
		Amount:    first.Amount,
		Date:      first.Date,
		Pending:   true,
	}
	for _, src := range sources {
		if src.AccountID != merged.AccountID {
			return Transaction{}, &MergeValidationError{Reason: "transactions must belong to the same account"}
		}
		if src.Amount != merged.Amount {
			return Transaction{}, &MergeValidationError{Reason: "transactions must have the same amount"}
		}
		if src.EnvelopeID != "" {
			if merged.EnvelopeID != "" && merged.EnvelopeID != src.EnvelopeID {
				return Transaction{}, &MergeValidationError{Reason: "transactions are assigned to different envelopes"}
			}
			merged.EnvelopeID = src.EnvelopeID
		}
		merged.Cleared = merged.Cleared || src.Cleared
		merged.Reconciled = merged.Reconciled || src.Reconciled
		merged.InInbox = merged.InInbox || src.InInbox
		merged.Pending = merged.Pending && src.Pending
		if merged.ImportPayeeName == "" {
			merged.ImportPayeeName = src.ImportPayeeName
		}
	}

	merged.ImportID = pickExternalKey(sources, func(t Transaction) string { return t.ImportID })
	merged.SFinID = pickExternalKey(sources, func(t Transaction) string { return t.SFinID })

	// Manual entry wins for the user-facing fields.
	manual := first
	for _, src := range sources {
		if src.ImportID == "" && src.SFinID == "" {
			manual = src
			break
		}
	}
	merged.PayeeID = manual.PayeeID
	merged.Memo = manual.Memo
	if merged.PayeeID == "" {
		merged.PayeeID = first.PayeeID
	}
	if merged.Memo == "" {
		merged.Memo = first.Memo
	}
	return merged, nil
}

// pickExternalKey returns the key of the first settled carrier, or of the
// first carrier when all are pending. A settled row's key is the durable
// one; pending keys get rewritten by the provider.
func pickExternalKey(sources []Transaction, key func(Transaction) string) string {
	for _, src := range sources {
		if !src.Pending && key(src) != "" {
			return key(src)
		}
	}
	for _, src := range sources {
		if key(src) != "" {
			return key(src)
		}
	}
	return ""
}

// MergeTransactions collapses duplicate rows (typically a manual entry plus
// its imported counterpart) into one. The sources are soft-deleted and a
// single merged row takes their place; the net account adjustment is
// -amount*(N-1) so the balance ends exactly as if only one row had ever
// existed.
func (s *InMemory) MergeTransactions(ctx context.Context, budgetID string, txIDs []string) (Transaction, TransactionMerge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources := make([]Transaction, 0, len(txIDs))
	seen := make(map[string]bool)
	for _, id := range txIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		tx, err := s.txLocked(budgetID, id)
		if err != nil {
			return Transaction{}, TransactionMerge{}, err
		}
		if s.splitCountLocked(id) > 0 {
			return Transaction{}, TransactionMerge{}, &MergeValidationError{Reason: "transactions with sub-transactions cannot be merged"}
		}
		sources = append(sources, *tx)
	}

	proto, err := ResolveMerge(sources)
	if err != nil {
		return Transaction{}, TransactionMerge{}, err
	}

	acc, err := s.accountLocked(budgetID, proto.AccountID)
	if err != nil {
		return Transaction{}, TransactionMerge{}, err
	}

	amount := proto.Amount
	n := Milliunits(len(sources))
	clearedCount := Milliunits(0)
	envCount := Milliunits(0)
	for _, src := range sources {
		if src.Cleared {
			clearedCount++
		}
		if proto.EnvelopeID != "" && src.EnvelopeID == proto.EnvelopeID {
			envCount++
		}
	}

	// Sources out first so the merged row cannot trip the dedup check on
	// its inherited import keys.
	sourceIDs := make([]string, 0, len(sources))
	for _, src := range sources {
		s.transactions[src.ID].Deleted = true
		sourceIDs = append(sourceIDs, src.ID)
	}

	merged, err := s.createLocked(TransactionInput{
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
		// Nothing applied yet beyond the deleted flags; roll them back.
		for _, id := range sourceIDs {
			s.transactions[id].Deleted = false
		}
		return Transaction{}, TransactionMerge{}, err
	}

	// Net balance adjustment: N contributions become one.
	acc.Balance += -amount * (n - 1)
	if merged.Cleared {
		acc.ClearedBalance += amount
	}
	acc.ClearedBalance -= amount * clearedCount
	if proto.EnvelopeID != "" {
		if env, ok := s.envelopes[proto.EnvelopeID]; ok {
			s.applyToEnvelopeLocked(env, -amount*(envCount-1))
		}
	}

	rec := &TransactionMerge{
		ID:                   newID(),
		BudgetID:             budgetID,
		MergedTransactionID:  merged.ID,
		SourceTransactionIDs: sourceIDs,
		CreatedAt:            time.Now().UTC(),
	}
	s.merges[rec.ID] = rec
	return *merged, *rec, nil
}

func (s *InMemory) GetMerge(ctx context.Context, budgetID, mergeID string) (TransactionMerge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.merges[mergeID]
	if !ok || rec.BudgetID != budgetID {
		return TransactionMerge{}, ErrMergeNotFound
	}
	return *rec, nil
}

// UndoMerge restores the source rows of a merge and removes the merged row
// and the merge record. The merged row's current contribution is reversed
// and each source's contribution reapplied, so balances return to their
// pre-merge values even if the merged row was edited in between.
func (s *InMemory) UndoMerge(ctx context.Context, budgetID, mergeID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.merges[mergeID]
	if !ok || rec.BudgetID != budgetID {
		return nil, ErrMergeNotFound
	}
	merged, err := s.txLocked(budgetID, rec.MergedTransactionID)
	if err != nil {
		return nil, err
	}

	// Merged row out first, mirroring the merge's ordering, so restored
	// import keys cannot collide with it.
	s.reverseLocked(merged)
	merged.Deleted = true

	restored := make([]string, 0, len(rec.SourceTransactionIDs))
	for _, id := range rec.SourceTransactionIDs {
		src, ok := s.transactions[id]
		if !ok || !src.Deleted {
			return nil, ErrBalanceInvariant
		}
		src.Deleted = false
		if acc, ok := s.accounts[src.AccountID]; ok {
			applyToAccountLocked(acc, src.Amount, src.Cleared)
		}
		if src.EnvelopeID != "" {
			if env, ok := s.envelopes[src.EnvelopeID]; ok {
				s.applyToEnvelopeLocked(env, src.Amount)
			}
		}
		restored = append(restored, id)
	}
	delete(s.merges, mergeID)
	return restored, nil
}
