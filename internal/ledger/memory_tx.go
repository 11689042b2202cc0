package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/envelope-budget/backend/internal/search"
)

// CreateTransaction validates the dedup keys and applies the transaction's
// amount to its account (and envelope, if assigned) before persisting. On a
// dedup conflict nothing is mutated and ErrDuplicateTransaction is
// returned.
func (s *InMemory) CreateTransaction(ctx context.Context, in TransactionInput) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.createLocked(in, false)
	if err != nil {
		return Transaction{}, err
	}
	return *tx, nil
}

// createLocked is the single insert path. balanceNeutral skips the balance
// deltas; it exists for the merge engine, whose net effect is applied in
// bulk beforehand.
func (s *InMemory) createLocked(in TransactionInput, balanceNeutral bool) (*Transaction, error) {
	if _, ok := s.budgets[in.BudgetID]; !ok {
		return nil, ErrBudgetNotFound
	}
	acc, err := s.accountLocked(in.BudgetID, in.AccountID)
	if err != nil {
		return nil, err
	}
	var env *Envelope
	if in.EnvelopeID != "" {
		if env, err = s.envelopeLocked(in.BudgetID, in.EnvelopeID); err != nil {
			return nil, err
		}
	}

	payeeID := in.PayeeID
	if payeeID != "" {
		p, ok := s.payees[payeeID]
		if !ok || p.BudgetID != in.BudgetID || p.Deleted {
			return nil, ErrPayeeNotFound
		}
	} else if in.PayeeName != "" {
		p := s.payeeByNameLocked(in.BudgetID, in.PayeeName)
		if p == nil {
			p = &Payee{ID: newID(), BudgetID: in.BudgetID, Name: in.PayeeName}
			s.payees[p.ID] = p
		}
		payeeID = p.ID
	}

	if s.dedupConflictLocked(in.BudgetID, in.AccountID, in.ImportID, in.SFinID, "") {
		return nil, ErrDuplicateTransaction
	}

	tx := &Transaction{
		ID:              newID(),
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

	if !balanceNeutral {
		applyToAccountLocked(acc, tx.Amount, tx.Cleared)
		if env != nil {
			s.applyToEnvelopeLocked(env, tx.Amount)
		}
	}
	s.transactions[tx.ID] = tx
	return tx, nil
}

// dedupConflictLocked reports whether another non-deleted transaction on
// the same budget and account already carries either dedup key.
func (s *InMemory) dedupConflictLocked(budgetID, accountID, importID, sfinID, excludeID string) bool {
	if importID == "" && sfinID == "" {
		return false
	}
	for _, tx := range s.transactions {
		if tx.ID == excludeID || tx.Deleted || tx.BudgetID != budgetID || tx.AccountID != accountID {
			continue
		}
		if importID != "" && tx.ImportID == importID {
			return true
		}
		if sfinID != "" && tx.SFinID == sfinID {
			return true
		}
	}
	return false
}

func (s *InMemory) GetTransaction(ctx context.Context, budgetID, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, err := s.txLocked(budgetID, id)
	if err != nil {
		return Transaction{}, err
	}
	return *tx, nil
}

// UpdateTransaction reverses the old row's balance contribution and applies
// the new one, handling account and envelope reassignment pairwise. All
// balance writes happen under one lock; nothing is persisted on error.
// Transfer linkage fields are preserved. A transaction with splits rejects
// amount changes (splits would no longer sum) and keeps its envelope empty.
func (s *InMemory) UpdateTransaction(ctx context.Context, budgetID, id string, in TransactionInput) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.txLocked(budgetID, id)
	if err != nil {
		return Transaction{}, err
	}
	newAcc, err := s.accountLocked(budgetID, in.AccountID)
	if err != nil {
		return Transaction{}, err
	}

	hasSplits := s.splitCountLocked(id) > 0
	if hasSplits {
		if in.Amount != old.Amount {
			return Transaction{}, ErrSplitAmountMismatch
		}
		in.EnvelopeID = ""
	}
	var newEnv *Envelope
	if in.EnvelopeID != "" {
		if newEnv, err = s.envelopeLocked(budgetID, in.EnvelopeID); err != nil {
			return Transaction{}, err
		}
	}

	if in.ImportID != old.ImportID || in.SFinID != old.SFinID || in.AccountID != old.AccountID {
		if s.dedupConflictLocked(budgetID, in.AccountID, in.ImportID, in.SFinID, id) {
			return Transaction{}, ErrDuplicateTransaction
		}
	}

	payeeID := in.PayeeID
	if payeeID == "" && in.PayeeName != "" {
		p := s.payeeByNameLocked(budgetID, in.PayeeName)
		if p == nil {
			p = &Payee{ID: newID(), BudgetID: budgetID, Name: in.PayeeName}
			s.payees[p.ID] = p
		}
		payeeID = p.ID
	}

	// Account balances: pairwise reversal then reapplication.
	if in.AccountID == old.AccountID {
		newAcc.Balance += in.Amount - old.Amount
		if old.Cleared {
			newAcc.ClearedBalance -= old.Amount
		}
		if in.Cleared {
			newAcc.ClearedBalance += in.Amount
		}
	} else {
		oldAcc, ok := s.accounts[old.AccountID]
		if !ok {
			return Transaction{}, ErrBalanceInvariant
		}
		applyToAccountLocked(oldAcc, -old.Amount, old.Cleared)
		applyToAccountLocked(newAcc, in.Amount, in.Cleared)
	}

	// Envelope balances, unless splits own the envelope assignment.
	if !hasSplits {
		if in.EnvelopeID == old.EnvelopeID {
			if newEnv != nil {
				s.applyToEnvelopeLocked(newEnv, in.Amount-old.Amount)
			}
		} else {
			if old.EnvelopeID != "" {
				if oldEnv, ok := s.envelopes[old.EnvelopeID]; ok {
					s.applyToEnvelopeLocked(oldEnv, -old.Amount)
				}
			}
			if newEnv != nil {
				s.applyToEnvelopeLocked(newEnv, in.Amount)
			}
		}
	}

	old.AccountID = in.AccountID
	old.PayeeID = payeeID
	old.EnvelopeID = in.EnvelopeID
	old.Date = in.Date
	old.Amount = in.Amount
	old.Memo = in.Memo
	old.Cleared = in.Cleared
	old.Pending = in.Pending
	old.Reconciled = in.Reconciled
	old.InInbox = in.InInbox
	old.ImportID = in.ImportID
	old.SFinID = in.SFinID
	if in.ImportPayeeName != "" {
		old.ImportPayeeName = in.ImportPayeeName
	}
	return *old, nil
}

// SoftDeleteTransaction reverses the row's balance contribution and marks
// it deleted. The reversal is gated on the current deleted state, so a
// second delete of the same row is ErrTransactionNotFound and never
// double-reverses.
func (s *InMemory) SoftDeleteTransaction(ctx context.Context, budgetID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.txLocked(budgetID, id)
	if err != nil {
		return err
	}
	s.reverseLocked(tx)
	tx.Deleted = true
	return nil
}

// HardDeleteTransaction reverses the balance contribution and physically
// removes the row and its splits. Used where no audit trail is needed.
func (s *InMemory) HardDeleteTransaction(ctx context.Context, budgetID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.txLocked(budgetID, id)
	if err != nil {
		return err
	}
	s.reverseLocked(tx)
	for sid, sp := range s.splits {
		if sp.TransactionID == id {
			delete(s.splits, sid)
		}
	}
	delete(s.transactions, id)
	return nil
}

// reverseLocked removes a non-deleted transaction's contribution from its
// account and envelope(s). Splits are marked deleted alongside the parent.
func (s *InMemory) reverseLocked(tx *Transaction) {
	if acc, ok := s.accounts[tx.AccountID]; ok {
		applyToAccountLocked(acc, -tx.Amount, tx.Cleared)
	}
	split := false
	for _, sp := range s.splits {
		if sp.TransactionID != tx.ID || sp.Deleted {
			continue
		}
		split = true
		if sp.EnvelopeID != "" {
			if env, ok := s.envelopes[sp.EnvelopeID]; ok {
				s.applyToEnvelopeLocked(env, -sp.Amount)
			}
		}
		sp.Deleted = true
	}
	if !split && tx.EnvelopeID != "" {
		if env, ok := s.envelopes[tx.EnvelopeID]; ok {
			s.applyToEnvelopeLocked(env, -tx.Amount)
		}
	}
}

// ArchiveTransactions clears the needs-review flag on the given rows and
// returns how many were touched.
func (s *InMemory) ArchiveTransactions(ctx context.Context, budgetID string, txIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range txIDs {
		tx, err := s.txLocked(budgetID, id)
		if err != nil {
			continue
		}
		if tx.InInbox {
			tx.InInbox = false
			count++
		}
	}
	return count, nil
}

// SetSubTransactions atomically replaces a transaction's splits. Non-empty
// splits must sum to the parent amount; the parent's own envelope
// assignment is cleared because the splits own it from then on. An empty
// slice removes all splits.
func (s *InMemory) SetSubTransactions(ctx context.Context, budgetID, txID string, splits []SplitInput) ([]SubTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.txLocked(budgetID, txID)
	if err != nil {
		return nil, err
	}
	if len(splits) > 0 {
		var sum Milliunits
		for _, sp := range splits {
			sum += sp.Amount
		}
		if sum != tx.Amount {
			return nil, ErrSplitAmountMismatch
		}
		for _, sp := range splits {
			if sp.EnvelopeID != "" {
				if _, err := s.envelopeLocked(budgetID, sp.EnvelopeID); err != nil {
					return nil, err
				}
			}
		}
	}

	// Reverse current envelope contributions: either the old splits' or the
	// parent's direct assignment.
	hadSplits := false
	for sid, sp := range s.splits {
		if sp.TransactionID != txID || sp.Deleted {
			continue
		}
		hadSplits = true
		if sp.EnvelopeID != "" {
			if env, ok := s.envelopes[sp.EnvelopeID]; ok {
				s.applyToEnvelopeLocked(env, -sp.Amount)
			}
		}
		delete(s.splits, sid)
	}
	if !hadSplits && tx.EnvelopeID != "" {
		if env, ok := s.envelopes[tx.EnvelopeID]; ok {
			s.applyToEnvelopeLocked(env, -tx.Amount)
		}
		tx.EnvelopeID = ""
	}

	created := make([]SubTransaction, 0, len(splits))
	for _, in := range splits {
		sp := &SubTransaction{
			ID:            newID(),
			TransactionID: txID,
			EnvelopeID:    in.EnvelopeID,
			Amount:        in.Amount,
			Memo:          in.Memo,
		}
		s.splits[sp.ID] = sp
		if sp.EnvelopeID != "" {
			if env, ok := s.envelopes[sp.EnvelopeID]; ok {
				s.applyToEnvelopeLocked(env, sp.Amount)
			}
		}
		created = append(created, *sp)
	}
	return created, nil
}

func (s *InMemory) ListSubTransactions(ctx context.Context, budgetID, txID string) ([]SubTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.txLocked(budgetID, txID); err != nil {
		return nil, err
	}
	res := make([]SubTransaction, 0)
	for _, sp := range s.splits {
		if sp.TransactionID == txID && !sp.Deleted {
			res = append(res, *sp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) splitCountLocked(txID string) int {
	n := 0
	for _, sp := range s.splits {
		if sp.TransactionID == txID && !sp.Deleted {
			n++
		}
	}
	return n
}

// ListTransactions compiles the query string and returns matching
// transactions ordered by date descending.
func (s *InMemory) ListTransactions(ctx context.Context, budgetID, query string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return nil, ErrBudgetNotFound
	}

	q := search.Parse(query)
	var matched []Transaction
	for _, tx := range s.transactions {
		if tx.BudgetID != budgetID {
			continue
		}
		if q.Match(s.viewLocked(tx)) {
			matched = append(matched, *tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID > matched[j].ID
	})
	if offset >= len(matched) {
		return []Transaction{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// viewLocked flattens a transaction and its related names for the search
// predicate.
func (s *InMemory) viewLocked(tx *Transaction) search.TxView {
	v := search.TxView{
		Amount:      int64(tx.Amount),
		Date:        tx.Date,
		Cleared:     tx.Cleared,
		Pending:     tx.Pending,
		InInbox:     tx.InInbox,
		Deleted:     tx.Deleted,
		Memo:        tx.Memo,
		HasEnvelope: tx.EnvelopeID != "",
	}
	if p, ok := s.payees[tx.PayeeID]; ok {
		v.PayeeName = p.Name
	}
	if e, ok := s.envelopes[tx.EnvelopeID]; ok {
		v.EnvelopeName = e.Name
	}
	if a, ok := s.accounts[tx.AccountID]; ok {
		v.AccountName = a.Name
	}
	for _, sp := range s.splits {
		if sp.TransactionID == tx.ID && !sp.Deleted {
			v.SplitCount++
			if sp.EnvelopeID == "" {
				v.UnassignedSplitCount++
			}
		}
	}
	return v
}
