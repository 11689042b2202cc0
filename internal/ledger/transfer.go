package ledger

import (
	"context"
	"sort"
	"time"
)

// TransferPayeeName is the default payee for transfer legs.
const TransferPayeeName = "Transfer"

// transferMatchWindow bounds how far apart the two legs' dates may be when
// suggesting counterpart candidates.
const transferMatchWindow = 24 * time.Hour

// CreateTransfer records a movement of funds between two accounts as a pair
// of linked transactions: an outflow from the source and an inflow to the
// destination. Neither leg carries an envelope; a transfer does not change
// the budget's total, only where it sits.
func (s *InMemory) CreateTransfer(ctx context.Context, in TransferInput) (Transaction, Transaction, error) {
	if !in.Amount.IsPositive() {
		return Transaction{}, Transaction{}, ErrInvalidAmount
	}
	if in.FromAccountID == in.ToAccountID {
		return Transaction{}, Transaction{}, ErrAccountNotFound
	}
	payeeName := in.PayeeName
	if payeeName == "" {
		payeeName = TransferPayeeName
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.accountLocked(in.BudgetID, in.FromAccountID); err != nil {
		return Transaction{}, Transaction{}, err
	}
	if _, err := s.accountLocked(in.BudgetID, in.ToAccountID); err != nil {
		return Transaction{}, Transaction{}, err
	}

	out, err := s.createLocked(TransactionInput{
		BudgetID:  in.BudgetID,
		AccountID: in.FromAccountID,
		PayeeName: payeeName,
		Date:      date,
		Amount:    -in.Amount,
		Memo:      in.Memo,
		Cleared:   true,
	}, false)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	inc, err := s.createLocked(TransactionInput{
		BudgetID:  in.BudgetID,
		AccountID: in.ToAccountID,
		PayeeName: payeeName,
		Date:      date,
		Amount:    in.Amount,
		Memo:      in.Memo,
		Cleared:   true,
	}, false)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	linkTransferLocked(out, inc)
	return *out, *inc, nil
}

// MarkAsTransfer flags an existing transaction as one leg of a transfer to
// otherAccountID. With createCounterpart set, the opposite leg is created
// there and the two are cross-linked; otherwise only the flag and the
// account reference are recorded, for the case where the counterpart was
// imported separately.
func (s *InMemory) MarkAsTransfer(ctx context.Context, budgetID, txID, otherAccountID string, createCounterpart bool) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.txLocked(budgetID, txID)
	if err != nil {
		return Transaction{}, err
	}
	if otherAccountID == tx.AccountID {
		return Transaction{}, ErrAccountNotFound
	}
	if _, err := s.accountLocked(budgetID, otherAccountID); err != nil {
		return Transaction{}, err
	}

	// A transfer leg never counts against an envelope.
	if tx.EnvelopeID != "" {
		if env, ok := s.envelopes[tx.EnvelopeID]; ok {
			s.applyToEnvelopeLocked(env, -tx.Amount)
		}
		tx.EnvelopeID = ""
	}
	tx.IsTransfer = true
	tx.TransferAccountID = otherAccountID
	tx.InInbox = false

	if createCounterpart {
		other, err := s.createLocked(TransactionInput{
			BudgetID:  budgetID,
			AccountID: otherAccountID,
			PayeeID:   tx.PayeeID,
			Date:      tx.Date,
			Amount:    -tx.Amount,
			Memo:      tx.Memo,
			Cleared:   tx.Cleared,
		}, false)
		if err != nil {
			return Transaction{}, err
		}
		linkTransferLocked(tx, other)
	}
	return *tx, nil
}

// FindPotentialTransferMatches suggests counterpart candidates for a
// transaction: rows in another account of the same budget with the exact
// opposite amount, dated within a day, not already part of a transfer.
// Results are ordered by date proximity.
func (s *InMemory) FindPotentialTransferMatches(ctx context.Context, budgetID, txID string) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.txLocked(budgetID, txID)
	if err != nil {
		return nil, err
	}
	matches := make([]Transaction, 0)
	for _, cand := range s.transactions {
		if cand.ID == tx.ID || cand.Deleted || cand.BudgetID != budgetID {
			continue
		}
		if cand.AccountID == tx.AccountID || cand.Amount != -tx.Amount {
			continue
		}
		if cand.TransferTransactionID != "" || cand.IsTransfer {
			continue
		}
		if absDuration(cand.Date.Sub(tx.Date)) > transferMatchWindow {
			continue
		}
		matches = append(matches, *cand)
	}
	sort.Slice(matches, func(i, j int) bool {
		di := absDuration(matches[i].Date.Sub(tx.Date))
		dj := absDuration(matches[j].Date.Sub(tx.Date))
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

// linkTransferLocked cross-links two legs of a transfer.
func linkTransferLocked(a, b *Transaction) {
	a.IsTransfer = true
	b.IsTransfer = true
	a.TransferAccountID = b.AccountID
	b.TransferAccountID = a.AccountID
	a.TransferTransactionID = b.ID
	b.TransferTransactionID = a.ID
}
