package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMergePendingAndSettledPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	date := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	manual := f.create(t, TransactionInput{
		EnvelopeID: f.envelope.ID,
		Date:       date,
		Amount:     -5000,
		PayeeName:  "Coffee Shop",
		Memo:       "flat white",
	})
	imported := f.create(t, TransactionInput{
		Date:            date.AddDate(0, 0, 1),
		Amount:          -5000,
		Cleared:         true,
		SFinID:          "sfin-42",
		ImportPayeeName: "COFFEE SHOP 0012",
	})

	merged, rec, err := f.svc.MergeTransactions(ctx, f.budget.ID, []string{imported.ID, manual.ID})
	if err != nil {
		t.Fatalf("MergeTransactions: %v", err)
	}

	if !merged.Date.Equal(date) {
		t.Fatalf("merged date=%v, want earliest %v", merged.Date, date)
	}
	if !merged.Cleared {
		t.Fatal("merged should be cleared when any source is")
	}
	if merged.Pending {
		t.Fatal("merged should not be pending unless every source is")
	}
	if merged.SFinID != "sfin-42" {
		t.Fatalf("merged sfin id=%q", merged.SFinID)
	}
	if merged.EnvelopeID != f.envelope.ID {
		t.Fatalf("merged envelope=%q, want the manual entry's", merged.EnvelopeID)
	}
	if merged.PayeeID != manual.PayeeID {
		t.Fatalf("merged payee=%q, want the manual entry's %q", merged.PayeeID, manual.PayeeID)
	}
	if merged.Memo != "flat white" {
		t.Fatalf("merged memo=%q", merged.Memo)
	}
	if len(rec.SourceTransactionIDs) != 2 {
		t.Fatalf("record sources=%v", rec.SourceTransactionIDs)
	}

	// Two -5000 rows collapsed into one: the account nets to a single
	// contribution.
	a := f.mustAccount(t, f.account.ID)
	if a.Balance != -5000 {
		t.Fatalf("balance=%d, want -5000", a.Balance)
	}
	if a.ClearedBalance != -5000 {
		t.Fatalf("cleared balance=%d, want -5000", a.ClearedBalance)
	}
	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != -5000 {
		t.Fatalf("envelope balance=%d, want -5000", got)
	}

	// Sources are gone from the live view but still in the trash.
	if _, err := f.svc.GetTransaction(ctx, f.budget.ID, manual.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("source still live: %v", err)
	}
	trash, err := f.svc.ListTransactions(ctx, f.budget.ID, "in:trash", 0, 0)
	if err != nil {
		t.Fatalf("ListTransactions trash: %v", err)
	}
	if len(trash) != 2 {
		t.Fatalf("trash=%d rows, want 2", len(trash))
	}
}

func TestMergeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.svc.CreateAccount(ctx, f.budget.ID, "Savings", AccountSavings)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	dining, err := f.svc.CreateEnvelope(ctx, f.budget.ID, f.category.ID, "Dining Out")
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}

	base := f.create(t, TransactionInput{EnvelopeID: f.envelope.ID, Amount: -1000})

	cases := map[string]Transaction{
		"different amount":   f.create(t, TransactionInput{Amount: -2000}),
		"different account":  f.create(t, TransactionInput{AccountID: other.ID, Amount: -1000}),
		"different envelope": f.create(t, TransactionInput{EnvelopeID: dining.ID, Amount: -1000}),
	}
	for name, tx := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.svc.MergeTransactions(ctx, f.budget.ID, []string{base.ID, tx.ID})
			var ve *MergeValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err=%v, want MergeValidationError", err)
			}
		})
	}

	t.Run("single transaction", func(t *testing.T) {
		_, _, err := f.svc.MergeTransactions(ctx, f.budget.ID, []string{base.ID})
		var ve *MergeValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err=%v, want MergeValidationError", err)
		}
	})

	t.Run("source with splits", func(t *testing.T) {
		split := f.create(t, TransactionInput{Amount: -1000})
		if _, err := f.svc.SetSubTransactions(ctx, f.budget.ID, split.ID, []SplitInput{
			{EnvelopeID: f.envelope.ID, Amount: -1000},
		}); err != nil {
			t.Fatalf("SetSubTransactions: %v", err)
		}
		twin := f.create(t, TransactionInput{Amount: -1000})
		_, _, err := f.svc.MergeTransactions(ctx, f.budget.ID, []string{split.ID, twin.ID})
		var ve *MergeValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err=%v, want MergeValidationError", err)
		}
	})

	// Failed validations must not move balances.
	a := f.mustAccount(t, f.account.ID)
	want := Milliunits(-1000 - 2000 - 1000 - 1000 - 1000)
	if a.Balance != want {
		t.Fatalf("balance=%d, want %d after failed merges", a.Balance, want)
	}
}

func TestMergeDeterministicAcrossInputOrder(t *testing.T) {
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	build := func(t *testing.T) (*fixture, []string) {
		f := newFixture(t)
		a := f.create(t, TransactionInput{Date: day.AddDate(0, 0, 2), Amount: -900, Memo: "later"})
		b := f.create(t, TransactionInput{Date: day, Amount: -900, Memo: "earlier"})
		c := f.create(t, TransactionInput{Date: day.AddDate(0, 0, 1), Amount: -900, Memo: "middle"})
		return f, []string{a.ID, b.ID, c.ID}
	}

	f1, ids1 := build(t)
	m1, _, err := f1.svc.MergeTransactions(context.Background(), f1.budget.ID, ids1)
	if err != nil {
		t.Fatalf("merge 1: %v", err)
	}
	f2, ids2 := build(t)
	m2, _, err := f2.svc.MergeTransactions(context.Background(), f2.budget.ID, []string{ids2[2], ids2[0], ids2[1]})
	if err != nil {
		t.Fatalf("merge 2: %v", err)
	}

	if !m1.Date.Equal(day) || !m2.Date.Equal(day) {
		t.Fatalf("dates %v / %v, want earliest %v", m1.Date, m2.Date, day)
	}
	if m1.Memo != m2.Memo {
		t.Fatalf("memo %q vs %q: resolution depends on input order", m1.Memo, m2.Memo)
	}
}

// balanceState captures every balance a merge can touch.
type balanceState struct {
	balance  Milliunits
	cleared  Milliunits
	envelope Milliunits
	category Milliunits
}

func (f *fixture) snapshot(t *testing.T) balanceState {
	t.Helper()
	a := f.mustAccount(t, f.account.ID)
	e := f.mustEnvelope(t, f.envelope.ID)
	cats, err := f.svc.ListCategories(context.Background(), f.budget.ID)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	var cat Milliunits
	for _, c := range cats {
		if c.ID == f.category.ID {
			cat = c.Balance
		}
	}
	return balanceState{balance: a.Balance, cleared: a.ClearedBalance, envelope: e.Balance, category: cat}
}

// TestMergeUndoRoundTrip sweeps source counts and flag combinations and
// checks that undo restores every balance and every source row exactly.
func TestMergeUndoRoundTrip(t *testing.T) {
	amounts := []Milliunits{-7500, 7500}
	for n := 2; n <= 4; n++ {
		for _, amount := range amounts {
			for clearedMask := 0; clearedMask < 1<<n; clearedMask++ {
				for envMask := 0; envMask < 1<<n; envMask++ {
					name := fmt.Sprintf("n=%d/amount=%d/cleared=%b/env=%b", n, amount, clearedMask, envMask)
					t.Run(name, func(t *testing.T) {
						runMergeUndoRoundTrip(t, n, amount, clearedMask, envMask)
					})
				}
			}
		}
	}
}

func runMergeUndoRoundTrip(t *testing.T, n int, amount Milliunits, clearedMask, envMask int) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		in := TransactionInput{
			Date:    day.AddDate(0, 0, i),
			Amount:  amount,
			Cleared: clearedMask&(1<<i) != 0,
		}
		if envMask&(1<<i) != 0 {
			in.EnvelopeID = f.envelope.ID
		}
		ids = append(ids, f.create(t, in).ID)
	}

	before := f.snapshot(t)

	merged, rec, err := f.svc.MergeTransactions(ctx, f.budget.ID, ids)
	if err != nil {
		t.Fatalf("MergeTransactions: %v", err)
	}

	// After the merge the account carries exactly one contribution.
	after := f.snapshot(t)
	if after.balance != amount {
		t.Fatalf("merged balance=%d, want %d", after.balance, amount)
	}
	wantCleared := Milliunits(0)
	if merged.Cleared {
		wantCleared = amount
	}
	if after.cleared != wantCleared {
		t.Fatalf("merged cleared balance=%d, want %d", after.cleared, wantCleared)
	}
	wantEnv := Milliunits(0)
	if merged.EnvelopeID == f.envelope.ID {
		wantEnv = amount
	}
	if after.envelope != wantEnv {
		t.Fatalf("merged envelope balance=%d, want %d", after.envelope, wantEnv)
	}

	restored, err := f.svc.UndoMerge(ctx, f.budget.ID, rec.ID)
	if err != nil {
		t.Fatalf("UndoMerge: %v", err)
	}
	if len(restored) != n {
		t.Fatalf("restored %d rows, want %d", len(restored), n)
	}

	if got := f.snapshot(t); got != before {
		t.Fatalf("balances after undo %+v, want %+v", got, before)
	}
	for _, id := range ids {
		if _, err := f.svc.GetTransaction(ctx, f.budget.ID, id); err != nil {
			t.Fatalf("source %s not restored: %v", id, err)
		}
	}
	if _, err := f.svc.GetTransaction(ctx, f.budget.ID, merged.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("merged row still live after undo: %v", err)
	}
	if _, err := f.svc.GetMerge(ctx, f.budget.ID, rec.ID); !errors.Is(err, ErrMergeNotFound) {
		t.Fatalf("merge record survived undo: %v", err)
	}
}

func TestUndoMergeUnknownID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.UndoMerge(context.Background(), f.budget.ID, "nope"); !errors.Is(err, ErrMergeNotFound) {
		t.Fatalf("err=%v, want ErrMergeNotFound", err)
	}
}
