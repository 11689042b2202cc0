package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savings, err := f.svc.CreateAccount(ctx, f.budget.ID, "Savings", AccountSavings)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	out, in, err := f.svc.CreateTransfer(ctx, TransferInput{
		BudgetID:      f.budget.ID,
		FromAccountID: f.account.ID,
		ToAccountID:   savings.ID,
		Amount:        50000,
		Date:          time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	if out.Amount != -50000 || in.Amount != 50000 {
		t.Fatalf("amounts %d/%d, want -50000/50000", out.Amount, in.Amount)
	}
	if out.TransferTransactionID != in.ID || in.TransferTransactionID != out.ID {
		t.Fatal("legs not cross-linked")
	}
	if out.TransferAccountID != savings.ID || in.TransferAccountID != f.account.ID {
		t.Fatal("legs do not reference each other's account")
	}
	if !out.IsTransfer || !in.IsTransfer {
		t.Fatal("legs not flagged as transfer")
	}
	if out.EnvelopeID != "" || in.EnvelopeID != "" {
		t.Fatal("transfer legs must not carry an envelope")
	}

	// Money moved, nothing created or destroyed.
	from := f.mustAccount(t, f.account.ID)
	to := f.mustAccount(t, savings.ID)
	if from.Balance != -50000 || to.Balance != 50000 {
		t.Fatalf("balances %d/%d", from.Balance, to.Balance)
	}
	if from.Balance+to.Balance != 0 {
		t.Fatalf("transfer changed total: %d", from.Balance+to.Balance)
	}
}

func TestCreateTransferRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.CreateTransfer(context.Background(), TransferInput{
		BudgetID:      f.budget.ID,
		FromAccountID: f.account.ID,
		ToAccountID:   "other",
		Amount:        -100,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err=%v, want ErrInvalidAmount", err)
	}
}

func TestMarkAsTransferWithCounterpart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savings, err := f.svc.CreateAccount(ctx, f.budget.ID, "Savings", AccountSavings)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tx := f.create(t, TransactionInput{
		EnvelopeID: f.envelope.ID,
		Amount:     -20000,
		InInbox:    true,
	})

	marked, err := f.svc.MarkAsTransfer(ctx, f.budget.ID, tx.ID, savings.ID, true)
	if err != nil {
		t.Fatalf("MarkAsTransfer: %v", err)
	}
	if !marked.IsTransfer || marked.TransferAccountID != savings.ID {
		t.Fatalf("marked=%+v", marked)
	}
	if marked.InInbox {
		t.Fatal("marking should archive the row")
	}
	if marked.EnvelopeID != "" {
		t.Fatal("envelope must be cleared when marked as transfer")
	}
	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != 0 {
		t.Fatalf("envelope balance=%d, want 0", got)
	}

	other, err := f.svc.GetTransaction(ctx, f.budget.ID, marked.TransferTransactionID)
	if err != nil {
		t.Fatalf("counterpart: %v", err)
	}
	if other.Amount != 20000 || other.AccountID != savings.ID {
		t.Fatalf("counterpart=%+v", other)
	}
	if got := f.mustAccount(t, savings.ID).Balance; got != 20000 {
		t.Fatalf("savings balance=%d, want 20000", got)
	}
}

func TestMarkAsTransferWithoutCounterpart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savings, err := f.svc.CreateAccount(ctx, f.budget.ID, "Savings", AccountSavings)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tx := f.create(t, TransactionInput{Amount: -20000})

	marked, err := f.svc.MarkAsTransfer(ctx, f.budget.ID, tx.ID, savings.ID, false)
	if err != nil {
		t.Fatalf("MarkAsTransfer: %v", err)
	}
	if marked.TransferTransactionID != "" {
		t.Fatalf("unexpected counterpart link %q", marked.TransferTransactionID)
	}
	if got := f.mustAccount(t, savings.ID).Balance; got != 0 {
		t.Fatalf("savings balance=%d, want untouched", got)
	}
}

func TestFindPotentialTransferMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savings, err := f.svc.CreateAccount(ctx, f.budget.ID, "Savings", AccountSavings)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	day := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)

	leg := f.create(t, TransactionInput{Amount: -30000, Date: day})
	match := f.create(t, TransactionInput{AccountID: savings.ID, Amount: 30000, Date: day})
	f.create(t, TransactionInput{AccountID: savings.ID, Amount: 30000, Date: day.AddDate(0, 0, 5)}) // too far
	f.create(t, TransactionInput{AccountID: savings.ID, Amount: 29000, Date: day})                  // wrong amount
	f.create(t, TransactionInput{Amount: 30000, Date: day})                                        // same account

	got, err := f.svc.FindPotentialTransferMatches(ctx, f.budget.ID, leg.ID)
	if err != nil {
		t.Fatalf("FindPotentialTransferMatches: %v", err)
	}
	if len(got) != 1 || got[0].ID != match.ID {
		t.Fatalf("matches=%v, want only %s", got, match.ID)
	}
}
