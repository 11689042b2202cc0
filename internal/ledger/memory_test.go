package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fixture struct {
	svc      *InMemory
	budget   Budget
	account  Account
	category Category
	envelope Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	svc := NewInMemory()
	b, err := svc.CreateBudget(ctx, "Household", "USD")
	if err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	a, err := svc.CreateAccount(ctx, b.ID, "Checking", AccountChecking)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	c, err := svc.CreateCategory(ctx, b.ID, "Essentials")
	if err != nil {
		t.Fatalf("CreateCategory: %v", err)
	}
	e, err := svc.CreateEnvelope(ctx, b.ID, c.ID, "Groceries")
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	return &fixture{svc: svc, budget: b, account: a, category: c, envelope: e}
}

func (f *fixture) mustAccount(t *testing.T, id string) Account {
	t.Helper()
	a, err := f.svc.GetAccount(context.Background(), f.budget.ID, id)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", id, err)
	}
	return a
}

func (f *fixture) mustEnvelope(t *testing.T, id string) Envelope {
	t.Helper()
	e, err := f.svc.GetEnvelope(context.Background(), f.budget.ID, id)
	if err != nil {
		t.Fatalf("GetEnvelope(%s): %v", id, err)
	}
	return e
}

func (f *fixture) create(t *testing.T, in TransactionInput) Transaction {
	t.Helper()
	in.BudgetID = f.budget.ID
	if in.AccountID == "" {
		in.AccountID = f.account.ID
	}
	if in.Date.IsZero() {
		in.Date = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	}
	tx, err := f.svc.CreateTransaction(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return tx
}

func TestCreateTransactionUpdatesBalances(t *testing.T) {
	f := newFixture(t)

	f.create(t, TransactionInput{
		EnvelopeID: f.envelope.ID,
		Amount:     -25000,
		PayeeName:  "Corner Store",
	})

	a := f.mustAccount(t, f.account.ID)
	if a.Balance != -25000 {
		t.Fatalf("balance=%d, want -25000", a.Balance)
	}
	if a.ClearedBalance != 0 {
		t.Fatalf("cleared balance=%d, want 0 for uncleared tx", a.ClearedBalance)
	}
	e := f.mustEnvelope(t, f.envelope.ID)
	if e.Balance != -25000 {
		t.Fatalf("envelope balance=%d, want -25000", e.Balance)
	}
	cats, err := f.svc.ListCategories(context.Background(), f.budget.ID)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	if cats[0].Balance != -25000 {
		t.Fatalf("category balance=%d, want -25000", cats[0].Balance)
	}
}

func TestCreateClearedTransaction(t *testing.T) {
	f := newFixture(t)
	f.create(t, TransactionInput{Amount: -4200, Cleared: true})
	a := f.mustAccount(t, f.account.ID)
	if a.Balance != -4200 || a.ClearedBalance != -4200 {
		t.Fatalf("balance=%d cleared=%d, want both -4200", a.Balance, a.ClearedBalance)
	}
}

func TestUpdateTransactionMovesEnvelopeBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.svc.CreateEnvelope(ctx, f.budget.ID, f.category.ID, "Dining Out")
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	tx := f.create(t, TransactionInput{EnvelopeID: f.envelope.ID, Amount: -10000})

	_, err = f.svc.UpdateTransaction(ctx, f.budget.ID, tx.ID, TransactionInput{
		AccountID:  tx.AccountID,
		EnvelopeID: other.ID,
		Date:       tx.Date,
		Amount:     tx.Amount,
	})
	if err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}

	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != 0 {
		t.Fatalf("old envelope balance=%d, want 0", got)
	}
	if got := f.mustEnvelope(t, other.ID).Balance; got != -10000 {
		t.Fatalf("new envelope balance=%d, want -10000", got)
	}
	if got := f.mustAccount(t, f.account.ID).Balance; got != -10000 {
		t.Fatalf("account balance=%d, want -10000 after neutral update", got)
	}
}

func TestUpdateTransactionChangesAccountAndCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savings, err := f.svc.CreateAccount(ctx, f.budget.ID, "Savings", AccountSavings)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tx := f.create(t, TransactionInput{Amount: -7500, Cleared: true})

	_, err = f.svc.UpdateTransaction(ctx, f.budget.ID, tx.ID, TransactionInput{
		AccountID: savings.ID,
		Date:      tx.Date,
		Amount:    -8000,
		Cleared:   false,
	})
	if err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}

	oldAcc := f.mustAccount(t, f.account.ID)
	if oldAcc.Balance != 0 || oldAcc.ClearedBalance != 0 {
		t.Fatalf("old account balance=%d cleared=%d, want 0/0", oldAcc.Balance, oldAcc.ClearedBalance)
	}
	newAcc := f.mustAccount(t, savings.ID)
	if newAcc.Balance != -8000 || newAcc.ClearedBalance != 0 {
		t.Fatalf("new account balance=%d cleared=%d, want -8000/0", newAcc.Balance, newAcc.ClearedBalance)
	}
}

func TestSoftDeleteReversesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, TransactionInput{EnvelopeID: f.envelope.ID, Amount: -5000, Cleared: true})

	if err := f.svc.SoftDeleteTransaction(ctx, f.budget.ID, tx.ID); err != nil {
		t.Fatalf("SoftDeleteTransaction: %v", err)
	}
	a := f.mustAccount(t, f.account.ID)
	if a.Balance != 0 || a.ClearedBalance != 0 {
		t.Fatalf("balance=%d cleared=%d, want 0/0 after delete", a.Balance, a.ClearedBalance)
	}
	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != 0 {
		t.Fatalf("envelope balance=%d, want 0 after delete", got)
	}

	// A second delete must not reverse again.
	if err := f.svc.SoftDeleteTransaction(ctx, f.budget.ID, tx.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("second delete: %v, want ErrTransactionNotFound", err)
	}
	if got := f.mustAccount(t, f.account.ID).Balance; got != 0 {
		t.Fatalf("balance=%d after double delete, want 0", got)
	}
}

func TestHardDeleteRemovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, TransactionInput{Amount: 12000, Cleared: true})

	if err := f.svc.HardDeleteTransaction(ctx, f.budget.ID, tx.ID); err != nil {
		t.Fatalf("HardDeleteTransaction: %v", err)
	}
	if _, err := f.svc.GetTransaction(ctx, f.budget.ID, tx.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("GetTransaction after hard delete: %v", err)
	}
	if got := f.mustAccount(t, f.account.ID).Balance; got != 0 {
		t.Fatalf("balance=%d, want 0", got)
	}
}

func TestDuplicateImportKeyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, TransactionInput{Amount: -1000, ImportID: "stmt-1"})

	_, err := f.svc.CreateTransaction(ctx, TransactionInput{
		BudgetID:  f.budget.ID,
		AccountID: f.account.ID,
		Date:      time.Now(),
		Amount:    -1000,
		ImportID:  "stmt-1",
	})
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("err=%v, want ErrDuplicateTransaction", err)
	}
	if got := f.mustAccount(t, f.account.ID).Balance; got != -1000 {
		t.Fatalf("balance=%d, want -1000 (rejected create must not mutate)", got)
	}
}

func TestSetSubTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dining, err := f.svc.CreateEnvelope(ctx, f.budget.ID, f.category.ID, "Dining Out")
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	tx := f.create(t, TransactionInput{EnvelopeID: f.envelope.ID, Amount: -30000})

	_, err = f.svc.SetSubTransactions(ctx, f.budget.ID, tx.ID, []SplitInput{
		{EnvelopeID: f.envelope.ID, Amount: -10000},
		{EnvelopeID: dining.ID, Amount: -10000},
	})
	if !errors.Is(err, ErrSplitAmountMismatch) {
		t.Fatalf("mismatched splits: %v, want ErrSplitAmountMismatch", err)
	}

	splits, err := f.svc.SetSubTransactions(ctx, f.budget.ID, tx.ID, []SplitInput{
		{EnvelopeID: f.envelope.ID, Amount: -20000},
		{EnvelopeID: dining.ID, Amount: -10000},
	})
	if err != nil {
		t.Fatalf("SetSubTransactions: %v", err)
	}
	if len(splits) != 2 {
		t.Fatalf("got %d splits, want 2", len(splits))
	}
	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != -20000 {
		t.Fatalf("groceries balance=%d, want -20000", got)
	}
	if got := f.mustEnvelope(t, dining.ID).Balance; got != -10000 {
		t.Fatalf("dining balance=%d, want -10000", got)
	}
	got, err := f.svc.GetTransaction(ctx, f.budget.ID, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.EnvelopeID != "" {
		t.Fatalf("parent envelope=%q, want cleared once splits own the assignment", got.EnvelopeID)
	}

	// Changing the amount while splits exist would break the sum invariant.
	_, err = f.svc.UpdateTransaction(ctx, f.budget.ID, tx.ID, TransactionInput{
		AccountID: tx.AccountID,
		Date:      tx.Date,
		Amount:    -25000,
	})
	if !errors.Is(err, ErrSplitAmountMismatch) {
		t.Fatalf("amount change with splits: %v, want ErrSplitAmountMismatch", err)
	}

	// Soft delete reverses the splits' contributions, not the parent's.
	if err := f.svc.SoftDeleteTransaction(ctx, f.budget.ID, tx.ID); err != nil {
		t.Fatalf("SoftDeleteTransaction: %v", err)
	}
	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != 0 {
		t.Fatalf("groceries balance=%d after delete, want 0", got)
	}
	if got := f.mustEnvelope(t, dining.ID).Balance; got != 0 {
		t.Fatalf("dining balance=%d after delete, want 0", got)
	}
}

func TestClearSubTransactionsRestoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, TransactionInput{Amount: -30000})
	if _, err := f.svc.SetSubTransactions(ctx, f.budget.ID, tx.ID, []SplitInput{
		{EnvelopeID: f.envelope.ID, Amount: -30000},
	}); err != nil {
		t.Fatalf("SetSubTransactions: %v", err)
	}
	if _, err := f.svc.SetSubTransactions(ctx, f.budget.ID, tx.ID, nil); err != nil {
		t.Fatalf("clear splits: %v", err)
	}
	if got := f.mustEnvelope(t, f.envelope.ID).Balance; got != 0 {
		t.Fatalf("envelope balance=%d after clearing splits, want 0", got)
	}
	subs, err := f.svc.ListSubTransactions(ctx, f.budget.ID, tx.ID)
	if err != nil {
		t.Fatalf("ListSubTransactions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("got %d splits, want 0", len(subs))
	}
}

func TestArchiveTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, TransactionInput{Amount: -100, InInbox: true})
	b := f.create(t, TransactionInput{Amount: -200, InInbox: false})

	n, err := f.svc.ArchiveTransactions(ctx, f.budget.ID, []string{a.ID, b.ID, "missing"})
	if err != nil {
		t.Fatalf("ArchiveTransactions: %v", err)
	}
	if n != 1 {
		t.Fatalf("archived %d, want 1", n)
	}
	got, _ := f.svc.GetTransaction(ctx, f.budget.ID, a.ID)
	if got.InInbox {
		t.Fatal("transaction still in inbox")
	}
}

func TestListTransactionsOrderAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC) }
	f.create(t, TransactionInput{Amount: -100, Date: day(1)})
	f.create(t, TransactionInput{Amount: -200, Date: day(3)})
	f.create(t, TransactionInput{Amount: -300, Date: day(2)})

	txs, err := f.svc.ListTransactions(ctx, f.budget.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d, want 3", len(txs))
	}
	if !txs[0].Date.Equal(day(3)) || !txs[2].Date.Equal(day(1)) {
		t.Fatalf("wrong order: %v, %v, %v", txs[0].Date, txs[1].Date, txs[2].Date)
	}

	page, err := f.svc.ListTransactions(ctx, f.budget.ID, "", 1, 1)
	if err != nil {
		t.Fatalf("ListTransactions paged: %v", err)
	}
	if len(page) != 1 || !page[0].Date.Equal(day(2)) {
		t.Fatalf("page=%v", page)
	}
}

func TestListTransactionsTrashQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.create(t, TransactionInput{Amount: -100})
	gone := f.create(t, TransactionInput{Amount: -200})
	if err := f.svc.SoftDeleteTransaction(ctx, f.budget.ID, gone.ID); err != nil {
		t.Fatalf("SoftDeleteTransaction: %v", err)
	}

	live, err := f.svc.ListTransactions(ctx, f.budget.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(live) != 1 || live[0].ID != keep.ID {
		t.Fatalf("live=%v", live)
	}
	trash, err := f.svc.ListTransactions(ctx, f.budget.ID, "in:trash", 0, 0)
	if err != nil {
		t.Fatalf("ListTransactions trash: %v", err)
	}
	if len(trash) != 1 || trash[0].ID != gone.ID {
		t.Fatalf("trash=%v", trash)
	}
}

func TestArchiveAccountRequiresZeroBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, TransactionInput{Amount: -100})

	if err := f.svc.ArchiveAccount(ctx, f.budget.ID, f.account.ID); !errors.Is(err, ErrAccountNotEmpty) {
		t.Fatalf("err=%v, want ErrAccountNotEmpty", err)
	}
	f.create(t, TransactionInput{Amount: 100})
	if err := f.svc.ArchiveAccount(ctx, f.budget.ID, f.account.ID); err != nil {
		t.Fatalf("ArchiveAccount: %v", err)
	}
	accounts, err := f.svc.ListAccounts(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("archived account still listed: %v", accounts)
	}
}

func TestDebtAccountGetsPaymentEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cc, err := f.svc.CreateAccount(ctx, f.budget.ID, "Visa", AccountCreditCard)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	envs, err := f.svc.ListEnvelopes(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("ListEnvelopes: %v", err)
	}
	var found bool
	for _, e := range envs {
		if e.LinkedAccountID == cc.ID {
			found = true
			if e.Name != "Visa Payments" {
				t.Fatalf("envelope name=%q", e.Name)
			}
		}
	}
	if !found {
		t.Fatal("no payment envelope linked to the credit card account")
	}
	cats, err := f.svc.ListCategories(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	var debt bool
	for _, c := range cats {
		if c.Name == "Debt" {
			debt = true
		}
	}
	if !debt {
		t.Fatal("Debt category not created")
	}
}

func TestUnallocatedEnvelopeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	un, err := f.svc.UnallocatedEnvelope(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("UnallocatedEnvelope: %v", err)
	}
	if un.ID != f.budget.UnallocatedEnvelopeID {
		t.Fatalf("id=%s, want %s", un.ID, f.budget.UnallocatedEnvelopeID)
	}

	envs, err := f.svc.ListEnvelopes(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("ListEnvelopes: %v", err)
	}
	for _, e := range envs {
		if e.ID == un.ID {
			t.Fatal("unallocated envelope must not be listed")
		}
	}

	// Deleting hides it; it stays resolvable by id.
	if err := f.svc.DeleteEnvelope(ctx, f.budget.ID, un.ID); err != nil {
		t.Fatalf("DeleteEnvelope: %v", err)
	}
	got, err := f.svc.UnallocatedEnvelope(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("UnallocatedEnvelope after delete: %v", err)
	}
	if !got.Hidden || got.Deleted {
		t.Fatalf("hidden=%v deleted=%v, want hidden only", got.Hidden, got.Deleted)
	}
}

func TestDeleteUnusedPayees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	used, _ := f.svc.GetOrCreatePayee(ctx, f.budget.ID, "Grocer")
	if _, err := f.svc.GetOrCreatePayee(ctx, f.budget.ID, "Never Used"); err != nil {
		t.Fatalf("GetOrCreatePayee: %v", err)
	}
	f.create(t, TransactionInput{Amount: -100, PayeeID: used.ID})

	n, err := f.svc.DeleteUnusedPayees(ctx, f.budget.ID)
	if err != nil {
		t.Fatalf("DeleteUnusedPayees: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	payees, _ := f.svc.ListPayees(ctx, f.budget.ID)
	if len(payees) != 1 || payees[0].ID != used.ID {
		t.Fatalf("payees=%v", payees)
	}
}

func TestMergePayees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target, _ := f.svc.GetOrCreatePayee(ctx, f.budget.ID, "Amazon")
	dupe, _ := f.svc.GetOrCreatePayee(ctx, f.budget.ID, "AMZN Mktp")
	tx := f.create(t, TransactionInput{Amount: -100, PayeeID: dupe.ID})

	n, err := f.svc.MergePayees(ctx, f.budget.ID, target.ID, []string{dupe.ID})
	if err != nil {
		t.Fatalf("MergePayees: %v", err)
	}
	if n != 1 {
		t.Fatalf("repointed %d, want 1", n)
	}
	got, _ := f.svc.GetTransaction(ctx, f.budget.ID, tx.ID)
	if got.PayeeID != target.ID {
		t.Fatalf("payee=%s, want %s", got.PayeeID, target.ID)
	}
	payees, _ := f.svc.ListPayees(ctx, f.budget.ID)
	if len(payees) != 1 {
		t.Fatalf("payees=%v, want only the target", payees)
	}
}
