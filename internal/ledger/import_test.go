package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func extRecord(id string, amount string, day int) ExternalRecord {
	return ExternalRecord{
		ExternalID: id,
		Date:       time.Date(2026, 6, day, 0, 0, 0, 0, time.UTC),
		Amount:     decimal.RequireFromString(amount),
		PayeeName:  "ACME CORP",
	}
}

func TestBulkImportPartitionsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.BulkImport(ctx, f.budget.ID, f.account.ID, []ExternalRecord{
		extRecord("ext-1", "-25.50", 1),
		extRecord("ext-2", "100", 2),
		{ExternalID: "", Date: time.Now(), Amount: decimal.New(1, 0)},
		{ExternalID: "ext-3", Amount: decimal.New(1, 0)},
	})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if len(res.CreatedIDs) != 2 {
		t.Fatalf("created=%v, want 2", res.CreatedIDs)
	}
	if len(res.DuplicateIDs) != 0 {
		t.Fatalf("duplicates=%v, want none", res.DuplicateIDs)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("failures=%v, want 2", res.Failures)
	}

	// Major units converted to milliunits, balance maintained.
	a := f.mustAccount(t, f.account.ID)
	if a.Balance != -25500+100000 {
		t.Fatalf("balance=%d, want %d", a.Balance, -25500+100000)
	}
	if a.LastSyncedAt.IsZero() {
		t.Fatal("sync watermark not advanced")
	}

	tx, err := f.svc.GetTransaction(ctx, f.budget.ID, res.CreatedIDs[0])
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.ImportID == "" || !tx.InInbox || !tx.Cleared {
		t.Fatalf("imported row: import_id=%q in_inbox=%v cleared=%v", tx.ImportID, tx.InInbox, tx.Cleared)
	}
}

func TestBulkImportIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := []ExternalRecord{extRecord("ext-1", "-10", 1), extRecord("ext-2", "-20", 2)}

	if _, err := f.svc.BulkImport(ctx, f.budget.ID, f.account.ID, batch); err != nil {
		t.Fatalf("first import: %v", err)
	}
	res, err := f.svc.BulkImport(ctx, f.budget.ID, f.account.ID, batch)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if len(res.CreatedIDs) != 0 || len(res.DuplicateIDs) != 2 {
		t.Fatalf("created=%v duplicates=%v, want all duplicates", res.CreatedIDs, res.DuplicateIDs)
	}
	if got := f.mustAccount(t, f.account.ID).Balance; got != -30000 {
		t.Fatalf("balance=%d, want -30000", got)
	}
}

func TestBulkImportSkipsDeletedRowsKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.BulkImport(ctx, f.budget.ID, f.account.ID, []ExternalRecord{extRecord("ext-1", "-10", 1)})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := f.svc.SoftDeleteTransaction(ctx, f.budget.ID, res.CreatedIDs[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// A deleted row still claims its external id; re-import must not
	// resurrect it as a new transaction.
	res, err = f.svc.BulkImport(ctx, f.budget.ID, f.account.ID, []ExternalRecord{extRecord("ext-1", "-10", 1)})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if len(res.CreatedIDs) != 0 || len(res.DuplicateIDs) != 1 {
		t.Fatalf("created=%v duplicates=%v", res.CreatedIDs, res.DuplicateIDs)
	}
	if got := f.mustAccount(t, f.account.ID).Balance; got != 0 {
		t.Fatalf("balance=%d, want 0", got)
	}
}

func TestBulkImportDuplicateWithinBatch(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.BulkImport(context.Background(), f.budget.ID, f.account.ID, []ExternalRecord{
		extRecord("ext-1", "-10", 1),
		extRecord("ext-1", "-10", 1),
	})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if len(res.CreatedIDs) != 1 || len(res.DuplicateIDs) != 1 {
		t.Fatalf("created=%v duplicates=%v", res.CreatedIDs, res.DuplicateIDs)
	}
}

func TestSyncStart(t *testing.T) {
	if got := SyncStart(Account{}, DefaultSyncLookback); !got.IsZero() {
		t.Fatalf("zero watermark should mean full refetch, got %v", got)
	}
	watermark := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	want := watermark.Add(-DefaultSyncLookback)
	if got := SyncStart(Account{LastSyncedAt: watermark}, DefaultSyncLookback); !got.Equal(want) {
		t.Fatalf("SyncStart=%v, want %v", got, want)
	}
}
