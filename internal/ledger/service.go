package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionInput carries the caller-settable fields for create and update.
// PayeeName resolves (or creates) a payee when PayeeID is empty.
type TransactionInput struct {
	BudgetID   string
	AccountID  string
	PayeeID    string
	PayeeName  string
	EnvelopeID string
	Date       time.Time
	Amount     Milliunits
	Memo       string
	Cleared    bool
	Pending    bool
	Reconciled bool
	InInbox    bool

	ImportID        string
	SFinID          string
	ImportPayeeName string
}

// SplitInput is one envelope assignment of a split transaction.
type SplitInput struct {
	EnvelopeID string
	Amount     Milliunits
	Memo       string
}

// ExternalRecord is the normalized shape produced by any statement or
// aggregator adapter. Amount is in major units; the import engine converts
// it to milliunits.
type ExternalRecord struct {
	ExternalID string
	Date       time.Time
	Amount     decimal.Decimal
	PayeeName  string
	Memo       string
	Pending    bool
}

// ImportFailure records a single bad record that did not abort its batch.
type ImportFailure struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

// ImportResult partitions a bulk-import batch.
type ImportResult struct {
	CreatedIDs   []string        `json:"created_ids"`
	DuplicateIDs []string        `json:"duplicate_ids"`
	Failures     []ImportFailure `json:"failures,omitempty"`
}

// TransferInput describes a movement of funds between two accounts.
// Amount must be positive; the engine derives the signed leg amounts.
type TransferInput struct {
	BudgetID      string
	FromAccountID string
	ToAccountID   string
	Amount        Milliunits
	Date          time.Time
	Memo          string
	PayeeName     string // defaults to "Transfer"
}

// Service defines every ledger operation. Implementations run each call in
// one atomic unit against their backing store; balances are only ever
// written through these operations.
type Service interface {
	// Budgets. CreateBudget also creates the Unallocated Funds envelope and
	// records its id on the budget.
	CreateBudget(ctx context.Context, name, currencyCode string) (Budget, error)
	GetBudget(ctx context.Context, id string) (Budget, error)

	// Accounts. Creating a debt-type account also creates its linked
	// payment envelope. Archiving requires a zero balance.
	CreateAccount(ctx context.Context, budgetID, name string, typ AccountType) (Account, error)
	GetAccount(ctx context.Context, budgetID, id string) (Account, error)
	ListAccounts(ctx context.Context, budgetID string) ([]Account, error)
	ArchiveAccount(ctx context.Context, budgetID, id string) error

	// Categories and envelopes.
	CreateCategory(ctx context.Context, budgetID, name string) (Category, error)
	GetCategory(ctx context.Context, budgetID, id string) (Category, error)
	ListCategories(ctx context.Context, budgetID string) ([]Category, error)
	CreateEnvelope(ctx context.Context, budgetID, categoryID, name string) (Envelope, error)
	GetEnvelope(ctx context.Context, budgetID, id string) (Envelope, error)
	UnallocatedEnvelope(ctx context.Context, budgetID string) (Envelope, error)
	ListEnvelopes(ctx context.Context, budgetID string) ([]Envelope, error)
	SetMonthlyBudget(ctx context.Context, budgetID, envelopeID string, amount Milliunits) error
	DeleteEnvelope(ctx context.Context, budgetID, id string) error

	// Payees.
	GetOrCreatePayee(ctx context.Context, budgetID, name string) (Payee, error)
	ListPayees(ctx context.Context, budgetID string) ([]Payee, error)
	DeleteUnusedPayees(ctx context.Context, budgetID string) (int, error)
	MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) (int, error)

	// Transactions: the balance engine.
	CreateTransaction(ctx context.Context, in TransactionInput) (Transaction, error)
	GetTransaction(ctx context.Context, budgetID, id string) (Transaction, error)
	UpdateTransaction(ctx context.Context, budgetID, id string, in TransactionInput) (Transaction, error)
	SoftDeleteTransaction(ctx context.Context, budgetID, id string) error
	HardDeleteTransaction(ctx context.Context, budgetID, id string) error
	ArchiveTransactions(ctx context.Context, budgetID string, txIDs []string) (int, error)
	ListTransactions(ctx context.Context, budgetID, query string, limit, offset int) ([]Transaction, error)
	SetSubTransactions(ctx context.Context, budgetID, txID string, splits []SplitInput) ([]SubTransaction, error)
	ListSubTransactions(ctx context.Context, budgetID, txID string) ([]SubTransaction, error)

	// Merge/undo.
	MergeTransactions(ctx context.Context, budgetID string, txIDs []string) (Transaction, TransactionMerge, error)
	GetMerge(ctx context.Context, budgetID, mergeID string) (TransactionMerge, error)
	UndoMerge(ctx context.Context, budgetID, mergeID string) ([]string, error)

	// Bulk import.
	BulkImport(ctx context.Context, budgetID, accountID string, records []ExternalRecord) (ImportResult, error)

	// Transfers.
	CreateTransfer(ctx context.Context, in TransferInput) (Transaction, Transaction, error)
	MarkAsTransfer(ctx context.Context, budgetID, txID, otherAccountID string, createCounterpart bool) (Transaction, error)
	FindPotentialTransferMatches(ctx context.Context, budgetID, txID string) ([]Transaction, error)
}

// SyncStart returns the start of the fetch window for an account's next
// external sync. The lookback buffer tolerates clock and timezone skew on
// the provider side; the watermark is informational, never an exactness
// guarantee, and a zero watermark yields a zero start (full refetch).
func SyncStart(a Account, lookback time.Duration) time.Time {
	if a.LastSyncedAt.IsZero() {
		return time.Time{}
	}
	return a.LastSyncedAt.Add(-lookback)
}

// DefaultSyncLookback mirrors the 30-day window the original sync used.
const DefaultSyncLookback = 30 * 24 * time.Hour
