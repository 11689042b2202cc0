// Package ledger implements the envelope-budget transaction ledger: the
// balance-consistency engine, merge/undo, bulk import, transfers, and the
// entities they operate on. Balances are denormalized and maintained by
// delta updates; no operation recomputes an account balance from scratch.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/envelope-budget/backend/internal/ids"
)

// AccountType classifies an account. Debt types get a linked payment envelope.
type AccountType string

const (
	AccountChecking     AccountType = "checking"
	AccountSavings      AccountType = "savings"
	AccountCash         AccountType = "cash"
	AccountCreditCard   AccountType = "credit_card"
	AccountLoan         AccountType = "loan"
	AccountLineOfCredit AccountType = "line_of_credit"
)

// IsDebt reports whether accounts of this type carry debt that is paid down
// from a dedicated envelope.
func (t AccountType) IsDebt() bool {
	switch t {
	case AccountCreditCard, AccountLoan, AccountLineOfCredit:
		return true
	}
	return false
}

// Budget scopes every other entity. UnallocatedEnvelopeID references the
// per-budget singleton envelope holding funds not yet assigned anywhere;
// it is created with the budget and only ever hidden, never removed.
type Budget struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	CurrencyCode          string    `json:"currency_code"`
	UnallocatedEnvelopeID string    `json:"unallocated_envelope_id"`
	CreatedAt             time.Time `json:"created_at"`
}

// Account is a bank, cash, or credit account. Balance fields are written
// only by the ledger engines.
type Account struct {
	ID             string      `json:"id"`
	BudgetID       string      `json:"budget_id"`
	Name           string      `json:"name"`
	Type           AccountType `json:"type"`
	Balance        Milliunits  `json:"balance"`
	ClearedBalance Milliunits  `json:"cleared_balance"`
	Closed         bool        `json:"closed"`
	Deleted        bool        `json:"deleted"`
	SFinID         string      `json:"sfin_id,omitempty"`
	LastSyncedAt   time.Time   `json:"last_synced_at,omitzero"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Category groups envelopes. Balance is derived: the sum of the balances of
// its non-deleted envelopes, recomputed on every envelope balance change.
type Category struct {
	ID        string     `json:"id"`
	BudgetID  string     `json:"budget_id"`
	Name      string     `json:"name"`
	Balance   Milliunits `json:"balance"`
	SortOrder int        `json:"sort_order"`
	Hidden    bool       `json:"hidden"`
	Deleted   bool       `json:"deleted"`
}

// Envelope is a spending bucket. LinkedAccountID ties a debt-payment
// envelope to its credit/loan account.
type Envelope struct {
	ID                  string     `json:"id"`
	BudgetID            string     `json:"budget_id"`
	CategoryID          string     `json:"category_id,omitempty"`
	Name                string     `json:"name"`
	Balance             Milliunits `json:"balance"`
	MonthlyBudgetAmount Milliunits `json:"monthly_budget_amount"`
	LinkedAccountID     string     `json:"linked_account_id,omitempty"`
	Note                string     `json:"note,omitempty"`
	SortOrder           int        `json:"sort_order"`
	Hidden              bool       `json:"hidden"`
	Deleted             bool       `json:"deleted"`
}

// Payee is a counterparty. Name is unique per budget among non-deleted rows.
type Payee struct {
	ID       string `json:"id"`
	BudgetID string `json:"budget_id"`
	Name     string `json:"name"`
	Deleted  bool   `json:"deleted"`
}

// Transaction is the atomic ledger record. Amount is signed milliunits:
// positive inflow, negative outflow.
type Transaction struct {
	ID              string     `json:"id"`
	BudgetID        string     `json:"budget_id"`
	AccountID       string     `json:"account_id"`
	PayeeID         string     `json:"payee_id,omitempty"`
	EnvelopeID      string     `json:"envelope_id,omitempty"`
	Date            time.Time  `json:"date"`
	Amount          Milliunits `json:"amount"`
	Memo            string     `json:"memo,omitempty"`
	Cleared         bool       `json:"cleared"`
	Pending         bool       `json:"pending"`
	Reconciled      bool       `json:"reconciled"`
	InInbox         bool       `json:"in_inbox"`
	Deleted         bool       `json:"deleted"`
	ImportID        string     `json:"import_id,omitempty"`
	SFinID          string     `json:"sfin_id,omitempty"`
	ImportPayeeName string     `json:"import_payee_name,omitempty"`

	IsTransfer            bool   `json:"is_transfer"`
	TransferAccountID     string `json:"transfer_account_id,omitempty"`
	TransferTransactionID string `json:"transfer_transaction_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SubTransaction splits a transaction across envelopes. Non-deleted split
// amounts must sum to the parent amount whenever splits exist.
type SubTransaction struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	EnvelopeID    string     `json:"envelope_id,omitempty"`
	Amount        Milliunits `json:"amount"`
	Memo          string     `json:"memo,omitempty"`
	Deleted       bool       `json:"deleted"`
}

// TransactionMerge is the audit record linking a merged transaction to the
// source rows it replaced. It is consumed and removed by undo.
type TransactionMerge struct {
	ID                   string    `json:"id"`
	BudgetID             string    `json:"budget_id"`
	MergedTransactionID  string    `json:"merged_transaction_id"`
	SourceTransactionIDs []string  `json:"source_transaction_ids"`
	CreatedAt            time.Time `json:"created_at"`
}

var (
	ErrBudgetNotFound       = errors.New("budget not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrCategoryNotFound     = errors.New("category not found")
	ErrEnvelopeNotFound     = errors.New("envelope not found")
	ErrPayeeNotFound        = errors.New("payee not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrMergeNotFound        = errors.New("merge not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrSplitAmountMismatch  = errors.New("sub-transaction amounts must sum to the parent amount")
	ErrAccountNotEmpty      = errors.New("account balance must be zero")

	// ErrBalanceInvariant marks an internal consistency failure. It should
	// never be returned by correct code; the engines assert it defensively
	// where old-value arithmetic is involved.
	ErrBalanceInvariant = errors.New("balance invariant violation")
)

// MergeValidationError reports which merge precondition failed. No mutation
// has been performed when it is returned.
type MergeValidationError struct {
	Reason string
}

func (e *MergeValidationError) Error() string {
	return fmt.Sprintf("merge validation failed: %s", e.Reason)
}

func newID() string {
	return ids.New()
}
