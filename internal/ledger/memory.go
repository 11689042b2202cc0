package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// UnallocatedEnvelopeName is the display name of the per-budget singleton
// envelope. It is looked up by id (Budget.UnallocatedEnvelopeID), never by
// this name.
const UnallocatedEnvelopeName = "Unallocated Funds"

const debtCategoryName = "Debt"

// InMemory implements Service with in-process concurrency safety. It is the
// reference implementation; the SQL store mirrors its semantics.
type InMemory struct {
	mu           sync.RWMutex
	budgets      map[string]*Budget
	accounts     map[string]*Account
	categories   map[string]*Category
	envelopes    map[string]*Envelope
	payees       map[string]*Payee
	transactions map[string]*Transaction
	splits       map[string]*SubTransaction
	merges       map[string]*TransactionMerge
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		budgets:      make(map[string]*Budget),
		accounts:     make(map[string]*Account),
		categories:   make(map[string]*Category),
		envelopes:    make(map[string]*Envelope),
		payees:       make(map[string]*Payee),
		transactions: make(map[string]*Transaction),
		splits:       make(map[string]*SubTransaction),
		merges:       make(map[string]*TransactionMerge),
	}
}

func (s *InMemory) CreateBudget(ctx context.Context, name, currencyCode string) (Budget, error) {
	if currencyCode == "" {
		currencyCode = "USD"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Budget{
		ID:           newID(),
		Name:         name,
		CurrencyCode: currencyCode,
		CreatedAt:    time.Now().UTC(),
	}
	unallocated := &Envelope{
		ID:        newID(),
		BudgetID:  b.ID,
		Name:      UnallocatedEnvelopeName,
		SortOrder: 0,
	}
	b.UnallocatedEnvelopeID = unallocated.ID
	s.budgets[b.ID] = b
	s.envelopes[unallocated.ID] = unallocated
	return *b, nil
}

func (s *InMemory) GetBudget(ctx context.Context, id string) (Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return Budget{}, ErrBudgetNotFound
	}
	return *b, nil
}

func (s *InMemory) CreateAccount(ctx context.Context, budgetID, name string, typ AccountType) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[budgetID]; !ok {
		return Account{}, ErrBudgetNotFound
	}
	a := &Account{
		ID:        newID(),
		BudgetID:  budgetID,
		Name:      name,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[a.ID] = a

	if typ.IsDebt() {
		cat := s.debtCategoryLocked(budgetID)
		env := &Envelope{
			ID:              newID(),
			BudgetID:        budgetID,
			CategoryID:      cat.ID,
			Name:            name + " Payments",
			LinkedAccountID: a.ID,
			SortOrder:       99,
		}
		s.envelopes[env.ID] = env
	}
	return *a, nil
}

// debtCategoryLocked returns the budget's Debt category, creating it on
// first use.
func (s *InMemory) debtCategoryLocked(budgetID string) *Category {
	for _, c := range s.categories {
		if c.BudgetID == budgetID && c.Name == debtCategoryName && !c.Deleted {
			return c
		}
	}
	c := &Category{
		ID:        newID(),
		BudgetID:  budgetID,
		Name:      debtCategoryName,
		SortOrder: 999,
	}
	s.categories[c.ID] = c
	return c
}

func (s *InMemory) GetAccount(ctx context.Context, budgetID, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.accountLocked(budgetID, id)
	if err != nil {
		return Account{}, err
	}
	return *a, nil
}

func (s *InMemory) ListAccounts(ctx context.Context, budgetID string) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return nil, ErrBudgetNotFound
	}
	res := make([]Account, 0)
	for _, a := range s.accounts {
		if a.BudgetID == budgetID && !a.Deleted {
			res = append(res, *a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *InMemory) ArchiveAccount(ctx context.Context, budgetID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.accountLocked(budgetID, id)
	if err != nil {
		return err
	}
	if !a.Balance.IsZero() {
		return ErrAccountNotEmpty
	}
	a.Closed = true
	a.Deleted = true
	return nil
}

func (s *InMemory) CreateCategory(ctx context.Context, budgetID, name string) (Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return Category{}, ErrBudgetNotFound
	}
	c := &Category{
		ID:        newID(),
		BudgetID:  budgetID,
		Name:      name,
		SortOrder: 99,
	}
	s.categories[c.ID] = c
	return *c, nil
}

func (s *InMemory) GetCategory(ctx context.Context, budgetID, id string) (Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	if !ok || c.BudgetID != budgetID || c.Deleted {
		return Category{}, ErrCategoryNotFound
	}
	return *c, nil
}

func (s *InMemory) ListCategories(ctx context.Context, budgetID string) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return nil, ErrBudgetNotFound
	}
	res := make([]Category, 0)
	for _, c := range s.categories {
		if c.BudgetID == budgetID && !c.Deleted {
			res = append(res, *c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].SortOrder != res[j].SortOrder {
			return res[i].SortOrder < res[j].SortOrder
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func (s *InMemory) CreateEnvelope(ctx context.Context, budgetID, categoryID, name string) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return Envelope{}, ErrBudgetNotFound
	}
	if categoryID != "" {
		c, ok := s.categories[categoryID]
		if !ok || c.BudgetID != budgetID || c.Deleted {
			return Envelope{}, ErrCategoryNotFound
		}
	}
	e := &Envelope{
		ID:         newID(),
		BudgetID:   budgetID,
		CategoryID: categoryID,
		Name:       name,
		SortOrder:  99,
	}
	s.envelopes[e.ID] = e
	return *e, nil
}

func (s *InMemory) GetEnvelope(ctx context.Context, budgetID, id string) (Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.envelopeLocked(budgetID, id)
	if err != nil {
		return Envelope{}, err
	}
	return *e, nil
}

func (s *InMemory) UnallocatedEnvelope(ctx context.Context, budgetID string) (Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[budgetID]
	if !ok {
		return Envelope{}, ErrBudgetNotFound
	}
	e, ok := s.envelopes[b.UnallocatedEnvelopeID]
	if !ok {
		return Envelope{}, ErrEnvelopeNotFound
	}
	return *e, nil
}

// ListEnvelopes returns the budget's envelopes excluding deleted ones and
// the Unallocated Funds singleton, which is reachable only by explicit
// lookup.
func (s *InMemory) ListEnvelopes(ctx context.Context, budgetID string) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[budgetID]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	res := make([]Envelope, 0)
	for _, e := range s.envelopes {
		if e.BudgetID != budgetID || e.Deleted || e.ID == b.UnallocatedEnvelopeID {
			continue
		}
		res = append(res, *e)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].SortOrder != res[j].SortOrder {
			return res[i].SortOrder < res[j].SortOrder
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func (s *InMemory) SetMonthlyBudget(ctx context.Context, budgetID, envelopeID string, amount Milliunits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.envelopeLocked(budgetID, envelopeID)
	if err != nil {
		return err
	}
	e.MonthlyBudgetAmount = amount
	return nil
}

// DeleteEnvelope soft-deletes an envelope. The Unallocated Funds singleton
// is hidden instead, never removed.
func (s *InMemory) DeleteEnvelope(ctx context.Context, budgetID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[budgetID]
	if !ok {
		return ErrBudgetNotFound
	}
	e, err := s.envelopeLocked(budgetID, id)
	if err != nil {
		return err
	}
	if e.ID == b.UnallocatedEnvelopeID {
		e.Hidden = true
		return nil
	}
	e.Deleted = true
	s.recomputeCategoryLocked(e.CategoryID)
	return nil
}

func (s *InMemory) GetOrCreatePayee(ctx context.Context, budgetID, name string) (Payee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return Payee{}, ErrBudgetNotFound
	}
	p := s.payeeByNameLocked(budgetID, name)
	if p == nil {
		p = &Payee{ID: newID(), BudgetID: budgetID, Name: name}
		s.payees[p.ID] = p
	}
	return *p, nil
}

// payeeByNameLocked finds a non-deleted payee by exact stored name.
// Normalization (trimming, title-casing) is a caller concern.
func (s *InMemory) payeeByNameLocked(budgetID, name string) *Payee {
	for _, p := range s.payees {
		if p.BudgetID == budgetID && !p.Deleted && p.Name == name {
			return p
		}
	}
	return nil
}

func (s *InMemory) ListPayees(ctx context.Context, budgetID string) ([]Payee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return nil, ErrBudgetNotFound
	}
	res := make([]Payee, 0)
	for _, p := range s.payees {
		if p.BudgetID == budgetID && !p.Deleted {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return strings.ToLower(res[i].Name) < strings.ToLower(res[j].Name)
	})
	return res, nil
}

// DeleteUnusedPayees hard-deletes payees not referenced by any transaction,
// deleted rows included, and returns how many were removed.
func (s *InMemory) DeleteUnusedPayees(ctx context.Context, budgetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[budgetID]; !ok {
		return 0, ErrBudgetNotFound
	}
	used := make(map[string]bool)
	for _, tx := range s.transactions {
		if tx.BudgetID == budgetID && tx.PayeeID != "" {
			used[tx.PayeeID] = true
		}
	}
	count := 0
	for id, p := range s.payees {
		if p.BudgetID == budgetID && !used[id] {
			delete(s.payees, id)
			count++
		}
	}
	return count, nil
}

// MergePayees repoints every transaction from the source payees to the
// target and soft-deletes the sources. Returns the number of transactions
// repointed.
func (s *InMemory) MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.payees[targetID]
	if !ok || target.BudgetID != budgetID || target.Deleted {
		return 0, ErrPayeeNotFound
	}
	sources := make([]*Payee, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if id == targetID {
			continue
		}
		p, ok := s.payees[id]
		if !ok || p.BudgetID != budgetID {
			return 0, ErrPayeeNotFound
		}
		sources = append(sources, p)
	}
	repointed := 0
	for _, src := range sources {
		for _, tx := range s.transactions {
			if tx.BudgetID == budgetID && tx.PayeeID == src.ID {
				tx.PayeeID = targetID
				repointed++
			}
		}
		src.Deleted = true
	}
	return repointed, nil
}

// --- locked lookup helpers ---

func (s *InMemory) accountLocked(budgetID, id string) (*Account, error) {
	a, ok := s.accounts[id]
	if !ok || a.BudgetID != budgetID || a.Deleted {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (s *InMemory) envelopeLocked(budgetID, id string) (*Envelope, error) {
	e, ok := s.envelopes[id]
	if !ok || e.BudgetID != budgetID || e.Deleted {
		return nil, ErrEnvelopeNotFound
	}
	return e, nil
}

// txLocked finds a non-deleted transaction in the budget.
func (s *InMemory) txLocked(budgetID, id string) (*Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok || tx.BudgetID != budgetID || tx.Deleted {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// recomputeCategoryLocked refreshes the derived category balance by a full
// rescan of its non-deleted envelopes. Category fan-out is small, so a
// rescan is simpler than incremental bookkeeping.
func (s *InMemory) recomputeCategoryLocked(categoryID string) {
	if categoryID == "" {
		return
	}
	c, ok := s.categories[categoryID]
	if !ok {
		return
	}
	var total Milliunits
	for _, e := range s.envelopes {
		if e.CategoryID == categoryID && !e.Deleted {
			total += e.Balance
		}
	}
	c.Balance = total
}

// applyToAccountLocked adjusts running balances for one transaction's
// contribution (sign controlled by the caller via delta).
func applyToAccountLocked(a *Account, delta Milliunits, cleared bool) {
	a.Balance += delta
	if cleared {
		a.ClearedBalance += delta
	}
}

// applyToEnvelopeLocked adjusts an envelope balance and refreshes its
// category.
func (s *InMemory) applyToEnvelopeLocked(e *Envelope, delta Milliunits) {
	e.Balance += delta
	s.recomputeCategoryLocked(e.CategoryID)
}
