package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/envelope-budget/backend/internal/ledger"
	"github.com/envelope-budget/backend/internal/obs"
)

type createBudgetRequest struct {
	Name         string `json:"name"`
	CurrencyCode string `json:"currency_code"`
}

type createAccountRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type createCategoryRequest struct {
	Name string `json:"name"`
}

type createEnvelopeRequest struct {
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
}

type monthlyBudgetRequest struct {
	Amount ledger.Milliunits `json:"amount"`
}

type payeeRequest struct {
	Name string `json:"name"`
}

type mergePayeesRequest struct {
	TargetID  string   `json:"target_id"`
	SourceIDs []string `json:"source_ids"`
}

type transactionRequest struct {
	AccountID  string            `json:"account_id"`
	PayeeID    string            `json:"payee_id"`
	PayeeName  string            `json:"payee_name"`
	EnvelopeID string            `json:"envelope_id"`
	Date       time.Time         `json:"date"`
	Amount     ledger.Milliunits `json:"amount"`
	Memo       string            `json:"memo"`
	Cleared    bool              `json:"cleared"`
	Pending    bool              `json:"pending"`
	Reconciled bool              `json:"reconciled"`
	InInbox    bool              `json:"in_inbox"`
	ImportID   string            `json:"import_id"`
}

type idsRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

type splitsRequest struct {
	Splits []struct {
		EnvelopeID string            `json:"envelope_id"`
		Amount     ledger.Milliunits `json:"amount"`
		Memo       string            `json:"memo"`
	} `json:"splits"`
}

type importRequest struct {
	AccountID string                `json:"account_id"`
	Records   []importRecordRequest `json:"records"`
}

type importRecordRequest struct {
	ExternalID string          `json:"external_id"`
	Date       time.Time       `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
	Payee      string          `json:"payee"`
	Memo       string          `json:"memo"`
	Pending    bool            `json:"pending"`
}

type transferRequest struct {
	FromAccountID string            `json:"from_account_id"`
	ToAccountID   string            `json:"to_account_id"`
	Amount        ledger.Milliunits `json:"amount"`
	Date          time.Time         `json:"date"`
	Memo          string            `json:"memo"`
	PayeeName     string            `json:"payee_name"`
}

type markTransferRequest struct {
	OtherAccountID    string `json:"other_account_id"`
	CreateCounterpart bool   `json:"create_counterpart"`
}

type listTransactionsResponse struct {
	Items  []ledger.Transaction `json:"items"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
	AsOf   time.Time            `json:"as_of"`
}

type mergeResponse struct {
	Transaction ledger.Transaction      `json:"transaction"`
	Merge       ledger.TransactionMerge `json:"merge"`
}

type undoMergeResponse struct {
	RestoredIDs []string `json:"restored_ids"`
}

type countResponse struct {
	Count int `json:"count"`
}

// --- budgets ---

func (a *API) createBudget(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	b, err := a.svc.CreateBudget(r.Context(), req.Name, req.CurrencyCode)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/budgets/"+b.ID)
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) getBudget(w http.ResponseWriter, r *http.Request) {
	b, err := a.svc.GetBudget(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- accounts ---

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	acc, err := a.svc.CreateAccount(r.Context(), r.PathValue("budgetID"), req.Name, ledger.AccountType(req.Type))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.svc.GetAccount(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	accs, err := a.svc.ListAccounts(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accs)
}

func (a *API) archiveAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ArchiveAccount(r.Context(), r.PathValue("budgetID"), r.PathValue("id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- categories and envelopes ---

func (a *API) createCategory(w http.ResponseWriter, r *http.Request) {
	var req createCategoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cat, err := a.svc.CreateCategory(r.Context(), r.PathValue("budgetID"), req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

func (a *API) getCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := a.svc.GetCategory(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (a *API) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := a.svc.ListCategories(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (a *API) createEnvelope(w http.ResponseWriter, r *http.Request) {
	var req createEnvelopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	env, err := a.svc.CreateEnvelope(r.Context(), r.PathValue("budgetID"), req.CategoryID, req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (a *API) getEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := a.svc.GetEnvelope(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) unallocatedEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := a.svc.UnallocatedEnvelope(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) listEnvelopes(w http.ResponseWriter, r *http.Request) {
	envs, err := a.svc.ListEnvelopes(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (a *API) setMonthlyBudget(w http.ResponseWriter, r *http.Request) {
	var req monthlyBudgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetMonthlyBudget(r.Context(), r.PathValue("budgetID"), r.PathValue("id"), req.Amount); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteEnvelope(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteEnvelope(r.Context(), r.PathValue("budgetID"), r.PathValue("id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- payees ---

func (a *API) getOrCreatePayee(w http.ResponseWriter, r *http.Request) {
	var req payeeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	p, err := a.svc.GetOrCreatePayee(r.Context(), r.PathValue("budgetID"), req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listPayees(w http.ResponseWriter, r *http.Request) {
	payees, err := a.svc.ListPayees(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payees)
}

func (a *API) deleteUnusedPayees(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.DeleteUnusedPayees(r.Context(), r.PathValue("budgetID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (a *API) mergePayees(w http.ResponseWriter, r *http.Request) {
	var req mergePayeesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetID == "" || len(req.SourceIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "target_id and source_ids are required")
		return
	}
	n, err := a.svc.MergePayees(r.Context(), r.PathValue("budgetID"), req.TargetID, req.SourceIDs)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// --- transactions ---

func (req transactionRequest) toInput(budgetID string) ledger.TransactionInput {
	return ledger.TransactionInput{
		BudgetID:   budgetID,
		AccountID:  req.AccountID,
		PayeeID:    req.PayeeID,
		PayeeName:  req.PayeeName,
		EnvelopeID: req.EnvelopeID,
		Date:       req.Date,
		Amount:     req.Amount,
		Memo:       req.Memo,
		Cleared:    req.Cleared,
		Pending:    req.Pending,
		Reconciled: req.Reconciled,
		InInbox:    req.InInbox,
		ImportID:   req.ImportID,
	}
}

func (a *API) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	tx, err := a.svc.CreateTransaction(r.Context(), req.toInput(r.PathValue("budgetID")))
	obs.CountLedgerOp("transaction.create", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.svc.GetTransaction(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) updateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.svc.UpdateTransaction(r.Context(), r.PathValue("budgetID"), r.PathValue("id"), req.toInput(r.PathValue("budgetID")))
	obs.CountLedgerOp("transaction.update", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	budgetID, id := r.PathValue("budgetID"), r.PathValue("id")
	var err error
	if r.URL.Query().Get("hard") == "true" {
		err = a.svc.HardDeleteTransaction(r.Context(), budgetID, id)
		obs.CountLedgerOp("transaction.hard_delete", err)
	} else {
		err = a.svc.SoftDeleteTransaction(r.Context(), budgetID, id)
		obs.CountLedgerOp("transaction.soft_delete", err)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset "+err.Error())
		return
	}
	items, err := a.svc.ListTransactions(r.Context(), r.PathValue("budgetID"), r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:  items,
		Limit:  limit,
		Offset: offset,
		AsOf:   time.Now().UTC(),
	})
}

func (a *API) archiveTransactions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.svc.ArchiveTransactions(r.Context(), r.PathValue("budgetID"), req.TransactionIDs)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (a *API) setSubTransactions(w http.ResponseWriter, r *http.Request) {
	var req splitsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	splits := make([]ledger.SplitInput, 0, len(req.Splits))
	for _, s := range req.Splits {
		splits = append(splits, ledger.SplitInput{
			EnvelopeID: s.EnvelopeID,
			Amount:     s.Amount,
			Memo:       s.Memo,
		})
	}
	subs, err := a.svc.SetSubTransactions(r.Context(), r.PathValue("budgetID"), r.PathValue("id"), splits)
	obs.CountLedgerOp("transaction.set_splits", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (a *API) listSubTransactions(w http.ResponseWriter, r *http.Request) {
	subs, err := a.svc.ListSubTransactions(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// --- merge/undo ---

func (a *API) mergeTransactions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, merge, err := a.svc.MergeTransactions(r.Context(), r.PathValue("budgetID"), req.TransactionIDs)
	obs.CountLedgerOp("transaction.merge", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mergeResponse{Transaction: tx, Merge: merge})
}

func (a *API) getMerge(w http.ResponseWriter, r *http.Request) {
	merge, err := a.svc.GetMerge(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, merge)
}

func (a *API) undoMerge(w http.ResponseWriter, r *http.Request) {
	restored, err := a.svc.UndoMerge(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	obs.CountLedgerOp("transaction.undo_merge", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, undoMergeResponse{RestoredIDs: restored})
}

// --- bulk import ---

func (a *API) bulkImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	records := make([]ledger.ExternalRecord, 0, len(req.Records))
	for _, rec := range req.Records {
		records = append(records, ledger.ExternalRecord{
			ExternalID: rec.ExternalID,
			Date:       rec.Date,
			Amount:     rec.Amount,
			PayeeName:  rec.Payee,
			Memo:       rec.Memo,
			Pending:    rec.Pending,
		})
	}
	result, err := a.svc.BulkImport(r.Context(), r.PathValue("budgetID"), req.AccountID, records)
	obs.CountLedgerOp("transaction.import", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	obs.CountImported(len(result.CreatedIDs), len(result.DuplicateIDs), len(result.Failures))
	writeJSON(w, http.StatusOK, result)
}

// --- transfers ---

func (a *API) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		writeError(w, r, http.StatusBadRequest, "from_account_id and to_account_id are required")
		return
	}
	from, to, err := a.svc.CreateTransfer(r.Context(), ledger.TransferInput{
		BudgetID:      r.PathValue("budgetID"),
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Date:          req.Date,
		Memo:          req.Memo,
		PayeeName:     req.PayeeName,
	})
	obs.CountLedgerOp("transfer.create", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]ledger.Transaction{
		"from": from,
		"to":   to,
	})
}

func (a *API) markAsTransfer(w http.ResponseWriter, r *http.Request) {
	var req markTransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.svc.MarkAsTransfer(r.Context(), r.PathValue("budgetID"), r.PathValue("id"),
		req.OtherAccountID, req.CreateCounterpart)
	obs.CountLedgerOp("transfer.mark", err)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) transferMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := a.svc.FindPotentialTransferMatches(r.Context(), r.PathValue("budgetID"), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}
