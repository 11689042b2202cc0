// Package httpapi exposes the ledger over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/envelope-budget/backend/internal/ledger"
	"github.com/envelope-budget/backend/internal/obs"
)

// ReadyProbe pings the backing store for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over a ledger.Service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	svc        ledger.Service
	version    string

	jwtSecret  []byte
	rateBurst  int
	ratePerSec int
}

// Option tweaks API construction.
type Option func(*API)

// WithJWTSecret enables bearer-token authentication on /v1 routes.
func WithJWTSecret(secret string) Option {
	return func(a *API) {
		if secret != "" {
			a.jwtSecret = []byte(secret)
		}
	}
}

// WithRateLimit overrides the default per-IP token bucket.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

func New(rp ReadyProbe, version string, svc ledger.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		svc:        svc,
		version:    version,
		rateBurst:  100,
		ratePerSec: 50,
	}
	for _, opt := range opts {
		opt(a)
	}

	m := a.mux

	m.HandleFunc("GET /healthz", a.Healthz)
	m.HandleFunc("GET /readyz", a.Ready)
	m.HandleFunc("GET /v1/info", a.Info)
	m.Handle("GET /metrics", obs.Handler())

	m.HandleFunc("POST /v1/auth/token", a.issueToken)

	m.HandleFunc("POST /v1/budgets", a.createBudget)
	m.HandleFunc("GET /v1/budgets/{budgetID}", a.getBudget)

	m.HandleFunc("POST /v1/budgets/{budgetID}/accounts", a.createAccount)
	m.HandleFunc("GET /v1/budgets/{budgetID}/accounts", a.listAccounts)
	m.HandleFunc("GET /v1/budgets/{budgetID}/accounts/{id}", a.getAccount)
	m.HandleFunc("DELETE /v1/budgets/{budgetID}/accounts/{id}", a.archiveAccount)

	m.HandleFunc("POST /v1/budgets/{budgetID}/categories", a.createCategory)
	m.HandleFunc("GET /v1/budgets/{budgetID}/categories", a.listCategories)
	m.HandleFunc("GET /v1/budgets/{budgetID}/categories/{id}", a.getCategory)

	m.HandleFunc("POST /v1/budgets/{budgetID}/envelopes", a.createEnvelope)
	m.HandleFunc("GET /v1/budgets/{budgetID}/envelopes", a.listEnvelopes)
	m.HandleFunc("GET /v1/budgets/{budgetID}/envelopes/unallocated", a.unallocatedEnvelope)
	m.HandleFunc("GET /v1/budgets/{budgetID}/envelopes/{id}", a.getEnvelope)
	m.HandleFunc("PUT /v1/budgets/{budgetID}/envelopes/{id}/budget", a.setMonthlyBudget)
	m.HandleFunc("DELETE /v1/budgets/{budgetID}/envelopes/{id}", a.deleteEnvelope)

	m.HandleFunc("POST /v1/budgets/{budgetID}/payees", a.getOrCreatePayee)
	m.HandleFunc("GET /v1/budgets/{budgetID}/payees", a.listPayees)
	m.HandleFunc("DELETE /v1/budgets/{budgetID}/payees/unused", a.deleteUnusedPayees)
	m.HandleFunc("POST /v1/budgets/{budgetID}/payees/merge", a.mergePayees)

	m.HandleFunc("POST /v1/budgets/{budgetID}/transactions", a.createTransaction)
	m.HandleFunc("GET /v1/budgets/{budgetID}/transactions", a.listTransactions)
	m.HandleFunc("POST /v1/budgets/{budgetID}/transactions/archive", a.archiveTransactions)
	m.HandleFunc("POST /v1/budgets/{budgetID}/transactions/merge", a.mergeTransactions)
	m.HandleFunc("POST /v1/budgets/{budgetID}/transactions/import", a.bulkImport)
	m.HandleFunc("GET /v1/budgets/{budgetID}/transactions/{id}", a.getTransaction)
	m.HandleFunc("PUT /v1/budgets/{budgetID}/transactions/{id}", a.updateTransaction)
	m.HandleFunc("DELETE /v1/budgets/{budgetID}/transactions/{id}", a.deleteTransaction)
	m.HandleFunc("PUT /v1/budgets/{budgetID}/transactions/{id}/splits", a.setSubTransactions)
	m.HandleFunc("GET /v1/budgets/{budgetID}/transactions/{id}/splits", a.listSubTransactions)
	m.HandleFunc("POST /v1/budgets/{budgetID}/transactions/{id}/transfer", a.markAsTransfer)
	m.HandleFunc("GET /v1/budgets/{budgetID}/transactions/{id}/matches", a.transferMatches)

	m.HandleFunc("GET /v1/budgets/{budgetID}/merges/{id}", a.getMerge)
	m.HandleFunc("POST /v1/budgets/{budgetID}/merges/{id}/undo", a.undoMerge)

	m.HandleFunc("POST /v1/budgets/{budgetID}/transfers", a.createTransfer)

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "envelope-budget-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "envelope-budget-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var mergeErr *ledger.MergeValidationError
	switch {
	case errors.As(err, &mergeErr):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrDuplicateTransaction),
		errors.Is(err, ledger.ErrAccountNotEmpty):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSplitAmountMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrBudgetNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrCategoryNotFound),
		errors.Is(err, ledger.ErrEnvelopeNotFound),
		errors.Is(err, ledger.ErrPayeeNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrMergeNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		obs.LogEvent("http.internal_error", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("out of range")
	}
	return val, nil
}
