package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"": "/",
		"/metrics": "/metrics",
		"/v1/budgets/abc123/transactions":              "/v1/budgets/:budget/transactions",
		"/v1/budgets/abc123/transactions/tx9":          "/v1/budgets/:budget/transactions/:id",
		"/v1/budgets/abc123/transactions/search":       "/v1/budgets/:budget/transactions/search",
		"/v1/budgets/abc123/accounts/a1":               "/v1/budgets/:budget/accounts/:id",
		"/v1/budgets/abc123/merges/m1":                 "/v1/budgets/:budget/merges/:id",
		"/v1/budgets/abc123/payees/unused":             "/v1/budgets/:budget/payees/unused",
		"/v1/budgets/abc123/transactions/archive":      "/v1/budgets/:budget/transactions/archive",
		"/v1/budgets/abc123/envelopes/unallocated":     "/v1/budgets/:budget/envelopes/unallocated",
		"/v1/budgets/abc123/transactions?query=coffee": "/v1/budgets/:budget/transactions",
		"/healthz": "/healthz",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
