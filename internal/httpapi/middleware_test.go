package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimitBlocksSecondRequest(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	handler := RequestID(base)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("request id not set")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("header id %q != context id %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "caller-supplied" {
		t.Fatalf("incoming id not honored, got %q", seen)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"bearer abc123", "abc123", false},
		{"Bearer   spaced  ", "spaced", false},
		{"Basic abc123", "", true},
		{"Bearer ", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := extractBearerToken(tt.header)
		if tt.wantErr != (err != nil) {
			t.Fatalf("header %q: err = %v", tt.header, err)
		}
		if got != tt.want {
			t.Fatalf("header %q: token = %q, want %q", tt.header, got, tt.want)
		}
	}
}
