package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	tokenTTL = 24 * time.Hour
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

type tokenRequest struct {
	User string `json:"user"`
	// Budgets restricts the token to specific budget ids. Empty means all.
	Budgets []string `json:"budgets"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// withAuth verifies bearer tokens on /v1 routes. With no secret configured
// the API runs open, which is the single-user localhost default.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || len(a.jwtSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.verifyToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if budgetID := budgetIDFromPath(r.URL.Path); budgetID != "" && !claims.allows(budgetID) {
			writeError(w, r, http.StatusForbidden, "token does not grant access to this budget")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenClaims struct {
	budgets []string
}

// allows reports whether the token grants the budget. A token with no
// budgets claim grants all of them.
func (c tokenClaims) allows(budgetID string) bool {
	if len(c.budgets) == 0 {
		return true
	}
	for _, b := range c.budgets {
		if b == budgetID {
			return true
		}
	}
	return false
}

func (a *API) verifyToken(token string) (tokenClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return tokenClaims{}, err
	}
	if !parsed.Valid {
		return tokenClaims{}, errors.New("token is not valid")
	}
	var tc tokenClaims
	if raw, ok := claims["budgets"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tc.budgets = append(tc.budgets, s)
			}
		}
	}
	return tc, nil
}

// budgetIDFromPath extracts the budget id from /v1/budgets/{id}/... paths.
func budgetIDFromPath(path string) string {
	const prefix = "/v1/budgets/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	if len(a.jwtSecret) == 0 {
		writeError(w, r, http.StatusNotFound, "token auth is not configured")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.User) == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}

	expires := time.Now().Add(tokenTTL)
	claims := jwt.MapClaims{
		"sub": req.User,
		"iat": time.Now().Unix(),
		"exp": expires.Unix(),
	}
	if len(req.Budgets) > 0 {
		claims["budgets"] = req.Budgets
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: signed, ExpiresAt: expires.UTC()})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
