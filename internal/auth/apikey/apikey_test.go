package apikey

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeChecker map[string]*KeyInfo

func (f fakeChecker) Validate(_ context.Context, raw string) (*KeyInfo, error) {
	switch raw {
	case "expired":
		return nil, ErrExpiredKey
	case "broken":
		return nil, errors.New("db down")
	}
	if info, ok := f[raw]; ok {
		return info, nil
	}
	return nil, ErrInvalidKey
}

func TestMiddleware(t *testing.T) {
	checker := fakeChecker{
		"trigger-key": {ID: "1", Name: "ops", Scope: ScopeTrigger},
		"admin-key":   {ID: "2", Name: "root", Scope: ScopeAdmin},
	}
	var seen *KeyInfo
	h := Middleware(checker, ScopeTrigger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"header", "trigger-key", "", http.StatusNoContent},
		{"code query", "", "trigger-key", http.StatusNoContent},
		{"admin passes", "admin-key", "", http.StatusNoContent},
		{"unknown", "nope", "", http.StatusUnauthorized},
		{"expired", "expired", "", http.StatusUnauthorized},
		{"store failure", "broken", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			target := "/api/process"
			if tt.query != "" {
				target += "?code=" + tt.query
			}
			req := httptest.NewRequest(http.MethodPost, target, nil)
			if tt.header != "" {
				req.Header.Set("x-functions-key", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen == nil {
				t.Error("key info missing from context")
			}
		})
	}
}

func TestMiddlewareRejectsWrongScope(t *testing.T) {
	checker := fakeChecker{"k": {Scope: "reports"}}
	h := Middleware(checker, ScopeTrigger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHashKeyIsStable(t *testing.T) {
	if HashKey("abc") != HashKey("abc") || HashKey("abc") == HashKey("abd") {
		t.Fatal("HashKey must be deterministic and distinguish keys")
	}
	if len(HashKey("abc")) != 64 {
		t.Errorf("expected hex sha256, got %q", HashKey("abc"))
	}
}

func TestGenerateRawKey(t *testing.T) {
	a, err := generateRawKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateRawKey()
	if a == b || len(a) != 64 {
		t.Errorf("unexpected keys %q %q", a, b)
	}
}
