package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubValidator struct {
	claims *Claims
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (*Claims, error) {
	return s.claims, s.err
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler := Middleware(&stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareStoresClaims(t *testing.T) {
	want := &Claims{Subject: "user-1", Role: RoleAdmin, TeamID: "team-1"}
	var gotClaims *Claims

	handler := Middleware(&stubValidator{claims: want})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer some-token")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotClaims == nil || gotClaims.Subject != "user-1" {
		t.Errorf("claims not propagated: %+v", gotClaims)
	}
}

func TestMiddlewareWithExclusionsSkipsAuth(t *testing.T) {
	handler := MiddlewareWithExclusions(&stubValidator{err: ErrInvalidToken}, []string{"/healthz"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("excluded path status = %d, want 200", rec.Code)
	}
}

func TestRequireRoleForbidsWrongRole(t *testing.T) {
	handler := RequireRole(RoleOwner, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(ContextWithClaims(req.Context(), &Claims{Subject: "user-1", Role: RoleMember}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestOptionalMiddlewareAllowsAnonymous(t *testing.T) {
	reached := false
	handler := OptionalMiddleware(&stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		if ClaimsFromContext(r.Context()) != nil {
			t.Error("expected no claims for anonymous request")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !reached {
		t.Error("handler was not reached for anonymous request")
	}
}
