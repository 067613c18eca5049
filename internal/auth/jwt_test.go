package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func generateRSAKeyPair(t testing.TB) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return priv, &priv.PublicKey
}

func createJWKS(t testing.TB, pub *rsa.PublicKey) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(pub)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}
	return set
}

func createTestJWT(t testing.TB, priv *rsa.PrivateKey, issuer, audience, subject string, extra map[string]interface{}) string {
	t.Helper()
	token := jwt.New()
	_ = token.Set(jwt.IssuerKey, issuer)
	_ = token.Set(jwt.AudienceKey, audience)
	_ = token.Set(jwt.SubjectKey, subject)
	_ = token.Set(jwt.IssuedAtKey, time.Now())
	_ = token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour))
	for k, v := range extra {
		_ = token.Set(k, v)
	}

	key, err := jwk.FromRaw(priv)
	if err != nil {
		t.Fatalf("jwk.FromRaw(priv): %v", err)
	}
	_ = key.Set(jwk.KeyIDKey, "test-key-id")

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return string(signed)
}

func setupTestValidator(t testing.TB) (*JWTValidator, *rsa.PrivateKey, string, string) {
	t.Helper()
	priv, pub := generateRSAKeyPair(t)
	keyset := createJWKS(t, pub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(srv.Close)

	issuer := "https://issuer.example.com"
	audience := "orchestrate-api"

	v, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:  srv.URL,
		Issuer:   issuer,
		Audience: audience,
	})
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	return v, priv, issuer, audience
}

func TestJWTValidatorValidToken(t *testing.T) {
	v, priv, issuer, audience := setupTestValidator(t)

	token := createTestJWT(t, priv, issuer, audience, "user-1", map[string]interface{}{
		"role":    "admin",
		"team_id": "team-1",
		"email":   "user@example.com",
	})

	claims, err := v.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Errorf("Role = %q, want admin", claims.Role)
	}
	if claims.TeamID != "team-1" {
		t.Errorf("TeamID = %q, want team-1", claims.TeamID)
	}
}

func TestJWTValidatorWrongAudience(t *testing.T) {
	v, priv, issuer, _ := setupTestValidator(t)

	token := createTestJWT(t, priv, issuer, "other-audience", "user-1", nil)

	if _, err := v.ValidateToken(context.Background(), token); err == nil {
		t.Fatal("expected audience mismatch to fail validation")
	}
}

func TestJWTValidatorWrongIssuer(t *testing.T) {
	v, priv, _, audience := setupTestValidator(t)

	token := createTestJWT(t, priv, "https://not-the-issuer.example.com", audience, "user-1", nil)

	if _, err := v.ValidateToken(context.Background(), token); err == nil {
		t.Fatal("expected issuer mismatch to fail validation")
	}
}

func TestJWTValidatorExpiredToken(t *testing.T) {
	v, priv, issuer, audience := setupTestValidator(t)

	token := jwt.New()
	_ = token.Set(jwt.IssuerKey, issuer)
	_ = token.Set(jwt.AudienceKey, audience)
	_ = token.Set(jwt.SubjectKey, "user-1")
	_ = token.Set(jwt.ExpirationKey, time.Now().Add(-time.Hour))

	key, _ := jwk.FromRaw(priv)
	_ = key.Set(jwk.KeyIDKey, "test-key-id")
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.ValidateToken(context.Background(), string(signed)); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}
