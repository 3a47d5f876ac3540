package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func runAuth(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/availability", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var called bool
	var seen echo.Context
	err := mw(func(c echo.Context) error {
		called = true
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	if seen == nil {
		seen = c
	}
	return seen, called, err
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != status {
		t.Errorf("expected %d, got %d", status, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runAuth(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler must not run")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runAuth(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, validClaims("doctor-123", RoleDoctor), testSigningKey)

	c, called, err := runAuth(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}
	if uid := UserIDFromContext(c.Request().Context()); uid != "doctor-123" {
		t.Errorf("expected doctor-123, got %q", uid)
	}
	if got, _ := c.Get("user_id").(string); got != "doctor-123" {
		t.Errorf("expected user_id on echo context, got %q", got)
	}
	roles := RolesFromContext(c.Request().Context())
	if len(roles) != 1 || roles[0] != RoleDoctor {
		t.Errorf("expected [doctor], got %v", roles)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	expired := validClaims("u1", RolePatient)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExp := validClaims("u1", RolePatient)
	noExp.ExpiresAt = nil

	noSub := validClaims("", RolePatient)

	wrongIssuer := validClaims("u1", RolePatient)
	wrongIssuer.Issuer = "https://elsewhere"

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", createTestToken(t, validClaims("u1"), []byte("another-key"))},
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"no expiry", createTestToken(t, noExp, testSigningKey)},
		{"no subject", createTestToken(t, noSub, testSigningKey)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"garbage", "not.a.token"},
	}
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://clinic.example"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, called, err := runAuth(t, JWTMiddleware(cfg), "Bearer "+tt.token)
			expectStatus(t, err, http.StatusUnauthorized)
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	_, called, err := runAuth(t, JWTMiddleware(cfg), "")
	if err != nil || !called {
		t.Fatalf("expected skipped request to pass, err=%v", err)
	}
}

func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_ = json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hits int32
	srv := jwksServer(t, "key-1", &priv.PublicKey, &hits)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("patient-9", RolePatient))
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})
	for i := 0; i < 2; i++ {
		c, _, err := runAuth(t, mw, "Bearer "+signed)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if uid := UserIDFromContext(c.Request().Context()); uid != "patient-9" {
			t.Errorf("expected patient-9, got %q", uid)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected keys to be cached after one fetch, got %d fetches", n)
	}

	// An HS256 token must not be accepted by an RS256 verifier.
	hs := createTestToken(t, validClaims("patient-9"), testSigningKey)
	_, _, err = runAuth(t, mw, "Bearer "+hs)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hits int32
	srv := jwksServer(t, "key-1", &priv.PublicKey, &hits)

	cache := NewJWKSCache(srv.URL, time.Minute)
	if _, err := cache.GetKey(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	mw := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})

	c, called, err := runAuth(t, mw, "")
	if err != nil || !called {
		t.Fatalf("expected anonymous dev request to pass, err=%v", err)
	}
	if uid := UserIDFromContext(c.Request().Context()); uid != "dev-user" {
		t.Errorf("expected dev-user, got %q", uid)
	}
	if roles := RolesFromContext(c.Request().Context()); len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("expected admin role, got %v", roles)
	}

	tok := createTestToken(t, validClaims("receptionist-1", RoleReceptionist), testSigningKey)
	c, _, err = runAuth(t, mw, "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid := UserIDFromContext(c.Request().Context()); uid != "receptionist-1" {
		t.Errorf("expected token subject, got %q", uid)
	}

	_, _, err = runAuth(t, mw, "Bearer junk")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if UserIDFromContext(ctx) != "" {
		t.Error("expected empty user id")
	}
	if RolesFromContext(ctx) != nil {
		t.Error("expected nil roles")
	}
}
