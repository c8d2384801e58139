package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2potc/crypto"
)

func TestAuthenticatorAcceptsIssuedToken(t *testing.T) {
	cfg := AuthConfig{HMACSecret: "secret", Issuer: "otcd", Audience: "otc"}
	caller := crypto.Address{0xAB}
	token, err := IssueToken(cfg, caller, time.Hour, time.Now())
	require.NoError(t, err)

	auth := NewAuthenticator(cfg, nil)
	var seen crypto.Address
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me/deals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, caller, seen)
}

func TestAuthenticatorRejections(t *testing.T) {
	cfg := AuthConfig{HMACSecret: "secret", Issuer: "otcd"}
	auth := NewAuthenticator(cfg, nil)
	caller := crypto.Address{0x01}

	expired, err := IssueToken(cfg, caller, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = auth.Verify(expired)
	require.Error(t, err)

	foreign, err := IssueToken(AuthConfig{HMACSecret: "other", Issuer: "otcd"}, caller, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = auth.Verify(foreign)
	require.Error(t, err)

	wrongIssuer, err := IssueToken(AuthConfig{HMACSecret: "secret", Issuer: "else"}, caller, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = auth.Verify(wrongIssuer)
	require.Error(t, err)

	handler := auth.Middleware(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err = IssueToken(AuthConfig{}, caller, time.Hour, time.Now())
	require.ErrorIs(t, err, errMissingSecret)
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/v1/posts", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/posts", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
