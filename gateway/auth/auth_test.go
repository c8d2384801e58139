package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2potc/storage"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

func newSignedRequest(t *testing.T, nonce string, at time.Time, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/custody/deposits?b=2&a=1", bytes.NewBufferString(body))
	SignRequest(req, "custody", "s3cret", nonce, at, []byte(body))
	return req
}

func newTestAuthenticator(opts ...Option) *Authenticator {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewAuthenticator(map[string]string{"custody": "s3cret"}, time.Minute, 5*time.Minute, opts...)
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	a := newTestAuthenticator()
	body := `{"dealId":1}`
	principal, err := a.Authenticate(newSignedRequest(t, "n-1", testNow, body), []byte(body))
	require.NoError(t, err)
	require.Equal(t, "custody", principal.APIKey)
}

func TestAuthenticateRejections(t *testing.T) {
	a := newTestAuthenticator()
	body := `{"dealId":1}`

	req := newSignedRequest(t, "n-1", testNow, body)
	req.Header.Del(HeaderNonce)
	_, err := a.Authenticate(req, []byte(body))
	require.ErrorIs(t, err, ErrMissingHeader)

	req = newSignedRequest(t, "n-2", testNow, body)
	req.Header.Set(HeaderAPIKey, "other")
	_, err = a.Authenticate(req, []byte(body))
	require.ErrorIs(t, err, ErrUnknownKey)

	_, err = a.Authenticate(newSignedRequest(t, "n-3", testNow.Add(-2*time.Minute), body), []byte(body))
	require.ErrorIs(t, err, ErrTimestampSkew)

	_, err = a.Authenticate(newSignedRequest(t, "n-4", testNow, body), []byte(`{"dealId":2}`))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = a.Authenticate(newSignedRequest(t, "n-5", testNow, body), []byte(body))
	require.NoError(t, err)
	_, err = a.Authenticate(newSignedRequest(t, "n-5", testNow, body), []byte(body))
	require.ErrorIs(t, err, ErrReplay)
}

func TestNewAuthenticatorClampsParameters(t *testing.T) {
	a := NewAuthenticator(map[string]string{" k ": " v ", "empty": ""}, time.Hour, time.Hour, WithNonceCapacity(1_000_000))
	require.Equal(t, maxAllowedTimestampSkew, a.skew)
	require.Equal(t, maxNonceWindow, a.nonceTTL)
	require.Equal(t, maxNonceCapacity, a.capacity)
	require.Equal(t, map[string]string{"k": "v"}, a.secrets)
}

func TestNonceStoreEvictsByCapacityAndAge(t *testing.T) {
	store := newNonceStore(30*time.Second, 2)
	store.Add("a", testNow)
	store.Add("b", testNow)
	store.Add("c", testNow)
	require.False(t, store.Contains("a", testNow))
	require.True(t, store.Contains("b", testNow))
	require.False(t, store.Contains("c", testNow.Add(time.Minute)))
}

func TestMiddlewareRestoresBody(t *testing.T) {
	a := newTestAuthenticator()
	body := `{"amount":"5"}`
	var seen string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seen = string(raw)
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "custody", p.APIKey)
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newSignedRequest(t, "n-1", testNow, body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, body, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newSignedRequest(t, "n-1", testNow, body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPersistedNoncesSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	persistence := NewStoreNoncePersistence(db)
	body := `{}`

	first := newTestAuthenticator(WithNoncePersistence(persistence))
	_, err := first.Authenticate(newSignedRequest(t, "n-1", testNow, body), []byte(body))
	require.NoError(t, err)

	restarted := newTestAuthenticator(WithNoncePersistence(persistence))
	require.NoError(t, restarted.HydrateNonces(context.Background()))
	_, err = restarted.Authenticate(newSignedRequest(t, "n-1", testNow, body), []byte(body))
	require.ErrorIs(t, err, ErrReplay)

	// Without hydration the durable store still catches the replay.
	cold := newTestAuthenticator(WithNoncePersistence(persistence))
	_, err = cold.Authenticate(newSignedRequest(t, "n-1", testNow, body), []byte(body))
	require.ErrorIs(t, err, ErrReplay)
}

func TestStoreNoncePersistencePrunes(t *testing.T) {
	ctx := context.Background()
	p := NewStoreNoncePersistence(storage.NewMemDB())
	for i := 0; i < 3; i++ {
		existed, err := p.EnsureNonce(ctx, NonceRecord{
			APIKey:     "custody",
			Timestamp:  "1700000000",
			Nonce:      fmt.Sprintf("n-%d", i),
			ObservedAt: testNow.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		require.False(t, existed)
	}
	require.NoError(t, p.PruneNonces(ctx, testNow.Add(90*time.Second)))
	records, err := p.RecentNonces(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "n-2", records[0].Nonce)

	existed, err := p.EnsureNonce(ctx, NonceRecord{APIKey: "custody", Timestamp: "1700000000", Nonce: "n-0", ObservedAt: testNow})
	require.NoError(t, err)
	require.False(t, existed, "pruned nonce is forgotten")

	_, err = p.EnsureNonce(ctx, NonceRecord{APIKey: "custody"})
	require.Error(t, err)
}

func TestSignatureCoversQueryOrderAndBody(t *testing.T) {
	body := []byte(`{"amount":"5"}`)
	a := httptest.NewRequest(http.MethodPost, "/v1/custody/deposits?b=2&a=1", nil)
	b := httptest.NewRequest(http.MethodPost, "/v1/custody/deposits?a=1&b=2", nil)
	require.Equal(t, CanonicalRequestPath(a), CanonicalRequestPath(b))

	sig := ComputeSignature("s3cret", "1700000000", "n-1", "post", CanonicalRequestPath(a), body)
	require.Equal(t, sig, ComputeSignature("s3cret", "1700000000", "n-1", "POST", CanonicalRequestPath(b), body))
	require.NotEqual(t, sig, ComputeSignature("s3cret", "1700000000", "n-1", "POST", CanonicalRequestPath(b), []byte(`{"amount":"6"}`)))
}

func TestReservedCharacterInNonceRejected(t *testing.T) {
	a := newTestAuthenticator()
	body := `{}`
	_, err := a.Authenticate(newSignedRequest(t, "n|1", testNow, body), []byte(body))
	require.ErrorIs(t, err, ErrMissingHeader)
}
