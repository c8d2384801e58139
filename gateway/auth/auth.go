package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// MaxBodyForSignature is the largest deposit notification accepted.
	MaxBodyForSignature int = 1 << 20

	maxAllowedTimestampSkew  = 2 * time.Minute
	maxNonceWindow           = 10 * time.Minute
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	ErrMissingHeader    = errors.New("auth: missing signature header")
	ErrUnknownKey       = errors.New("auth: unknown api key")
	ErrTimestampSkew    = errors.New("auth: timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrReplay           = errors.New("auth: nonce already used")
	ErrBodyTooLarge     = errors.New("auth: request body too large")
)

// Principal is an authenticated custody integration.
type Principal struct {
	APIKey string
}

// NonceRecord is one accepted (api key, timestamp, nonce) triple.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

func (r NonceRecord) cacheKey() string { return r.Timestamp + "|" + r.Nonce }

// NoncePersistence keeps accepted nonces across restarts.
type NoncePersistence interface {
	// EnsureNonce stores record and reports whether it was already stored.
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies HMAC signed deposit notifications from custody
// providers.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	capacity int
	now      func() time.Time

	mu     sync.Mutex
	caches map[string]*nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

type Option func(*Authenticator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithNoncePersistence(p NoncePersistence) Option {
	return func(a *Authenticator) { a.persistence = p }
}

// WithNonceCapacity bounds how many nonces are cached per API key.
func WithNonceCapacity(n int) Option {
	return func(a *Authenticator) { a.capacity = n }
}

// NewAuthenticator accepts the API keys in secrets. Blank keys or secrets are
// ignored. skew and nonceTTL fall back to their maxima when out of range.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, opts ...Option) *Authenticator {
	a := &Authenticator{
		secrets:  make(map[string]string, len(secrets)),
		skew:     bounded(skew, maxAllowedTimestampSkew),
		nonceTTL: bounded(nonceTTL, maxNonceWindow),
		capacity: defaultNonceCapacity,
		now:      time.Now,
		caches:   make(map[string]*nonceStore),
	}
	for key, secret := range secrets {
		key, secret = strings.TrimSpace(key), strings.TrimSpace(secret)
		if key != "" && secret != "" {
			a.secrets[key] = secret
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	switch {
	case a.capacity <= 0:
		a.capacity = defaultNonceCapacity
	case a.capacity > maxNonceCapacity:
		a.capacity = maxNonceCapacity
	}
	return a
}

func bounded(v, limit time.Duration) time.Duration {
	if v <= 0 || v > limit {
		return limit
	}
	return v
}

// Authenticate checks r's signature headers against body and consumes the
// nonce.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	hdr, err := parseSignedHeaders(r.Header)
	if err != nil {
		return nil, err
	}
	secret, ok := a.secrets[hdr.apiKey]
	if !ok {
		return nil, ErrUnknownKey
	}
	now := a.now().UTC()
	if d := now.Sub(hdr.signedAt); d > a.skew || d < -a.skew {
		return nil, ErrTimestampSkew
	}
	want := ComputeSignature(secret, hdr.timestamp, hdr.nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(hdr.signature, want) {
		return nil, ErrInvalidSignature
	}
	record := NonceRecord{APIKey: hdr.apiKey, Timestamp: hdr.timestamp, Nonce: hdr.nonce, ObservedAt: now}
	replayed, err := a.consumeNonce(r.Context(), record)
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, ErrReplay
	}
	return &Principal{APIKey: hdr.apiKey}, nil
}

type principalKey struct{}

// PrincipalFromContext returns the principal attached by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware rejects unauthenticated requests with 401 and hands the buffered
// body on to next.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
		_ = r.Body.Close()
		if err != nil {
			writeAuthError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		principal, err := a.Authenticate(r, body)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HydrateNonces loads nonces accepted within the window from persistence, so
// a restart does not reopen the replay window.
func (a *Authenticator) HydrateNonces(ctx context.Context) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, a.now().UTC().Add(-a.nonceTTL))
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		a.cacheFor(rec.APIKey).Add(rec.cacheKey(), rec.ObservedAt)
	}
	return nil
}

func (a *Authenticator) consumeNonce(ctx context.Context, record NonceRecord) (bool, error) {
	cache := a.cacheFor(record.APIKey)
	key := record.cacheKey()
	if cache.Contains(key, record.ObservedAt) {
		return true, nil
	}
	replayed := false
	if a.persistence != nil {
		if err := a.maybePrune(ctx, record.ObservedAt); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, record)
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		replayed = existed
	}
	cache.Add(key, record.ObservedAt)
	return replayed, nil
}

func (a *Authenticator) maybePrune(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *Authenticator) cacheFor(apiKey string) *nonceStore {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newNonceStore(a.nonceTTL, a.capacity)
		a.caches[apiKey] = cache
	}
	return cache
}

// nonceStore remembers nonces for ttl, oldest first, holding at most
// capacity entries.
type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu    sync.Mutex
	seen  map[string]time.Time
	queue []string
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{ttl: ttl, capacity: capacity, seen: make(map[string]time.Time)}
}

func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expire(now)
	_, ok := n.seen[key]
	return ok
}

func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expire(now)
	if _, ok := n.seen[key]; ok {
		return
	}
	for n.capacity > 0 && len(n.queue) >= n.capacity {
		n.pop()
	}
	n.seen[key] = now
	n.queue = append(n.queue, key)
}

func (n *nonceStore) expire(now time.Time) {
	cutoff := now.Add(-n.ttl)
	for len(n.queue) > 0 && n.seen[n.queue[0]].Before(cutoff) {
		n.pop()
	}
}

func (n *nonceStore) pop() {
	delete(n.seen, n.queue[0])
	n.queue[0] = ""
	n.queue = n.queue[1:]
}
