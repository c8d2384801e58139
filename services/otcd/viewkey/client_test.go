package viewkey

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"p2potc/crypto"
)

func TestValidateAcceptsMatchingKey(t *testing.T) {
	user := crypto.Address{0x01}
	var seen validateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/viewing-keys/validate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Fatalf("expected request id header")
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(validateResponse{IsValid: seen.Key == "secret"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: Static(srv.URL + "/")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Validate(context.Background(), user, "secret"); err != nil {
		t.Fatalf("expected key to validate: %v", err)
	}
	if seen.User != user.String() {
		t.Fatalf("unexpected user %q", seen.User)
	}
	if err := client.Validate(context.Background(), user, "wrong"); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := client.Validate(context.Background(), user, " "); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected empty key to mismatch, got %v", err)
	}
}

func TestValidateSurfacesUpstreamFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: Static(srv.URL)})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Validate(context.Background(), crypto.Address{0x02}, "secret")
	if err == nil || errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected transport error, got %v", err)
	}

	unset, _ := NewClient(Config{BaseURL: Static("")})
	if err := unset.Validate(context.Background(), crypto.Address{0x02}, "secret"); err == nil {
		t.Fatalf("expected error for unconfigured auth service")
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected resolver to be required")
	}
}
