package viewkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"p2potc/crypto"
)

// ErrKeyMismatch is returned when the auth service rejects a viewing key.
var ErrKeyMismatch = errors.New("viewkey: viewing key does not match")

// BaseURLFunc resolves the auth service base URL at call time so config
// updates take effect without a restart.
type BaseURLFunc func(ctx context.Context) (string, error)

// Config defines the HTTP client settings for the auth service.
type Config struct {
	BaseURL BaseURLFunc
	Timeout time.Duration
	Client  *http.Client
}

// Client validates viewing keys against the auth service.
type Client struct {
	baseURL    BaseURLFunc
	httpClient *http.Client
}

type validateRequest struct {
	User string `json:"user"`
	Key  string `json:"key"`
}

type validateResponse struct {
	IsValid bool `json:"is_valid"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == nil {
		return nil, fmt.Errorf("viewkey: base url resolver required")
	}
	httpClient := cfg.Client
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: cfg.BaseURL, httpClient: httpClient}, nil
}

// Static returns a resolver that always yields url.
func Static(url string) BaseURLFunc {
	return func(context.Context) (string, error) { return url, nil }
}

// Validate checks key for user. A rejected key yields ErrKeyMismatch; any
// transport or decoding failure is returned as is.
func (c *Client) Validate(ctx context.Context, user crypto.Address, key string) error {
	if c == nil {
		return fmt.Errorf("viewkey: client not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyMismatch
	}
	base, err := c.baseURL(ctx)
	if err != nil {
		return fmt.Errorf("viewkey: resolve auth service: %w", err)
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return fmt.Errorf("viewkey: auth service not configured")
	}
	payload, err := json.Marshal(validateRequest{User: user.String(), Key: key})
	if err != nil {
		return fmt.Errorf("viewkey: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/viewing-keys/validate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("viewkey: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("viewkey: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("viewkey: unexpected status %d", resp.StatusCode)
	}
	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("viewkey: decode: %w", err)
	}
	if !out.IsValid {
		return ErrKeyMismatch
	}
	return nil
}
