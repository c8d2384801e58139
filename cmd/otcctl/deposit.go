package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"p2potc/crypto"
	gatewayauth "p2potc/gateway/auth"
)

var depositClient = &http.Client{Timeout: 10 * time.Second}

type depositPayload struct {
	Depositor string `json:"depositor"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	PostID    uint64 `json:"postId,omitempty"`
	DealID    uint64 `json:"dealId,omitempty"`
}

// runDeposit plays the custody provider: it signs and posts a deposit
// notification to a running otcd.
func runDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deposit", stderr)
	var (
		baseURL   string
		apiKey    string
		secretEnv string
		depositor string
		amount    string
		asset     string
		postID    uint64
		dealID    uint64
		idemKey   string
	)
	fs.StringVar(&baseURL, "url", "http://localhost:7080", "otcd base URL")
	fs.StringVar(&apiKey, "api-key", "", "custody API key")
	fs.StringVar(&secretEnv, "secret-env", "OTC_CUSTODY_SECRET", "environment variable holding the custody secret")
	fs.StringVar(&depositor, "depositor", "", "depositing address (otc1...)")
	fs.StringVar(&amount, "amount", "", "deposited amount in base units")
	fs.StringVar(&asset, "asset", "", "asset identity")
	fs.Uint64Var(&postID, "post", 0, "post id receiving the deposit")
	fs.Uint64Var(&dealID, "deal", 0, "deal id receiving the deposit")
	fs.StringVar(&idemKey, "idempotency-key", "", "idempotency key (random when empty)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(apiKey) == "" {
		fmt.Fprintln(stderr, "deposit: --api-key is required")
		return 1
	}
	if (postID == 0) == (dealID == 0) {
		fmt.Fprintln(stderr, "deposit: exactly one of --post and --deal is required")
		return 1
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(depositor))
	if err != nil {
		fmt.Fprintf(stderr, "deposit: invalid depositor: %v\n", err)
		return 1
	}
	secret := os.Getenv(secretEnv)
	if strings.TrimSpace(secret) == "" {
		fmt.Fprintf(stderr, "deposit: %s is not set\n", secretEnv)
		return 1
	}
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	body, err := json.Marshal(depositPayload{
		Depositor: addr.String(),
		Amount:    strings.TrimSpace(amount),
		Asset:     strings.TrimSpace(asset),
		PostID:    postID,
		DealID:    dealID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "deposit: encode: %v\n", err)
		return 1
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/custody/deposits", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(stderr, "deposit: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idemKey)
	gatewayauth.SignRequest(req, apiKey, secret, uuid.NewString(), time.Now(), body)

	resp, err := depositClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "deposit: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(stderr, "deposit: %s: %s\n", resp.Status, strings.TrimSpace(string(respBody)))
		return 1
	}
	fmt.Fprintln(stdout, strings.TrimSpace(string(respBody)))
	return 0
}
