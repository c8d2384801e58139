package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"p2potc/crypto"
	"p2potc/gateway/middleware"
)

var tokenNow = time.Now

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		address      string
		keystorePath string
		passEnv      string
		secretEnv    string
		issuer       string
		audience     string
		ttl          time.Duration
	)
	fs.StringVar(&address, "address", "", "subject address (otc1...)")
	fs.StringVar(&keystorePath, "keystore", "", "read the subject address from this keystore instead")
	fs.StringVar(&passEnv, "passphrase-env", defaultPassphraseEnv, "environment variable holding the keystore passphrase")
	fs.StringVar(&secretEnv, "secret-env", "OTC_JWT_SECRET", "environment variable holding the HMAC signing secret")
	fs.StringVar(&issuer, "issuer", "otcd", "token issuer")
	fs.StringVar(&audience, "audience", "", "token audience")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if ttl <= 0 {
		fmt.Fprintln(stderr, "token: --ttl must be positive")
		return 1
	}

	var (
		subject crypto.Address
		err     error
	)
	switch {
	case strings.TrimSpace(address) != "":
		subject, err = crypto.ParseAddress(strings.TrimSpace(address))
	case strings.TrimSpace(keystorePath) != "":
		subject, err = loadAddress(keystorePath, passEnv)
	default:
		fmt.Fprintln(stderr, "token: --address or --keystore is required")
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}

	secret := os.Getenv(secretEnv)
	if strings.TrimSpace(secret) == "" {
		fmt.Fprintf(stderr, "token: %s is not set\n", secretEnv)
		return 1
	}
	tok, err := middleware.IssueToken(middleware.AuthConfig{
		HMACSecret: secret,
		Issuer:     issuer,
		Audience:   audience,
	}, subject, ttl, tokenNow())
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}
