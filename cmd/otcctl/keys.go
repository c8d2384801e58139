package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"p2potc/cmd/internal/passphrase"
	"p2potc/crypto"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var (
		out     string
		passEnv string
		force   bool
	)
	fs.StringVar(&out, "out", "", "keystore file to create")
	fs.StringVar(&passEnv, "passphrase-env", defaultPassphraseEnv, "environment variable holding the passphrase")
	fs.BoolVar(&force, "force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		fmt.Fprintln(stderr, "keygen: --out is required")
		return 1
	}
	if _, err := os.Stat(out); err == nil && !force {
		fmt.Fprintf(stderr, "keygen: %s already exists (use --force to overwrite)\n", out)
		return 1
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	pass, err := passphrase.NewSource(passEnv).WithConfirmation().Get()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: generate key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		fmt.Fprintf(stderr, "keygen: write keystore: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var (
		keystorePath string
		passEnv      string
	)
	fs.StringVar(&keystorePath, "keystore", "", "keystore file")
	fs.StringVar(&passEnv, "passphrase-env", defaultPassphraseEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := loadAddress(keystorePath, passEnv)
	if err != nil {
		fmt.Fprintf(stderr, "address: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func loadAddress(path, passEnv string) (crypto.Address, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return crypto.Address{}, errors.New("--keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("open keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}
