package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	"p2potc/crypto"
)

// ErrInsufficientFunds is returned when the vault cannot cover a transfer.
var ErrInsufficientFunds = errors.New("payout: insufficient vault balance")

// Vault is an in-memory custody wallet for development and tests. Deposits
// credit a per-asset balance and transfers debit it.
type Vault struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	transfers []VaultTransfer
}

// VaultTransfer is one debit made by the vault.
type VaultTransfer struct {
	Ref       string
	Asset     string
	Recipient crypto.Address
	Amount    *big.Int
}

// NewVault returns a vault seeded with balances, given as decimal strings.
func NewVault(balances map[string]string) (*Vault, error) {
	v := &Vault{balances: make(map[string]*big.Int)}
	for asset, raw := range balances {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("payout: invalid vault balance %q for %s", raw, asset)
		}
		v.balances[normalizeAsset(asset)] = amount
	}
	return v, nil
}

// Credit increases the balance held for asset.
func (v *Vault) Credit(asset string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := normalizeAsset(asset)
	bal, ok := v.balances[key]
	if !ok {
		bal = new(big.Int)
		v.balances[key] = bal
	}
	bal.Add(bal, amount)
}

// Transfer debits amount of asset and records the movement.
func (v *Vault) Transfer(ctx context.Context, asset string, recipient crypto.Address, amount *big.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := normalizeAsset(asset)
	bal := v.balances[key]
	if bal == nil || bal.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: %s", ErrInsufficientFunds, key)
	}
	bal.Sub(bal, amount)
	ref := "vault-" + uuid.NewString()
	v.transfers = append(v.transfers, VaultTransfer{
		Ref:       ref,
		Asset:     key,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
	})
	return ref, nil
}

// Balance returns the balance held for asset.
func (v *Vault) Balance(asset string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal := v.balances[normalizeAsset(asset)]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Balances returns every asset balance as a decimal string.
func (v *Vault) Balances() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.balances))
	for asset, bal := range v.balances {
		out[asset] = bal.String()
	}
	return out
}

// Transfers lists debits in execution order.
func (v *Vault) Transfers() []VaultTransfer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]VaultTransfer(nil), v.transfers...)
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
