package otc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"p2potc/crypto"
)

// PostState enumerates the lifecycle states of a Post.
type PostState uint8

const (
	PostStateOpen PostState = iota
	PostStatePendingDealerDeposit
)

var postStateNames = map[PostState]string{
	PostStateOpen:                 "open",
	PostStatePendingDealerDeposit: "pending_dealer_deposit",
}

func (s PostState) String() string {
	if name, ok := postStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("post_state(%d)", uint8(s))
}

func (s PostState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PostState) UnmarshalText(text []byte) error {
	raw := strings.ToLower(strings.TrimSpace(string(text)))
	for state, name := range postStateNames {
		if name == raw {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("otc: unknown post state %q", raw)
}

// DealState enumerates the lifecycle states of a Deal. The last four values are
// terminal.
type DealState uint8

const (
	DealStatePendCustomerDeposit DealState = iota
	DealStatePendDealerBankTransfer
	DealStatePendCustomerBankTransfer
	DealStatePendDealerSignOff
	DealStatePendCustomerSignOff
	DealStateDispute
	DealStateResolve
	DealStateCancelAsDealerMissTransfer
	DealStateCancelAsCustomerMissTransfer
	DealStateCancelAsDispute

	dealStateCount
)

var dealStateNames = [dealStateCount]string{
	DealStatePendCustomerDeposit:          "pend_customer_deposit",
	DealStatePendDealerBankTransfer:       "pend_dealer_bank_transfer",
	DealStatePendCustomerBankTransfer:     "pend_customer_bank_transfer",
	DealStatePendDealerSignOff:            "pend_dealer_sign_off",
	DealStatePendCustomerSignOff:          "pend_customer_sign_off",
	DealStateDispute:                      "dispute",
	DealStateResolve:                      "resolve",
	DealStateCancelAsDealerMissTransfer:   "cancel_as_dealer_miss_transfer",
	DealStateCancelAsCustomerMissTransfer: "cancel_as_customer_miss_transfer",
	DealStateCancelAsDispute:              "cancel_as_dispute",
}

func (s DealState) String() string {
	if s < dealStateCount {
		return dealStateNames[s]
	}
	return fmt.Sprintf("deal_state(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible from s.
func (s DealState) Terminal() bool {
	switch s {
	case DealStateResolve, DealStateCancelAsDealerMissTransfer, DealStateCancelAsCustomerMissTransfer, DealStateCancelAsDispute:
		return true
	default:
		return false
	}
}

func (s DealState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DealState) UnmarshalText(text []byte) error {
	raw := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range dealStateNames {
		if name == raw {
			*s = DealState(i)
			return nil
		}
	}
	return fmt.Errorf("otc: unknown deal state %q", raw)
}

// Post is a dealer's standing offer.
type Post struct {
	ID            uint64          `json:"id"`
	DealerBuy     bool            `json:"dealerBuy"`
	Asset         string          `json:"asset"`
	Amount        *big.Int        `json:"amount"`
	MinAmount     *big.Int        `json:"minAmount"`
	Currency      string          `json:"currency"`
	Price         decimal.Decimal `json:"price"`
	DealerDeposit bool            `json:"dealerDeposit"`
	Dealer        crypto.Address  `json:"dealer"`
	State         PostState       `json:"state"`
	Expiry        int64           `json:"expiry"`
}

// Clone returns a deep copy of the post.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Amount = cloneAmount(p.Amount)
	clone.MinAmount = cloneAmount(p.MinAmount)
	return &clone
}

// Deal is a single trade opened by a customer against a Post.
type Deal struct {
	ID              uint64          `json:"id"`
	PostID          uint64          `json:"postId"`
	DealerBuy       bool            `json:"dealerBuy"`
	Asset           string          `json:"asset"`
	Amount          *big.Int        `json:"amount"`
	Currency        string          `json:"currency"`
	Price           decimal.Decimal `json:"price"`
	DealerDeposit   bool            `json:"dealerDeposit"`
	CustomerDeposit bool            `json:"customerDeposit"`
	Dealer          crypto.Address  `json:"dealer"`
	Customer        crypto.Address  `json:"customer"`
	State           DealState       `json:"state"`
	Resolver        *crypto.Address `json:"resolver,omitempty"`
	// Expiry is zero when no party is on the clock.
	Expiry int64 `json:"expiry,omitempty"`
}

// Clone returns a deep copy of the deal.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneAmount(d.Amount)
	if d.Resolver != nil {
		resolver := *d.Resolver
		clone.Resolver = &resolver
	}
	return &clone
}

// IsParty reports whether addr is the deal's dealer or customer.
func (d *Deal) IsParty(addr crypto.Address) bool {
	return addr == d.Dealer || addr == d.Customer
}

// PaymentInfo describes how a user receives fiat.
type PaymentInfo struct {
	Method string `json:"method"`
	Detail string `json:"detail"`
}

// Config is the engine configuration singleton.
type Config struct {
	Admins        []crypto.Address `json:"admins"`
	CommissionBps uint32           `json:"commissionBps"`
	// Assets holds the three accepted asset identities. Revenue is swept in Assets[0].
	Assets      [3]string       `json:"assets"`
	AuthService string          `json:"authService"`
	Governance  *crypto.Address `json:"governance,omitempty"`
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Admins = append([]crypto.Address(nil), c.Admins...)
	if c.Governance != nil {
		gov := *c.Governance
		clone.Governance = &gov
	}
	return &clone
}

// IsAdmin reports whether addr is listed as an admin.
func (c *Config) IsAdmin(addr crypto.Address) bool {
	return containsAddress(c.Admins, addr)
}

// AcceptsAsset reports whether asset is one of the configured identities.
func (c *Config) AcceptsAsset(asset string) bool {
	for _, a := range c.Assets {
		if a != "" && a == asset {
			return true
		}
	}
	return false
}

// ConfigUpdate carries optional replacements for config fields. Nil fields are
// left unchanged.
type ConfigUpdate struct {
	Admins        []crypto.Address
	CommissionBps *uint32
	AuthService   *string
	Governance    *crypto.Address
}

// TransferReason classifies a transfer intent.
type TransferReason string

const (
	TransferReasonPayout        TransferReason = "payout"
	TransferReasonRefund        TransferReason = "refund"
	TransferReasonForceWithdraw TransferReason = "force_withdraw"
	TransferReasonRevenueSweep  TransferReason = "revenue_sweep"
)

// TransferIntent instructs the custody layer to move Amount of Asset to
// Recipient. The engine never moves value itself.
type TransferIntent struct {
	ID        string         `json:"id"`
	Asset     string         `json:"asset"`
	Recipient crypto.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
	Reason    TransferReason `json:"reason"`
	PostID    uint64         `json:"postId,omitempty"`
	DealID    uint64         `json:"dealId,omitempty"`
}

// PostParams captures the dealer supplied fields of a new Post.
type PostParams struct {
	DealerBuy bool
	Asset     string
	Amount    *big.Int
	MinAmount *big.Int
	Currency  string
	Price     decimal.Decimal
}

// DepositNotice reports an asset deposit observed by custody. Exactly one of
// PostID and DealID is set.
type DepositNotice struct {
	Depositor crypto.Address
	Amount    *big.Int
	Asset     string
	PostID    uint64
	DealID    uint64
}

// DealDetail is a deal plus the payment info the viewing party needs to settle
// the fiat leg.
type DealDetail struct {
	Deal        *Deal        `json:"deal"`
	PaymentInfo *PaymentInfo `json:"paymentInfo,omitempty"`
}

// NormalizeAsset canonicalises an asset identity.
func NormalizeAsset(asset string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty asset", ErrInvalidAsset)
	}
	if len(trimmed) > 64 {
		return "", fmt.Errorf("%w: asset identity too long", ErrInvalidAsset)
	}
	return trimmed, nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func containsAddress(list []crypto.Address, addr crypto.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
