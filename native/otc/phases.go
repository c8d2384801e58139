package otc

import (
	"fmt"
	"math/big"

	"p2potc/crypto"
)

// dealPhase holds the rules of one deal state. Every phase implements every
// action explicitly, so adding an action to this interface breaks the build
// until each state decides how to handle it.
type dealPhase interface {
	deposit(t *transition, amount *big.Int, asset string) error
	confirmTransfer(t *transition) error
	dispute(t *transition) error
	resolve(t *transition) error
	cancel(t *transition) error
}

// dealPhases maps each state to its rules. TestEveryDealStateHasPhase guards
// against a missing entry.
var dealPhases = [dealStateCount]dealPhase{
	DealStatePendCustomerDeposit:          pendCustomerDepositPhase{},
	DealStatePendDealerBankTransfer:       pendDealerBankTransferPhase{},
	DealStatePendCustomerBankTransfer:     pendCustomerBankTransferPhase{},
	DealStatePendDealerSignOff:            pendDealerSignOffPhase{},
	DealStatePendCustomerSignOff:          pendCustomerSignOffPhase{},
	DealStateDispute:                      disputePhase{},
	DealStateResolve:                      terminalPhase{},
	DealStateCancelAsDealerMissTransfer:   terminalPhase{},
	DealStateCancelAsCustomerMissTransfer: terminalPhase{},
	DealStateCancelAsDispute:              terminalPhase{},
}

func phaseOf(state DealState) (dealPhase, error) {
	if state >= dealStateCount || dealPhases[state] == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedDealState, state)
	}
	return dealPhases[state], nil
}

// transition is the working set for one deal action.
type transition struct {
	deal        *Deal
	caller      crypto.Address
	now         int64
	windows     Windows
	bps         uint32
	isModerator func(crypto.Address) bool

	intents    []TransferIntent
	commission *big.Int
}

func (t *transition) refreshExpiry() {
	t.deal.Expiry = t.now + t.windows.Deal
}

func (t *transition) setResolver() {
	resolver := t.caller
	t.deal.Resolver = &resolver
}

func (t *transition) transfer(recipient crypto.Address, amount *big.Int, reason TransferReason) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	t.intents = append(t.intents, TransferIntent{
		ID:        fmt.Sprintf("deal-%d-%s", t.deal.ID, reason),
		Asset:     t.deal.Asset,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		Reason:    reason,
		PostID:    t.deal.PostID,
		DealID:    t.deal.ID,
	})
}

// settle pays the deal amount minus commission to recipient and moves the
// deal to Resolve.
func (t *transition) settle(recipient crypto.Address) {
	payout, commission := SplitCommission(t.deal.Amount, t.bps)
	t.commission = commission
	t.transfer(recipient, payout, TransferReasonPayout)
	t.deal.State = DealStateResolve
	t.setResolver()
}

// refund returns the full deal amount to recipient and moves the deal to the
// given cancellation state.
func (t *transition) refund(recipient crypto.Address, state DealState) {
	t.transfer(recipient, t.deal.Amount, TransferReasonRefund)
	t.deal.State = state
}

func (t *transition) requireParty() error {
	if !t.deal.IsParty(t.caller) {
		return ErrUnauthorized
	}
	return nil
}

func (t *transition) requireModerator() error {
	if t.isModerator == nil || !t.isModerator(t.caller) {
		return ErrUnauthorized
	}
	return nil
}

// disputeRecipients returns who receives the asset when a dispute is resolved
// and who is refunded when it is cancelled. The asset leg was deposited by the
// customer on dealer-buy deals and by the dealer otherwise.
func disputeRecipients(d *Deal) (onResolve, onCancel crypto.Address) {
	if d.DealerBuy {
		return d.Dealer, d.Customer
	}
	return d.Customer, d.Dealer
}

// --- PendCustomerDeposit: dealer buys, customer must place the asset in custody.

type pendCustomerDepositPhase struct{}

func (pendCustomerDepositPhase) deposit(t *transition, amount *big.Int, asset string) error {
	if amount == nil || amount.Cmp(t.deal.Amount) != 0 {
		return mismatchAmount(t.deal.Amount, amount)
	}
	if t.caller != t.deal.Customer {
		return ErrMismatchCustomer
	}
	if normalized, _ := NormalizeAsset(asset); normalized != t.deal.Asset {
		return fmt.Errorf("%w: expected %s", ErrInvalidAsset, t.deal.Asset)
	}
	t.deal.CustomerDeposit = true
	t.deal.State = DealStatePendDealerBankTransfer
	t.refreshExpiry()
	return nil
}

func (pendCustomerDepositPhase) confirmTransfer(*transition) error { return ErrUnexpectedDealState }
func (pendCustomerDepositPhase) dispute(*transition) error         { return ErrUnexpectedDealState }
func (pendCustomerDepositPhase) resolve(*transition) error         { return ErrUnexpectedDealState }

func (pendCustomerDepositPhase) cancel(t *transition) error {
	if err := t.requireParty(); err != nil {
		return err
	}
	if err := requireExpired(t.deal, t.now); err != nil {
		return err
	}
	// Nothing was deposited, so nothing moves.
	t.deal.State = DealStateCancelAsCustomerMissTransfer
	return nil
}

// --- PendDealerBankTransfer: customer deposited the asset, dealer owes fiat.

type pendDealerBankTransferPhase struct{}

func (pendDealerBankTransferPhase) deposit(*transition, *big.Int, string) error {
	return ErrUnexpectedDealState
}

func (pendDealerBankTransferPhase) confirmTransfer(t *transition) error {
	if t.caller != t.deal.Dealer {
		return ErrMismatchDealer
	}
	t.deal.DealerDeposit = true
	t.deal.State = DealStatePendCustomerSignOff
	t.refreshExpiry()
	return nil
}

func (pendDealerBankTransferPhase) dispute(*transition) error { return ErrUnexpectedDealState }
func (pendDealerBankTransferPhase) resolve(*transition) error { return ErrUnexpectedDealState }

func (pendDealerBankTransferPhase) cancel(t *transition) error {
	if t.caller != t.deal.Customer {
		return ErrUnauthorized
	}
	if err := requireExpired(t.deal, t.now); err != nil {
		return err
	}
	t.refund(t.deal.Customer, DealStateCancelAsDealerMissTransfer)
	return nil
}

// --- PendCustomerBankTransfer: dealer's post custody covers the asset, customer owes fiat.

type pendCustomerBankTransferPhase struct{}

func (pendCustomerBankTransferPhase) deposit(*transition, *big.Int, string) error {
	return ErrUnexpectedDealState
}

func (pendCustomerBankTransferPhase) confirmTransfer(t *transition) error {
	if t.caller != t.deal.Customer {
		return ErrMismatchCustomer
	}
	t.deal.CustomerDeposit = true
	t.deal.State = DealStatePendDealerSignOff
	t.refreshExpiry()
	return nil
}

func (pendCustomerBankTransferPhase) dispute(*transition) error { return ErrUnexpectedDealState }
func (pendCustomerBankTransferPhase) resolve(*transition) error { return ErrUnexpectedDealState }

func (pendCustomerBankTransferPhase) cancel(t *transition) error {
	if err := t.requireParty(); err != nil {
		return err
	}
	if err := requireExpired(t.deal, t.now); err != nil {
		return err
	}
	t.refund(t.deal.Dealer, DealStateCancelAsCustomerMissTransfer)
	return nil
}

// --- PendDealerSignOff: customer paid fiat, dealer must sign off.

type pendDealerSignOffPhase struct{}

func (pendDealerSignOffPhase) deposit(*transition, *big.Int, string) error {
	return ErrUnexpectedDealState
}

func (pendDealerSignOffPhase) confirmTransfer(*transition) error { return ErrUnexpectedDealState }

func (pendDealerSignOffPhase) dispute(t *transition) error {
	if t.caller != t.deal.Dealer {
		return ErrMismatchDealer
	}
	t.deal.State = DealStateDispute
	t.deal.Expiry = t.now + t.windows.Dispute
	return nil
}

func (pendDealerSignOffPhase) resolve(t *transition) error {
	if err := requireTurn(t.deal, t.now, t.caller, t.deal.Dealer, ErrMismatchDealer); err != nil {
		return err
	}
	t.settle(t.deal.Customer)
	return nil
}

func (pendDealerSignOffPhase) cancel(*transition) error { return ErrUnexpectedDealState }

// --- PendCustomerSignOff: dealer paid fiat, customer must sign off.

type pendCustomerSignOffPhase struct{}

func (pendCustomerSignOffPhase) deposit(*transition, *big.Int, string) error {
	return ErrUnexpectedDealState
}

func (pendCustomerSignOffPhase) confirmTransfer(*transition) error { return ErrUnexpectedDealState }

func (pendCustomerSignOffPhase) dispute(t *transition) error {
	if t.caller != t.deal.Customer {
		return ErrMismatchCustomer
	}
	t.deal.State = DealStateDispute
	t.deal.Expiry = t.now + t.windows.Dispute
	return nil
}

func (pendCustomerSignOffPhase) resolve(t *transition) error {
	if err := requireTurn(t.deal, t.now, t.caller, t.deal.Customer, ErrMismatchCustomer); err != nil {
		return err
	}
	t.settle(t.deal.Dealer)
	return nil
}

func (pendCustomerSignOffPhase) cancel(*transition) error { return ErrUnexpectedDealState }

// --- Dispute: moderators adjudicate, no time condition.

type disputePhase struct{}

func (disputePhase) deposit(*transition, *big.Int, string) error { return ErrUnexpectedDealState }
func (disputePhase) confirmTransfer(*transition) error           { return ErrUnexpectedDealState }
func (disputePhase) dispute(*transition) error                   { return ErrUnexpectedDealState }

func (disputePhase) resolve(t *transition) error {
	if err := t.requireModerator(); err != nil {
		return err
	}
	recipient, _ := disputeRecipients(t.deal)
	t.settle(recipient)
	return nil
}

func (disputePhase) cancel(t *transition) error {
	if err := t.requireModerator(); err != nil {
		return err
	}
	_, recipient := disputeRecipients(t.deal)
	t.refund(recipient, DealStateCancelAsDispute)
	t.setResolver()
	return nil
}

// --- Terminal states accept nothing.

type terminalPhase struct{}

func (terminalPhase) deposit(*transition, *big.Int, string) error { return ErrUnexpectedDealState }
func (terminalPhase) confirmTransfer(*transition) error           { return ErrUnexpectedDealState }
func (terminalPhase) dispute(*transition) error                   { return ErrUnexpectedDealState }
func (terminalPhase) resolve(*transition) error                   { return ErrUnexpectedDealState }
func (terminalPhase) cancel(*transition) error                    { return ErrUnexpectedDealState }
