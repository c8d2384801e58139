package otc

import (
	"fmt"
	"math/big"

	"p2potc/crypto"
)

// EnterDeal opens a deal for amount against an Open post, reducing the post's
// remaining amount. The post is kept even at zero remaining until a deal
// against it terminates.
func (e *Engine) EnterDeal(postID uint64, customer crypto.Address, amount *big.Int) (*Deal, error) {
	if err := e.ready(ModuleDeal); err != nil {
		return nil, err
	}
	if err := e.requirePaymentInfo(customer); err != nil {
		return nil, err
	}
	post, err := e.loadPost(postID)
	if err != nil {
		return nil, err
	}
	if post.State != PostStateOpen {
		return nil, ErrUnexpectedPostState
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount cannot be lower than 0", ErrInvalidAmount)
	}
	if amount.Cmp(post.MinAmount) < 0 {
		return nil, ErrAmountLessThanDealerRequirement
	}
	if amount.Cmp(post.Amount) > 0 {
		return nil, ErrAmountMoreThanPostRemaining
	}
	id, err := e.state.NextDealID()
	if err != nil {
		return nil, err
	}
	state := DealStatePendCustomerBankTransfer
	if post.DealerBuy {
		state = DealStatePendCustomerDeposit
	}
	deal := &Deal{
		ID:            id,
		PostID:        post.ID,
		DealerBuy:     post.DealerBuy,
		Asset:         post.Asset,
		Amount:        new(big.Int).Set(amount),
		Currency:      post.Currency,
		Price:         post.Price,
		DealerDeposit: post.DealerDeposit,
		Dealer:        post.Dealer,
		Customer:      customer,
		State:         state,
		Expiry:        e.now() + e.windows.Deal,
	}
	post.Amount = new(big.Int).Sub(post.Amount, amount)
	if err := e.state.PostPut(post); err != nil {
		return nil, err
	}
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	e.emit(newDealEvent(EventTypeDealEntered, deal))
	return deal.Clone(), nil
}

// HandleDeposit routes a custody deposit notice to its post or deal.
func (e *Engine) HandleDeposit(n DepositNotice) error {
	switch {
	case n.PostID != 0 && n.DealID == 0:
		_, err := e.DepositToPost(n.PostID, n.Depositor, n.Amount, n.Asset)
		return err
	case n.DealID != 0 && n.PostID == 0:
		_, err := e.DepositToDeal(n.DealID, n.Depositor, n.Amount, n.Asset)
		return err
	default:
		return ErrNoDepositTarget
	}
}

// DepositToDeal records the customer's asset deposit on a dealer-buy deal.
func (e *Engine) DepositToDeal(dealID uint64, depositor crypto.Address, amount *big.Int, asset string) (*Deal, error) {
	deal, _, err := e.applyDeal(dealID, depositor, EventTypeDealFunded, func(p dealPhase, t *transition) error {
		return p.deposit(t, amount, asset)
	})
	return deal, err
}

// ConfirmBankTransfer records that the caller has sent the fiat leg.
func (e *Engine) ConfirmBankTransfer(dealID uint64, caller crypto.Address) (*Deal, error) {
	deal, _, err := e.applyDeal(dealID, caller, EventTypeDealTransferConfirmed, dealPhase.confirmTransfer)
	return deal, err
}

// DisputeDeal escalates a deal awaiting the caller's sign-off to moderators.
func (e *Engine) DisputeDeal(dealID uint64, caller crypto.Address) (*Deal, error) {
	deal, _, err := e.applyDeal(dealID, caller, EventTypeDealDisputed, dealPhase.dispute)
	return deal, err
}

// ResolveDeal signs off (or adjudicates) a deal and returns the payout intent.
func (e *Engine) ResolveDeal(dealID uint64, caller crypto.Address) (*Deal, []TransferIntent, error) {
	return e.applyDeal(dealID, caller, EventTypeDealResolved, dealPhase.resolve)
}

// CancelDeal cancels a deal and returns any refund intent.
func (e *Engine) CancelDeal(dealID uint64, caller crypto.Address) (*Deal, []TransferIntent, error) {
	return e.applyDeal(dealID, caller, EventTypeDealCancelled, dealPhase.cancel)
}

// applyDeal runs one phase action on a copy of the deal and persists the
// outcome only when the action succeeds.
func (e *Engine) applyDeal(dealID uint64, caller crypto.Address, eventType string, action func(dealPhase, *transition) error) (*Deal, []TransferIntent, error) {
	if err := e.ready(ModuleDeal); err != nil {
		return nil, nil, err
	}
	cfg, err := e.config()
	if err != nil {
		return nil, nil, err
	}
	current, err := e.loadDeal(dealID)
	if err != nil {
		return nil, nil, err
	}
	phase, err := phaseOf(current.State)
	if err != nil {
		return nil, nil, err
	}
	mods, err := e.state.ModeratorsGet()
	if err != nil {
		return nil, nil, err
	}
	t := &transition{
		deal:        current.Clone(),
		caller:      caller,
		now:         e.now(),
		windows:     e.windows,
		bps:         cfg.CommissionBps,
		isModerator: func(addr crypto.Address) bool { return containsAddress(mods, addr) },
	}
	if err := action(phase, t); err != nil {
		return nil, nil, err
	}
	if t.deal.State.Terminal() {
		if err := e.finalize(t.deal, t.commission); err != nil {
			return nil, nil, err
		}
	} else if err := e.state.DealPut(t.deal); err != nil {
		return nil, nil, err
	}
	e.emit(newDealEvent(eventType, t.deal))
	if t.deal.State.Terminal() {
		if err := e.removeDrainedPost(t.deal.PostID); err != nil {
			return nil, nil, err
		}
	}
	return t.deal.Clone(), t.intents, nil
}

// finalize archives a terminated deal, drops it from the active set and
// credits commission for resolved deals.
func (e *Engine) finalize(deal *Deal, commission *big.Int) error {
	if err := e.state.ArchiveAppend(deal); err != nil {
		return err
	}
	if err := e.state.DealDelete(deal.ID); err != nil {
		return err
	}
	if deal.State != DealStateResolve || commission == nil || commission.Sign() == 0 {
		return nil
	}
	revenue, err := e.state.RevenueGet()
	if err != nil {
		return err
	}
	return e.state.RevenuePut(new(big.Int).Add(revenue, commission))
}
