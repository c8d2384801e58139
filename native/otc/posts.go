package otc

import (
	"fmt"
	"math/big"
	"strings"

	"p2potc/crypto"
)

// CreatePost registers a new offer owned by creator. A dealer selling the
// asset must deposit it before the post becomes Open.
func (e *Engine) CreatePost(creator crypto.Address, params PostParams) (*Post, error) {
	if err := e.ready(ModulePost); err != nil {
		return nil, err
	}
	if params.Amount == nil || params.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount cannot be lower than 0", ErrInvalidAmount)
	}
	if params.MinAmount == nil || params.MinAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: min amount cannot be lower than 0", ErrInvalidAmount)
	}
	if params.Price.IsNegative() {
		return nil, fmt.Errorf("%w: settle price cannot be lower than 0", ErrInvalidPrice)
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: settle currency required", ErrInvalidPrice)
	}
	if err := e.requirePaymentInfo(creator); err != nil {
		return nil, err
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	asset, err := NormalizeAsset(params.Asset)
	if err != nil {
		return nil, err
	}
	if !cfg.AcceptsAsset(asset) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
	}
	id, err := e.state.NextPostID()
	if err != nil {
		return nil, err
	}
	state := PostStatePendingDealerDeposit
	if params.DealerBuy {
		state = PostStateOpen
	}
	post := &Post{
		ID:        id,
		DealerBuy: params.DealerBuy,
		Asset:     asset,
		Amount:    cloneAmount(params.Amount),
		MinAmount: cloneAmount(params.MinAmount),
		Currency:  currency,
		Price:     params.Price,
		Dealer:    creator,
		State:     state,
		Expiry:    e.now() + e.windows.Post,
	}
	if err := e.state.PostPut(post); err != nil {
		return nil, err
	}
	e.emit(newPostEvent(EventTypePostCreated, post))
	return post.Clone(), nil
}

// DepositToPost records the dealer's custody deposit for a selling post. The
// deposit must cover the whole post amount.
func (e *Engine) DepositToPost(postID uint64, depositor crypto.Address, amount *big.Int, asset string) (*Post, error) {
	if err := e.ready(ModulePost); err != nil {
		return nil, err
	}
	post, err := e.loadPost(postID)
	if err != nil {
		return nil, err
	}
	if post.State != PostStatePendingDealerDeposit {
		return nil, ErrUnexpectedPostState
	}
	if amount == nil || amount.Cmp(post.Amount) != 0 {
		return nil, mismatchAmount(post.Amount, amount)
	}
	if depositor != post.Dealer {
		return nil, ErrMismatchDealer
	}
	if normalized, _ := NormalizeAsset(asset); normalized != post.Asset {
		return nil, fmt.Errorf("%w: expected %s", ErrInvalidAsset, post.Asset)
	}
	post.DealerDeposit = true
	post.State = PostStateOpen
	if err := e.state.PostPut(post); err != nil {
		return nil, err
	}
	e.emit(newPostEvent(EventTypePostFunded, post))
	return post.Clone(), nil
}

// CancelPost removes a post. Custody held for a funded post is refunded to
// the dealer. Deals already entered against the post are unaffected.
func (e *Engine) CancelPost(postID uint64, caller crypto.Address) (*Post, []TransferIntent, error) {
	if err := e.ready(ModulePost); err != nil {
		return nil, nil, err
	}
	post, err := e.loadPost(postID)
	if err != nil {
		return nil, nil, err
	}
	switch post.State {
	case PostStateOpen, PostStatePendingDealerDeposit:
	default:
		return nil, nil, ErrUnexpectedPostState
	}
	if caller != post.Dealer {
		return nil, nil, ErrMismatchDealer
	}
	var intents []TransferIntent
	if post.DealerDeposit && post.Amount.Sign() > 0 {
		intents = append(intents, TransferIntent{
			ID:        fmt.Sprintf("post-%d-%s", post.ID, TransferReasonRefund),
			Asset:     post.Asset,
			Recipient: post.Dealer,
			Amount:    cloneAmount(post.Amount),
			Reason:    TransferReasonRefund,
			PostID:    post.ID,
		})
	}
	if err := e.state.PostDelete(post.ID); err != nil {
		return nil, nil, err
	}
	e.emit(newPostEvent(EventTypePostCancelled, post))
	return post.Clone(), intents, nil
}

// removeDrainedPost deletes the post once its remaining amount has reached
// zero. Missing posts are ignored.
func (e *Engine) removeDrainedPost(postID uint64) error {
	post, ok, err := e.state.PostGet(postID)
	if err != nil || !ok {
		return err
	}
	if post.Amount.Sign() != 0 {
		return nil
	}
	if err := e.state.PostDelete(postID); err != nil {
		return err
	}
	e.emit(newPostEvent(EventTypePostRemoved, post))
	return nil
}
