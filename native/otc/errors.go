package otc

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNilState                        = errors.New("otc: state not configured")
	ErrNotInitialized                  = errors.New("otc: engine not initialised")
	ErrAlreadyInitialized              = errors.New("otc: engine already initialised")
	ErrUnauthorized                    = errors.New("otc: unauthorized")
	ErrNotGovernanceSender             = errors.New("otc: sender is not governance")
	ErrMissingPaymentInfo              = errors.New("otc: payment info not registered")
	ErrInvalidAsset                    = errors.New("otc: invalid asset identity")
	ErrNoMatchingDeal                  = errors.New("otc: no matching deal")
	ErrNoMatchingPost                  = errors.New("otc: no matching post")
	ErrUnexpectedDealState             = errors.New("otc: unexpected deal state")
	ErrUnexpectedPostState             = errors.New("otc: unexpected post state")
	ErrMismatchDepositAmount           = errors.New("otc: deposit amount mismatch")
	ErrMismatchCustomer                = errors.New("otc: caller is not the deal customer")
	ErrMismatchDealer                  = errors.New("otc: caller is not the dealer")
	ErrDealNotExpired                  = errors.New("otc: deal not expired")
	ErrAmountLessThanDealerRequirement = errors.New("otc: amount below post minimum")
	ErrAmountMoreThanPostRemaining     = errors.New("otc: amount exceeds post remaining")
	ErrInvalidAmount                   = errors.New("otc: invalid amount")
	ErrInvalidPrice                    = errors.New("otc: invalid settle price")
	ErrInvalidConfig                   = errors.New("otc: invalid config")
	ErrInvalidPaymentInfo              = errors.New("otc: invalid payment info")
	ErrNoDepositTarget                 = errors.New("otc: deposit must target exactly one post or deal")
	ErrNothingToWithdraw               = errors.New("otc: no amount to withdraw")
)

// MismatchDepositAmountError reports a deposit whose amount differs from the
// required one.
type MismatchDepositAmountError struct {
	Required *big.Int
	Actual   *big.Int
}

func (e *MismatchDepositAmountError) Error() string {
	return fmt.Sprintf("%s: required %s, got %s", ErrMismatchDepositAmount, e.Required, e.Actual)
}

func (e *MismatchDepositAmountError) Is(target error) bool {
	return target == ErrMismatchDepositAmount
}

// DealNotExpiredError reports an expiry gated action attempted too early.
type DealNotExpiredError struct {
	Expiry int64
}

func (e *DealNotExpiredError) Error() string {
	return fmt.Sprintf("%s: expires at %d", ErrDealNotExpired, e.Expiry)
}

func (e *DealNotExpiredError) Is(target error) bool {
	return target == ErrDealNotExpired
}

func noMatchingDeal(id uint64) error {
	return fmt.Errorf("%w: %d", ErrNoMatchingDeal, id)
}

func noMatchingPost(id uint64) error {
	return fmt.Errorf("%w: %d", ErrNoMatchingPost, id)
}

func mismatchAmount(required, actual *big.Int) error {
	return &MismatchDepositAmountError{Required: cloneAmount(required), Actual: cloneAmount(actual)}
}
