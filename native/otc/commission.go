package otc

import (
	"fmt"
	"math/big"
)

// MaxCommissionBps is the basis point denominator; a commission of this size
// keeps the entire amount.
const MaxCommissionBps = 10_000

var bpsDenominator = big.NewInt(MaxCommissionBps)

// SplitCommission returns payout and commission for amount at bps. Commission
// is floor(amount*bps/10000) so payout+commission always equals amount.
func SplitCommission(amount *big.Int, bps uint32) (payout *big.Int, commission *big.Int) {
	total := cloneAmount(amount)
	commission = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(bps)))
	commission.Quo(commission, bpsDenominator)
	payout = new(big.Int).Sub(total, commission)
	return payout, commission
}

func validateCommission(bps uint32) error {
	if bps > MaxCommissionBps {
		return fmt.Errorf("%w: commission %d bps exceeds %d", ErrInvalidConfig, bps, MaxCommissionBps)
	}
	return nil
}
