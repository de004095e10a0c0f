package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Payout computes floor(d.Amount * (e.TotalDeposits + e.TotalRewards) / e.TotalDeposits).
//
// The product is formed before the division with a 512-bit intermediate, so the
// only loss is the final floor. Each depositor of an epoch loses strictly less
// than one unit; that dust stays with the custodian and is never claimable.
func Payout(d Deposit, e Epoch) (uint256.Int, error) {
	if !d.Active() {
		return uint256.Int{}, ErrNoActiveDeposit
	}
	if e.TotalDeposits.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: epoch %d has no deposits", ErrEpochNotFound, e.ID)
	}
	if e.TotalRewards.IsZero() {
		return d.Amount, nil
	}

	var pool uint256.Int
	if _, overflow := pool.AddOverflow(&e.TotalDeposits, &e.TotalRewards); overflow {
		return uint256.Int{}, fmt.Errorf("%w: epoch %d total", ErrAmountOverflow, e.ID)
	}

	var out uint256.Int
	if _, overflow := out.MulDivOverflow(&d.Amount, &pool, &e.TotalDeposits); overflow {
		return uint256.Int{}, fmt.Errorf("%w: payout for epoch %d", ErrAmountOverflow, e.ID)
	}
	return out, nil
}
