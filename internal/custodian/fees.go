package custodian

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("custodian: invalid fee args")

// baseFeeHeadroom lets a payout stay includable through this many full blocks
// of base fee growth.
const baseFeeHeadroom = 2

type feeQuote struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// quoteFees prices a payout from the node's suggested tip and latest base fee.
func quoteFees(ctx context.Context, backend Backend, floor *big.Int) (feeQuote, error) {
	suggested, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return feeQuote{}, fmt.Errorf("custodian: suggest tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeQuote{}, fmt.Errorf("custodian: latest header: %w", err)
	}
	if head.BaseFee == nil {
		return feeQuote{}, errors.New("custodian: chain has no base fee")
	}
	return dynamicFees(head.BaseFee, suggested, floor)
}

// dynamicFees returns TipCap = max(suggested, floor) and
// FeeCap = baseFeeHeadroom*baseFee + TipCap.
func dynamicFees(baseFee, suggested, floor *big.Int) (feeQuote, error) {
	for _, v := range []*big.Int{baseFee, suggested, floor} {
		if v == nil || v.Sign() < 0 {
			return feeQuote{}, ErrInvalidFeeArgs
		}
	}
	q := feeQuote{TipCap: new(big.Int).Set(suggested)}
	if q.TipCap.Cmp(floor) < 0 {
		q.TipCap.Set(floor)
	}
	q.FeeCap = new(big.Int).Mul(baseFee, big.NewInt(baseFeeHeadroom))
	q.FeeCap.Add(q.FeeCap, q.TipCap)
	return q, nil
}
