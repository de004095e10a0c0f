package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const transferIDPrefixV1 = "withdraw"

// TransferIDV1 computes the canonical id of a withdrawal transfer.
//
//	transferId = keccak256("withdraw" || identity || epochIdBE8 || seqBE8)
//
// seq is the ledger-wide withdrawal sequence number, which makes ids unique even
// when the same identity withdraws twice from the same open epoch.
func TransferIDV1(identity common.Address, epochID uint64, seq uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(transferIDPrefixV1))
	_, _ = h.Write(identity[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epochID)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], seq)
	_, _ = h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
