package idempotency

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestTransferIDV1_MatchesKeccakLayout(t *testing.T) {
	t.Parallel()

	who := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	var preimage []byte
	preimage = append(preimage, []byte("withdraw")...)
	preimage = append(preimage, who.Bytes()...)
	preimage = append(preimage, 0, 0, 0, 0, 0, 0, 0, 3)
	preimage = append(preimage, 0, 0, 0, 0, 0, 0, 0, 9)
	want := crypto.Keccak256Hash(preimage)

	got := TransferIDV1(who, 3, 9)
	if common.Hash(got) != want {
		t.Fatalf("TransferIDV1 mismatch: got %x want %x", got, want)
	}
}

func TestTransferIDV1_DomainSeparated(t *testing.T) {
	t.Parallel()

	alice := common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000002")

	base := TransferIDV1(alice, 1, 1)
	cases := []struct {
		name string
		id   [32]byte
	}{
		{name: "identity", id: TransferIDV1(bob, 1, 1)},
		{name: "epoch", id: TransferIDV1(alice, 2, 1)},
		{name: "seq", id: TransferIDV1(alice, 1, 2)},
	}
	for _, tc := range cases {
		if tc.id == base {
			t.Fatalf("%s must affect transfer id", tc.name)
		}
	}
	if again := TransferIDV1(alice, 1, 1); again != base {
		t.Fatalf("transfer id must be deterministic")
	}
}
