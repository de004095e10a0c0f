package custodian

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestParseSignerKey(t *testing.T) {
	t.Parallel()

	for _, in := range []string{devKeyHex, "0x" + devKeyHex, "  0x" + devKeyHex + "\n"} {
		key, err := ParseSignerKey(in)
		if err != nil {
			t.Fatalf("ParseSignerKey(%q): %v", in, err)
		}
		if NewLocalSigner(key).Address() == (common.Address{}) {
			t.Fatalf("expected non-zero address")
		}
	}

	for _, in := range []string{"", "0x", "0x1234", "zz" + devKeyHex[2:]} {
		_, err := ParseSignerKey(in)
		if !errors.Is(err, ErrInvalidPrivateKey) {
			t.Fatalf("ParseSignerKey(%q): expected ErrInvalidPrivateKey, got %v", in, err)
		}
		if raw := strings.TrimPrefix(in, "0x"); len(raw) > 2 && strings.Contains(err.Error(), raw) {
			t.Fatalf("error leaks key material: %v", err)
		}
	}
}

func TestLocalSigner_RejectsMissingKeyOrChain(t *testing.T) {
	t.Parallel()

	to := common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(1)})

	if _, err := NewLocalSigner(nil).SignTx(tx, big.NewInt(1)); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner, got %v", err)
	}
	key, err := ParseSignerKey(devKeyHex)
	if err != nil {
		t.Fatalf("ParseSignerKey: %v", err)
	}
	if _, err := NewLocalSigner(key).SignTx(tx, big.NewInt(0)); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner, got %v", err)
	}
}
