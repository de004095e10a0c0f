package custodian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
)

var ErrInvalidEVMConfig = errors.New("custodian: invalid evm config")

// Backend is the subset of an ethclient the EVM custodian needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EVMConfig struct {
	ChainID *big.Int

	// GasLimit for a plain value transfer. Defaults to 21000.
	GasLimit  uint64
	MinTipCap *big.Int

	ReceiptPollInterval time.Duration
	// MaxWait bounds how long Debit waits for a receipt before reporting an
	// unknown outcome.
	MaxWait time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// EVM pays withdrawals from a hot wallet with native value transfers.
//
// Deposits and rewards reach the wallet on-chain before the ledger records
// them, so Credit has nothing to move.
type EVM struct {
	backend Backend
	signer  Signer
	cfg     EVMConfig
	nonces  *nonceManager
	log     *slog.Logger

	mu   sync.Mutex
	done map[[32]byte]common.Hash
}

func NewEVM(backend Backend, signer Signer, cfg EVMConfig) (*EVM, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend or signer", ErrInvalidEVMConfig)
	}
	if signer.Address() == (common.Address{}) {
		return nil, fmt.Errorf("%w: signer has no address", ErrInvalidEVMConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidEVMConfig)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21_000
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative min tip cap", ErrInvalidEVMConfig)
	}
	if cfg.ReceiptPollInterval <= 0 || cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("%w: poll interval and max wait must be > 0", ErrInvalidEVMConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &EVM{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		nonces:  newNonceManager(backend, signer.Address()),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:    make(map[[32]byte]common.Hash),
	}, nil
}

func (c *EVM) WithLogger(log *slog.Logger) *EVM {
	if log != nil {
		c.log = log
	}
	return c
}

func (c *EVM) Address() common.Address { return c.signer.Address() }

func (c *EVM) Credit(context.Context, uint256.Int) error { return nil }

func (c *EVM) Debit(ctx context.Context, t ledger.Transfer) (ledger.Receipt, error) {
	if t.Amount.IsZero() || t.To == (common.Address{}) {
		return ledger.Receipt{}, fmt.Errorf("custodian: invalid transfer to %s", t.To)
	}

	c.mu.Lock()
	h, ok := c.done[t.ID]
	c.mu.Unlock()
	if ok {
		return ledger.Receipt{TransferID: t.ID, TxHash: h}, nil
	}

	if t.Replay {
		// The earlier attempt may still be mined; sending again could pay twice.
		if t.PriorTxHash == (common.Hash{}) {
			return ledger.Receipt{TransferID: t.ID},
				fmt.Errorf("%w: replay of %x has no journaled tx hash", ledger.ErrTransferOutcomeUnknown, t.ID)
		}
		r, err := c.backend.TransactionReceipt(ctx, t.PriorTxHash)
		if err != nil {
			return ledger.Receipt{TransferID: t.ID, TxHash: t.PriorTxHash},
				fmt.Errorf("%w: prior tx %s: %v", ledger.ErrTransferOutcomeUnknown, t.PriorTxHash, err)
		}
		return c.settle(t, t.PriorTxHash, r)
	}

	fees, err := quoteFees(ctx, c.backend, c.cfg.MinTipCap)
	if err != nil {
		return ledger.Receipt{}, err
	}

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("custodian: nonce: %w", err)
	}
	to := t.To
	signed, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       c.cfg.GasLimit,
		To:        &to,
		Value:     t.Amount.ToBig(),
	}), c.cfg.ChainID)
	if err != nil {
		c.nonces.Reset()
		return ledger.Receipt{}, fmt.Errorf("custodian: sign: %w", err)
	}
	txHash := signed.Hash()

	if t.Journal != nil {
		if err := t.Journal(ctx, txHash); err != nil {
			c.nonces.Reset()
			return ledger.Receipt{}, fmt.Errorf("custodian: journal %s before send: %w", txHash, err)
		}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.nonces.Reset()
		return ledger.Receipt{TransferID: t.ID, TxHash: txHash},
			fmt.Errorf("%w: send %s: %v", ledger.ErrTransferOutcomeUnknown, txHash, err)
	}
	c.log.Info("payout broadcast", "to", t.To, "amount", t.Amount.Dec(), "nonce", nonce, "txHash", txHash)

	return c.waitMined(ctx, t, txHash)
}

func (c *EVM) waitMined(ctx context.Context, t ledger.Transfer, txHash common.Hash) (ledger.Receipt, error) {
	deadline := c.cfg.Now().Add(c.cfg.MaxWait)
	for {
		r, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return c.settle(t, txHash, r)
		}
		if !errors.Is(err, ethereum.NotFound) {
			return ledger.Receipt{TransferID: t.ID, TxHash: txHash},
				fmt.Errorf("%w: receipt %s: %v", ledger.ErrTransferOutcomeUnknown, txHash, err)
		}
		if !c.cfg.Now().Before(deadline) {
			return ledger.Receipt{TransferID: t.ID, TxHash: txHash},
				fmt.Errorf("%w: %s not mined after %s", ledger.ErrTransferOutcomeUnknown, txHash, c.cfg.MaxWait)
		}
		if err := c.cfg.Sleep(ctx, c.cfg.ReceiptPollInterval); err != nil {
			return ledger.Receipt{TransferID: t.ID, TxHash: txHash},
				fmt.Errorf("%w: waiting for %s: %v", ledger.ErrTransferOutcomeUnknown, txHash, err)
		}
	}
}

func (c *EVM) settle(t ledger.Transfer, txHash common.Hash, r *types.Receipt) (ledger.Receipt, error) {
	if r == nil {
		return ledger.Receipt{TransferID: t.ID, TxHash: txHash}, fmt.Errorf("%w: nil receipt for %s", ledger.ErrTransferOutcomeUnknown, txHash)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return ledger.Receipt{TransferID: t.ID, TxHash: txHash}, fmt.Errorf("custodian: transfer %s reverted", txHash)
	}

	c.mu.Lock()
	c.done[t.ID] = txHash
	c.mu.Unlock()

	c.log.Info("payout mined", "to", t.To, "amount", t.Amount.Dec(), "txHash", txHash, "block", r.BlockNumber)
	return ledger.Receipt{TransferID: t.ID, TxHash: txHash}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ ledger.Custodian = (*EVM)(nil)
