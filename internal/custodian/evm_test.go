package custodian

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
)

const devKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip *big.Int
	baseFee    *big.Int

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	sendHook func(tx *types.Transaction) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// mine makes every sent tx mined with status.
func (b *fakeBackend) mine(status uint64) {
	b.sendHook = func(tx *types.Transaction) error {
		b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: status, BlockNumber: big.NewInt(1)}
		return nil
	}
}

func newTestEVM(t *testing.T, b *fakeBackend) (*EVM, *LocalSigner) {
	t.Helper()

	key, err := crypto.HexToECDSA(devKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	s := NewLocalSigner(key)
	clock := &fakeClock{now: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}
	c, err := NewEVM(b, s, EVMConfig{
		ChainID:             big.NewInt(8453),
		MinTipCap:           big.NewInt(5),
		ReceiptPollInterval: time.Second,
		MaxWait:             10 * time.Second,
		Now:                 clock.Now,
		Sleep:               clock.Sleep,
	})
	if err != nil {
		t.Fatalf("NewEVM: %v", err)
	}
	return c, s
}

func testTransfer(id byte, amount uint64) ledger.Transfer {
	return ledger.Transfer{
		ID:     [32]byte{id},
		To:     common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1"),
		Amount: *uint256.NewInt(amount),
	}
}

func TestNewEVM_Validates(t *testing.T) {
	t.Parallel()

	key, _ := crypto.HexToECDSA(devKeyHex)
	s := NewLocalSigner(key)
	cases := []EVMConfig{
		{ReceiptPollInterval: time.Second, MaxWait: time.Second},
		{ChainID: big.NewInt(1), MaxWait: time.Second},
		{ChainID: big.NewInt(1), ReceiptPollInterval: time.Second},
		{ChainID: big.NewInt(1), ReceiptPollInterval: time.Second, MaxWait: time.Second, MinTipCap: big.NewInt(-1)},
	}
	for i, cfg := range cases {
		if _, err := NewEVM(newFakeBackend(), s, cfg); !errors.Is(err, ErrInvalidEVMConfig) {
			t.Fatalf("case %d: expected ErrInvalidEVMConfig, got %v", i, err)
		}
	}
	if _, err := NewEVM(newFakeBackend(), NewLocalSigner(nil), EVMConfig{ChainID: big.NewInt(1), ReceiptPollInterval: time.Second, MaxWait: time.Second}); !errors.Is(err, ErrInvalidEVMConfig) {
		t.Fatalf("expected ErrInvalidEVMConfig for empty signer, got %v", err)
	}
}

func TestEVM_DebitSendsValueTransferAndWaitsForReceipt(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.pendingNonce = 4
	b.mine(types.ReceiptStatusSuccessful)
	c, s := newTestEVM(t, b)

	tr := testTransfer(1, 1_000)
	r, err := c.Debit(context.Background(), tr)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("sent: got %d want 1", len(b.sent))
	}
	tx := b.sent[0]
	if r.TxHash != tx.Hash() || r.TransferID != tr.ID {
		t.Fatalf("receipt mismatch: %+v", r)
	}
	if tx.Nonce() != 4 {
		t.Fatalf("nonce: got %d want 4", tx.Nonce())
	}
	if tx.Gas() != 21_000 {
		t.Fatalf("gas: got %d want 21000", tx.Gas())
	}
	if tx.Value().Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("value: got %s", tx.Value())
	}
	if *tx.To() != tr.To {
		t.Fatalf("to: got %s want %s", tx.To(), tr.To)
	}
	// tip = max(2, 5), feeCap = 2*100 + 5.
	if tx.GasTipCap().Cmp(big.NewInt(5)) != 0 || tx.GasFeeCap().Cmp(big.NewInt(205)) != 0 {
		t.Fatalf("fees: tip=%s fee=%s", tx.GasTipCap(), tx.GasFeeCap())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("from: got %s want %s", from, s.Address())
	}

	// Same transfer id again: no second payment.
	r2, err := c.Debit(context.Background(), tr)
	if err != nil {
		t.Fatalf("Debit #2: %v", err)
	}
	if r2.TxHash != r.TxHash || len(b.sent) != 1 {
		t.Fatalf("expected idempotent debit, sent=%d", len(b.sent))
	}

	// Nonces are reserved locally.
	if _, err := c.Debit(context.Background(), testTransfer(2, 5)); err != nil {
		t.Fatalf("Debit #3: %v", err)
	}
	if b.sent[1].Nonce() != 5 || b.nonceCalls != 1 {
		t.Fatalf("nonce reuse: nonce=%d calls=%d", b.sent[1].Nonce(), b.nonceCalls)
	}
}

func TestEVM_RevertedReceiptIsDefiniteFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.mine(types.ReceiptStatusFailed)
	c, _ := newTestEVM(t, b)

	_, err := c.Debit(context.Background(), testTransfer(1, 10))
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ledger.ErrTransferOutcomeUnknown) {
		t.Fatalf("reverted transfer reported as unknown: %v", err)
	}
}

func TestEVM_UnminedIsUnknownAndReplayChecksPriorTx(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	c, _ := newTestEVM(t, b)

	tr := testTransfer(1, 10)
	r, err := c.Debit(context.Background(), tr)
	if !errors.Is(err, ledger.ErrTransferOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if len(b.sent) != 1 || r.TxHash != b.sent[0].Hash() {
		t.Fatalf("unknown outcome must carry the broadcast hash")
	}

	replay := tr
	replay.Replay = true
	replay.PriorTxHash = r.TxHash

	// Still pending: nothing is re-sent.
	if _, err := c.Debit(context.Background(), replay); !errors.Is(err, ledger.ErrTransferOutcomeUnknown) {
		t.Fatalf("expected unknown outcome on replay, got %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("replay re-sent a pending transfer")
	}

	b.mu.Lock()
	b.receipts[r.TxHash] = &types.Receipt{TxHash: r.TxHash, Status: types.ReceiptStatusSuccessful}
	b.mu.Unlock()

	got, err := c.Debit(context.Background(), replay)
	if err != nil {
		t.Fatalf("Debit replay: %v", err)
	}
	if got.TxHash != r.TxHash {
		t.Fatalf("replay hash: got %s want %s", got.TxHash, r.TxHash)
	}
}

func TestEVM_SendErrorIsUnknownAndResetsNonce(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendHook = func(*types.Transaction) error { return errors.New("connection reset") }
	c, _ := newTestEVM(t, b)

	r, err := c.Debit(context.Background(), testTransfer(1, 10))
	if !errors.Is(err, ledger.ErrTransferOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if r.TxHash == (common.Hash{}) {
		t.Fatalf("expected tx hash on unknown outcome")
	}

	b.mine(types.ReceiptStatusSuccessful)
	if _, err := c.Debit(context.Background(), testTransfer(2, 10)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if b.nonceCalls != 2 {
		t.Fatalf("PendingNonceAt calls: got %d want 2", b.nonceCalls)
	}
}

func TestEVM_ReplayWithoutJournaledHashIsUnknown(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.mine(types.ReceiptStatusSuccessful)
	c, _ := newTestEVM(t, b)

	tr := testTransfer(3, 10)
	tr.Replay = true
	if _, err := c.Debit(context.Background(), tr); !errors.Is(err, ledger.ErrTransferOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if len(b.sent) != 0 {
		t.Fatalf("replay without a journaled hash sent %d txs", len(b.sent))
	}
}

func TestEVM_JournalsHashBeforeSend(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.mine(types.ReceiptStatusSuccessful)
	c, _ := newTestEVM(t, b)

	var journaled []common.Hash
	tr := testTransfer(4, 10)
	tr.Journal = func(_ context.Context, h common.Hash) error {
		b.mu.Lock()
		sent := len(b.sent)
		b.mu.Unlock()
		if sent != 0 {
			t.Errorf("journal called after broadcast")
		}
		journaled = append(journaled, h)
		return nil
	}
	r, err := c.Debit(context.Background(), tr)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if len(journaled) != 1 || journaled[0] != r.TxHash {
		t.Fatalf("journaled %v, receipt %s", journaled, r.TxHash)
	}

	failing := testTransfer(5, 10)
	failing.Journal = func(context.Context, common.Hash) error { return errors.New("disk full") }
	_, err = c.Debit(context.Background(), failing)
	if err == nil || errors.Is(err, ledger.ErrTransferOutcomeUnknown) {
		t.Fatalf("expected definite failure when journaling fails, got %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("tx sent despite journal failure: %d", len(b.sent))
	}
}

func TestEVM_RecoverAfterRestartDoesNotPayTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice := common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")

	// The tx is mined but the process dies before seeing the receipt.
	b := newFakeBackend()
	b.sendHook = func(tx *types.Transaction) error {
		b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		return context.Canceled
	}
	store := ledger.NewMemoryStore()

	first, _ := newTestEVM(t, b)
	l1, err := ledger.New(ledger.Config{Administrator: admin}, store, first)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if _, err := l1.Deposit(ctx, alice, *uint256.NewInt(300)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := l1.Withdraw(ctx, alice); !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	pending, err := l1.PendingWithdrawals(ctx)
	if err != nil {
		t.Fatalf("PendingWithdrawals: %v", err)
	}
	if len(pending) != 1 || pending[0].TxHash != b.sent[0].Hash() {
		t.Fatalf("pending record lacks the broadcast hash: %+v", pending)
	}

	second, _ := newTestEVM(t, b)
	l2, err := ledger.New(ledger.Config{Administrator: admin}, store, second)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	rep, err := l2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Completed != 1 || len(b.sent) != 1 {
		t.Fatalf("report=%+v sent=%d", rep, len(b.sent))
	}
}

func TestEVM_RecoverLeavesUnjournaledWithdrawalPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice := common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	amt := *uint256.NewInt(300)

	store, err := ledger.NewMemoryStoreFromSnapshot(ledger.Snapshot{
		CurrentEpochID: 1,
		Epochs:         []ledger.Epoch{{ID: 1, TotalDeposits: amt}},
		Pending: []ledger.PendingWithdrawal{{
			TransferID: [32]byte{9},
			Seq:        1,
			Identity:   alice,
			Deposit:    ledger.Deposit{Amount: amt, EpochID: 1},
			Payout:     amt,
		}},
	})
	if err != nil {
		t.Fatalf("NewMemoryStoreFromSnapshot: %v", err)
	}

	b := newFakeBackend()
	b.mine(types.ReceiptStatusSuccessful)
	c, _ := newTestEVM(t, b)
	l, err := ledger.New(ledger.Config{Administrator: admin}, store, c)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	rep, err := l.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Unresolved != 1 || len(b.sent) != 0 {
		t.Fatalf("report=%+v sent=%d", rep, len(b.sent))
	}
}

func TestDynamicFees_FloorAndHeadroom(t *testing.T) {
	t.Parallel()

	q, err := dynamicFees(big.NewInt(100), big.NewInt(2), big.NewInt(5))
	if err != nil {
		t.Fatalf("dynamicFees: %v", err)
	}
	if q.TipCap.Cmp(big.NewInt(5)) != 0 || q.FeeCap.Cmp(big.NewInt(205)) != 0 {
		t.Fatalf("got tip=%s fee=%s", q.TipCap, q.FeeCap)
	}

	q, err = dynamicFees(big.NewInt(10), big.NewInt(7), big.NewInt(1))
	if err != nil || q.TipCap.Cmp(big.NewInt(7)) != 0 || q.FeeCap.Cmp(big.NewInt(27)) != 0 {
		t.Fatalf("suggested tip above floor: %+v %v", q, err)
	}

	if _, err := dynamicFees(big.NewInt(-1), big.NewInt(0), big.NewInt(0)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("expected ErrInvalidFeeArgs, got %v", err)
	}
	if _, err := dynamicFees(big.NewInt(1), nil, big.NewInt(0)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("expected ErrInvalidFeeArgs for nil tip, got %v", err)
	}
}
