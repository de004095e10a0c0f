package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

// Store keeps the ledger state in Postgres. Amounts are NUMERIC(78,0) and
// travel as decimal text. Every Update locks the singleton meta row, which
// serialises writers across processes and guards the writer token.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int16
	if err := tx.QueryRow(ctx, `SELECT id FROM ledger_meta WHERE id = 1 FOR UPDATE`).Scan(&one); err != nil {
		return fmt.Errorf("ledger/postgres: lock meta: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx ledger.ReadTx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	return fn(&pgTx{tx: tx})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CurrentEpochID(ctx context.Context) (ledger.EpochID, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, `SELECT current_epoch_id FROM ledger_meta WHERE id = 1`).Scan(&id); err != nil {
		return 0, fmt.Errorf("ledger/postgres: current epoch: %w", err)
	}
	if id < 1 {
		return 0, fmt.Errorf("ledger/postgres: invalid current epoch %d in db", id)
	}
	return ledger.EpochID(id), nil
}

func (t *pgTx) NextSeq(ctx context.Context) (uint64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT next_seq FROM ledger_meta WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger/postgres: next seq: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("ledger/postgres: invalid next seq %d in db", n)
	}
	return uint64(n), nil
}

func (t *pgTx) Epoch(ctx context.Context, id ledger.EpochID) (ledger.Epoch, bool, error) {
	dbID, err := toBigint(uint64(id))
	if err != nil {
		return ledger.Epoch{}, false, err
	}
	var deposits, rewards string
	err = t.tx.QueryRow(ctx, `
		SELECT total_deposits::text, total_rewards::text
		FROM ledger_epochs
		WHERE epoch_id = $1
	`, dbID).Scan(&deposits, &rewards)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Epoch{}, false, nil
		}
		return ledger.Epoch{}, false, fmt.Errorf("ledger/postgres: get epoch: %w", err)
	}
	e := ledger.Epoch{ID: id}
	if e.TotalDeposits, err = parseAmount(deposits); err != nil {
		return ledger.Epoch{}, false, err
	}
	if e.TotalRewards, err = parseAmount(rewards); err != nil {
		return ledger.Epoch{}, false, err
	}
	return e, true, nil
}

func (t *pgTx) Deposit(ctx context.Context, who common.Address) (ledger.Deposit, error) {
	var (
		amount  string
		epochID int64
	)
	err := t.tx.QueryRow(ctx, `
		SELECT amount::text, epoch_id
		FROM ledger_deposits
		WHERE identity = $1
	`, who.Bytes()).Scan(&amount, &epochID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Deposit{}, nil
		}
		return ledger.Deposit{}, fmt.Errorf("ledger/postgres: get deposit: %w", err)
	}
	return decodeDeposit(amount, epochID)
}

const pendingColumns = `identity, transfer_id, seq, deposit_amount::text, deposit_epoch_id, payout::text, tx_hash, command_id, created_at`

func (t *pgTx) Pending(ctx context.Context, who common.Address) (ledger.PendingWithdrawal, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pendingColumns+` FROM ledger_pending_withdrawals WHERE identity = $1`, who.Bytes())
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.PendingWithdrawal{}, false, nil
		}
		return ledger.PendingWithdrawal{}, false, fmt.Errorf("ledger/postgres: get pending: %w", err)
	}
	return p, true, nil
}

func (t *pgTx) ListEpochs(ctx context.Context) ([]ledger.Epoch, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT epoch_id, total_deposits::text, total_rewards::text
		FROM ledger_epochs
		ORDER BY epoch_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list epochs: %w", err)
	}
	defer rows.Close()

	var out []ledger.Epoch
	for rows.Next() {
		var (
			id                int64
			deposits, rewards string
		)
		if err := rows.Scan(&id, &deposits, &rewards); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan epoch: %w", err)
		}
		if id < 1 {
			return nil, fmt.Errorf("ledger/postgres: invalid epoch id %d in db", id)
		}
		e := ledger.Epoch{ID: ledger.EpochID(id)}
		if e.TotalDeposits, err = parseAmount(deposits); err != nil {
			return nil, err
		}
		if e.TotalRewards, err = parseAmount(rewards); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list epochs: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListDeposits(ctx context.Context) ([]ledger.AccountDeposit, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT identity, amount::text, epoch_id
		FROM ledger_deposits
		ORDER BY identity ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list deposits: %w", err)
	}
	defer rows.Close()

	var out []ledger.AccountDeposit
	for rows.Next() {
		var (
			idRaw   []byte
			amount  string
			epochID int64
		)
		if err := rows.Scan(&idRaw, &amount, &epochID); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan deposit: %w", err)
		}
		who, err := toAddress(idRaw)
		if err != nil {
			return nil, err
		}
		d, err := decodeDeposit(amount, epochID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.AccountDeposit{Identity: who, Deposit: d})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list deposits: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListPending(ctx context.Context) ([]ledger.PendingWithdrawal, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+pendingColumns+` FROM ledger_pending_withdrawals ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []ledger.PendingWithdrawal
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan pending: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list pending: %w", err)
	}
	return out, nil
}

func (t *pgTx) SetCurrentEpochID(ctx context.Context, id ledger.EpochID) error {
	dbID, err := toBigint(uint64(id))
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `UPDATE ledger_meta SET current_epoch_id = $1, updated_at = now() WHERE id = 1`, dbID); err != nil {
		return fmt.Errorf("ledger/postgres: set current epoch: %w", err)
	}
	return nil
}

func (t *pgTx) PutEpoch(ctx context.Context, e ledger.Epoch) error {
	dbID, err := toBigint(uint64(e.ID))
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ledger_epochs (epoch_id, total_deposits, total_rewards, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, now())
		ON CONFLICT (epoch_id) DO UPDATE
		SET total_deposits = EXCLUDED.total_deposits,
			total_rewards = EXCLUDED.total_rewards,
			updated_at = now()
	`, dbID, e.TotalDeposits.Dec(), e.TotalRewards.Dec())
	if err != nil {
		return fmt.Errorf("ledger/postgres: put epoch: %w", err)
	}
	return nil
}

func (t *pgTx) PutDeposit(ctx context.Context, who common.Address, d ledger.Deposit) error {
	if !d.Active() {
		if _, err := t.tx.Exec(ctx, `DELETE FROM ledger_deposits WHERE identity = $1`, who.Bytes()); err != nil {
			return fmt.Errorf("ledger/postgres: delete deposit: %w", err)
		}
		return nil
	}
	epochID, err := toBigint(uint64(d.EpochID))
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ledger_deposits (identity, amount, epoch_id, created_at)
		VALUES ($1, $2::numeric, $3, now())
		ON CONFLICT (identity) DO UPDATE
		SET amount = EXCLUDED.amount, epoch_id = EXCLUDED.epoch_id, created_at = now()
	`, who.Bytes(), d.Amount.Dec(), epochID)
	if err != nil {
		return fmt.Errorf("ledger/postgres: put deposit: %w", err)
	}
	return nil
}

func (t *pgTx) TakeSeq(ctx context.Context) (uint64, error) {
	var next int64
	err := t.tx.QueryRow(ctx, `
		UPDATE ledger_meta SET next_seq = next_seq + 1, updated_at = now()
		WHERE id = 1
		RETURNING next_seq - 1
	`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: take seq: %w", err)
	}
	return uint64(next), nil
}

func (t *pgTx) PutPending(ctx context.Context, p ledger.PendingWithdrawal) error {
	seq, err := toBigint(p.Seq)
	if err != nil {
		return err
	}
	epochID, err := toBigint(uint64(p.Deposit.EpochID))
	if err != nil {
		return err
	}
	var txHash []byte
	if p.TxHash != (common.Hash{}) {
		txHash = p.TxHash.Bytes()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ledger_pending_withdrawals (
			identity, transfer_id, seq, deposit_amount, deposit_epoch_id, payout, tx_hash, command_id, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7, $8, $9)
		ON CONFLICT (identity) DO UPDATE
		SET transfer_id = EXCLUDED.transfer_id,
			seq = EXCLUDED.seq,
			deposit_amount = EXCLUDED.deposit_amount,
			deposit_epoch_id = EXCLUDED.deposit_epoch_id,
			payout = EXCLUDED.payout,
			tx_hash = EXCLUDED.tx_hash,
			command_id = EXCLUDED.command_id,
			created_at = EXCLUDED.created_at
	`, p.Identity.Bytes(), p.TransferID[:], seq, p.Deposit.Amount.Dec(), epochID, p.Payout.Dec(), txHash, nullText(p.CommandID), createdAt)
	if err != nil {
		return fmt.Errorf("ledger/postgres: put pending: %w", err)
	}
	return nil
}

func (t *pgTx) DeletePending(ctx context.Context, who common.Address) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM ledger_pending_withdrawals WHERE identity = $1`, who.Bytes()); err != nil {
		return fmt.Errorf("ledger/postgres: delete pending: %w", err)
	}
	return nil
}

func scanPending(row pgx.Row) (ledger.PendingWithdrawal, error) {
	var (
		idRaw, transferRaw, txHashRaw []byte
		seq, epochID                  int64
		amount, payout                string
		commandID                     *string
		createdAt                     time.Time
	)
	if err := row.Scan(&idRaw, &transferRaw, &seq, &amount, &epochID, &payout, &txHashRaw, &commandID, &createdAt); err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	who, err := toAddress(idRaw)
	if err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	transferID, err := to32(transferRaw)
	if err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	if seq < 1 {
		return ledger.PendingWithdrawal{}, fmt.Errorf("ledger/postgres: invalid seq %d in db", seq)
	}
	d, err := decodeDeposit(amount, epochID)
	if err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	p := ledger.PendingWithdrawal{
		TransferID: transferID,
		Seq:        uint64(seq),
		Identity:   who,
		Deposit:    d,
		CreatedAt:  createdAt.UTC(),
	}
	if commandID != nil {
		p.CommandID = *commandID
	}
	if p.Payout, err = parseAmount(payout); err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	if txHashRaw != nil {
		h, err := to32(txHashRaw)
		if err != nil {
			return ledger.PendingWithdrawal{}, err
		}
		p.TxHash = common.Hash(h)
	}
	return p, nil
}

func (t *pgTx) Command(ctx context.Context, id string) (ledger.CommandRecord, bool, error) {
	var (
		op, state, amount, errKind, message string
		callerRaw, transferRaw, txHashRaw   []byte
		epochID                             int64
		recordedAt                          time.Time
	)
	err := t.tx.QueryRow(ctx, `
		SELECT op, caller, state, amount::text, epoch_id, transfer_id, tx_hash, err_kind, message, recorded_at
		FROM ledger_commands
		WHERE command_id = $1
	`, id).Scan(&op, &callerRaw, &state, &amount, &epochID, &transferRaw, &txHashRaw, &errKind, &message, &recordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.CommandRecord{}, false, nil
		}
		return ledger.CommandRecord{}, false, fmt.Errorf("ledger/postgres: get command: %w", err)
	}
	caller, err := toAddress(callerRaw)
	if err != nil {
		return ledger.CommandRecord{}, false, err
	}
	if epochID < 0 {
		return ledger.CommandRecord{}, false, fmt.Errorf("ledger/postgres: invalid command epoch %d in db", epochID)
	}
	rec := ledger.CommandRecord{
		ID:      id,
		Op:      ledger.CommandOp(op),
		Caller:  caller,
		EpochID: ledger.EpochID(epochID),
		ErrKind: errKind,
		Message: message,
		At:      recordedAt.UTC(),
	}
	if rec.State, err = ledger.ParseCommandState(state); err != nil {
		return ledger.CommandRecord{}, false, err
	}
	if rec.Amount, err = parseAmount(amount); err != nil {
		return ledger.CommandRecord{}, false, err
	}
	if transferRaw != nil {
		if rec.TransferID, err = to32(transferRaw); err != nil {
			return ledger.CommandRecord{}, false, err
		}
	}
	if txHashRaw != nil {
		h, err := to32(txHashRaw)
		if err != nil {
			return ledger.CommandRecord{}, false, err
		}
		rec.TxHash = common.Hash(h)
	}
	return rec, true, nil
}

func (t *pgTx) PutCommand(ctx context.Context, rec ledger.CommandRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty command id", ledger.ErrInvalidCommand)
	}
	epochID, err := toBigint(uint64(rec.EpochID))
	if err != nil {
		return err
	}
	var transferID, txHash []byte
	if rec.TransferID != ([32]byte{}) {
		transferID = rec.TransferID[:]
	}
	if rec.TxHash != (common.Hash{}) {
		txHash = rec.TxHash.Bytes()
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ledger_commands (
			command_id, op, caller, state, amount, epoch_id, transfer_id, tx_hash, err_kind, message, recorded_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (command_id) DO UPDATE
		SET state = EXCLUDED.state,
			amount = EXCLUDED.amount,
			epoch_id = EXCLUDED.epoch_id,
			transfer_id = EXCLUDED.transfer_id,
			tx_hash = EXCLUDED.tx_hash,
			err_kind = EXCLUDED.err_kind,
			message = EXCLUDED.message
	`, rec.ID, string(rec.Op), rec.Caller.Bytes(), rec.State.String(), rec.Amount.Dec(), epochID,
		transferID, txHash, rec.ErrKind, rec.Message, rec.At.UTC())
	if err != nil {
		return fmt.Errorf("ledger/postgres: put command: %w", err)
	}
	return nil
}

// Fence relies on the meta row lock taken by Update.
func (t *pgTx) Fence(ctx context.Context, token int64) error {
	var mark int64
	if err := t.tx.QueryRow(ctx, `SELECT writer_token FROM ledger_meta WHERE id = 1`).Scan(&mark); err != nil {
		return fmt.Errorf("ledger/postgres: writer token: %w", err)
	}
	if token < mark {
		return fmt.Errorf("%w: token %d, store at %d", ledger.ErrFenced, token, mark)
	}
	if token == mark {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `UPDATE ledger_meta SET writer_token = $1, updated_at = now() WHERE id = 1`, token); err != nil {
		return fmt.Errorf("ledger/postgres: set writer token: %w", err)
	}
	return nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decodeDeposit(amount string, epochID int64) (ledger.Deposit, error) {
	if epochID < 1 {
		return ledger.Deposit{}, fmt.Errorf("ledger/postgres: invalid deposit epoch %d in db", epochID)
	}
	a, err := parseAmount(amount)
	if err != nil {
		return ledger.Deposit{}, err
	}
	return ledger.Deposit{Amount: a, EpochID: ledger.EpochID(epochID)}, nil
}

func parseAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("ledger/postgres: invalid amount %q in db: %w", s, err)
	}
	return *v, nil
}

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: value %d too large for bigint", ledger.ErrAmountOverflow, v)
	}
	return int64(v), nil
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("ledger/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("ledger/postgres: expected %d bytes, got %d", common.AddressLength, len(b))
	}
	return common.BytesToAddress(b), nil
}

var _ ledger.Store = (*Store)(nil)
