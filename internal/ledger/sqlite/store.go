package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var ErrInvalidConfig = errors.New("ledger/sqlite: invalid config")

// Store keeps the ledger state in a single SQLite file.
type Store struct {
	db *sql.DB

	// SQLite allows one writer; serialising here avoids SQLITE_BUSY on upgrade.
	writeMu sync.Mutex
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger/sqlite: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger/sqlite: initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger/sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx ledger.ReadTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("ledger/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(&sqlTx{tx: tx})
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) CurrentEpochID(ctx context.Context) (ledger.EpochID, error) {
	var id int64
	if err := t.tx.QueryRowContext(ctx, `SELECT current_epoch_id FROM ledger_meta WHERE id = 1`).Scan(&id); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: current epoch: %w", err)
	}
	if id < 1 {
		return 0, fmt.Errorf("ledger/sqlite: invalid current epoch %d in db", id)
	}
	return ledger.EpochID(id), nil
}

func (t *sqlTx) NextSeq(ctx context.Context) (uint64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, `SELECT next_seq FROM ledger_meta WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: next seq: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("ledger/sqlite: invalid next seq %d in db", n)
	}
	return uint64(n), nil
}

func (t *sqlTx) Epoch(ctx context.Context, id ledger.EpochID) (ledger.Epoch, bool, error) {
	dbID, err := toInt64(uint64(id))
	if err != nil {
		return ledger.Epoch{}, false, err
	}
	var deposits, rewards string
	err = t.tx.QueryRowContext(ctx,
		`SELECT total_deposits, total_rewards FROM ledger_epochs WHERE epoch_id = ?`,
		dbID).Scan(&deposits, &rewards)
	if err == sql.ErrNoRows {
		return ledger.Epoch{}, false, nil
	}
	if err != nil {
		return ledger.Epoch{}, false, fmt.Errorf("ledger/sqlite: get epoch: %w", err)
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

func (t *sqlTx) Deposit(ctx context.Context, who common.Address) (ledger.Deposit, error) {
	var (
		amount  string
		epochID int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT amount, epoch_id FROM ledger_deposits WHERE identity = ?`,
		who.Bytes()).Scan(&amount, &epochID)
	if err == sql.ErrNoRows {
		return ledger.Deposit{}, nil
	}
	if err != nil {
		return ledger.Deposit{}, fmt.Errorf("ledger/sqlite: get deposit: %w", err)
	}
	return decodeDeposit(amount, epochID)
}

const pendingColumns = `identity, transfer_id, seq, deposit_amount, deposit_epoch_id, payout, tx_hash, command_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) Pending(ctx context.Context, who common.Address) (ledger.PendingWithdrawal, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM ledger_pending_withdrawals WHERE identity = ?`, who.Bytes())
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return ledger.PendingWithdrawal{}, false, nil
	}
	if err != nil {
		return ledger.PendingWithdrawal{}, false, fmt.Errorf("ledger/sqlite: get pending: %w", err)
	}
	return p, true, nil
}

func (t *sqlTx) ListEpochs(ctx context.Context) ([]ledger.Epoch, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT epoch_id, total_deposits, total_rewards FROM ledger_epochs ORDER BY epoch_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: list epochs: %w", err)
	}
	defer rows.Close()

	var out []ledger.Epoch
	for rows.Next() {
		var (
			id                int64
			deposits, rewards string
		)
		if err := rows.Scan(&id, &deposits, &rewards); err != nil {
			return nil, fmt.Errorf("ledger/sqlite: scan epoch: %w", err)
		}
		if id < 1 {
			return nil, fmt.Errorf("ledger/sqlite: invalid epoch id %d in db", id)
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
	return out, rows.Err()
}

func (t *sqlTx) ListDeposits(ctx context.Context) ([]ledger.AccountDeposit, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT identity, amount, epoch_id FROM ledger_deposits ORDER BY identity ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: list deposits: %w", err)
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
			return nil, fmt.Errorf("ledger/sqlite: scan deposit: %w", err)
		}
		if len(idRaw) != common.AddressLength {
			return nil, fmt.Errorf("ledger/sqlite: identity has %d bytes", len(idRaw))
		}
		d, err := decodeDeposit(amount, epochID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.AccountDeposit{Identity: common.BytesToAddress(idRaw), Deposit: d})
	}
	return out, rows.Err()
}

func (t *sqlTx) ListPending(ctx context.Context) ([]ledger.PendingWithdrawal, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+pendingColumns+` FROM ledger_pending_withdrawals ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: list pending: %w", err)
	}
	defer rows.Close()

	var out []ledger.PendingWithdrawal
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/sqlite: scan pending: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) SetCurrentEpochID(ctx context.Context, id ledger.EpochID) error {
	dbID, err := toInt64(uint64(id))
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE ledger_meta SET current_epoch_id = ? WHERE id = 1`, dbID); err != nil {
		return fmt.Errorf("ledger/sqlite: set current epoch: %w", err)
	}
	return nil
}

func (t *sqlTx) PutEpoch(ctx context.Context, e ledger.Epoch) error {
	dbID, err := toInt64(uint64(e.ID))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO ledger_epochs (epoch_id, total_deposits, total_rewards) VALUES (?, ?, ?)
		 ON CONFLICT (epoch_id) DO UPDATE SET total_deposits = excluded.total_deposits, total_rewards = excluded.total_rewards`,
		dbID, e.TotalDeposits.Dec(), e.TotalRewards.Dec())
	if err != nil {
		return fmt.Errorf("ledger/sqlite: put epoch: %w", err)
	}
	return nil
}

func (t *sqlTx) PutDeposit(ctx context.Context, who common.Address, d ledger.Deposit) error {
	if !d.Active() {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM ledger_deposits WHERE identity = ?`, who.Bytes()); err != nil {
			return fmt.Errorf("ledger/sqlite: delete deposit: %w", err)
		}
		return nil
	}
	epochID, err := toInt64(uint64(d.EpochID))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO ledger_deposits (identity, amount, epoch_id) VALUES (?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE SET amount = excluded.amount, epoch_id = excluded.epoch_id`,
		who.Bytes(), d.Amount.Dec(), epochID)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: put deposit: %w", err)
	}
	return nil
}

func (t *sqlTx) TakeSeq(ctx context.Context) (uint64, error) {
	n, err := t.NextSeq(ctx)
	if err != nil {
		return 0, err
	}
	if n >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: withdrawal sequence exhausted", ledger.ErrAmountOverflow)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE ledger_meta SET next_seq = ? WHERE id = 1`, int64(n+1)); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: take seq: %w", err)
	}
	return n, nil
}

func (t *sqlTx) PutPending(ctx context.Context, p ledger.PendingWithdrawal) error {
	seq, err := toInt64(p.Seq)
	if err != nil {
		return err
	}
	epochID, err := toInt64(uint64(p.Deposit.EpochID))
	if err != nil {
		return err
	}
	var txHash []byte
	if p.TxHash != (common.Hash{}) {
		txHash = p.TxHash.Bytes()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO ledger_pending_withdrawals (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE SET
			transfer_id = excluded.transfer_id,
			seq = excluded.seq,
			deposit_amount = excluded.deposit_amount,
			deposit_epoch_id = excluded.deposit_epoch_id,
			payout = excluded.payout,
			tx_hash = excluded.tx_hash,
			command_id = excluded.command_id,
			created_at = excluded.created_at`,
		p.Identity.Bytes(), p.TransferID[:], seq, p.Deposit.Amount.Dec(), epochID, p.Payout.Dec(), txHash,
		nullString(p.CommandID), createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger/sqlite: put pending: %w", err)
	}
	return nil
}

func (t *sqlTx) DeletePending(ctx context.Context, who common.Address) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM ledger_pending_withdrawals WHERE identity = ?`, who.Bytes()); err != nil {
		return fmt.Errorf("ledger/sqlite: delete pending: %w", err)
	}
	return nil
}

func scanPending(row scanner) (ledger.PendingWithdrawal, error) {
	var (
		idRaw, transferRaw, txHashRaw []byte
		seq, epochID                  int64
		amount, payout, createdAt     string
		commandID                     sql.NullString
	)
	if err := row.Scan(&idRaw, &transferRaw, &seq, &amount, &epochID, &payout, &txHashRaw, &commandID, &createdAt); err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	if len(idRaw) != common.AddressLength || len(transferRaw) != 32 {
		return ledger.PendingWithdrawal{}, fmt.Errorf("ledger/sqlite: malformed pending row")
	}
	if seq < 1 {
		return ledger.PendingWithdrawal{}, fmt.Errorf("ledger/sqlite: invalid seq %d in db", seq)
	}
	d, err := decodeDeposit(amount, epochID)
	if err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	p := ledger.PendingWithdrawal{
		Seq:       uint64(seq),
		Identity:  common.BytesToAddress(idRaw),
		Deposit:   d,
		CommandID: commandID.String,
	}
	copy(p.TransferID[:], transferRaw)
	if p.Payout, err = parseAmount(payout); err != nil {
		return ledger.PendingWithdrawal{}, err
	}
	if len(txHashRaw) > 0 {
		p.TxHash = common.BytesToHash(txHashRaw)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return ledger.PendingWithdrawal{}, fmt.Errorf("ledger/sqlite: invalid created_at %q: %w", createdAt, err)
	}
	return p, nil
}

const commandColumns = `command_id, op, caller, state, amount, epoch_id, transfer_id, tx_hash, err_kind, message, recorded_at`

func (t *sqlTx) Command(ctx context.Context, id string) (ledger.CommandRecord, bool, error) {
	var (
		op, state, amount, errKind, message, recordedAt string
		callerRaw, transferRaw, txHashRaw               []byte
		epochID                                         int64
		rec                                             ledger.CommandRecord
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM ledger_commands WHERE command_id = ?`, id).
		Scan(&rec.ID, &op, &callerRaw, &state, &amount, &epochID, &transferRaw, &txHashRaw, &errKind, &message, &recordedAt)
	if err == sql.ErrNoRows {
		return ledger.CommandRecord{}, false, nil
	}
	if err != nil {
		return ledger.CommandRecord{}, false, fmt.Errorf("ledger/sqlite: get command: %w", err)
	}
	if len(callerRaw) != common.AddressLength || epochID < 0 {
		return ledger.CommandRecord{}, false, fmt.Errorf("ledger/sqlite: malformed command row %s", id)
	}
	rec.Op = ledger.CommandOp(op)
	rec.Caller = common.BytesToAddress(callerRaw)
	if rec.State, err = ledger.ParseCommandState(state); err != nil {
		return ledger.CommandRecord{}, false, err
	}
	if rec.Amount, err = parseAmount(amount); err != nil {
		return ledger.CommandRecord{}, false, err
	}
	rec.EpochID = ledger.EpochID(epochID)
	if len(transferRaw) == 32 {
		copy(rec.TransferID[:], transferRaw)
	}
	if len(txHashRaw) > 0 {
		rec.TxHash = common.BytesToHash(txHashRaw)
	}
	rec.ErrKind, rec.Message = errKind, message
	if rec.At, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return ledger.CommandRecord{}, false, fmt.Errorf("ledger/sqlite: invalid recorded_at %q: %w", recordedAt, err)
	}
	return rec, true, nil
}

func (t *sqlTx) PutCommand(ctx context.Context, rec ledger.CommandRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty command id", ledger.ErrInvalidCommand)
	}
	epochID, err := toInt64(uint64(rec.EpochID))
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
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO ledger_commands (`+commandColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (command_id) DO UPDATE SET
			state = excluded.state,
			amount = excluded.amount,
			epoch_id = excluded.epoch_id,
			transfer_id = excluded.transfer_id,
			tx_hash = excluded.tx_hash,
			err_kind = excluded.err_kind,
			message = excluded.message`,
		rec.ID, string(rec.Op), rec.Caller.Bytes(), rec.State.String(), rec.Amount.Dec(), epochID,
		transferID, txHash, rec.ErrKind, rec.Message, rec.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger/sqlite: put command: %w", err)
	}
	return nil
}

func (t *sqlTx) Fence(ctx context.Context, token int64) error {
	var mark int64
	if err := t.tx.QueryRowContext(ctx, `SELECT writer_token FROM ledger_meta WHERE id = 1`).Scan(&mark); err != nil {
		return fmt.Errorf("ledger/sqlite: writer token: %w", err)
	}
	if token < mark {
		return fmt.Errorf("%w: token %d, store at %d", ledger.ErrFenced, token, mark)
	}
	if token == mark {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE ledger_meta SET writer_token = ? WHERE id = 1`, token); err != nil {
		return fmt.Errorf("ledger/sqlite: set writer token: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func decodeDeposit(amount string, epochID int64) (ledger.Deposit, error) {
	if epochID < 1 {
		return ledger.Deposit{}, fmt.Errorf("ledger/sqlite: invalid deposit epoch %d in db", epochID)
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
		return uint256.Int{}, fmt.Errorf("ledger/sqlite: invalid amount %q in db: %w", s, err)
	}
	return *v, nil
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: value %d too large for sqlite integer", ledger.ErrAmountOverflow, v)
	}
	return int64(v), nil
}

var _ ledger.Store = (*Store)(nil)
