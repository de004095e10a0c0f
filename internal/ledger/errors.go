package ledger

import "errors"

var (
	ErrZeroAmount           = errors.New("ledger: amount must be > 0")
	ErrDepositAlreadyActive = errors.New("ledger: deposit already active")
	ErrUnauthorized         = errors.New("ledger: caller is not the administrator")
	ErrEmptyPool            = errors.New("ledger: current epoch has no deposits")
	ErrNoActiveDeposit      = errors.New("ledger: no active deposit")
	ErrTransferFailed       = errors.New("ledger: transfer failed")
	ErrEpochNotFound        = errors.New("ledger: epoch not found")

	ErrWithdrawalPending = errors.New("ledger: withdrawal in flight")
	ErrAmountOverflow    = errors.New("ledger: amount overflow")
	ErrInvalidConfig     = errors.New("ledger: invalid config")
	ErrInvalidCommand    = errors.New("ledger: invalid command")

	// ErrFenced is returned by a write from a process whose writer lease was
	// taken over by a newer holder.
	ErrFenced = errors.New("ledger: writer fenced by a newer lease holder")

	// ErrTransferOutcomeUnknown is returned by custodians when a transfer may
	// or may not have been delivered (for example broadcast but never mined).
	ErrTransferOutcomeUnknown = errors.New("ledger: transfer outcome unknown")
)

// Error kinds are stable identifiers for transports.
const (
	KindZeroAmount           = "zero_amount"
	KindDepositAlreadyActive = "deposit_already_active"
	KindUnauthorized         = "unauthorized"
	KindEmptyPool            = "empty_pool"
	KindNoActiveDeposit      = "no_active_deposit"
	KindTransferFailed       = "transfer_failed"
	KindEpochNotFound        = "epoch_not_found"
	KindWithdrawalPending    = "withdrawal_pending"
	KindAmountOverflow       = "amount_overflow"
	KindInternal             = "internal"
)

// ErrorKind maps err to its kind. It returns "" for a nil error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrZeroAmount):
		return KindZeroAmount
	case errors.Is(err, ErrDepositAlreadyActive):
		return KindDepositAlreadyActive
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrEmptyPool):
		return KindEmptyPool
	case errors.Is(err, ErrNoActiveDeposit):
		return KindNoActiveDeposit
	case errors.Is(err, ErrTransferFailed):
		return KindTransferFailed
	case errors.Is(err, ErrEpochNotFound):
		return KindEpochNotFound
	case errors.Is(err, ErrWithdrawalPending):
		return KindWithdrawalPending
	case errors.Is(err, ErrAmountOverflow):
		return KindAmountOverflow
	default:
		return KindInternal
	}
}
