// Package ledgerapi serves the ledger over HTTP for an upstream gateway that
// has already authenticated the caller and passes its address in
// X-Caller-Address.
package ledgerapi

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	HeaderCaller    = "X-Caller-Address"
	HeaderRequestID = "X-Request-Id"

	maxRequestIDLen = 128
)

var ErrInvalidConfig = errors.New("ledgerapi: invalid config")

// Service is the ledger surface the handler exposes.
type Service interface {
	Deposit(ctx context.Context, caller common.Address, amount uint256.Int) (ledger.Deposit, error)
	AddRewards(ctx context.Context, caller common.Address, amount uint256.Int) (ledger.EpochID, error)
	Withdraw(ctx context.Context, caller common.Address) (ledger.Withdrawal, error)

	GetDeposit(ctx context.Context, who common.Address) (ledger.Deposit, error)
	GetEpoch(ctx context.Context, id ledger.EpochID) (ledger.Epoch, error)
	CurrentEpochID(ctx context.Context) (ledger.EpochID, error)
	PendingWithdrawals(ctx context.Context) ([]ledger.PendingWithdrawal, error)
}

type Config struct {
	// AuthToken enables bearer-token auth on every route except /healthz.
	AuthToken string

	// MaxBodyBytes defaults to 64 KiB.
	MaxBodyBytes int64

	// RequestTimeout bounds mutating calls, which may wait on a transfer.
	// Defaults to 5m.
	RequestTimeout time.Duration

	// Per-caller token bucket applied to mutating routes. Zero disables it.
	RateLimitPerSecond float64
	RateLimitBurst     int
	RateLimitMaxKeys   int

	Log *slog.Logger
	Now func() time.Time
}

type handler struct {
	cfg     Config
	svc     Service
	limiter *rateLimiter
	log     *slog.Logger
}

func NewHandler(cfg Config, svc Service) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.RateLimitPerSecond < 0 || cfg.RateLimitBurst < 0 || cfg.RateLimitMaxKeys < 0 {
		return nil, fmt.Errorf("%w: rate limit settings must be >= 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &handler{cfg: cfg, svc: svc, log: cfg.Log}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		maxKeys := cfg.RateLimitMaxKeys
		if maxKeys <= 0 {
			maxKeys = 10_000
		}
		h.limiter = newRateLimiter(cfg.RateLimitPerSecond, float64(burst), maxKeys)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/epochs/current", h.handleCurrentEpoch)
	mux.HandleFunc("GET /v1/epochs/{id}", h.handleEpoch)
	mux.HandleFunc("GET /v1/deposits/{identity}", h.handleGetDeposit)
	mux.HandleFunc("GET /v1/withdrawals/pending", h.handlePending)
	mux.HandleFunc("POST /v1/deposits", h.handleDeposit)
	mux.HandleFunc("POST /v1/rewards", h.handleAddRewards)
	mux.HandleFunc("POST /v1/withdrawals", h.handleWithdraw)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRequestID, requestID(r))
		if r.URL.Path != "/healthz" && cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CurrentEpochID(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	e, err := h.svc.GetEpoch(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, epochBody(e))
}

func (h *handler) handleEpoch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_epoch_id")
		return
	}
	e, err := h.svc.GetEpoch(r.Context(), ledger.EpochID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, epochBody(e))
}

func (h *handler) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("identity")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_identity")
		return
	}
	who := common.HexToAddress(raw)
	d, err := h.svc.GetDeposit(r.Context(), who)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositBody(who, d))
}

func (h *handler) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.PendingWithdrawals(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		pr := pendingResponse{
			TransferID: "0x" + hex.EncodeToString(p.TransferID[:]),
			Seq:        p.Seq,
			Identity:   p.Identity.Hex(),
			Deposit:    p.Deposit.Amount.Dec(),
			EpochID:    uint64(p.Deposit.EpochID),
			Payout:     p.Payout.Dec(),
			CreatedAt:  p.CreatedAt.UTC(),
		}
		if p.TxHash != (common.Hash{}) {
			pr.TxHash = p.TxHash.Hex()
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := h.mutation(w, r, true)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	d, err := h.svc.Deposit(ctx, caller, amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositBody(caller, d))
}

func (h *handler) handleAddRewards(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := h.mutation(w, r, true)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	id, err := h.svc.AddRewards(ctx, caller, amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"epochId": uint64(id),
		"amount":  amount.Dec(),
	})
}

func (h *handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _, ok := h.mutation(w, r, false)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	wd, err := h.svc.Withdraw(ctx, caller)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := withdrawalResponse{
		Identity:   wd.Identity.Hex(),
		Payout:     wd.Payout.Dec(),
		EpochID:    uint64(wd.EpochID),
		TransferID: "0x" + hex.EncodeToString(wd.TransferID[:]),
	}
	if wd.TxHash != (common.Hash{}) {
		out.TxHash = wd.TxHash.Hex()
	}
	writeJSON(w, http.StatusOK, out)
}

// mutation resolves the caller, applies the rate limit and, when wantAmount
// is set, decodes the amount body.
func (h *handler) mutation(w http.ResponseWriter, r *http.Request, wantAmount bool) (common.Address, uint256.Int, bool) {
	raw := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_caller")
		return common.Address{}, uint256.Int{}, false
	}
	caller := common.HexToAddress(raw)

	if !h.limiter.Allow(caller.Hex(), h.cfg.Now()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return common.Address{}, uint256.Int{}, false
	}
	if !wantAmount {
		return caller, uint256.Int{}, true
	}

	body, ok := decodeJSONBody[amountRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return common.Address{}, uint256.Int{}, false
	}
	s := strings.TrimSpace(body.Amount)
	if s == "" {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return common.Address{}, uint256.Int{}, false
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return common.Address{}, uint256.Int{}, false
	}
	return caller, *v, true
}

func (h *handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.ErrorKind(err)
	status := StatusForKind(kind)
	if status >= 500 {
		h.log.Error("ledger request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"requestID", w.Header().Get(HeaderRequestID),
			"kind", kind,
			"err", err,
		)
	}
	writeError(w, status, kind)
}

// StatusForKind maps a ledger error kind to an HTTP status.
func StatusForKind(kind string) int {
	switch kind {
	case ledger.KindZeroAmount, ledger.KindAmountOverflow:
		return http.StatusBadRequest
	case ledger.KindUnauthorized:
		return http.StatusForbidden
	case ledger.KindDepositAlreadyActive, ledger.KindEmptyPool, ledger.KindNoActiveDeposit, ledger.KindWithdrawalPending:
		return http.StatusConflict
	case ledger.KindEpochNotFound:
		return http.StatusNotFound
	case ledger.KindTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type epochResponse struct {
	EpochID       uint64 `json:"epochId"`
	State         string `json:"state"`
	TotalDeposits string `json:"totalDeposits"`
	TotalRewards  string `json:"totalRewards"`
}

func epochBody(e ledger.Epoch) epochResponse {
	return epochResponse{
		EpochID:       uint64(e.ID),
		State:         e.State().String(),
		TotalDeposits: e.TotalDeposits.Dec(),
		TotalRewards:  e.TotalRewards.Dec(),
	}
}

type depositResponse struct {
	Identity string `json:"identity"`
	Amount   string `json:"amount"`
	EpochID  uint64 `json:"epochId"`
	Active   bool   `json:"active"`
}

func depositBody(who common.Address, d ledger.Deposit) depositResponse {
	return depositResponse{
		Identity: who.Hex(),
		Amount:   d.Amount.Dec(),
		EpochID:  uint64(d.EpochID),
		Active:   d.Active(),
	}
}

type withdrawalResponse struct {
	Identity   string `json:"identity"`
	Payout     string `json:"payout"`
	EpochID    uint64 `json:"epochId"`
	TransferID string `json:"transferId"`
	TxHash     string `json:"txHash,omitempty"`
}

type pendingResponse struct {
	TransferID string    `json:"transferId"`
	Seq        uint64    `json:"seq"`
	Identity   string    `json:"identity"`
	Deposit    string    `json:"deposit"`
	EpochID    uint64    `json:"epochId"`
	Payout     string    `json:"payout"`
	TxHash     string    `json:"txHash,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func requestID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	return id
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind string) {
	writeJSON(w, code, map[string]any{
		"error":     kind,
		"requestId": w.Header().Get(HeaderRequestID),
	})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var out T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func checkBearer(header string, want string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
