package custodian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
)

var ErrInvalidRelayConfig = errors.New("custodian: invalid relay config")

// SendRequest is the body of POST /v1/send on the transaction relayer.
type SendRequest struct {
	To             string `json:"to"`
	ValueWei       string `json:"value_wei,omitempty"`
	GasLimit       uint64 `json:"gas_limit,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type SendResponse struct {
	From    string        `json:"from"`
	Nonce   uint64        `json:"nonce"`
	TxHash  string        `json:"tx_hash"`
	Receipt *RelayReceipt `json:"receipt,omitempty"`
}

type RelayReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber string `json:"block_number,omitempty"`
}

type RelayOption func(*Relay) error

func WithHTTPClient(hc *http.Client) RelayOption {
	return func(c *Relay) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidRelayConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) RelayOption {
	return func(c *Relay) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidRelayConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithTimeoutSeconds asks the relayer to give up waiting for a receipt after n seconds.
func WithTimeoutSeconds(n int) RelayOption {
	return func(c *Relay) error {
		if n < 0 {
			return fmt.Errorf("%w: negative timeout", ErrInvalidRelayConfig)
		}
		c.timeoutSeconds = n
		return nil
	}
}

// Relay pays withdrawals through an external transaction relayer that owns the
// wallet keys. The relayer has no notion of transfer ids, so a transfer whose
// outcome was unknown is never re-sent: replays report the outcome as still
// unknown and leave it to an operator.
type Relay struct {
	baseURL        *url.URL
	authToken      string
	hc             *http.Client
	maxRespBytes   int64
	timeoutSeconds int
}

func NewRelay(baseURL string, authToken string, opts ...RelayOption) (*Relay, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidRelayConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidRelayConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRelayConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidRelayConfig)
	}

	c := &Relay{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 5 * time.Minute},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Relay) Credit(context.Context, uint256.Int) error { return nil }

func (c *Relay) Debit(ctx context.Context, t ledger.Transfer) (ledger.Receipt, error) {
	if t.Replay {
		return ledger.Receipt{TransferID: t.ID, TxHash: t.PriorTxHash},
			fmt.Errorf("%w: relayer cannot confirm earlier attempt", ledger.ErrTransferOutcomeUnknown)
	}
	if t.Amount.IsZero() || t.To == (common.Address{}) {
		return ledger.Receipt{}, fmt.Errorf("custodian: invalid transfer to %s", t.To)
	}

	res, status, err := c.send(ctx, SendRequest{
		To:             t.To.Hex(),
		ValueWei:       t.Amount.Dec(),
		TimeoutSeconds: c.timeoutSeconds,
	})
	if err != nil {
		// The relayer rejected the request before signing anything.
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout {
			return ledger.Receipt{}, err
		}
		return ledger.Receipt{TransferID: t.ID}, fmt.Errorf("%w: %v", ledger.ErrTransferOutcomeUnknown, err)
	}

	var txHash common.Hash
	if res.TxHash != "" {
		txHash = common.HexToHash(res.TxHash)
	}
	if res.Receipt == nil {
		return ledger.Receipt{TransferID: t.ID, TxHash: txHash},
			fmt.Errorf("%w: relayer returned no receipt for %s", ledger.ErrTransferOutcomeUnknown, txHash)
	}
	if res.Receipt.Status != 1 {
		return ledger.Receipt{TransferID: t.ID, TxHash: txHash}, fmt.Errorf("custodian: transfer %s reverted", txHash)
	}
	return ledger.Receipt{TransferID: t.ID, TxHash: txHash}, nil
}

func (c *Relay) send(ctx context.Context, req SendRequest) (SendResponse, int, error) {
	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/send")

	b, err := json.Marshal(req)
	if err != nil {
		return SendResponse{}, 0, fmt.Errorf("custodian: marshal request: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return SendResponse{}, 0, fmt.Errorf("custodian: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return SendResponse{}, 0, fmt.Errorf("custodian: relay request: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return SendResponse{}, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		return SendResponse{}, resp.StatusCode, fmt.Errorf("custodian: relay status %d: %s", resp.StatusCode, msg)
	}

	var out SendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return SendResponse{}, resp.StatusCode, fmt.Errorf("custodian: unmarshal relay response: %w", err)
	}
	return out, resp.StatusCode, nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("custodian: read relay response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("custodian: relay response too large")
	}
	return b, nil
}

var _ ledger.Custodian = (*Relay)(nil)
