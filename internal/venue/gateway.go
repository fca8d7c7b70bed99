package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tidemark/errs"
)

// SignerClient implements TxGateway against a transaction signing sidecar.
// The sidecar owns the wallet key and per-account sequence numbers; this
// client only describes the intended transaction and relays the chain ack.
type SignerClient struct {
	venue      string
	baseURL    string
	httpClient *http.Client
}

// SignerConfig configures a signer gateway client.
type SignerConfig struct {
	Venue   string
	BaseURL string
	Timeout time.Duration
}

// NewSignerClient constructs a gateway client for the signing sidecar.
func NewSignerClient(cfg SignerConfig) *SignerClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &SignerClient{
		venue:      cfg.Venue,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type signerHeightResponse struct {
	Height uint64 `json:"height"`
}

type signerAck struct {
	Code   uint32 `json:"code"`
	TxHash string `json:"txHash"`
	RawLog string `json:"rawLog"`
}

// LatestBlockHeight queries the sidecar's view of the chain head.
func (c *SignerClient) LatestBlockHeight(ctx context.Context) (uint64, error) {
	body, err := c.send(ctx, http.MethodGet, "/v1/height", nil)
	if err != nil {
		return 0, err
	}
	var resp signerHeightResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errs.New(c.venue, errs.CodeDecode, errs.WithMessage("decode height payload"), errs.WithCause(err))
	}
	return resp.Height, nil
}

// PlaceOrder submits one signed order transaction.
func (c *SignerClient) PlaceOrder(ctx context.Context, tx OrderTx) (TxAck, error) {
	return c.submit(ctx, "/v1/txs/orders", tx)
}

// CancelOrder submits one signed cancel transaction.
func (c *SignerClient) CancelOrder(ctx context.Context, tx CancelTx) (TxAck, error) {
	return c.submit(ctx, "/v1/txs/cancels", tx)
}

// BatchCancelOrders submits one signed transaction canceling all the
// given orders.
func (c *SignerClient) BatchCancelOrders(ctx context.Context, cancels []CancelTx) (TxAck, error) {
	return c.submit(ctx, "/v1/txs/batch-cancels", cancels)
}

func (c *SignerClient) submit(ctx context.Context, path string, payload any) (TxAck, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return TxAck{}, errs.New(c.venue, errs.CodeInvalid, errs.WithMessage("encode transaction"), errs.WithCause(err))
	}
	body, err := c.send(ctx, http.MethodPost, path, encoded)
	if err != nil {
		return TxAck{}, err
	}
	var ack signerAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return TxAck{}, errs.New(c.venue, errs.CodeDecode, errs.WithMessage("decode transaction ack"), errs.WithCause(err))
	}
	return TxAck{Code: ack.Code, TxHash: ack.TxHash, RawLog: ack.RawLog}, nil
}

func (c *SignerClient) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errs.New(c.venue, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		code := errs.CodeNetwork
		if ctx.Err() == nil && isTimeout(err) {
			code = errs.CodeTimeout
		}
		return nil, errs.New(c.venue, code, errs.WithMessage(fmt.Sprintf("%s %s", method, path)), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(c.venue, errs.CodeNetwork, errs.WithMessage("read response body"), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(c.venue, errs.CodeVenue,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)),
			errs.WithRawMessage(string(body)),
		)
	}
	return body, nil
}
