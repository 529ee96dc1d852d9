package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mworlabs/lotteryd/logger"
)

var (
	ErrTransferNotFound = errors.New("no matching inbound transfer")
	ErrRPC              = errors.New("ledger rpc error")
)

// RPCClient is the HTTP JSON-RPC implementation of Client.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	maxRetries int
	nextID     atomic.Uint64
}

func NewRPCClient(endpoint string, timeout time.Duration, maxRetries int) *RPCClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RPCClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request with bounded exponential backoff.
// Only transport-level failures and 5xx responses are retried; an
// explicit RPC error from the program is returned as-is.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(100*time.Millisecond) * math.Pow(2, float64(attempt-1)))
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, body, result)
		if lastErr == nil {
			return nil
		}
		var rpcErr *rpcError
		if errors.As(lastErr, &rpcErr) {
			return fmt.Errorf("%w: %s: %v", ErrRPC, method, rpcErr)
		}
		logger.Log.Warnf("ledger call %s attempt %d failed: %v", method, attempt+1, lastErr)
	}
	return fmt.Errorf("%s after %d attempts: %w", method, c.maxRetries+1, lastErr)
}

func (c *RPCClient) doOnce(ctx context.Context, body []byte, result interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ledger returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// signature is the common result shape for instruction submissions.
type signature struct {
	TxHash string `json:"tx_hash"`
}

func (c *RPCClient) submit(ctx context.Context, method string, params ...interface{}) (string, error) {
	var sig signature
	if err := c.call(ctx, method, params, &sig); err != nil {
		return "", err
	}
	return sig.TxHash, nil
}

func (c *RPCClient) CreateGame(ctx context.Context, gameID string, entryFee int64, maxPlayers, winnerCount, deadlineMinutes int) (string, error) {
	return c.submit(ctx, "createGame", gameID, entryFee, maxPlayers, winnerCount, deadlineMinutes)
}

func (c *RPCClient) JoinGame(ctx context.Context, gameID, userID string) (string, error) {
	return c.submit(ctx, "joinGame", gameID, userID)
}

func (c *RPCClient) SelectNumber(ctx context.Context, gameID, userID string, number int) (string, error) {
	return c.submit(ctx, "selectNumber", gameID, userID, number)
}

func (c *RPCClient) SubmitVRF(ctx context.Context, gameID string, round int, randomValue [32]byte, proof []byte) (string, error) {
	return c.submit(ctx, "submitVrf", gameID, round, fmt.Sprintf("%x", randomValue), fmt.Sprintf("%x", proof))
}

func (c *RPCClient) ProcessElimination(ctx context.Context, gameID string, round int) (string, error) {
	return c.submit(ctx, "processElimination", gameID, round)
}

func (c *RPCClient) CompleteGame(ctx context.Context, gameID string) (string, error) {
	return c.submit(ctx, "completeGame", gameID)
}

func (c *RPCClient) CancelGame(ctx context.Context, gameID, reason string) (string, error) {
	return c.submit(ctx, "cancelGame", gameID, reason)
}

func (c *RPCClient) ClaimPrize(ctx context.Context, gameID, userID string) (string, error) {
	return c.submit(ctx, "claimPrize", gameID, userID)
}

func (c *RPCClient) RandomSeed(ctx context.Context, gameID string) (string, error) {
	var out struct {
		Seed string `json:"seed"`
	}
	if err := c.call(ctx, "randomSeed", []interface{}{gameID}, &out); err != nil {
		return "", err
	}
	return out.Seed, nil
}

func (c *RPCClient) Transfer(ctx context.Context, recipient string, amount int64) (string, error) {
	return c.submit(ctx, "transfer", recipient, amount)
}

func (c *RPCClient) Balance(ctx context.Context, wallet string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{wallet}, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *RPCClient) FindInboundTransfer(ctx context.Context, reference string, minAmount int64, after time.Time) (*InboundTransfer, error) {
	var out struct {
		Transfer *InboundTransfer `json:"transfer"`
	}
	if err := c.call(ctx, "findInboundTransfer", []interface{}{reference, minAmount, after.Unix()}, &out); err != nil {
		return nil, err
	}
	if out.Transfer == nil {
		return nil, ErrTransferNotFound
	}
	return out.Transfer, nil
}

func (c *RPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, "getHealth", nil, nil)
}
