package ethwallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const (
	methodRequestAccounts = "eth_requestAccounts"
	methodSendTransaction = "eth_sendTransaction"
	methodGetReceipt      = "eth_getTransactionReceipt"
	methodGetBalance      = "eth_getBalance"

	signatureCreditUser = "creditUser(address)"
	signatureDonate     = "donate()"

	receiptStatusSuccess = "0x1"

	rpcCodeUserRejected = 4001

	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Client reaches the reward-pool contract through a wallet-injected
// JSON-RPC provider. It implements smilecredit.Wallet: submissions
// resolve only after the transaction is confirmed on chain.
type Client struct {
	endpoint     string
	contract     string
	httpClient   *http.Client
	logger       *zap.Logger
	pollInterval time.Duration
	requestID    atomic.Int64
}

// Config carries the provider wiring.
type Config struct {
	Endpoint        string
	ContractAddress string
	RequestTimeout  time.Duration
	PollInterval    time.Duration
}

// New wires a wallet client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%w: provider endpoint is required", smilecredit.ErrProviderUnavailable)
	}
	contract, err := smilecredit.NewAddress(cfg.ContractAddress)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:     cfg.Endpoint,
		contract:     contract.String(),
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:       logger,
		pollInterval: cfg.PollInterval,
	}, nil
}

// Connect prompts the provider for an account.
func (client *Client) Connect(ctx context.Context) (smilecredit.Address, error) {
	var accounts []string
	if err := client.call(ctx, methodRequestAccounts, []any{}, &accounts); err != nil {
		if rpcErr, ok := asRPCError(err); ok {
			if rpcErr.Code == rpcCodeUserRejected {
				return smilecredit.Address{}, fmt.Errorf("%w: %s", smilecredit.ErrUserRejected, rpcErr.Message)
			}
			return smilecredit.Address{}, fmt.Errorf("%w: %s", smilecredit.ErrProviderUnavailable, rpcErr.Message)
		}
		return smilecredit.Address{}, fmt.Errorf("%w: %v", smilecredit.ErrProviderUnavailable, err)
	}
	if len(accounts) == 0 {
		return smilecredit.Address{}, fmt.Errorf("%w: provider returned no accounts", smilecredit.ErrProviderUnavailable)
	}
	return smilecredit.NewAddress(accounts[0])
}

// SubmitReward calls creditUser(identity) on the pool contract and
// waits for the confirmation receipt.
func (client *Client) SubmitReward(ctx context.Context, identity smilecredit.Address) (smilecredit.TxHash, error) {
	data := encodeCall(signatureCreditUser, identity)
	transaction := map[string]string{
		"from": identity.String(),
		"to":   client.contract,
		"data": data,
	}
	return client.sendAndConfirm(ctx, transaction)
}

// SubmitDonation calls the payable donate() on the pool contract with
// the amount attached as value, and waits for confirmation.
func (client *Client) SubmitDonation(ctx context.Context, identity smilecredit.Address, amount smilecredit.DonationAmount) (smilecredit.TxHash, error) {
	wei, err := etherToWei(amount)
	if err != nil {
		return "", err
	}
	transaction := map[string]string{
		"from":  identity.String(),
		"to":    client.contract,
		"data":  encodeCall(signatureDonate),
		"value": bigToHex(wei),
	}
	return client.sendAndConfirm(ctx, transaction)
}

// PoolBalance reads the contract balance in ether units.
func (client *Client) PoolBalance(ctx context.Context) (string, error) {
	var balanceHex string
	if err := client.call(ctx, methodGetBalance, []any{client.contract, "latest"}, &balanceHex); err != nil {
		return "", fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
	}
	wei, err := hexToBig(balanceHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
	}
	return weiToEther(wei), nil
}

func (client *Client) sendAndConfirm(ctx context.Context, transaction map[string]string) (smilecredit.TxHash, error) {
	var txHash string
	if err := client.call(ctx, methodSendTransaction, []any{transaction}, &txHash); err != nil {
		if rpcErr, ok := asRPCError(err); ok {
			if isLedgerRejection(rpcErr) {
				return "", fmt.Errorf("%w: %s", smilecredit.ErrLedgerRejected, rpcErr.Message)
			}
			return "", fmt.Errorf("%w: %s", smilecredit.ErrTransportFailure, rpcErr.Message)
		}
		return "", fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
	}
	if err := client.awaitConfirmation(ctx, txHash); err != nil {
		return "", err
	}
	return smilecredit.TxHash(txHash), nil
}

// awaitConfirmation polls for the receipt; resolution means confirmed,
// not merely broadcast.
func (client *Client) awaitConfirmation(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(client.pollInterval)
	defer ticker.Stop()
	for {
		var receipt *transactionReceipt
		if err := client.call(ctx, methodGetReceipt, []any{txHash}, &receipt); err != nil {
			return fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, err)
		}
		if receipt != nil {
			if receipt.Status != receiptStatusSuccess {
				return fmt.Errorf("%w: transaction reverted", smilecredit.ErrLedgerRejected)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", smilecredit.ErrTransportFailure, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (client *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      client.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("provider status %d", response.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %v", err)
	}
	if envelope.Error != nil {
		client.logger.Warn("rpc error",
			zap.String("method", method),
			zap.Int("code", envelope.Error.Code),
			zap.String("message", envelope.Error.Message))
		return envelope.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (err *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", err.Code, err.Message)
}

type transactionReceipt struct {
	Status string `json:"status"`
}

func asRPCError(err error) (*rpcError, bool) {
	rpcErr, ok := err.(*rpcError)
	return rpcErr, ok
}

func isLedgerRejection(err *rpcError) bool {
	message := strings.ToLower(err.Message)
	return strings.Contains(message, "insufficient funds") || strings.Contains(message, "revert")
}

// encodeCall builds ABI calldata: 4-byte selector plus 32-byte padded
// address arguments.
func encodeCall(signature string, addressArgs ...smilecredit.Address) string {
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write([]byte(signature))
	data := hash.Sum(nil)[:4]
	for _, argument := range addressArgs {
		raw, _ := hex.DecodeString(strings.TrimPrefix(argument.String(), "0x"))
		padded := make([]byte, 32)
		copy(padded[32-len(raw):], raw)
		data = append(data, padded...)
	}
	return "0x" + hex.EncodeToString(data)
}
