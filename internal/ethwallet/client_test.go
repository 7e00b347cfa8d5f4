package ethwallet

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
)

const (
	testContract = "0xffeeddccbbaa99887766554433221100ffeeddcc"
	testAccount  = "0x00112233445566778899aabbccddeeff00112233"
	testTxHash   = "0xabc123"
)

type fakeProvider struct {
	mu               sync.Mutex
	accounts         []string
	accountsError    *rpcError
	sendError        *rpcError
	receiptStatus    string
	receiptAfter     int
	balanceHex       string
	receiptPolls     int
	sentTransactions []map[string]string
}

func (provider *fakeProvider) handler(test *testing.T) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		var incoming rpcRequest
		if err := json.NewDecoder(request.Body).Decode(&incoming); err != nil {
			test.Errorf("decode request: %v", err)
			return
		}
		provider.mu.Lock()
		defer provider.mu.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		respond := func(result any, rpcErr *rpcError) {
			raw, _ := json.Marshal(result)
			_ = json.NewEncoder(writer).Encode(rpcResponse{JSONRPC: "2.0", ID: incoming.ID, Result: raw, Error: rpcErr})
		}
		switch incoming.Method {
		case methodRequestAccounts:
			if provider.accountsError != nil {
				respond(nil, provider.accountsError)
				return
			}
			respond(provider.accounts, nil)
		case methodSendTransaction:
			if provider.sendError != nil {
				respond(nil, provider.sendError)
				return
			}
			raw, _ := json.Marshal(incoming.Params[0])
			var transaction map[string]string
			_ = json.Unmarshal(raw, &transaction)
			provider.sentTransactions = append(provider.sentTransactions, transaction)
			respond(testTxHash, nil)
		case methodGetReceipt:
			provider.receiptPolls++
			if provider.receiptPolls <= provider.receiptAfter {
				respond(nil, nil)
				return
			}
			respond(transactionReceipt{Status: provider.receiptStatus}, nil)
		case methodGetBalance:
			respond(provider.balanceHex, nil)
		default:
			test.Errorf("unexpected method %s", incoming.Method)
		}
	}
}

func newTestClient(test *testing.T, provider *fakeProvider) (*Client, *httptest.Server) {
	test.Helper()
	server := httptest.NewServer(provider.handler(test))
	test.Cleanup(server.Close)
	client, err := New(Config{
		Endpoint:        server.URL,
		ContractAddress: testContract,
		RequestTimeout:  time.Second,
		PollInterval:    time.Millisecond,
	}, nil)
	if err != nil {
		test.Fatalf("client init: %v", err)
	}
	return client, server
}

func mustAddress(test *testing.T, raw string) smilecredit.Address {
	test.Helper()
	address, err := smilecredit.NewAddress(raw)
	if err != nil {
		test.Fatalf("address: %v", err)
	}
	return address
}

func TestConnectReturnsFirstAccount(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{accounts: []string{testAccount, "0x9999999999999999999999999999999999999999"}}
	client, _ := newTestClient(test, provider)

	identity, err := client.Connect(context.Background())
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	if identity.String() != testAccount {
		test.Fatalf("expected %s, got %s", testAccount, identity)
	}
}

func TestConnectUserRejection(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{accountsError: &rpcError{Code: rpcCodeUserRejected, Message: "user denied"}}
	client, _ := newTestClient(test, provider)

	_, err := client.Connect(context.Background())
	if !errors.Is(err, smilecredit.ErrUserRejected) {
		test.Fatalf("expected ErrUserRejected, got %v", err)
	}
}

func TestConnectMissingProvider(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{}
	client, server := newTestClient(test, provider)
	server.Close()

	_, err := client.Connect(context.Background())
	if !errors.Is(err, smilecredit.ErrProviderUnavailable) {
		test.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestConnectNoAccounts(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{accounts: []string{}}
	client, _ := newTestClient(test, provider)

	_, err := client.Connect(context.Background())
	if !errors.Is(err, smilecredit.ErrProviderUnavailable) {
		test.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestSubmitRewardWaitsForConfirmation(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{receiptStatus: receiptStatusSuccess, receiptAfter: 2}
	client, _ := newTestClient(test, provider)

	txHash, err := client.SubmitReward(context.Background(), mustAddress(test, testAccount))
	if err != nil {
		test.Fatalf("submit reward: %v", err)
	}
	if txHash.String() != testTxHash {
		test.Fatalf("expected %s, got %s", testTxHash, txHash)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.receiptPolls < 3 {
		test.Fatalf("expected polling until the receipt appears, got %d polls", provider.receiptPolls)
	}
	if len(provider.sentTransactions) != 1 {
		test.Fatalf("expected one transaction, got %d", len(provider.sentTransactions))
	}
	sent := provider.sentTransactions[0]
	if sent["to"] != testContract || sent["from"] != testAccount {
		test.Fatalf("unexpected transaction addressing: %+v", sent)
	}
	data := sent["data"]
	if !strings.HasPrefix(data, "0x") || len(data) != 2+8+64 {
		test.Fatalf("expected selector plus one padded argument, got %q", data)
	}
	if !strings.HasSuffix(data, strings.TrimPrefix(testAccount, "0x")) {
		test.Fatalf("calldata must end with the padded identity, got %q", data)
	}
}

func TestSubmitRewardRevertedReceipt(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{receiptStatus: "0x0"}
	client, _ := newTestClient(test, provider)

	_, err := client.SubmitReward(context.Background(), mustAddress(test, testAccount))
	if !errors.Is(err, smilecredit.ErrLedgerRejected) {
		test.Fatalf("expected ErrLedgerRejected for reverted transaction, got %v", err)
	}
}

func TestSubmitRewardUnderfundedPool(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{sendError: &rpcError{Code: -32000, Message: "execution reverted: pool underfunded"}}
	client, _ := newTestClient(test, provider)

	_, err := client.SubmitReward(context.Background(), mustAddress(test, testAccount))
	if !errors.Is(err, smilecredit.ErrLedgerRejected) {
		test.Fatalf("expected ErrLedgerRejected, got %v", err)
	}
}

func TestSubmitRewardTransportFailure(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{}
	client, server := newTestClient(test, provider)
	server.Close()

	_, err := client.SubmitReward(context.Background(), mustAddress(test, testAccount))
	if !errors.Is(err, smilecredit.ErrTransportFailure) {
		test.Fatalf("expected ErrTransportFailure, got %v", err)
	}
}

func TestSubmitDonationAttachesWeiValue(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{receiptStatus: receiptStatusSuccess}
	client, _ := newTestClient(test, provider)

	amount, err := smilecredit.NewDonationAmount("0.05")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := client.SubmitDonation(context.Background(), mustAddress(test, testAccount), amount); err != nil {
		test.Fatalf("donate: %v", err)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	sent := provider.sentTransactions[0]
	wantWei := new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if sent["value"] != bigToHex(wantWei) {
		test.Fatalf("expected value %s, got %s", bigToHex(wantWei), sent["value"])
	}
	if len(sent["data"]) != 2+8 {
		test.Fatalf("donate calldata must be a bare selector, got %q", sent["data"])
	}
}

func TestSubmitDonationInsufficientFunds(test *testing.T) {
	test.Parallel()
	provider := &fakeProvider{sendError: &rpcError{Code: -32000, Message: "insufficient funds for transfer"}}
	client, _ := newTestClient(test, provider)

	amount, err := smilecredit.NewDonationAmount("5")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	_, donateErr := client.SubmitDonation(context.Background(), mustAddress(test, testAccount), amount)
	if !errors.Is(donateErr, smilecredit.ErrLedgerRejected) {
		test.Fatalf("expected ErrLedgerRejected, got %v", donateErr)
	}
}

func TestPoolBalanceFormatsEther(test *testing.T) {
	test.Parallel()
	oneAndAQuarter := new(big.Int).Mul(big.NewInt(125), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	provider := &fakeProvider{balanceHex: bigToHex(oneAndAQuarter)}
	client, _ := newTestClient(test, provider)

	balance, err := client.PoolBalance(context.Background())
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != "1.25" {
		test.Fatalf("expected 1.25, got %s", balance)
	}
}

func TestEtherWeiRoundTrip(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		ether string
		wei   string
	}{
		{name: "whole", ether: "2", wei: "2000000000000000000"},
		{name: "fractional", ether: "0.05", wei: "50000000000000000"},
		{name: "small", ether: "0.000000000000000001", wei: "1"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			amount, err := smilecredit.NewDonationAmount(testCase.ether)
			if err != nil {
				test.Fatalf("amount: %v", err)
			}
			wei, err := etherToWei(amount)
			if err != nil {
				test.Fatalf("to wei: %v", err)
			}
			if wei.String() != testCase.wei {
				test.Fatalf("expected %s wei, got %s", testCase.wei, wei)
			}
			if rendered := weiToEther(wei); rendered != testCase.ether {
				test.Fatalf("expected %s ether, got %s", testCase.ether, rendered)
			}
		})
	}
}

func TestEtherToWeiRejectsSubWeiPrecision(test *testing.T) {
	test.Parallel()
	amount, err := smilecredit.NewDonationAmount("0.0000000000000000001")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := etherToWei(amount); !errors.Is(err, smilecredit.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
