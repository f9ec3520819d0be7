package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const (
	testChainID  = 31337
	testGasPrice = 1_000_000_000
)

// devnodeStub extends rpcStub with the methods the filling stack and receipt
// polling need, and records every raw transaction it receives.
type devnodeStub struct {
	*rpcStub

	mu      sync.Mutex
	sent    []*types.Transaction
	pending int // receipt polls answered with null before the receipt is returned
	status  uint64
	created *common.Address
}

func newDevnodeStub(t *testing.T) *devnodeStub {
	t.Helper()

	node := &devnodeStub{rpcStub: newRPCStub(t), status: types.ReceiptStatusSuccessful}

	node.Result("eth_chainId", hexutil.EncodeUint64(testChainID))
	node.Result("eth_estimateGas", "0x5208")
	node.Result("eth_gasPrice", hexutil.EncodeUint64(testGasPrice))
	node.Result("eth_getTransactionCount", "0x7")

	node.Handle("eth_sendRawTransaction", func(params []json.RawMessage) (any, *stubError) {
		var raw hexutil.Bytes
		if err := json.Unmarshal(params[0], &raw); err != nil {
			return nil, &stubError{Code: -32602, Message: err.Error()}
		}

		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &stubError{Code: -32602, Message: err.Error()}
		}

		node.mu.Lock()
		node.sent = append(node.sent, tx)
		node.mu.Unlock()

		return tx.Hash().Hex(), nil
	})

	node.Handle("eth_getTransactionReceipt", func(params []json.RawMessage) (any, *stubError) {
		var hash common.Hash
		if err := json.Unmarshal(params[0], &hash); err != nil {
			return nil, &stubError{Code: -32602, Message: err.Error()}
		}

		node.mu.Lock()
		defer node.mu.Unlock()

		if node.pending > 0 {
			node.pending--

			return nil, nil
		}

		return receiptJSON(hash, node.created, node.status), nil
	})

	return node
}

func (n *devnodeStub) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*types.Transaction, len(n.sent))
	copy(out, n.sent)

	return out
}

func newTestClient(t *testing.T, node *devnodeStub, mutate func(*Options)) *Client {
	t.Helper()

	opts := &Options{URL: node.URL(), ReceiptPollInterval: 5 * time.Millisecond}
	if mutate != nil {
		mutate(opts)
	}

	client, err := NewClient(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func TestClientTransactFillsAndSigns(t *testing.T) {
	node := newDevnodeStub(t)
	node.pending = 2

	client := newTestClient(t, node, nil)
	to := common.HexToAddress(testAccount1)

	receipt, err := client.Transact(context.Background(), TxRequest{To: &to, Value: big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	sent := node.Sent()
	require.Len(t, sent, 1)

	tx := sent[0]
	require.Equal(t, receipt.TxHash, tx.Hash())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(21000), tx.Gas())
	require.Equal(t, big.NewInt(testGasPrice), tx.GasPrice())
	require.Equal(t, big.NewInt(testChainID), tx.ChainId())
	require.Equal(t, &to, tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(testAccount0), sender, "default signer is anvil account 0")

	require.Equal(t, 3, node.CallCount("eth_getTransactionReceipt"), "receipt polled until mined")
}

func TestClientReusesNonceAndChainID(t *testing.T) {
	node := newDevnodeStub(t)
	client := newTestClient(t, node, nil)
	to := common.HexToAddress(testAccount1)

	for range 3 {
		_, err := client.SendTransaction(context.Background(), TxRequest{To: &to})
		require.NoError(t, err)
	}

	sent := node.Sent()
	require.Len(t, sent, 3)

	for i, tx := range sent {
		require.Equal(t, uint64(7+i), tx.Nonce())
	}

	require.Equal(t, 1, node.CallCount("eth_getTransactionCount"))
	require.Equal(t, 1, node.CallCount("eth_chainId"))
}

func TestClientSignsForMnemonicAccounts(t *testing.T) {
	node := newDevnodeStub(t)
	client := newTestClient(t, node, func(opts *Options) {
		opts.Mnemonic = DefaultMnemonic
		opts.AccountCount = 3
	})

	from := common.HexToAddress(testAccount1)
	to := common.HexToAddress(testAccount0)

	_, err := client.SendTransaction(context.Background(), TxRequest{From: from, To: &to})
	require.NoError(t, err)

	sent := node.Sent()
	require.Len(t, sent, 1)

	sender, err := types.Sender(types.LatestSignerForChainID(sent[0].ChainId()), sent[0])
	require.NoError(t, err)
	require.Equal(t, from, sender)
}

func TestClientUnknownSenderHasNoSigningKey(t *testing.T) {
	node := newDevnodeStub(t)
	client := newTestClient(t, node, nil)

	from := common.HexToAddress(testAccount1)
	to := common.HexToAddress(testAccount0)

	_, err := client.SendTransaction(context.Background(), TxRequest{From: from, To: &to})
	require.ErrorIs(t, err, ErrNoSigningKey)
	require.ErrorIs(t, err, ErrResource)
	require.Empty(t, node.Sent())
}

func TestClientSendFailureRefreshesNonce(t *testing.T) {
	node := newDevnodeStub(t)
	node.Fail("eth_sendRawTransaction", stubError{Code: -32000, Message: "nonce too low"})

	client := newTestClient(t, node, nil)
	to := common.HexToAddress(testAccount1)

	_, err := client.SendTransaction(context.Background(), TxRequest{To: &to})
	require.ErrorIs(t, err, ErrRPC)

	require.Equal(t, 1, node.CallCount("eth_sendRawTransaction"), "failed sends are not retried")
	require.Equal(t, 2, node.CallCount("eth_getTransactionCount"), "nonce is refreshed after a failed send")
}

func TestClientCustomFillingStack(t *testing.T) {
	node := newDevnodeStub(t)

	fixedGas := FillerFunc(func(_ context.Context, _ *Client, req *TxRequest) error {
		req.Gas = 100_000
		req.GasFeeCap = big.NewInt(2 * testGasPrice)
		req.GasTipCap = big.NewInt(testGasPrice)

		return nil
	})

	client := newTestClient(t, node, func(opts *Options) {
		opts.Fillers = []Filler{fixedGas, NonceFiller{}, ChainIDFiller{}, WalletFiller{}}
	})

	to := common.HexToAddress(testAccount1)

	_, err := client.SendTransaction(context.Background(), TxRequest{To: &to})
	require.NoError(t, err)

	sent := node.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, uint8(types.DynamicFeeTxType), sent[0].Type())
	require.Equal(t, uint64(100_000), sent[0].Gas())
	require.Zero(t, node.CallCount("eth_estimateGas"))
	require.Zero(t, node.CallCount("eth_gasPrice"))
}

func TestClientFillingStackWithoutWalletLeavesTxUnsigned(t *testing.T) {
	node := newDevnodeStub(t)
	client := newTestClient(t, node, func(opts *Options) {
		opts.Fillers = []Filler{GasFiller{}, NonceFiller{}, ChainIDFiller{}}
	})

	to := common.HexToAddress(testAccount1)

	_, err := client.SendTransaction(context.Background(), TxRequest{To: &to})
	require.ErrorIs(t, err, errNotSigned)
	require.Empty(t, node.Sent())
}

func TestClientRejectsNegativeValue(t *testing.T) {
	node := newDevnodeStub(t)
	client := newTestClient(t, node, nil)
	to := common.HexToAddress(testAccount1)

	_, err := client.SendTransaction(context.Background(), TxRequest{To: &to, Value: big.NewInt(-1)})
	require.ErrorIs(t, err, errNegativeValue)
}

func TestClientEstimateGasRevert(t *testing.T) {
	node := newDevnodeStub(t)
	node.Fail("eth_estimateGas", stubError{
		Code:    3,
		Message: "execution reverted: insufficient balance",
		Data:    encodeRevert(t, "insufficient balance"),
	})

	client := newTestClient(t, node, nil)

	_, err := client.SendTransaction(context.Background(), TxRequest{To: &testContract})
	require.ErrorIs(t, err, ErrCallReverted)

	reason, ok := RevertReason(err)
	require.True(t, ok)
	require.Equal(t, "insufficient balance", reason)
	require.Zero(t, node.CallCount("eth_getTransactionCount"), "no nonce is reserved for a reverting call")
}

func TestClientWaitMinedHonorsReceiptTimeout(t *testing.T) {
	node := newDevnodeStub(t)
	node.pending = 1 << 30

	client := newTestClient(t, node, func(opts *Options) {
		opts.ReceiptTimeout = 30 * time.Millisecond
	})

	_, err := client.WaitMined(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, errReceiptTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientWaitMinedCancelled(t *testing.T) {
	node := newDevnodeStub(t)
	node.pending = 1 << 30

	client := newTestClient(t, node, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.WaitMined(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientDeployContract(t *testing.T) {
	node := newDevnodeStub(t)
	node.created = &testContract

	client := newTestClient(t, node, nil)
	artifact := testArtifact(t)

	receipt, err := client.DeployContract(context.Background(), artifact, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, testContract, receipt.ContractAddress)

	sent := node.Sent()
	require.Len(t, sent, 1)
	require.Nil(t, sent[0].To(), "deployment is a contract creation")

	expected, err := artifact.DeployData(big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, expected, sent[0].Data())
}

func TestClientDeployContractFailedStatus(t *testing.T) {
	node := newDevnodeStub(t)
	node.status = types.ReceiptStatusFailed

	client := newTestClient(t, node, nil)

	_, err := client.DeployContract(context.Background(), testArtifact(t), big.NewInt(1))
	require.ErrorIs(t, err, ErrDeploymentFailed)
	require.ErrorIs(t, err, ErrContract)
}

func TestClientDeployContractRevertKeepsReason(t *testing.T) {
	node := newDevnodeStub(t)
	node.Fail("eth_estimateGas", stubError{Code: 3, Message: "execution reverted: no", Data: encodeRevert(t, "no")})

	client := newTestClient(t, node, nil)

	_, err := client.DeployContract(context.Background(), testArtifact(t), big.NewInt(1))
	require.ErrorIs(t, err, ErrDeploymentFailed)
	require.NotErrorIs(t, err, ErrCallReverted)

	reason, ok := RevertReason(err)
	require.True(t, ok)
	require.Equal(t, "no", reason)
}

func TestClientChainIDAndBlockNumber(t *testing.T) {
	node := newDevnodeStub(t)
	node.Result("eth_blockNumber", "0x2a")

	client := newTestClient(t, node, nil)

	chainID, err := client.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(testChainID), chainID)

	blockNum, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), blockNum)

	require.Equal(t, node.URL(), client.URL())
	require.Equal(t, common.HexToAddress(testAccount0), client.Address())
}

func TestConnectRejectsInvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "localhost:8545")
	require.ErrorIs(t, err, ErrInvalidURL)
}
