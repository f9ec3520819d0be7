// Package ethereum provides the client side of the ephemeral-chain test
// harness: a signing client with a pluggable filling stack, a read-only query
// path that bypasses it, and the shared error taxonomy.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Static errors for client operations.
var (
	errReceiptTimeout   = errors.New("receipt polling timed out")
	errReceiptCancelled = errors.New("receipt polling cancelled by context")
)

// Client is a connection to a node endpoint configured with deterministic
// signing keys. It is safe for concurrent use; each transaction resolves its
// own nonce and gas through the filling stack.
type Client struct {
	url       string
	rpcClient *rpc.Client
	transport *http.Transport
	eth       *ethclient.Client
	wallet    *Wallet
	signer    common.Address
	nonces    *NonceManager
	fillers   []Filler
	opts      *Options
	logger    logrus.FieldLogger

	chainIDMu sync.Mutex
	chainID   *big.Int
}

// Connect creates a Client for a development chain at url, signing with anvil
// account #0 and holding the default mnemonic accounts.
func Connect(ctx context.Context, url string) (*Client, error) {
	return NewClient(ctx, DefaultOptions(url))
}

// NewClient creates a Client from opts.
func NewClient(ctx context.Context, opts *Options) (*Client, error) {
	opts = opts.withDefaults()

	defaultKey, err := KeyFromHex(opts.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid options; reason: %w", err)
	}

	wallet := NewWallet(defaultKey)

	if opts.Mnemonic != "" {
		keys, err := AccountsFromMnemonic(opts.Mnemonic, opts.AccountCount)
		if err != nil {
			return nil, fmt.Errorf("invalid options; reason: %w", err)
		}

		for _, key := range keys {
			wallet.Add(key)
		}
	}

	rpcClient, transport, err := dialEndpoint(ctx, opts.URL)
	if err != nil {
		return nil, err
	}

	return &Client{
		url:       opts.URL,
		rpcClient: rpcClient,
		transport: transport,
		eth:       ethclient.NewClient(rpcClient),
		wallet:    wallet,
		signer:    defaultKey.Address,
		nonces:    &NonceManager{},
		fillers:   opts.Fillers,
		opts:      opts,
		logger:    opts.Logger.WithField("endpoint", opts.URL),
	}, nil
}

// URL returns the endpoint the client is connected to.
func (c *Client) URL() string {
	return c.url
}

// Address returns the default signer.
func (c *Client) Address() common.Address {
	return c.signer
}

// Wallet returns the client's keyring.
func (c *Client) Wallet() *Wallet {
	return c.wallet
}

// Eth exposes the underlying ethclient for collaborators needing raw access.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpcClient.Close()
	c.transport.CloseIdleConnections()
}

// ChainID returns the chain id, querying the node once.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDMu.Lock()
	defer c.chainIDMu.Unlock()

	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, classifyCallError(err, "eth_chainId", common.Address{})
	}

	c.chainID = chainID

	return new(big.Int).Set(chainID), nil
}

// BlockNumber returns the current block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	blockNum, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classifyCallError(err, "eth_blockNumber", common.Address{})
	}

	return blockNum, nil
}

// Fill runs the filling stack over req.
func (c *Client) Fill(ctx context.Context, req *TxRequest) error {
	if req.From == (common.Address{}) {
		req.From = c.signer
	}

	for _, filler := range c.fillers {
		if err := filler.Fill(ctx, c, req); err != nil {
			return err
		}
	}

	if req.Signed == nil {
		return errNotSigned
	}

	return nil
}

// SendTransaction fills, signs and submits req without waiting for it to be mined.
// A failed submission resets the sender's nonce from the node and is not retried.
func (c *Client) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	nonceReserved := req.Nonce == nil

	err := c.Fill(ctx, &req)
	if err == nil {
		err = c.eth.SendTransaction(ctx, req.Signed)
		if err != nil {
			err = classifyCallError(err, "eth_sendRawTransaction", contractOf(&req))
		}
	}

	if err != nil {
		if nonceReserved && req.Nonce != nil {
			if refreshErr := c.nonces.Refresh(ctx, c.eth, c.url, req.From); refreshErr != nil {
				c.logger.WithError(refreshErr).Warn("failed to refresh nonce")
			}
		}

		return common.Hash{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"tx":    req.Signed.Hash().Hex(),
		"from":  req.From.Hex(),
		"nonce": *req.Nonce,
	}).Debug("transaction sent")

	return req.Signed.Hash(), nil
}

// Transact sends req and waits for its receipt. The receipt is returned even
// when its status reports failure.
func (c *Client) Transact(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	hash, err := c.SendTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	return c.WaitMined(ctx, hash)
}

// WaitMined polls for the receipt of hash until it is found or ctx is done.
// Options.ReceiptTimeout, when set, bounds the wait further.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	startTime := time.Now()

	if c.opts.ReceiptTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.opts.ReceiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)

		switch {
		case err == nil:
			c.logger.WithFields(logrus.Fields{
				"tx":     hash.Hex(),
				"block":  receipt.BlockNumber,
				"status": receipt.Status,
			}).Debugf("transaction mined after %v", time.Since(startTime))

			return receipt, nil

		case errors.Is(err, ethereum.NotFound):
			// Expected while the transaction is pending.

		case ctx.Err() != nil:
			// Reported below.

		default:
			return nil, classifyCallError(err, "eth_getTransactionReceipt", common.Address{})
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("waiting for receipt of %s: %w: %w", hash.Hex(), errReceiptTimeout, ctx.Err())
			}

			return nil, fmt.Errorf("waiting for receipt of %s: %w: %w", hash.Hex(), errReceiptCancelled, ctx.Err())

		case <-ticker.C:
		}
	}
}

// DeployContract creates artifact's contract from the default signer with the
// given constructor arguments and returns the mined receipt.
func (c *Client) DeployContract(ctx context.Context, artifact *Artifact, args ...any) (*types.Receipt, error) {
	input, err := artifact.DeployData(args...)
	if err != nil {
		return nil, &CallError{Kind: ErrDeploymentFailed, Op: "deploy " + artifact.Name, Err: err}
	}

	receipt, err := c.Transact(ctx, TxRequest{From: c.signer, Data: input})
	if err != nil {
		return nil, WithKind(err, ErrDeploymentFailed, "deploy "+artifact.Name, common.Address{})
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &CallError{
			Kind: ErrDeploymentFailed,
			Op:   "deploy " + artifact.Name,
			Err:  fmt.Errorf("receipt status %d for tx %s", receipt.Status, receipt.TxHash.Hex()),
		}
	}

	if receipt.ContractAddress == (common.Address{}) {
		return nil, &CallError{
			Kind: ErrDeploymentFailed,
			Op:   "deploy " + artifact.Name,
			Err:  fmt.Errorf("receipt for tx %s carries no contract address", receipt.TxHash.Hex()),
		}
	}

	c.logger.WithFields(logrus.Fields{
		"contract": receipt.ContractAddress.Hex(),
		"name":     artifact.Name,
		"block":    receipt.BlockNumber,
	}).Info("contract deployed")

	return receipt, nil
}
