package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Static errors for the filling stack.
var (
	errNegativeValue = errors.New("value must be non-negative")
	errNotSigned     = errors.New("transaction left unsigned by the filling stack")
)

// TxRequest is a transaction under construction. Fillers complete the fields
// left unset, and the wallet stage turns it into a signed transaction.
type TxRequest struct {
	From  common.Address
	To    *common.Address // nil creates a contract
	Data  []byte
	Value *big.Int

	Nonce     *uint64
	Gas       uint64
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int
	ChainID   *big.Int

	// Signed is set by the wallet stage.
	Signed *types.Transaction
}

func (r *TxRequest) callMsg() ethereum.CallMsg {
	return ethereum.CallMsg{
		From:      r.From,
		To:        r.To,
		Value:     r.Value,
		Data:      r.Data,
		GasFeeCap: r.GasFeeCap,
		GasTipCap: r.GasTipCap,
	}
}

// Filler is one stage of the filling stack.
type Filler interface {
	Fill(ctx context.Context, client *Client, req *TxRequest) error
}

// FillerFunc adapts a function to the Filler interface.
type FillerFunc func(ctx context.Context, client *Client, req *TxRequest) error

// Fill calls f.
func (f FillerFunc) Fill(ctx context.Context, client *Client, req *TxRequest) error {
	return f(ctx, client, req)
}

// DefaultFillers returns the standard stack: gas, nonce, chain id, then signing.
func DefaultFillers() []Filler {
	return []Filler{GasFiller{}, NonceFiller{}, ChainIDFiller{}, WalletFiller{}}
}

// GasFiller estimates the gas limit and, for legacy transactions, the gas price.
type GasFiller struct{}

// Fill implements Filler.
func (GasFiller) Fill(ctx context.Context, client *Client, req *TxRequest) error {
	if req.Value != nil && req.Value.Sign() < 0 {
		return errNegativeValue
	}

	if req.Gas == 0 {
		gas, err := client.eth.EstimateGas(ctx, req.callMsg())
		if err != nil {
			return classifyCallError(err, "eth_estimateGas", contractOf(req))
		}

		req.Gas = gas
	}

	if req.GasPrice == nil && req.GasFeeCap == nil && req.GasTipCap == nil {
		gasPrice, err := client.eth.SuggestGasPrice(ctx)
		if err != nil {
			return classifyCallError(err, "eth_gasPrice", common.Address{})
		}

		req.GasPrice = gasPrice
	}

	return nil
}

// NonceFiller reserves the next nonce for the sender from the client's nonce manager.
type NonceFiller struct{}

// Fill implements Filler.
func (NonceFiller) Fill(ctx context.Context, client *Client, req *TxRequest) error {
	if req.Nonce != nil {
		return nil
	}

	nonce, err := client.nonces.Acquire(ctx, client.eth, client.url, req.From)
	if err != nil {
		return classifyCallError(err, "eth_getTransactionCount", common.Address{})
	}

	req.Nonce = &nonce

	return nil
}

// ChainIDFiller sets the chain id, resolved once per client.
type ChainIDFiller struct{}

// Fill implements Filler.
func (ChainIDFiller) Fill(ctx context.Context, client *Client, req *TxRequest) error {
	if req.ChainID != nil {
		return nil
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}

	req.ChainID = chainID

	return nil
}

// WalletFiller builds the typed transaction and signs it with the sender's key.
type WalletFiller struct{}

// Fill implements Filler.
func (WalletFiller) Fill(_ context.Context, client *Client, req *TxRequest) error {
	key, ok := client.wallet.Key(req.From)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSigningKey, req.From.Hex())
	}

	typedTx, err := buildTypedTx(req)
	if err != nil {
		return err
	}

	signedTx, err := types.SignTx(typedTx, types.LatestSignerForChainID(req.ChainID), key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	req.Signed = signedTx

	return nil
}

// buildTypedTx picks a dynamic fee transaction when fee caps are set and a
// legacy transaction otherwise.
func buildTypedTx(req *TxRequest) (*types.Transaction, error) {
	if req.Nonce == nil || req.ChainID == nil {
		return nil, fmt.Errorf("%w: nonce or chain id missing", errNotSigned)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	if req.GasFeeCap != nil || req.GasTipCap != nil {
		gasTipCap := req.GasTipCap
		if gasTipCap == nil {
			gasTipCap = new(big.Int)
		}

		gasFeeCap := req.GasFeeCap
		if gasFeeCap == nil {
			gasFeeCap = new(big.Int).Set(gasTipCap)
		}

		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   req.ChainID,
			Nonce:     *req.Nonce,
			GasTipCap: gasTipCap,
			GasFeeCap: gasFeeCap,
			Gas:       req.Gas,
			To:        req.To,
			Value:     value,
			Data:      req.Data,
		}), nil
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    *req.Nonce,
		GasPrice: gasPrice,
		Gas:      req.Gas,
		To:       req.To,
		Value:    value,
		Data:     req.Data,
	}), nil
}

func contractOf(req *TxRequest) common.Address {
	if req.To == nil {
		return common.Address{}
	}

	return *req.To
}
