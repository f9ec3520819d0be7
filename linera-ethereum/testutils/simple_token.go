package testutils

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
)

// uint256Size is the width of an ABI-encoded uint256.
const uint256Size = 32

//go:embed contracts/SimpleToken.json
var simpleTokenJSON []byte

//nolint:gochecknoglobals // Parsed once from the embedded artifact.
var simpleTokenArtifact = sync.OnceValues(func() (*ethereum.Artifact, error) {
	return ethereum.ParseArtifact(simpleTokenJSON)
})

// SimpleToken is a deployed token whose whole initial supply belongs to the deployer.
type SimpleToken struct {
	chain    *AnvilTest
	contract *ethereum.Contract
	receipt  *types.Receipt
}

// DeploySimpleToken deploys a token from the chain's default signer.
func DeploySimpleToken(ctx context.Context, chain *AnvilTest, initialSupply *uint256.Int) (*SimpleToken, error) {
	artifact, err := simpleTokenArtifact()
	if err != nil {
		return nil, &ethereum.CallError{Kind: ethereum.ErrDeploymentFailed, Op: "deploy SimpleToken", Err: err}
	}

	if initialSupply == nil {
		initialSupply = new(uint256.Int)
	}

	receipt, err := chain.Client.DeployContract(ctx, artifact, initialSupply.ToBig())
	if err != nil {
		return nil, err
	}

	return &SimpleToken{
		chain:    chain,
		contract: artifact.Bind(receipt.ContractAddress),
		receipt:  receipt,
	}, nil
}

// Address returns the token contract address.
func (s *SimpleToken) Address() common.Address {
	return s.contract.Address()
}

// DeployReceipt returns the receipt of the deployment transaction.
func (s *SimpleToken) DeployReceipt() *types.Receipt {
	return s.receipt
}

// BalanceOf returns owner's balance as of block. The query runs as owner and
// submits no transaction.
func (s *SimpleToken) BalanceOf(ctx context.Context, owner common.Address, block ethereum.BlockRef) (*uint256.Int, error) {
	input, err := s.contract.EncodeABI("balanceOf", owner)
	if err != nil {
		return nil, err
	}

	output, err := nonExecutiveCall(ctx, s.chain.Endpoint, ethereum.CallRequest{
		Contract: s.Address(),
		Data:     input,
		Caller:   owner,
		Block:    block,
	})
	if err != nil {
		return nil, err
	}

	return decodeUint256(output, "balanceOf", s.Address())
}

// TotalSupply returns the token supply as of block.
func (s *SimpleToken) TotalSupply(ctx context.Context, block ethereum.BlockRef) (*uint256.Int, error) {
	input, err := s.contract.EncodeABI("totalSupply")
	if err != nil {
		return nil, err
	}

	output, err := nonExecutiveCall(ctx, s.chain.Endpoint, ethereum.CallRequest{
		Contract: s.Address(),
		Data:     input,
		Caller:   s.chain.Client.Address(),
		Block:    block,
	})
	if err != nil {
		return nil, err
	}

	return decodeUint256(output, "totalSupply", s.Address())
}

// Transfer moves amount from `from` to `to` and waits for the transaction to be
// mined. A reverted transfer is reported as ErrTransferReverted and leaves both
// balances untouched.
func (s *SimpleToken) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (*types.Receipt, error) {
	if amount == nil {
		amount = new(uint256.Int)
	}

	receipt, err := s.contract.Transact(ctx, s.chain.Client, from, "transfer", to, amount.ToBig())
	if err != nil {
		if errors.Is(err, ethereum.ErrCallReverted) {
			return receipt, ethereum.WithKind(err, ethereum.ErrTransferReverted, "transfer", s.Address())
		}

		return receipt, err
	}

	return receipt, nil
}

// nonExecutiveCall runs req over a query client dedicated to this call.
func nonExecutiveCall(ctx context.Context, endpoint string, req ethereum.CallRequest) ([]byte, error) {
	query, err := ethereum.NewQueryClient(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer query.Close()

	return query.NonExecutiveCall(ctx, req)
}

// decodeUint256 reads a single ABI-encoded uint256. Any other width is an error.
func decodeUint256(output []byte, op string, contract common.Address) (*uint256.Int, error) {
	if len(output) != uint256Size {
		return nil, &ethereum.CallError{
			Kind:     ethereum.ErrDecode,
			Op:       op,
			Contract: contract,
			Data:     output,
			Err:      fmt.Errorf("got %d bytes, want %d", len(output), uint256Size),
		}
	}

	return new(uint256.Int).SetBytes32(output), nil
}
