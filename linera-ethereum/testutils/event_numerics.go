package testutils

import (
	"context"
	_ "embed"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
)

//go:embed contracts/EventNumerics.json
var eventNumericsJSON []byte

//nolint:gochecknoglobals // Parsed once from the embedded artifact.
var eventNumericsArtifact = sync.OnceValues(func() (*ethereum.Artifact, error) {
	return ethereum.ParseArtifact(eventNumericsJSON)
})

// EventNumerics is a deployed contract whose constructor emits
// Numerics(sender, value, -value).
type EventNumerics struct {
	chain    *AnvilTest
	contract *ethereum.Contract
	receipt  *types.Receipt
}

// DeployEventNumerics deploys the contract from the chain's default signer.
func DeployEventNumerics(ctx context.Context, chain *AnvilTest, initialValue *uint256.Int) (*EventNumerics, error) {
	artifact, err := eventNumericsArtifact()
	if err != nil {
		return nil, &ethereum.CallError{Kind: ethereum.ErrDeploymentFailed, Op: "deploy EventNumerics", Err: err}
	}

	if initialValue == nil {
		initialValue = new(uint256.Int)
	}

	receipt, err := chain.Client.DeployContract(ctx, artifact, initialValue.ToBig())
	if err != nil {
		return nil, err
	}

	return &EventNumerics{
		chain:    chain,
		contract: artifact.Bind(receipt.ContractAddress),
		receipt:  receipt,
	}, nil
}

// Address returns the deployed contract address.
func (e *EventNumerics) Address() common.Address {
	return e.contract.Address()
}

// DeployReceipt returns the receipt of the deployment transaction.
func (e *EventNumerics) DeployReceipt() *types.Receipt {
	return e.receipt
}

// Events decodes the logs emitted during deployment.
func (e *EventNumerics) Events() ([]ethereum.ParsedEvent, error) {
	return e.contract.ParseEvents(e.receipt.Logs)
}

// Value returns the stored value as of block.
func (e *EventNumerics) Value(ctx context.Context, block ethereum.BlockRef) (*uint256.Int, error) {
	input, err := e.contract.EncodeABI("value")
	if err != nil {
		return nil, err
	}

	output, err := nonExecutiveCall(ctx, e.chain.Endpoint, ethereum.CallRequest{
		Contract: e.Address(),
		Data:     input,
		Caller:   e.chain.Client.Address(),
		Block:    block,
	})
	if err != nil {
		return nil, err
	}

	return decodeUint256(output, "value", e.Address())
}
