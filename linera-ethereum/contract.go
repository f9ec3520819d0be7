package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Static errors for contract operations.
var (
	errMethodNotFound = errors.New("method not found in ABI")
	errEmptyBytecode  = errors.New("artifact has no bytecode")
)

// Artifact is a compiled contract: its ABI and creation bytecode.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// artifactJSON accepts both the flat `"bytecode": "0x..."` layout and the
// foundry `"bytecode": {"object": "0x..."}` layout.
type artifactJSON struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// ParseArtifact decodes a contract artifact.
func ParseArtifact(data []byte) (*Artifact, error) {
	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}

	contractABI, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi: %w", err)
	}

	var encoded string
	if err := json.Unmarshal(raw.Bytecode, &encoded); err != nil {
		var object struct {
			Object string `json:"object"`
		}

		if objErr := json.Unmarshal(raw.Bytecode, &object); objErr != nil {
			return nil, fmt.Errorf("failed to decode bytecode: %w", objErr)
		}

		encoded = object.Object
	}

	bytecode, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bytecode: %w", err)
	}

	if len(bytecode) == 0 {
		return nil, errEmptyBytecode
	}

	return &Artifact{
		Name:     raw.ContractName,
		ABI:      contractABI,
		Bytecode: bytecode,
	}, nil
}

// DeployData returns the creation bytecode followed by the packed constructor arguments.
func (a *Artifact) DeployData(args ...any) ([]byte, error) {
	input := make([]byte, len(a.Bytecode))
	copy(input, a.Bytecode)

	if len(args) == 0 && len(a.ABI.Constructor.Inputs) == 0 {
		return input, nil
	}

	constructorArgs, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack constructor args: %w", err)
	}

	return append(input, constructorArgs...), nil
}

// Bind returns a handle on a deployed instance of the artifact.
func (a *Artifact) Bind(addr common.Address) *Contract {
	return &Contract{abi: &a.ABI, addr: addr, name: a.Name}
}

// Contract is an ABI bound to a deployed address.
type Contract struct {
	abi  *abi.ABI
	addr common.Address
	name string
}

// Address returns the contract address.
func (c *Contract) Address() common.Address {
	return c.addr
}

// ABI returns the contract ABI.
func (c *Contract) ABI() *abi.ABI {
	return c.abi
}

// EncodeABI encodes a contract method call into calldata.
func (c *Contract) EncodeABI(method string, args ...any) ([]byte, error) {
	if _, ok := c.abi.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}

	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}

	return input, nil
}

// Unpack decodes the output of method.
func (c *Contract) Unpack(method string, output []byte) ([]any, error) {
	results, err := c.abi.Unpack(method, output)
	if err != nil {
		return nil, &CallError{Kind: ErrDecode, Op: method, Contract: c.addr, Data: output, Err: err}
	}

	return results, nil
}

// Call encodes method, runs it as a non-executive call from caller at block
// and decodes the result.
func (c *Contract) Call(ctx context.Context, query *QueryClient, caller common.Address, block BlockRef, method string, args ...any) ([]any, error) {
	input, err := c.EncodeABI(method, args...)
	if err != nil {
		return nil, err
	}

	output, err := query.NonExecutiveCall(ctx, CallRequest{
		Contract: c.addr,
		Data:     input,
		Caller:   caller,
		Block:    block,
	})
	if err != nil {
		return nil, err
	}

	return c.Unpack(method, output)
}

// Transact encodes method and submits it from `from` through client's filling
// stack, waiting for the receipt. A mined but failed transaction is reported
// as ErrCallReverted.
func (c *Contract) Transact(ctx context.Context, client *Client, from common.Address, method string, args ...any) (*types.Receipt, error) {
	input, err := c.EncodeABI(method, args...)
	if err != nil {
		return nil, err
	}

	to := c.addr

	receipt, err := client.Transact(ctx, TxRequest{From: from, To: &to, Data: input})
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &CallError{
			Kind:     ErrCallReverted,
			Op:       method,
			Contract: c.addr,
			Err:      fmt.Errorf("receipt status %d for tx %s", receipt.Status, receipt.TxHash.Hex()),
		}
	}

	return receipt, nil
}
