package anvil

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
)

var (
	errNotRunning       = errors.New("node is not running")
	errSnapshotNotFound = errors.New("snapshot not found")
)

// Mine mines blocks immediately, regardless of the automine setting.
func (i *Instance) Mine(ctx context.Context, blocks uint64) error {
	if blocks == 0 {
		return nil
	}

	return i.control(ctx, nil, "anvil_mine", hexutil.Uint64(blocks))
}

// Snapshot records the current chain state and returns its id for Revert.
func (i *Instance) Snapshot(ctx context.Context) (string, error) {
	var id string
	if err := i.control(ctx, &id, "evm_snapshot"); err != nil {
		return "", err
	}

	return id, nil
}

// Revert restores the state recorded by Snapshot. A snapshot can be reverted to once.
func (i *Instance) Revert(ctx context.Context, id string) error {
	var reverted bool
	if err := i.control(ctx, &reverted, "evm_revert", id); err != nil {
		return err
	}

	if !reverted {
		return fmt.Errorf("%w: evm_revert: %w: %s", ethereum.ErrRPC, errSnapshotNotFound, id)
	}

	return nil
}

// SetAutomine toggles mining a block per transaction.
func (i *Instance) SetAutomine(ctx context.Context, enabled bool) error {
	return i.control(ctx, nil, "evm_setAutomine", enabled)
}

func (i *Instance) control(ctx context.Context, result any, method string, args ...any) error {
	if i.rpcClient == nil {
		return fmt.Errorf("%w: %s: %w", ethereum.ErrConnectionFailed, method, errNotRunning)
	}

	if err := i.rpcClient.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("%w: %s: %w", ethereum.ErrRPC, method, err)
	}

	i.logger.WithField("method", method).Debug("control request")

	return nil
}
