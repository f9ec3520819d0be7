// Package testutils wires an ephemeral anvil node to a client and provides
// the contract fixtures used by integration tests.
package testutils

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
	"github.com/2703roy/linera-protocol/linera-ethereum/anvil"
)

// AnvilTest is a running node plus a client signing as its first account.
// It is owned by a single test.
type AnvilTest struct {
	Instance *anvil.Instance
	Endpoint string
	Client   *ethereum.Client
	RPCURL   *url.URL
}

// GetAnvil starts a node on a free port and connects a client to it. The
// client holds the keys of every pre-funded account.
func GetAnvil(ctx context.Context, opts *anvil.Options) (*AnvilTest, error) {
	inst, err := anvil.Start(ctx, opts)
	if err != nil {
		return nil, err
	}

	chain, err := connect(ctx, inst, opts)
	if err != nil {
		_ = inst.Close()

		return nil, err
	}

	return chain, nil
}

func connect(ctx context.Context, inst *anvil.Instance, opts *anvil.Options) (*AnvilTest, error) {
	rpcURL, err := url.Parse(inst.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ethereum.ErrInvalidURL, err)
	}

	deployer, err := inst.PrivateKey(0)
	if err != nil {
		return nil, err
	}

	clientOpts := ethereum.DefaultOptions(inst.Endpoint())
	clientOpts.PrivateKey = deployer.Hex()
	clientOpts.AccountCount = len(inst.Addresses())

	if opts != nil {
		if opts.Mnemonic != "" {
			clientOpts.Mnemonic = opts.Mnemonic
		}

		clientOpts.Logger = opts.Logger
	}

	client, err := ethereum.NewClient(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	return &AnvilTest{
		Instance: inst,
		Endpoint: inst.Endpoint(),
		Client:   client,
		RPCURL:   rpcURL,
	}, nil
}

// NewAnvilTest starts a node with default options and stops it when t finishes.
func NewAnvilTest(t testing.TB) *AnvilTest {
	t.Helper()

	chain, err := GetAnvil(t.Context(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := chain.Close(); err != nil {
			t.Errorf("stopping anvil: %v", err)
		}
	})

	return chain
}

// Address returns the pre-funded account at index.
func (a *AnvilTest) Address(index int) (common.Address, error) {
	return a.Instance.Address(index)
}

// MustAddress returns the pre-funded account at index, failing t when out of range.
func (a *AnvilTest) MustAddress(t testing.TB, index int) common.Address {
	t.Helper()

	addr, err := a.Address(index)
	require.NoError(t, err)

	return addr
}

// Close disconnects the client and kills the node.
func (a *AnvilTest) Close() error {
	if a.Client != nil {
		a.Client.Close()
	}

	if a.Instance == nil {
		return nil
	}

	return a.Instance.Close()
}
