package anvil

import (
	"time"

	"github.com/sirupsen/logrus"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
)

// Default values, matching anvil's own defaults.
const (
	DefaultBinary  = "anvil"
	DefaultHost    = "127.0.0.1"
	DefaultChainID = uint64(31337)
)

// Options configures a spawned node.
type Options struct {
	// Binary is the anvil executable, looked up in PATH when not absolute.
	Binary       string        `json:"binary"`
	Host         string        `json:"host"`
	ChainID      uint64        `json:"chainId"`
	AccountCount int           `json:"accountCount"`
	Mnemonic     string        `json:"mnemonic"`
	// BlockTime switches from automine to interval mining when non-zero.
	BlockTime time.Duration `json:"blockTime"`
	// StartupTimeout bounds the wait for readiness. Zero relies on the caller's context.
	StartupTimeout time.Duration `json:"startupTimeout"`
	ExtraArgs      []string      `json:"extraArgs"`

	Logger logrus.FieldLogger `json:"-"`
}

// DefaultOptions returns the options used when nil is passed to Spawn.
func DefaultOptions() *Options {
	return &Options{
		Binary:       DefaultBinary,
		Host:         DefaultHost,
		ChainID:      DefaultChainID,
		AccountCount: ethereum.DefaultAccountCount,
		Mnemonic:     ethereum.DefaultMnemonic,
	}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		o = DefaultOptions()
	}

	out := *o

	if out.Binary == "" {
		out.Binary = DefaultBinary
	}

	if out.Host == "" {
		out.Host = DefaultHost
	}

	if out.ChainID == 0 {
		out.ChainID = DefaultChainID
	}

	if out.AccountCount <= 0 {
		out.AccountCount = ethereum.DefaultAccountCount
	}

	if out.Mnemonic == "" {
		out.Mnemonic = ethereum.DefaultMnemonic
	}

	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}

	return &out
}
