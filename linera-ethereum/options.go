package ethereum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultReceiptPollInterval = 100 * time.Millisecond

// Options configures a Client.
type Options struct {
	URL string `json:"url"`
	// PrivateKey is the default signer. Empty means anvil account #0.
	PrivateKey string `json:"privateKey"`
	// Mnemonic and AccountCount register additional development keys so that
	// any pre-funded account can send transactions.
	Mnemonic     string `json:"mnemonic"`
	AccountCount int    `json:"accountCount"`
	// ReceiptTimeout bounds WaitMined. Zero leaves it to the caller's context.
	ReceiptTimeout      time.Duration `json:"receiptTimeout"`
	ReceiptPollInterval time.Duration `json:"receiptPollInterval"`

	Fillers []Filler           `json:"-"`
	Logger  logrus.FieldLogger `json:"-"`
}

// DefaultOptions returns options for a development chain at url.
func DefaultOptions(url string) *Options {
	return &Options{
		URL:          url,
		PrivateKey:   DefaultPrivateKey,
		Mnemonic:     DefaultMnemonic,
		AccountCount: DefaultAccountCount,
	}
}

func (o *Options) withDefaults() *Options {
	out := *o

	if out.PrivateKey == "" {
		out.PrivateKey = DefaultPrivateKey
	}

	if out.Mnemonic != "" && out.AccountCount <= 0 {
		out.AccountCount = DefaultAccountCount
	}

	if out.ReceiptPollInterval <= 0 {
		out.ReceiptPollInterval = defaultReceiptPollInterval
	}

	if len(out.Fillers) == 0 {
		out.Fillers = DefaultFillers()
	}

	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}

	return &out
}

// NewOptionsFrom validates and instantiates Options from a map, as read from a
// JSON or YAML test configuration. Unknown fields are rejected. Durations below
// one second are taken as milliseconds.
func NewOptionsFrom(argument map[string]any) (*Options, error) {
	jsonStr, err := json.Marshal(argument)
	if err != nil {
		return nil, fmt.Errorf("unable to serialize options to JSON: %w", err)
	}

	// Instantiate a JSON decoder which will error on unknown
	// fields. As a result, if the input map contains an unknown
	// option, this function will produce an error.
	decoder := json.NewDecoder(bytes.NewReader(jsonStr))
	decoder.DisallowUnknownFields()

	var opts Options

	err = decoder.Decode(&opts)
	if err != nil {
		return nil, fmt.Errorf("unable to decode options: %w", err)
	}

	opts.ReceiptTimeout = normalizeDuration(opts.ReceiptTimeout)
	opts.ReceiptPollInterval = normalizeDuration(opts.ReceiptPollInterval)

	return &opts, nil
}

func normalizeDuration(d time.Duration) time.Duration {
	if d > 0 && d < time.Second {
		return d * time.Millisecond
	}

	return d
}
