package ethereum

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Error classes. Every error returned by the harness matches exactly one of
// these with errors.Is.
var (
	// ErrResource covers port and process allocation failures.
	ErrResource = errors.New("resource error")
	// ErrConnectivity covers URL parsing and transport failures.
	ErrConnectivity = errors.New("connectivity error")
	// ErrContract covers deployment failures, reverts and result decoding.
	ErrContract = errors.New("contract error")
	// ErrRange covers out-of-bounds account indices.
	ErrRange = errors.New("range error")
)

// Specific errors, each wrapping its class.
var (
	ErrPortUnavailable       = fmt.Errorf("%w: no free port available", ErrResource)
	ErrNodeSpawnFailed       = fmt.Errorf("%w: node spawn failed", ErrResource)
	ErrNoSigningKey          = fmt.Errorf("%w: no signing key for sender", ErrResource)
	ErrInvalidURL            = fmt.Errorf("%w: invalid url", ErrConnectivity)
	ErrConnectionFailed      = fmt.Errorf("%w: connection failed", ErrConnectivity)
	ErrRPC                   = fmt.Errorf("%w: rpc request failed", ErrConnectivity)
	ErrCallReverted          = fmt.Errorf("%w: call reverted", ErrContract)
	ErrInvalidBlockReference = fmt.Errorf("%w: invalid block reference", ErrContract)
	ErrDeploymentFailed      = fmt.Errorf("%w: deployment failed", ErrContract)
	ErrTransferReverted      = fmt.Errorf("%w: transfer reverted", ErrContract)
	ErrDecode                = fmt.Errorf("%w: unexpected call result", ErrContract)
	ErrIndexOutOfRange       = fmt.Errorf("%w: account index out of range", ErrRange)
)

// CallError describes a failed contract interaction. It carries the revert
// reason and raw revert data when the node returned them.
type CallError struct {
	// Kind is one of the exported sentinel errors.
	Kind     error
	Op       string
	Contract common.Address
	Reason   string
	Data     []byte
	Err      error
}

func (e *CallError) Error() string {
	var builder strings.Builder

	builder.WriteString(e.Kind.Error())

	if e.Op != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Op)
	}

	if e.Contract != (common.Address{}) {
		builder.WriteString(" on ")
		builder.WriteString(e.Contract.Hex())
	}

	if e.Reason != "" {
		fmt.Fprintf(&builder, " (reason: %q)", e.Reason)
	}

	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// WithKind re-labels a call error under another kind, keeping reason and data.
// Errors that are not CallErrors are wrapped as a new CallError.
func WithKind(err error, kind error, op string, contract common.Address) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		relabeled := *callErr
		relabeled.Kind = kind
		relabeled.Op = op

		if contract != (common.Address{}) {
			relabeled.Contract = contract
		}

		return &relabeled
	}

	return &CallError{Kind: kind, Op: op, Contract: contract, Err: err}
}

// RevertReason returns the revert reason carried by err, if any.
func RevertReason(err error) (string, bool) {
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Reason == "" {
		return "", false
	}

	return callErr.Reason, true
}
