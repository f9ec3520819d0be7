package ethereum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// reasonNoContractCode is the reason reported when a call targets an address without code.
const reasonNoContractCode = "no contract code at address"

// BlockRef selects the state a read-only call executes against.
// The zero value refers to the latest block.
type BlockRef struct {
	number *uint64
}

// Latest refers to the most recent block.
//
//nolint:gochecknoglobals // Immutable zero value.
var Latest = BlockRef{}

// AtBlock refers to the state after block n.
func AtBlock(n uint64) BlockRef {
	return BlockRef{number: &n}
}

// Number returns the block number and whether one was set.
func (b BlockRef) Number() (uint64, bool) {
	if b.number == nil {
		return 0, false
	}

	return *b.number, true
}

// String returns the JSON-RPC block parameter.
func (b BlockRef) String() string {
	if b.number == nil {
		return "latest"
	}

	return hexutil.EncodeUint64(*b.number)
}

// CallRequest is a read-only contract invocation. Data is opaque ABI-encoded calldata.
type CallRequest struct {
	Contract common.Address
	Data     []byte
	Caller   common.Address
	Block    BlockRef
}

// callArgs is the eth_call transaction object.
type callArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// QueryClient issues read-only calls straight to a node endpoint. It holds no
// signing keys and never touches nonces or gas.
type QueryClient struct {
	url       string
	rpcClient *rpc.Client
	transport *http.Transport
	logger    logrus.FieldLogger
}

// NewQueryClient creates a query client for the given endpoint URL.
func NewQueryClient(ctx context.Context, endpoint string) (*QueryClient, error) {
	rpcClient, transport, err := dialEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	return &QueryClient{
		url:       endpoint,
		rpcClient: rpcClient,
		transport: transport,
		logger:    logrus.StandardLogger(),
	}, nil
}

// WithLogger sets the logger used for failed calls.
func (q *QueryClient) WithLogger(logger logrus.FieldLogger) *QueryClient {
	if logger != nil {
		q.logger = logger
	}

	return q
}

// Close releases the underlying connection, including idle keep-alive sockets.
func (q *QueryClient) Close() {
	q.rpcClient.Close()
	q.transport.CloseIdleConnections()
}

// NonExecutiveCall simulates req against the node and returns the raw output bytes.
// No transaction is created, so no state changes, no gas is paid and no nonce is used.
func (q *QueryClient) NonExecutiveCall(ctx context.Context, req CallRequest) ([]byte, error) {
	args := callArgs{
		From: req.Caller,
		To:   req.Contract,
		Data: req.Data,
	}

	var out hexutil.Bytes

	err := q.rpcClient.CallContext(ctx, &out, "eth_call", args, req.Block.String())
	if err != nil {
		classified := classifyCallError(err, "eth_call", req.Contract)
		q.logger.WithFields(logrus.Fields{
			"endpoint": q.url,
			"contract": req.Contract.Hex(),
			"block":    req.Block.String(),
		}).WithError(classified).Debug("eth_call failed")

		return nil, classified
	}

	if len(out) == 0 {
		if err := q.requireCode(ctx, req.Contract, req.Block); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// requireCode reports a revert when there is no contract at addr, since eth_call
// against an account without code succeeds with empty output.
func (q *QueryClient) requireCode(ctx context.Context, addr common.Address, block BlockRef) error {
	var code hexutil.Bytes

	err := q.rpcClient.CallContext(ctx, &code, "eth_getCode", addr, block.String())
	if err != nil {
		return classifyCallError(err, "eth_getCode", addr)
	}

	if len(code) == 0 {
		return &CallError{Kind: ErrCallReverted, Op: "eth_call", Contract: addr, Reason: reasonNoContractCode}
	}

	return nil
}

// dialEndpoint validates endpoint and opens an RPC client over a transport
// owned by the caller, who must close its idle connections when done.
func dialEndpoint(ctx context.Context, endpoint string) (*rpc.Client, *http.Transport, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	rpcClient, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(&http.Client{Transport: transport}))
	if err != nil {
		transport.CloseIdleConnections()

		return nil, nil, fmt.Errorf("%w: %s: %w", ErrInvalidURL, endpoint, err)
	}

	return rpcClient, transport, nil
}

func validateEndpoint(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported scheme %q in %s", ErrInvalidURL, parsed.Scheme, endpoint)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host in %s", ErrInvalidURL, endpoint)
	}

	return nil
}

// classifyCallError maps a JSON-RPC failure to the error taxonomy.
func classifyCallError(err error, op string, contract common.Address) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s on %s: %w", op, contract.Hex(), err)
	}

	// A JSON-RPC error object means the transport worked; only then is the message inspected.
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		if isConnectionError(err) {
			return &CallError{Kind: ErrConnectionFailed, Op: op, Contract: contract, Err: err}
		}

		return &CallError{Kind: ErrRPC, Op: op, Contract: contract, Err: err}
	}

	data := revertData(err)
	msg := strings.ToLower(rpcErr.Error())

	switch {
	case len(data) > 0 || strings.Contains(msg, "revert"):
		reason := revertReason(data, rpcErr.Error())

		return &CallError{Kind: ErrCallReverted, Op: op, Contract: contract, Reason: reason, Data: data, Err: err}

	case isBlockError(msg):
		return &CallError{Kind: ErrInvalidBlockReference, Op: op, Contract: contract, Err: err}

	default:
		return &CallError{Kind: ErrRPC, Op: op, Contract: contract, Err: err}
	}
}

// revertData extracts hex-encoded revert data from a JSON-RPC error.
func revertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}

	encoded, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}

	data, decodeErr := hexutil.Decode(encoded)
	if decodeErr != nil {
		return nil
	}

	return data
}

// revertReason decodes Error(string)/Panic(uint256) data, falling back to the
// text the node put after "execution reverted".
func revertReason(data []byte, message string) string {
	if len(data) > 0 {
		if reason, err := abi.UnpackRevert(data); err == nil {
			return reason
		}
	}

	if _, after, found := strings.Cut(message, "execution reverted"); found {
		return strings.TrimSpace(strings.TrimLeft(after, ": "))
	}

	return ""
}

func isBlockError(msg string) bool {
	return strings.Contains(msg, "block") &&
		(strings.Contains(msg, "not found") ||
			strings.Contains(msg, "out of range") ||
			strings.Contains(msg, "outofrange") ||
			strings.Contains(msg, "unknown") ||
			strings.Contains(msg, "future")) ||
		strings.Contains(msg, "header not found")
}

// isConnectionError reports whether err happened below the JSON-RPC layer.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errMsg := strings.ToLower(err.Error())

	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "broken pipe")
}
