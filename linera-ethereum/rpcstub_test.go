package ethereum

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Anvil default account addresses.
const (
	testAccount0 = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testAccount1 = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// stubError is a JSON-RPC error object returned by a stub handler.
type stubError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// stubHandler answers one JSON-RPC method. It returns either a result or an error.
type stubHandler func(params []json.RawMessage) (any, *stubError)

// rpcStub is a small deterministic JSON-RPC server. Handlers are registered per
// method; every request is recorded so tests can assert on call counts and params.
type rpcStub struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]stubHandler
	calls    map[string][][]json.RawMessage
}

func newRPCStub(t *testing.T) *rpcStub {
	t.Helper()

	stub := &rpcStub{
		t:        t,
		handlers: make(map[string]stubHandler),
		calls:    make(map[string][][]json.RawMessage),
	}

	stub.server = httptest.NewServer(http.HandlerFunc(stub.serveHTTP))
	t.Cleanup(stub.server.Close)

	return stub
}

func (s *rpcStub) URL() string {
	return s.server.URL
}

// Handle registers h for method, replacing any previous handler.
func (s *rpcStub) Handle(method string, h stubHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[method] = h
}

// Result registers a handler that always returns result.
func (s *rpcStub) Result(method string, result any) {
	s.Handle(method, func([]json.RawMessage) (any, *stubError) {
		return result, nil
	})
}

// Fail registers a handler that always returns the given error.
func (s *rpcStub) Fail(method string, rpcErr stubError) {
	s.Handle(method, func([]json.RawMessage) (any, *stubError) {
		return nil, &rpcErr
	})
}

// Calls returns the params of every request made for method.
func (s *rpcStub) Calls(method string) [][]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]json.RawMessage, len(s.calls[method]))
	copy(out, s.calls[method])

	return out
}

func (s *rpcStub) CallCount(method string) int {
	return len(s.Calls(method))
}

func (s *rpcStub) serveHTTP(writer http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(request.Body)
	if err != nil {
		s.t.Errorf("failed to read request body: %v", err)

		return
	}

	_ = request.Body.Close()

	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}

	if err := json.Unmarshal(body, &req); err != nil {
		s.t.Errorf("failed to unmarshal request: %v", err)

		return
	}

	s.mu.Lock()
	s.calls[req.Method] = append(s.calls[req.Method], req.Params)
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()

	writer.Header().Set("Content-Type", "application/json")

	if !ok {
		_, _ = fmt.Fprintf(writer, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"the method %s does not exist/is not available"}}`, req.ID, req.Method)

		return
	}

	result, rpcErr := handler(req.Params)

	response := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		response["error"] = rpcErr
	} else {
		response["result"] = result
	}

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		s.t.Errorf("failed to encode response: %v", err)
	}
}

// encodeRevert returns the hex-encoded Error(string) payload for reason.
func encodeRevert(t *testing.T, reason string) string {
	t.Helper()

	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("failed to build string type: %v", err)
	}

	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatalf("failed to pack revert reason: %v", err)
	}

	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

// receiptJSON renders a mined receipt as returned by eth_getTransactionReceipt.
func receiptJSON(txHash common.Hash, contract *common.Address, status uint64) map[string]any {
	receipt := map[string]any{
		"type":              "0x0",
		"status":            hexutil.EncodeUint64(status),
		"cumulativeGasUsed": "0x5208",
		"logsBloom":         "0x" + strings.Repeat("00", 256),
		"logs":              []any{},
		"transactionHash":   txHash.Hex(),
		"gasUsed":           "0x5208",
		"effectiveGasPrice": "0x3b9aca00",
		"blockHash":         common.HexToHash("0xb1").Hex(),
		"blockNumber":       "0x1",
		"transactionIndex":  "0x0",
		"contractAddress":   nil,
	}

	if contract != nil {
		receipt["contractAddress"] = contract.Hex()
	}

	return receipt
}
