// Package anvil spawns disposable local anvil nodes for tests. Each Instance
// owns its process; closing the instance kills the node.
package anvil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
)

const (
	// readyMarker is printed by anvil once its RPC server is bound.
	readyMarker = "Listening on"
	// outputTailLines is how much node output is kept for spawn error reports.
	outputTailLines = 32

	readinessInitialInterval = 50 * time.Millisecond
	readinessMaxInterval     = time.Second
)

// Static errors for instance operations.
var (
	errNodeExited       = errors.New("node exited")
	errChainIDMismatch  = errors.New("unexpected chain id")
	errAccountsMismatch = errors.New("node accounts do not match mnemonic")
)

// Instance is a running anvil node bound to a local port.
type Instance struct {
	port     int
	endpoint string
	chainID  uint64
	keys     []ethereum.Key
	addrs    []common.Address

	cmd       *exec.Cmd
	rpcClient *rpc.Client
	logger    logrus.FieldLogger
	output    *outputTail

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start allocates a free port and spawns a node on it.
func Start(ctx context.Context, opts *Options) (*Instance, error) {
	port, err := FreePort()
	if err != nil {
		return nil, err
	}

	return Spawn(ctx, port, opts)
}

// Spawn launches anvil on port and blocks until it answers RPC requests.
// ctx bounds the startup only; the node keeps running until Close.
func Spawn(ctx context.Context, port int, opts *Options) (*Instance, error) {
	opts = opts.withDefaults()

	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ethereum.ErrNodeSpawnFailed, port)
	}

	keys, err := ethereum.AccountsFromMnemonic(opts.Mnemonic, opts.AccountCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ethereum.ErrNodeSpawnFailed, err)
	}

	if opts.StartupTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.StartupTimeout)
		defer cancel()
	}

	cmd := exec.Command(opts.Binary, opts.args(port)...) //nolint:gosec // Binary is test configuration.

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ethereum.ErrNodeSpawnFailed, err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ethereum.ErrNodeSpawnFailed, err)
	}

	done := make(chan struct{})

	if err := startProcess(cmd, done); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", ethereum.ErrNodeSpawnFailed, opts.Binary, err)
	}

	addrs := make([]common.Address, len(keys))
	for idx, key := range keys {
		addrs[idx] = key.Address
	}

	inst := &Instance{
		port:     port,
		endpoint: "http://" + net.JoinHostPort(dialHost(opts.Host), strconv.Itoa(port)),
		chainID:  opts.ChainID,
		keys:     keys,
		addrs:    addrs,
		cmd:      cmd,
		logger:   opts.Logger.WithFields(logrus.Fields{"port": port, "pid": cmd.Process.Pid}),
		output:   &outputTail{limit: outputTailLines},
		done:     done,
	}

	ready := make(chan struct{})
	inst.supervise(stdout, stderr, ready)

	if err := inst.waitReady(ctx, ready); err != nil {
		_ = inst.Close()

		return nil, err
	}

	inst.logger.WithField("endpoint", inst.endpoint).Info("anvil ready")

	return inst, nil
}

func (o *Options) args(port int) []string {
	args := []string{
		"--port", strconv.Itoa(port),
		"--host", o.Host,
		"--chain-id", strconv.FormatUint(o.ChainID, 10),
		"--accounts", strconv.Itoa(o.AccountCount),
		"--mnemonic", o.Mnemonic,
	}

	if o.BlockTime > 0 {
		seconds := max(int64(o.BlockTime/time.Second), 1)
		args = append(args, "--block-time", strconv.FormatInt(seconds, 10))
	}

	return append(args, o.ExtraArgs...)
}

// dialHost maps wildcard bind addresses to loopback.
func dialHost(host string) string {
	if host == "0.0.0.0" || host == "::" {
		return DefaultHost
	}

	return host
}

// supervise forwards node output to the logger and reaps the process.
func (i *Instance) supervise(stdout, stderr io.Reader, ready chan<- struct{}) {
	var (
		readers   sync.WaitGroup
		readyOnce sync.Once
	)

	scan := func(stream string, reader io.Reader) {
		defer readers.Done()

		logger := i.logger.WithField("stream", stream)
		scanner := bufio.NewScanner(reader)

		for scanner.Scan() {
			line := scanner.Text()
			i.output.add(line)
			logger.Debug(line)

			if strings.Contains(line, readyMarker) {
				readyOnce.Do(func() { close(ready) })
			}
		}

		// Keep draining so an oversized line cannot block the node on a full pipe.
		_, _ = io.Copy(io.Discard, reader)
	}

	readers.Add(2)

	go scan("stdout", stdout)
	go scan("stderr", stderr)

	go func() {
		readers.Wait()

		i.waitErr = i.cmd.Wait()
		close(i.done)
	}()
}

func (i *Instance) waitReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
	case <-i.done:
		return i.spawnError("node exited before listening", i.exitError())
	case <-ctx.Done():
		return i.spawnError("waiting for node to listen", ctx.Err())
	}

	rpcClient, err := rpc.DialContext(ctx, i.endpoint)
	if err != nil {
		return i.spawnError("dialing node", err)
	}

	i.rpcClient = rpcClient

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = readinessInitialInterval
	policy.MaxInterval = readinessMaxInterval
	policy.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		select {
		case <-i.done:
			return backoff.Permanent(i.exitError())
		default:
		}

		var chainID hexutil.Uint64
		if err := rpcClient.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
			return err
		}

		if uint64(chainID) != i.chainID {
			return backoff.Permanent(fmt.Errorf("%w: got %d, want %d", errChainIDMismatch, uint64(chainID), i.chainID))
		}

		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return i.spawnError("waiting for rpc", err)
	}

	return i.checkAccounts(ctx)
}

// checkAccounts verifies that the node funds the accounts derived locally.
func (i *Instance) checkAccounts(ctx context.Context) error {
	var remote []common.Address
	if err := i.rpcClient.CallContext(ctx, &remote, "eth_accounts"); err != nil {
		return i.spawnError("listing accounts", err)
	}

	if len(remote) < len(i.addrs) {
		return i.spawnError("listing accounts",
			fmt.Errorf("%w: node reports %d accounts, want %d", errAccountsMismatch, len(remote), len(i.addrs)))
	}

	for idx, addr := range i.addrs {
		if remote[idx] != addr {
			return i.spawnError("listing accounts",
				fmt.Errorf("%w: account %d is %s, want %s", errAccountsMismatch, idx, remote[idx].Hex(), addr.Hex()))
		}
	}

	return nil
}

func (i *Instance) exitError() error {
	if i.waitErr != nil {
		return fmt.Errorf("%w: %w", errNodeExited, i.waitErr)
	}

	return errNodeExited
}

func (i *Instance) spawnError(stage string, cause error) error {
	err := fmt.Errorf("%w: %s on port %d: %w", ethereum.ErrNodeSpawnFailed, stage, i.port, cause)

	if tail := i.output.String(); tail != "" {
		err = fmt.Errorf("%w\nnode output:\n%s", err, tail)
	}

	return err
}

// Endpoint returns the node's JSON-RPC URL.
func (i *Instance) Endpoint() string {
	return i.endpoint
}

// Port returns the TCP port the node listens on.
func (i *Instance) Port() int {
	return i.port
}

// ChainID returns the chain id the node was started with.
func (i *Instance) ChainID() uint64 {
	return i.chainID
}

// PID returns the node's process id.
func (i *Instance) PID() int {
	if i.cmd == nil || i.cmd.Process == nil {
		return 0
	}

	return i.cmd.Process.Pid
}

// Addresses returns the pre-funded accounts in index order.
func (i *Instance) Addresses() []common.Address {
	out := make([]common.Address, len(i.addrs))
	copy(out, i.addrs)

	return out
}

// Address returns the pre-funded account at index.
func (i *Instance) Address(index int) (common.Address, error) {
	if index < 0 || index >= len(i.addrs) {
		return common.Address{}, fmt.Errorf("%w: index %d, %d accounts", ethereum.ErrIndexOutOfRange, index, len(i.addrs))
	}

	return i.addrs[index], nil
}

// PrivateKey returns the key of the pre-funded account at index.
func (i *Instance) PrivateKey(index int) (ethereum.Key, error) {
	if index < 0 || index >= len(i.keys) {
		return ethereum.Key{}, fmt.Errorf("%w: index %d, %d accounts", ethereum.ErrIndexOutOfRange, index, len(i.keys))
	}

	return i.keys[index], nil
}

// Done is closed once the node process has exited.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Close kills the node and waits for it to exit. It is safe to call more than once.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		if i.rpcClient != nil {
			i.rpcClient.Close()
		}

		select {
		case <-i.done:
		default:
			if err := i.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				i.closeErr = fmt.Errorf("killing anvil (pid %d): %w", i.PID(), err)
			}

			<-i.done
		}

		i.logger.Debug("anvil stopped")
	})

	return i.closeErr
}

// outputTail keeps the last lines written by the node.
type outputTail struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return strings.Join(t.lines, "\n")
}
