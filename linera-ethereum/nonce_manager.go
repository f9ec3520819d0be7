package ethereum

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Static errors for nonce manager operations.
var errInvalidNonceEntryType = errors.New("invalid nonce entry type")

// NonceSource reports the next nonce the node would accept for an account.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces per (rpc URL, account) pair so that concurrent
// senders sharing a key never reuse a nonce.
//
// Entries are locked individually and lazily initialized from the node's
// pending nonce.
type NonceManager struct {
	entries sync.Map // key -> *nonceEntry
}

type nonceEntry struct {
	mu          sync.Mutex
	initialized bool
	next        uint64
}

func nonceKey(url string, addr common.Address) string {
	return fmt.Sprintf("%s|%s", url, addr.Hex())
}

func (manager *NonceManager) entry(url string, addr common.Address) (*nonceEntry, error) {
	val, _ := manager.entries.LoadOrStore(nonceKey(url, addr), &nonceEntry{})

	entry, ok := val.(*nonceEntry)
	if !ok {
		return nil, errInvalidNonceEntryType
	}

	return entry, nil
}

// Acquire reserves and returns the next nonce for addr on url.
// It initializes from the node's pending nonce on first use.
func (manager *NonceManager) Acquire(ctx context.Context, source NonceSource, url string, addr common.Address) (uint64, error) {
	entry, err := manager.entry(url, addr)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.initialized {
		nonce, err := source.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, fmt.Errorf("failed to get nonce: %w", err)
		}

		entry.next = nonce
		entry.initialized = true
	}

	nonce := entry.next
	entry.next++

	return nonce, nil
}

// Refresh resets the entry from the node state so the next Acquire returns a
// fresh, conflict-free nonce.
func (manager *NonceManager) Refresh(ctx context.Context, source NonceSource, url string, addr common.Address) error {
	entry, err := manager.entry(url, addr)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	nonce, err := source.PendingNonceAt(ctx, addr)
	if err != nil {
		// Mark uninitialized so a subsequent Acquire can retry initialization.
		entry.initialized = false
		entry.next = 0

		return fmt.Errorf("failed to get nonce: %w", err)
	}

	entry.next = nonce
	entry.initialized = true

	return nil
}
