package ethereum

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Static errors for wallet operations.
var (
	errInvalidPrivateKeyLength = errors.New("invalid private key: expected hex string with even length")
	errEmptyPrivateKey         = errors.New("invalid private key: empty bytes")
)

// DefaultMnemonic is the development mnemonic anvil funds accounts from.
const DefaultMnemonic = "test test test test test test test test test test test junk" //nolint:dupword

// DefaultAccountCount is the number of accounts anvil pre-funds by default.
const DefaultAccountCount = 10

// DefaultPrivateKey is anvil account #0. It is public and only valid for test chains.
//
// trunk-ignore(gitleaks/generic-api-key).
const DefaultPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// Key is an Ethereum key pair.
type Key struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// Hex returns the hex-encoded private key without 0x prefix.
func (k Key) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.PrivateKey))
}

// DerivationPath represents a BIP-32/44 derivation path.
// Standard Ethereum path: m/44'/60'/0'/0/index.
type DerivationPath []uint32

// DefaultDerivationPath is the standard Ethereum derivation path.
//
//nolint:gochecknoglobals // Standard constant path.
var DefaultDerivationPath = DerivationPath{
	0x80000000 + 44, // 44' (purpose)
	0x80000000 + 60, // 60' (coin type for Ethereum)
	0x80000000 + 0,  // 0'  (account)
	0,               // 0   (change)
	0,               // 0   (address index)
}

// AccountsFromMnemonic derives a list of accounts from a BIP-39 mnemonic.
// It uses the standard Ethereum path m/44'/60'/0'/0/i, starting at index 0.
// If count <= 0, it defaults to DefaultAccountCount accounts.
func AccountsFromMnemonic(mnemonic string, count int) ([]Key, error) {
	effectiveCount := count
	if effectiveCount <= 0 {
		effectiveCount = DefaultAccountCount
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create seed from mnemonic: %w", err)
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	keys := make([]Key, 0, effectiveCount)

	for index := range effectiveCount {
		path := make(DerivationPath, len(DefaultDerivationPath))
		copy(path, DefaultDerivationPath)
		path[len(path)-1] = uint32(index) //nolint:gosec // Index is bounded by effectiveCount.

		derivedKey, deriveErr := deriveKey(masterKey, path)
		if deriveErr != nil {
			return nil, fmt.Errorf("failed to derive key at index %d: %w", index, deriveErr)
		}

		privateKey, privKeyErr := derivedKey.ECPrivKey()
		if privKeyErr != nil {
			return nil, fmt.Errorf("failed to get private key at index %d: %w", index, privKeyErr)
		}

		ecdsaKey := privateKey.ToECDSA()

		keys = append(keys, Key{
			PrivateKey: ecdsaKey,
			Address:    crypto.PubkeyToAddress(ecdsaKey.PublicKey),
		})
	}

	return keys, nil
}

// deriveKey derives a key from a master key using a derivation path.
func deriveKey(masterKey *hdkeychain.ExtendedKey, path DerivationPath) (*hdkeychain.ExtendedKey, error) {
	var err error

	key := masterKey

	for _, n := range path {
		key, err = key.Derive(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive: %w", err)
		}
	}

	return key, nil
}

// KeyFromHex constructs a key from a hex-encoded private key.
// The input may be with or without a leading 0x.
func KeyFromHex(privateKeyHex string) (Key, error) {
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(privateKeyHex)), "0x")
	if len(cleaned) == 0 || len(cleaned)%2 != 0 {
		return Key{}, errInvalidPrivateKeyLength
	}

	rawKey, err := hex.DecodeString(cleaned)
	if err != nil {
		return Key{}, fmt.Errorf("failed to decode private key hex: %w", err)
	}

	if len(rawKey) == 0 {
		return Key{}, errEmptyPrivateKey
	}

	privateKey, err := crypto.ToECDSA(rawKey)
	if err != nil {
		return Key{}, fmt.Errorf("failed to create wallet from private key: %w", err)
	}

	return Key{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Wallet is a keyring of signing keys indexed by address.
// It is safe for concurrent use.
type Wallet struct {
	mu    sync.RWMutex
	keys  map[common.Address]*ecdsa.PrivateKey
	order []common.Address
}

// NewWallet returns a wallet holding keys. The first key is the default signer.
func NewWallet(keys ...Key) *Wallet {
	wallet := &Wallet{keys: make(map[common.Address]*ecdsa.PrivateKey, len(keys))}
	for _, key := range keys {
		wallet.Add(key)
	}

	return wallet
}

// Add registers key. Adding a known address is a no-op.
func (w *Wallet) Add(key Key) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[key.Address]; ok {
		return
	}

	w.keys[key.Address] = key.PrivateKey
	w.order = append(w.order, key.Address)
}

// Key returns the private key registered for addr.
func (w *Wallet) Key(addr common.Address) (*ecdsa.PrivateKey, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	key, ok := w.keys[addr]

	return key, ok
}

// Default returns the first registered address.
func (w *Wallet) Default() (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.order) == 0 {
		return common.Address{}, false
	}

	return w.order[0], true
}

// Addresses returns the registered addresses in insertion order.
func (w *Wallet) Addresses() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]common.Address, len(w.order))
	copy(out, w.order)

	return out
}

// ABI types for encoding mapping keys.
//
//nolint:gochecknoglobals // ABI types are constant and safe to reuse.
var (
	abiAddress, _ = abi.NewType("address", "", nil)
	abiUint256, _ = abi.NewType("uint256", "", nil)
)

// ComputeMappingSlot computes the storage slot for a Solidity mapping entry.
// For mapping(address => T) at baseSlot, the slot for key is keccak256(abi.encode(key, baseSlot)).
func ComputeMappingSlot(key common.Address, baseSlot int64) (common.Hash, error) {
	args := abi.Arguments{
		{Type: abiAddress},
		{Type: abiUint256},
	}

	encoded, err := args.Pack(key, big.NewInt(baseSlot))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode mapping slot: %w", err)
	}

	return crypto.Keccak256Hash(encoded), nil
}
