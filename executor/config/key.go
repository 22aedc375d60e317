package config

import (
	"bytes"
	"crypto/ecdsa"
	"os"
	"strings"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/tyler-smith/go-bip39"

	"github.com/GPTx-global/executor/executor/types"
)

// DefaultDerivationPath is the first Ethereum account of a BIP-44 wallet.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// LoadKey returns the node signing key: derived from the mnemonic when one is configured,
// otherwise read from the key file.
func (c Config) LoadKey() (*ecdsa.PrivateKey, error) {
	if c.Key.Mnemonic != "" {
		return KeyFromMnemonic(c.Key.Mnemonic, c.Key.DerivationPath)
	}

	return KeyFromFile(Resolve(c.Key.File))
}

// KeyFromFile reads a raw 32-byte secp256k1 key, or a hex encoded one.
func KeyFromFile(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "read %s: %v", path, err)
	}

	if len(raw) == 32 {
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, errorsmod.Wrapf(types.ErrInvalidKey, "%s: %v", path, err)
		}
		return key, nil
	}

	hex := strings.TrimPrefix(string(bytes.TrimSpace(raw)), "0x")
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "%s: %v", path, err)
	}

	return key, nil
}

// KeyFromMnemonic derives the key at path from a BIP-39 mnemonic.
func KeyFromMnemonic(mnemonic, path string) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errorsmod.Wrap(types.ErrInvalidKey, "invalid mnemonic")
	}

	if path == "" {
		path = DefaultDerivationPath
	}

	derivationPath, err := hdwallet.ParseDerivationPath(path)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "derivation path %q: %v", path, err)
	}

	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "wallet: %v", err)
	}

	account, err := wallet.Derive(derivationPath, false)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "derive %s: %v", path, err)
	}

	key, err := wallet.PrivateKey(account)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "private key at %s: %v", path, err)
	}

	return key, nil
}
