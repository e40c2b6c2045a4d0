// Package keystore persists the long-lived RSA keypair an acceptor
// uses across restarts, optionally encrypting the private key at rest
// under a passphrase-derived key.
package keystore

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tecstylos/securewire/pkg/keyexchange"
)

const (
	saltSize      = 16
	nonceSize     = 12
	pbkdf2Iters   = 100_000
	derivedKeyLen = 32
)

// Save writes provider's private key to path. If passphrase is
// non-empty, the PEM bytes are encrypted with an AES-GCM key derived
// from passphrase via PBKDF2-HMAC-SHA256; the file layout is
// [salt][nonce][ciphertext]. An empty passphrase writes plain PEM.
func Save(path string, provider *keyexchange.KeyExchangeProvider, passphrase string) error {
	pemBytes := provider.ExportPrivatePEM()

	if passphrase == "" {
		return os.WriteFile(path, pemBytes, 0o600)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("keystore: salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	gcm, err := stdcipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, pemBytes, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return os.WriteFile(path, out, 0o600)
}

// Load reads a keypair previously written by Save. passphrase must
// match what Save was called with (empty for a plain-PEM file).
func Load(path string, passphrase string) (*keyexchange.KeyExchangeProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	if passphrase == "" {
		return keyexchange.ImportPrivatePEM(raw)
	}

	if len(raw) < saltSize+nonceSize {
		return nil, fmt.Errorf("keystore: %s too short to contain salt and nonce", path)
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	sealed := raw[saltSize+nonceSize:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	gcm, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	pemBytes, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt %s: wrong passphrase or corrupt file: %w", path, err)
	}
	return keyexchange.ImportPrivatePEM(pemBytes)
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, derivedKeyLen, sha256.New), nil
}
