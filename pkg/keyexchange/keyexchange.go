// Package keyexchange implements the asymmetric half of the session's
// hybrid key agreement: RSA key generation/import/export and the
// OAEP-wrapped envelope used to carry the symmetric session key.
package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// oaepOverhead is the fixed overhead RSA-OAEP with SHA-1 imposes on
// every encryption: 2*hashLen+2 = 2*20+2 = 42 bytes, matching the
// "max_cipher - 42" plaintext bound.
const oaepOverhead = 2*sha1.Size + 2

// KeyExchangeProvider holds an RSA keypair and performs the envelope
// encrypt/decrypt operations used during the handshake.
type KeyExchangeProvider struct {
	priv *rsa.PrivateKey
}

// Generate creates a new RSA keypair of the given modulus size in bits.
func Generate(bits int) (*KeyExchangeProvider, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generate: %w", err)
	}
	return &KeyExchangeProvider{priv: priv}, nil
}

// FromPrivateKey wraps an already-parsed RSA private key.
func FromPrivateKey(priv *rsa.PrivateKey) *KeyExchangeProvider {
	return &KeyExchangeProvider{priv: priv}
}

// PublicKey returns the provider's public half.
func (k *KeyExchangeProvider) PublicKey() *rsa.PublicKey {
	return &k.priv.PublicKey
}

// PrivateKey returns the underlying RSA private key.
func (k *KeyExchangeProvider) PrivateKey() *rsa.PrivateKey {
	return k.priv
}

// MaxPlaintextSize returns the largest plaintext EncryptPublic can wrap
// for a key of this size, i.e. max_cipher - 42.
func (k *KeyExchangeProvider) MaxPlaintextSize() int {
	return k.priv.Size() - oaepOverhead
}

// EncryptPublic wraps plaintext under pub using RSA-OAEP/SHA-1.
func EncryptPublic(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: encrypt: %w", err)
	}
	return ct, nil
}

// DecryptPrivate unwraps ciphertext with the provider's private key.
func (k *KeyExchangeProvider) DecryptPrivate(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, k.priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: decrypt: %w", err)
	}
	return pt, nil
}

// ExportPrivatePEM serializes the private key as a PKCS#1 PEM block.
func (k *KeyExchangeProvider) ExportPrivatePEM() []byte {
	der := x509.MarshalPKCS1PrivateKey(k.priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

// ExportPublicPEM serializes the public key as a PKIX PEM block.
func (k *KeyExchangeProvider) ExportPublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ImportPrivatePEM parses a PKCS#1 PEM-encoded private key.
func ImportPrivatePEM(data []byte) (*KeyExchangeProvider, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keyexchange: no PEM block found")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: parse private key: %w", err)
	}
	return &KeyExchangeProvider{priv: priv}, nil
}

// ImportPublicPEM parses a PKIX PEM-encoded public key.
func ImportPublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keyexchange: no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keyexchange: PEM block is not an RSA public key")
	}
	return pub, nil
}
