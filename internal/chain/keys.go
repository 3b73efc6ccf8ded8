package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/signalswap/backend/internal/core"
)

// KeySize is the length of a Solana secret key: 32-byte ed25519 seed followed
// by the 32-byte public key, matching ed25519.PrivateKey's layout.
const KeySize = ed25519.PrivateKeySize

// GenerateKeypair creates a new wallet keypair. The returned secret is the
// 64-byte form; the address is the base58-encoded public key.
func GenerateKeypair() (address string, secret []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate keypair: %w", err)
	}
	return base58.Encode(pub), priv, nil
}

// Address derives the base58 public address from a 64-byte secret key.
func Address(secret []byte) (string, error) {
	if len(secret) != KeySize {
		return "", fmt.Errorf("%w: secret key must be %d bytes, got %d", core.ErrCryptoIntegrity, KeySize, len(secret))
	}
	pub := ed25519.PrivateKey(secret).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}

// Sign signs msg with a 64-byte secret key.
func Sign(secret, msg []byte) ([]byte, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", core.ErrCryptoIntegrity, KeySize, len(secret))
	}
	return ed25519.Sign(ed25519.PrivateKey(secret), msg), nil
}

// ValidAddress reports whether s decodes to a 32-byte base58 public key.
func ValidAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == ed25519.PublicKeySize
}
