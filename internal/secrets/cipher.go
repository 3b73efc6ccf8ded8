// Package secrets guards the master encryption key and every decrypted
// automation-wallet private key. Plaintext key material never leaves this
// package except inside the scoped callback of WithKey, and the buffer handed
// to that callback is zeroed before WithKey returns.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/signalswap/backend/internal/core"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Encrypt seals plaintext under the 32-byte master key with AES-256-GCM.
// The ciphertext, IV and authentication tag are returned separately because
// they are persisted as separate columns.
func Encrypt(master, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	iv = make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]
	return ciphertext, iv, tag, nil
}

// decrypt opens the stored (ciphertext, iv, tag) triplet. The returned buffer
// is owned by the caller, who must zero it.
func decrypt(master, ciphertext, iv, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCryptoIntegrity, err)
	}
	return plain, nil
}

// Zero overwrites b with zero bytes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WithKey decrypts the wallet key, invokes fn with the plaintext buffer, and
// zeroes the buffer on every exit path, including panic and context
// cancellation. fn must not retain the buffer: it is invalid once WithKey
// returns. A tag mismatch yields core.ErrCryptoIntegrity.
func WithKey(ctx context.Context, ciphertext, iv, tag, master []byte, fn func(key []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	plain, err := decrypt(master, ciphertext, iv, tag)
	if err != nil {
		return err
	}
	defer Zero(plain)

	return fn(plain)
}
