package secrets

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/signalswap/backend/internal/core"
)

// AuditSink receives one record per master-key access. Implementations must
// be best-effort: the secrets store never blocks or fails an operation on an
// audit write.
type AuditSink interface {
	RecordSecretAccess(ctx context.Context, action, resourceType, resourceID string)
}

// WalletRepository is the slice of the wallet store the rotation path needs.
type WalletRepository interface {
	ListWallets(ctx context.Context) ([]core.AutomationWallet, error)
	UpdateWalletCiphertext(ctx context.Context, walletID string, ciphertext, iv, tag []byte, keyVersion int) error
}

// Store validates and caches the master encryption key, audits every access,
// and performs key rotation. The cached key is immutable between rotations;
// rotation swaps it under the write lock, so the swap waits for all in-flight
// reads to finish.
type Store struct {
	mu     sync.RWMutex
	key    []byte
	audit  AuditSink
	logger *log.Logger
}

// NewStore validates the configured hex key once and caches it. A malformed
// key is core.ErrConfigInvalid, which callers treat as fatal at startup.
func NewStore(masterKeyHex string, audit AuditSink) (*Store, error) {
	key, err := parseKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	return &Store{
		key:    key,
		audit:  audit,
		logger: log.New(log.Writer(), "[SECRETS] ", log.LstdFlags),
	}, nil
}

func parseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: master key is not valid hex", core.ErrConfigInvalid)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: master key is %d bytes, want 32", core.ErrConfigInvalid, len(key))
	}
	return key, nil
}

// MasterKey returns a copy of the cached key and audits the access with the
// caller's resource tag.
func (s *Store) MasterKey(ctx context.Context, resourceType, resourceID string) []byte {
	s.mu.RLock()
	key := make([]byte, len(s.key))
	copy(key, s.key)
	s.mu.RUnlock()

	if s.audit != nil {
		s.audit.RecordSecretAccess(ctx, "master_key_access", resourceType, resourceID)
	}
	return key
}

// RotateReport summarizes one rotation run. Per-wallet failures never abort
// the batch; they are collected here.
type RotateReport struct {
	Total    int
	Rotated  int
	Failures map[string]error // wallet ID -> error
	Took     time.Duration
}

// Rotate re-encrypts every automation wallet under newKeyHex, bumping each
// wallet's key_version exactly once, then swaps the cached key. A wallet
// whose stored ciphertext fails authentication is reported with
// core.ErrCryptoIntegrity and left untouched.
func (s *Store) Rotate(ctx context.Context, newKeyHex string, wallets WalletRepository) (*RotateReport, error) {
	newKey, err := parseKey(newKeyHex)
	if err != nil {
		return nil, err
	}

	oldKey := s.MasterKey(ctx, "rotation", "all")
	defer Zero(oldKey)

	all, err := wallets.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list wallets: %v", core.ErrStoreFailure, err)
	}

	start := time.Now()
	report := &RotateReport{Total: len(all), Failures: make(map[string]error)}

	for _, w := range all {
		err := WithKey(ctx, w.Ciphertext, w.IV, w.AuthTag, oldKey, func(plain []byte) error {
			ct, iv, tag, err := Encrypt(newKey, plain)
			if err != nil {
				return err
			}
			return wallets.UpdateWalletCiphertext(ctx, w.ID, ct, iv, tag, w.KeyVersion+1)
		})
		if err != nil {
			report.Failures[w.ID] = err
			s.logger.Printf("❌ rotate wallet %s failed: %v", w.ID, err)
			if s.audit != nil {
				s.audit.RecordSecretAccess(ctx, "key_rotation_failed", "wallet", w.ID)
			}
			continue
		}
		report.Rotated++
		if s.audit != nil {
			s.audit.RecordSecretAccess(ctx, "key_rotated", "wallet", w.ID)
		}
	}

	// Swap the cache only after the batch: the write lock waits for every
	// in-flight MasterKey read to drain.
	s.mu.Lock()
	Zero(s.key)
	s.key = newKey
	s.mu.Unlock()

	report.Took = time.Since(start)
	s.logger.Printf("🔑 master key rotated: %d/%d wallets re-encrypted in %s",
		report.Rotated, report.Total, report.Took)
	return report, nil
}
