package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/signalswap/backend/internal/core"
)

// WalletStore persists automation wallets. Only ciphertext ever touches this
// store; decryption happens inside the secrets package.
type WalletStore struct {
	db    *DB
	audit *AuditStore
}

// NewWalletStore creates a wallet store. audit may be nil.
func NewWalletStore(db *DB, audit *AuditStore) *WalletStore {
	return &WalletStore{db: db, audit: audit}
}

// Create inserts a new automation wallet.
func (s *WalletStore) Create(ctx context.Context, w *core.AutomationWallet) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.KeyVersion == 0 {
		w.KeyVersion = 1
	}
	_, err := s.db.conn.ExecContext(ctx, `
        INSERT INTO automation_wallets (id, user_id, public_address, ciphertext, iv, auth_tag, key_version)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.UserID, w.PublicAddress, w.Ciphertext, w.IV, w.AuthTag, w.KeyVersion)
	if err != nil {
		return fmt.Errorf("%w: insert wallet: %v", core.ErrStoreFailure, err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, "system", "wallet_created", "wallet", w.ID, map[string]any{
			"public_address": w.PublicAddress,
		})
	}
	return nil
}

const walletColumns = `id, user_id, public_address, ciphertext, iv, auth_tag, key_version, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*core.AutomationWallet, error) {
	var w core.AutomationWallet
	err := row.Scan(&w.ID, &w.UserID, &w.PublicAddress, &w.Ciphertext, &w.IV,
		&w.AuthTag, &w.KeyVersion, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Get fetches one wallet.
func (s *WalletStore) Get(ctx context.Context, id string) (*core.AutomationWallet, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM automation_wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreFailure, err)
	}
	return w, nil
}

// ListWallets returns every automation wallet. Used by key rotation.
func (s *WalletStore) ListWallets(ctx context.Context) ([]core.AutomationWallet, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM automation_wallets ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: list wallets: %v", core.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []core.AutomationWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan wallet: %v", core.ErrStoreFailure, err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateWalletCiphertext swaps the stored ciphertext after re-encryption,
// bumping key_version. Part of the rotation path.
func (s *WalletStore) UpdateWalletCiphertext(ctx context.Context, walletID string, ciphertext, iv, tag []byte, keyVersion int) error {
	res, err := s.db.conn.ExecContext(ctx, `
        UPDATE automation_wallets
        SET ciphertext = $1, iv = $2, auth_tag = $3, key_version = $4, updated_at = now()
        WHERE id = $5`,
		ciphertext, iv, tag, keyVersion, walletID)
	if err != nil {
		return fmt.Errorf("%w: update wallet ciphertext: %v", core.ErrStoreFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: wallet %s", core.ErrNotFound, walletID)
	}
	return nil
}
