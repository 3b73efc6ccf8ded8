package database

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// AuditStore appends to the audit_log and secrets_audit streams. Both are
// append-only and off every critical path: writes are best-effort and
// failures are logged, never returned.
type AuditStore struct {
	db     *DB
	logger *log.Logger
}

// NewAuditStore creates an audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{
		db:     db,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Record appends one audit_log row.
func (s *AuditStore) Record(ctx context.Context, actor, action, resourceType, resourceID string, detail map[string]any) {
	var detailJSON []byte
	if detail != nil {
		detailJSON, _ = json.Marshal(detail)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := s.db.conn.ExecContext(ctx, `
        INSERT INTO audit_log (actor, action, resource_type, resource_id, detail)
        VALUES ($1, $2, $3, $4, $5)`,
		actor, action, resourceType, resourceID, detailJSON)
	if err != nil {
		s.logger.Printf("⚠️  audit write failed (%s %s/%s): %v", action, resourceType, resourceID, err)
	}
}

// RecordSecretAccess appends one secrets_audit row. Satisfies
// secrets.AuditSink.
func (s *AuditStore) RecordSecretAccess(ctx context.Context, action, resourceType, resourceID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := s.db.conn.ExecContext(ctx, `
        INSERT INTO secrets_audit (action, resource_type, resource_id)
        VALUES ($1, $2, $3)`,
		action, resourceType, resourceID)
	if err != nil {
		s.logger.Printf("⚠️  secrets audit write failed (%s %s/%s): %v", action, resourceType, resourceID, err)
	}
}
