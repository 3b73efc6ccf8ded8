package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/signalswap/backend/internal/core"
)

// DLQStore captures executions that exhausted their automatic retries and
// holds them for manual retry or abandonment. At most one PENDING-or-RETRYING
// entry exists per execution, enforced by a partial unique index.
type DLQStore struct {
	db         *DB
	executions *ExecutionStore
	rules      *RuleStore
	audit      *AuditStore
	logger     *log.Logger
}

// NewDLQStore creates a DLQ store. audit may be nil.
func NewDLQStore(db *DB, executions *ExecutionStore, rules *RuleStore, audit *AuditStore) *DLQStore {
	return &DLQStore{
		db:         db,
		executions: executions,
		rules:      rules,
		audit:      audit,
		logger:     log.New(log.Writer(), "[DLQ] ", log.LstdFlags),
	}
}

// FailureResult reports what HandleFailure did.
type FailureResult struct {
	Moved      bool
	RetryCount int
	DLQID      string
}

// HandleFailure increments the execution's retry count and, once it reaches
// core.MaxRetries, moves the execution into the queue. Idempotent: an
// existing open entry for the execution is returned instead of duplicated.
func (s *DLQStore) HandleFailure(ctx context.Context, executionID string, cause error) (*FailureResult, error) {
	count, err := s.executions.IncrementRetry(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if count < core.MaxRetries {
		return &FailureResult{Moved: false, RetryCount: count}, nil
	}

	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}

	id := uuid.New().String()
	row := s.db.conn.QueryRowContext(ctx, `
        INSERT INTO dead_letter_queue (id, execution_id, failure_reason, retry_count, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (execution_id) WHERE status IN ('PENDING','RETRYING') DO NOTHING
        RETURNING id`,
		id, executionID, reason, count, core.DLQPending)

	var dlqID string
	err = row.Scan(&dlqID)
	if errors.Is(err, sql.ErrNoRows) {
		// An open entry already exists (this execution came back through a
		// manual retry and failed again): reopen it as PENDING with the
		// fresh failure so the operator can retry once more.
		err = s.db.conn.QueryRowContext(ctx, `
            UPDATE dead_letter_queue
            SET status = $2, failure_reason = $3, retry_count = $4, moved_at = now()
            WHERE execution_id = $1 AND status IN ('PENDING','RETRYING')
            RETURNING id`,
			executionID, core.DLQPending, reason, count).Scan(&dlqID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dead-letter insert: %v", core.ErrStoreFailure, err)
	}

	s.logger.Printf("☠️  execution %s moved to DLQ after %d attempts: %s", executionID, count, reason)
	if s.audit != nil {
		s.audit.Record(ctx, "system", "execution_dead_lettered", "execution", executionID, map[string]any{
			"dlq_id": dlqID, "reason": reason,
		})
	}
	return &FailureResult{Moved: true, RetryCount: count, DLQID: dlqID}, nil
}

const dlqColumns = `id, execution_id, failure_reason, retry_count, moved_at, status, resolution_notes`

func scanDLQ(row interface{ Scan(...any) error }) (*core.DLQEntry, error) {
	var e core.DLQEntry
	var notes sql.NullString
	err := row.Scan(&e.ID, &e.ExecutionID, &e.FailureReason, &e.RetryCount,
		&e.MovedAt, &e.Status, &notes)
	if err != nil {
		return nil, err
	}
	e.ResolutionNotes = notes.String
	return &e, nil
}

// Get fetches one entry.
func (s *DLQStore) Get(ctx context.Context, id string) (*core.DLQEntry, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = $1`, id)
	e, err := scanDLQ(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dlq entry %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreFailure, err)
	}
	return e, nil
}

// List returns entries, optionally filtered by status (empty means all).
func (s *DLQStore) List(ctx context.Context, status core.DLQStatus) ([]core.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY moved_at DESC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list dlq: %v", core.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []core.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan dlq: %v", core.ErrStoreFailure, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Retry transitions a PENDING entry to RETRYING, resets the underlying
// execution to TRIGGERED, and re-arms the parked rule so the poller can pick
// it up again. The reset execution is resumed under its original idempotency
// key the next time the rule triggers.
func (s *DLQStore) Retry(ctx context.Context, dlqID string) error {
	entry, err := s.Get(ctx, dlqID)
	if err != nil {
		return err
	}
	if entry.Status != core.DLQPending {
		return fmt.Errorf("%w: dlq entry %s is %s, only PENDING can retry", core.ErrInvalidTransition, dlqID, entry.Status)
	}
	exec, err := s.executions.Get(ctx, entry.ExecutionID)
	if err != nil {
		return err
	}

	if _, err := s.db.conn.ExecContext(ctx,
		`UPDATE dead_letter_queue SET status = $1 WHERE id = $2`,
		core.DLQRetrying, dlqID); err != nil {
		return fmt.Errorf("%w: dlq retry: %v", core.ErrStoreFailure, err)
	}
	if err := s.executions.ResetToTriggered(ctx, entry.ExecutionID); err != nil {
		return err
	}
	if err := s.rules.Transition(ctx, exec.RuleID, core.RuleFailed, core.RuleActive, false); err != nil {
		if !errors.Is(err, core.ErrInvalidTransition) {
			return err
		}
		// Re-armed or cancelled out of band. A still-eligible rule resumes
		// the reset execution on its next trigger either way.
		s.logger.Printf("⚠️  dlq retry %s: rule %s is not FAILED: %v", dlqID, exec.RuleID, err)
	}

	s.logger.Printf("🔁 DLQ entry %s queued for manual retry (execution %s, rule %s)", dlqID, entry.ExecutionID, exec.RuleID)
	if s.audit != nil {
		s.audit.Record(ctx, "admin", "dlq_retried", "dlq", dlqID, nil)
	}
	return nil
}

// ResolveForExecution closes any open entry for executionID after the
// execution finally landed. No-op when nothing is open.
func (s *DLQStore) ResolveForExecution(ctx context.Context, executionID, notes string) error {
	res, err := s.db.conn.ExecContext(ctx, `
        UPDATE dead_letter_queue SET status = $1, resolution_notes = $2
        WHERE execution_id = $3 AND status IN ('PENDING','RETRYING')`,
		core.DLQResolved, notes, executionID)
	if err != nil {
		return fmt.Errorf("%w: resolve dlq for execution: %v", core.ErrStoreFailure, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Printf("✅ DLQ entry for execution %s resolved: %s", executionID, notes)
		if s.audit != nil {
			s.audit.Record(ctx, "system", "dlq_resolved", "execution", executionID, map[string]any{"notes": notes})
		}
	}
	return nil
}

// Abandon closes an entry permanently with a reason.
func (s *DLQStore) Abandon(ctx context.Context, dlqID, reason string) error {
	return s.close(ctx, dlqID, core.DLQAbandoned, reason, "dlq_abandoned")
}

// Resolve closes an entry as handled, with operator notes.
func (s *DLQStore) Resolve(ctx context.Context, dlqID, notes string) error {
	return s.close(ctx, dlqID, core.DLQResolved, notes, "dlq_resolved")
}

func (s *DLQStore) close(ctx context.Context, dlqID string, status core.DLQStatus, notes, auditAction string) error {
	res, err := s.db.conn.ExecContext(ctx, `
        UPDATE dead_letter_queue SET status = $1, resolution_notes = $2
        WHERE id = $3 AND status IN ('PENDING','RETRYING')`,
		status, notes, dlqID)
	if err != nil {
		return fmt.Errorf("%w: close dlq entry: %v", core.ErrStoreFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dlq entry %s is not open", core.ErrInvalidTransition, dlqID)
	}
	if s.audit != nil {
		s.audit.Record(ctx, "admin", auditAction, "dlq", dlqID, map[string]any{"notes": notes})
	}
	return nil
}

// Cleanup deletes resolved/abandoned entries older than the retention window.
func (s *DLQStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
        DELETE FROM dead_letter_queue
        WHERE status IN ('RESOLVED','ABANDONED') AND moved_at < $1`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: dlq cleanup: %v", core.ErrStoreFailure, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
