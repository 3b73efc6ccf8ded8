package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/signalswap/backend/internal/core"
)

// ExecutionStore persists trigger attempts keyed by their idempotency
// fingerprint. The unique constraint on idempotency_key makes retries of the
// same trigger return the existing row instead of creating a new one.
type ExecutionStore struct {
	db     *DB
	audit  *AuditStore
	logger *log.Logger
}

// NewExecutionStore creates an execution store. audit may be nil.
func NewExecutionStore(db *DB, audit *AuditStore) *ExecutionStore {
	return &ExecutionStore{
		db:     db,
		audit:  audit,
		logger: log.New(log.Writer(), "[EXEC-STORE] ", log.LstdFlags),
	}
}

const executionColumns = `id, rule_id, triggered_at, market_condition_snapshot,
    idempotency_key, status, tx_signature, tx_blockhash, tx_sent_at,
    retry_count, error_message, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*core.Execution, error) {
	var e core.Execution
	var sig, blockhash, errMsg sql.NullString
	var sentAt sql.NullTime
	var snapshot []byte
	err := row.Scan(&e.ID, &e.RuleID, &e.TriggeredAt, &snapshot, &e.IdempotencyKey,
		&e.Status, &sig, &blockhash, &sentAt, &e.RetryCount, &errMsg,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Snapshot = json.RawMessage(snapshot)
	e.TxSignature = sig.String
	e.TxBlockhash = blockhash.String
	e.ErrorMessage = errMsg.String
	if sentAt.Valid {
		t := sentAt.Time
		e.TxSentAt = &t
	}
	return &e, nil
}

// CreateOrGet inserts a TRIGGERED execution for (ruleID, triggeredAt) or, on
// an idempotency-key collision, returns the existing row with isNew=false.
func (s *ExecutionStore) CreateOrGet(ctx context.Context, ruleID string, triggeredAt time.Time, snapshot json.RawMessage) (*core.Execution, bool, error) {
	key := core.IdempotencyKey(ruleID, triggeredAt)
	id := uuid.New().String()

	row := s.db.conn.QueryRowContext(ctx, `
        INSERT INTO executions (id, rule_id, triggered_at, market_condition_snapshot,
                                idempotency_key, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (idempotency_key) DO NOTHING
        RETURNING `+executionColumns,
		id, ruleID, triggeredAt.UTC(), []byte(snapshot), key, core.ExecutionTriggered)

	exec, err := scanExecution(row)
	if err == nil {
		if s.audit != nil {
			s.audit.Record(ctx, "system", "execution_created", "execution", exec.ID, map[string]any{
				"rule_id": ruleID, "idempotency_key": key,
			})
		}
		return exec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: create execution: %v", core.ErrStoreFailure, err)
	}

	// Conflict: fetch the existing attempt for this trigger.
	row = s.db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE idempotency_key = $1`, key)
	exec, err = scanExecution(row)
	if err != nil {
		return nil, false, fmt.Errorf("%w: load existing execution: %v", core.ErrStoreFailure, err)
	}
	return exec, false, nil
}

// FindResumable returns the newest execution that still owns the rule's
// retry budget: a TRIGGERED or EXECUTING row (crash recovery, operator
// retries), or a FAILED row with automatic retries remaining. Retries of one
// logical trigger must resume this row — minting a new row per attempt would
// reset the retry count every time. nil means the next trigger starts fresh.
func (s *ExecutionStore) FindResumable(ctx context.Context, ruleID string) (*core.Execution, error) {
	row := s.db.conn.QueryRowContext(ctx, `
        SELECT `+executionColumns+` FROM executions
        WHERE rule_id = $1
          AND (status IN ($2, $3) OR (status = $4 AND retry_count < $5))
        ORDER BY triggered_at DESC
        LIMIT 1`,
		ruleID, core.ExecutionTriggered, core.ExecutionExecuting,
		core.ExecutionFailed, core.MaxRetries)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find resumable execution: %v", core.ErrStoreFailure, err)
	}
	return exec, nil
}

// Get fetches one execution.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*core.Execution, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreFailure, err)
	}
	return exec, nil
}

// AttachTx records the submitted transaction and moves the execution to
// EXECUTING. tx_sent_at starts the blockhash freshness window.
func (s *ExecutionStore) AttachTx(ctx context.Context, id, signature, blockhash string) error {
	res, err := s.db.conn.ExecContext(ctx, `
        UPDATE executions
        SET status = $1, tx_signature = $2, tx_blockhash = $3, tx_sent_at = now(), updated_at = now()
        WHERE id = $4 AND status = $5`,
		core.ExecutionExecuting, signature, blockhash, id, core.ExecutionTriggered)
	if err != nil {
		return fmt.Errorf("%w: attach tx: %v", core.ErrStoreFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: execution %s not in TRIGGERED", core.ErrInvalidTransition, id)
	}
	if s.audit != nil {
		s.audit.Record(ctx, "system", "execution_tx_attached", "execution", id, map[string]any{
			"tx_signature": signature,
		})
	}
	return nil
}

// MarkExecuted finalizes a confirmed execution.
func (s *ExecutionStore) MarkExecuted(ctx context.Context, id, signature string) error {
	res, err := s.db.conn.ExecContext(ctx, `
        UPDATE executions
        SET status = $1, tx_signature = $2, error_message = NULL, updated_at = now()
        WHERE id = $3 AND status IN ($4, $5)`,
		core.ExecutionExecuted, signature, id, core.ExecutionTriggered, core.ExecutionExecuting)
	if err != nil {
		return fmt.Errorf("%w: mark executed: %v", core.ErrStoreFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: execution %s not in flight", core.ErrInvalidTransition, id)
	}
	if s.audit != nil {
		s.audit.Record(ctx, "system", "execution_executed", "execution", id, nil)
	}
	return nil
}

// MarkFailed records the failure message and moves the execution to FAILED.
func (s *ExecutionStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.conn.ExecContext(ctx, `
        UPDATE executions
        SET status = $1, error_message = $2, updated_at = now()
        WHERE id = $3`,
		core.ExecutionFailed, msg, id)
	if err != nil {
		return fmt.Errorf("%w: mark failed: %v", core.ErrStoreFailure, err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, "system", "execution_failed", "execution", id, map[string]any{
			"error": msg,
		})
	}
	return nil
}

// ResetToTriggered requeues a dead-lettered execution for pickup, clearing
// its transaction fields so a retry rebuilds with a fresh blockhash.
func (s *ExecutionStore) ResetToTriggered(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `
        UPDATE executions
        SET status = $1, tx_signature = NULL, tx_blockhash = NULL, tx_sent_at = NULL,
            error_message = NULL, updated_at = now()
        WHERE id = $2`,
		core.ExecutionTriggered, id)
	if err != nil {
		return fmt.Errorf("%w: reset execution: %v", core.ErrStoreFailure, err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, "system", "execution_requeued", "execution", id, nil)
	}
	return nil
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *ExecutionStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx, `
        UPDATE executions SET retry_count = retry_count + 1, updated_at = now()
        WHERE id = $1
        RETURNING retry_count`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: execution %s", core.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: increment retry: %v", core.ErrStoreFailure, err)
	}
	return count, nil
}

// IsBlockhashFresh reports whether the recorded blockhash is still inside the
// validity window: a blockhash is set and the transaction was sent less than
// core.BlockhashWindow ago. On false, a retry must rebuild the transaction.
func (s *ExecutionStore) IsBlockhashFresh(ctx context.Context, id string) (bool, error) {
	exec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if exec.TxBlockhash == "" || exec.TxSentAt == nil {
		return false, nil
	}
	return time.Since(*exec.TxSentAt) < core.BlockhashWindow, nil
}
