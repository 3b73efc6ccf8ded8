package database

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalswap/backend/internal/core"
)

// These tests need a real Postgres. Point TEST_DATABASE_URL at a scratch
// database (it gets truncated between tests) or they skip.

func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := Open(url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	_, err = db.conn.Exec(`TRUNCATE dead_letter_queue, executions, execution_locks,
        rules, webhooks, automation_wallets, users, audit_log, secrets_audit CASCADE`)
	require.NoError(t, err)
	return db
}

type fixture struct {
	db     *DB
	rules  *RuleStore
	execs  *ExecutionStore
	dlq    *DLQStore
	locks  *LockStore
	userID string
	wallet string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	ctx := context.Background()

	userID := uuid.New().String()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, primary_address, api_key_hash) VALUES ($1, $2, $3)`,
		userID, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", "unused")
	require.NoError(t, err)

	wallets := NewWalletStore(db, nil)
	w := &core.AutomationWallet{
		UserID:        userID,
		PublicAddress: "BPFLoaderUpgradeab1e11111111111111111111111",
		Ciphertext:    []byte{1, 2, 3},
		IV:            make([]byte, 12),
		AuthTag:       make([]byte, 16),
	}
	require.NoError(t, wallets.Create(ctx, w))

	execs := NewExecutionStore(db, nil)
	rules := NewRuleStore(db, nil)
	return &fixture{
		db:     db,
		rules:  rules,
		execs:  execs,
		dlq:    NewDLQStore(db, execs, rules, nil),
		locks:  NewLockStore(db),
		userID: userID,
		wallet: w.ID,
	}
}

func (f *fixture) createRule(t *testing.T, status core.RuleStatus) *core.Rule {
	t.Helper()
	ctx := context.Background()
	r := &core.Rule{
		UserID:          f.userID,
		WalletID:        f.wallet,
		Name:            "exit above 70c",
		MarketID:        "mkt-election",
		Condition:       core.ConditionAbove,
		Threshold:       0.7,
		Action:          core.ActionToStable,
		SwapFractionPct: 50,
		CooldownHours:   24,
	}
	require.NoError(t, f.rules.Create(ctx, r))
	if status != core.RuleCreated {
		require.NoError(t, f.rules.Transition(ctx, r.ID, core.RuleCreated, core.RuleActive, false))
		r.Status = core.RuleActive
	}
	return r
}

func (f *fixture) createExecution(t *testing.T, ruleID string) *core.Execution {
	t.Helper()
	exec, isNew, err := f.execs.CreateOrGet(context.Background(), ruleID,
		time.Now().UTC(), json.RawMessage(`{"probability": 0.82}`))
	require.NoError(t, err)
	require.True(t, isNew)
	return exec
}

// ============================================================================
// RULE STORE
// ============================================================================

func TestRuleStore_CreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.createRule(t, core.RuleCreated)
	got, err := f.rules.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RuleCreated, got.Status)
	assert.Equal(t, 0.7, got.Threshold)
	assert.Nil(t, got.LastTriggeredAt)

	_, err = f.rules.Get(ctx, uuid.New().String())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRuleStore_CreateRejectsForeignWallet(t *testing.T) {
	f := newFixture(t)
	r := &core.Rule{
		UserID: uuid.New().String(), WalletID: f.wallet,
		Name: "x", MarketID: "m", Condition: core.ConditionAbove,
		Threshold: 0.5, Action: core.ActionToStable, SwapFractionPct: 10,
	}
	err := f.rules.Create(context.Background(), r)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRuleStore_TransitionGuardsStoredStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)

	require.NoError(t, f.rules.Transition(ctx, r.ID, core.RuleActive, core.RuleTriggered, false))

	// Repeating the same move must fail: the stored status is now TRIGGERED.
	err := f.rules.Transition(ctx, r.ID, core.RuleActive, core.RuleTriggered, false)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	// An illegal edge is refused before touching the row.
	err = f.rules.Transition(ctx, r.ID, core.RuleTriggered, core.RulePaused, false)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	err = f.rules.Transition(ctx, uuid.New().String(), core.RuleActive, core.RuleTriggered, false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRuleStore_TransitionStampsLastTriggered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)

	require.NoError(t, f.rules.Transition(ctx, r.ID, core.RuleActive, core.RuleTriggered, false))
	require.NoError(t, f.rules.Transition(ctx, r.ID, core.RuleTriggered, core.RuleExecuting, false))
	got, err := f.rules.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastTriggeredAt, "only success stamps the cooldown clock")

	require.NoError(t, f.rules.Transition(ctx, r.ID, core.RuleExecuting, core.RuleExecuted, true))
	got, err = f.rules.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastTriggeredAt, 5*time.Second)
}

func TestRuleStore_DueRulesHonorsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := f.createRule(t, core.RuleActive)
	cooling := f.createRule(t, core.RuleActive)
	paused := f.createRule(t, core.RuleCreated)

	// cooling triggered 1h ago with a 24h cooldown: not due.
	_, err := f.db.conn.ExecContext(ctx,
		`UPDATE rules SET last_triggered_at = now() - INTERVAL '1 hour' WHERE id = $1`, cooling.ID)
	require.NoError(t, err)

	due, err := f.rules.DueRules(ctx, time.Now())
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, fresh.ID)
	assert.NotContains(t, ids, cooling.ID)
	assert.NotContains(t, ids, paused.ID, "CREATED rules are never due")

	// The cooldown boundary itself is eligible.
	due, err = f.rules.DueRules(ctx, time.Now().Add(23*time.Hour))
	require.NoError(t, err)
	ids = ids[:0]
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, cooling.ID)
}

func TestRuleStore_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)

	require.NoError(t, f.rules.Cancel(ctx, r.ID))
	got, err := f.rules.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RuleCancelled, got.Status)

	assert.Error(t, f.rules.Cancel(ctx, r.ID), "CANCELLED is terminal")
}

// ============================================================================
// EXECUTION STORE
// ============================================================================

func TestExecutionStore_CreateOrGetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)

	triggeredAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	snap := json.RawMessage(`{"probability": 0.82}`)

	first, isNew, err := f.execs.CreateOrGet(ctx, r.ID, triggeredAt, snap)
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, core.ExecutionTriggered, first.Status)

	// Same rule and same second: the original row comes back untouched.
	again, isNew, err := f.execs.CreateOrGet(ctx, r.ID, triggeredAt.Add(500*time.Millisecond), snap)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)

	// A different second is a different attempt.
	other, isNew, err := f.execs.CreateOrGet(ctx, r.ID, triggeredAt.Add(time.Second), snap)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestExecutionStore_AttachTxAndMarkExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)

	require.NoError(t, f.execs.AttachTx(ctx, exec.ID, "5sig", "9blockhash"))
	got, err := f.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionExecuting, got.Status)
	assert.Equal(t, "5sig", got.TxSignature)
	assert.Equal(t, "9blockhash", got.TxBlockhash)
	require.NotNil(t, got.TxSentAt)

	fresh, err := f.execs.IsBlockhashFresh(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, fresh)

	require.NoError(t, f.execs.MarkExecuted(ctx, exec.ID, "5sig"))
	got, err = f.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionExecuted, got.Status)
}

func TestExecutionStore_BlockhashStaleness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)

	fresh, err := f.execs.IsBlockhashFresh(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, fresh, "no blockhash recorded yet")

	require.NoError(t, f.execs.AttachTx(ctx, exec.ID, "5sig", "9blockhash"))
	_, err = f.db.conn.ExecContext(ctx,
		`UPDATE executions SET tx_sent_at = now() - INTERVAL '2 minutes' WHERE id = $1`, exec.ID)
	require.NoError(t, err)

	fresh, err = f.execs.IsBlockhashFresh(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, fresh, "a blockhash older than the validity window is stale")
}

func TestExecutionStore_ResetToTriggeredClearsTx(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)

	require.NoError(t, f.execs.AttachTx(ctx, exec.ID, "5sig", "9blockhash"))
	require.NoError(t, f.execs.ResetToTriggered(ctx, exec.ID))

	got, err := f.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionTriggered, got.Status)
	assert.Empty(t, got.TxSignature)
	assert.Empty(t, got.TxBlockhash)
	assert.Nil(t, got.TxSentAt)
	assert.Equal(t, exec.IdempotencyKey, got.IdempotencyKey, "a reset keeps the attempt identity")
}

func TestExecutionStore_MarkFailedRecordsCause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)

	require.NoError(t, f.execs.MarkFailed(ctx, exec.ID, errors.New("slippage exceeded")))
	got, err := f.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "slippage exceeded")
}

func TestExecutionStore_FindResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)

	got, err := f.execs.FindResumable(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "no attempts yet")

	exec := f.createExecution(t, r.ID)
	got, err = f.execs.FindResumable(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, exec.ID, got.ID, "an open TRIGGERED attempt is resumable")

	require.NoError(t, f.execs.AttachTx(ctx, exec.ID, "5sig", "9blockhash"))
	got, err = f.execs.FindResumable(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "an in-flight EXECUTING attempt is resumable")
	assert.Equal(t, core.ExecutionExecuting, got.Status)

	// A failure with retry budget left keeps the row resumable; exhausting
	// the budget removes it from rotation.
	require.NoError(t, f.execs.MarkFailed(ctx, exec.ID, errors.New("no route")))
	for i := 0; i < core.MaxRetries; i++ {
		got, err = f.execs.FindResumable(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, got, "retry %d of %d still resumable", i+1, core.MaxRetries)
		_, err = f.execs.IncrementRetry(ctx, exec.ID)
		require.NoError(t, err)
	}
	got, err = f.execs.FindResumable(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "an exhausted FAILED attempt belongs to the dead-letter queue")

	require.NoError(t, f.execs.MarkExecuted(ctx, exec.ID, "5sig"))
	got, err = f.execs.FindResumable(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "EXECUTED attempts are done")
}

// ============================================================================
// DEAD-LETTER QUEUE
// ============================================================================

func TestDLQ_MovesAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)
	cause := errors.New("router unavailable")

	for attempt := 1; attempt < core.MaxRetries; attempt++ {
		res, err := f.dlq.HandleFailure(ctx, exec.ID, cause)
		require.NoError(t, err)
		assert.False(t, res.Moved, "attempt %d is below the threshold", attempt)
		assert.Equal(t, attempt, res.RetryCount)
	}

	res, err := f.dlq.HandleFailure(ctx, exec.ID, cause)
	require.NoError(t, err)
	require.True(t, res.Moved)
	require.NotEmpty(t, res.DLQID)

	entry, err := f.dlq.Get(ctx, res.DLQID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, entry.ExecutionID)
	assert.Equal(t, core.DLQPending, entry.Status)
	assert.Equal(t, core.MaxRetries, entry.RetryCount)
	assert.Contains(t, entry.FailureReason, "router unavailable")

	// A fourth failure reuses the open entry instead of duplicating it.
	res2, err := f.dlq.HandleFailure(ctx, exec.ID, cause)
	require.NoError(t, err)
	assert.True(t, res2.Moved)
	assert.Equal(t, res.DLQID, res2.DLQID)
}

func failExecutionToDLQ(t *testing.T, f *fixture, execID string) string {
	t.Helper()
	var dlqID string
	for i := 0; i < core.MaxRetries; i++ {
		res, err := f.dlq.HandleFailure(context.Background(), execID, errors.New("confirmation timeout"))
		require.NoError(t, err)
		dlqID = res.DLQID
	}
	require.NotEmpty(t, dlqID)
	return dlqID
}

func (f *fixture) parkRule(t *testing.T, ruleID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.rules.Transition(ctx, ruleID, core.RuleActive, core.RuleTriggered, false))
	require.NoError(t, f.rules.Transition(ctx, ruleID, core.RuleTriggered, core.RuleExecuting, false))
	require.NoError(t, f.rules.Transition(ctx, ruleID, core.RuleExecuting, core.RuleFailed, false))
}

func TestDLQ_RetryReopensExecutionAndRearmsRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)
	require.NoError(t, f.execs.AttachTx(ctx, exec.ID, "5sig", "9blockhash"))
	dlqID := failExecutionToDLQ(t, f, exec.ID)
	f.parkRule(t, r.ID)

	require.NoError(t, f.dlq.Retry(ctx, dlqID))

	entry, err := f.dlq.Get(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, core.DLQRetrying, entry.Status)

	got, err := f.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionTriggered, got.Status)
	assert.Empty(t, got.TxSignature)

	rule, err := f.rules.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RuleActive, rule.Status,
		"a retried entry puts the parked rule back in the poller's rotation")

	assert.ErrorIs(t, f.dlq.Retry(ctx, dlqID), core.ErrInvalidTransition,
		"only PENDING entries can be retried")
}

func TestDLQ_RetryToleratesRuleMovedOutOfBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive) // never parked
	exec := f.createExecution(t, r.ID)
	dlqID := failExecutionToDLQ(t, f, exec.ID)

	require.NoError(t, f.dlq.Retry(ctx, dlqID), "a rule already ACTIVE must not block the retry")

	entry, err := f.dlq.Get(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, core.DLQRetrying, entry.Status)
}

func TestDLQ_RenewedFailureReopensRetryingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)
	dlqID := failExecutionToDLQ(t, f, exec.ID)
	f.parkRule(t, r.ID)

	require.NoError(t, f.dlq.Retry(ctx, dlqID))

	// The retried execution fails once more: the RETRYING entry comes back
	// as PENDING with the fresh failure instead of a duplicate row.
	res, err := f.dlq.HandleFailure(ctx, exec.ID, errors.New("still no route"))
	require.NoError(t, err)
	require.True(t, res.Moved)
	assert.Equal(t, dlqID, res.DLQID)

	entry, err := f.dlq.Get(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, core.DLQPending, entry.Status)
	assert.Equal(t, core.MaxRetries+1, entry.RetryCount)
	assert.Contains(t, entry.FailureReason, "still no route")
}

func TestDLQ_ResolveForExecutionClosesOpenEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)
	dlqID := failExecutionToDLQ(t, f, exec.ID)

	require.NoError(t, f.dlq.ResolveForExecution(ctx, exec.ID, "landed on retry"))

	entry, err := f.dlq.Get(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, core.DLQResolved, entry.Status)
	assert.Equal(t, "landed on retry", entry.ResolutionNotes)

	// Nothing open: a second resolve is a silent no-op.
	require.NoError(t, f.dlq.ResolveForExecution(ctx, exec.ID, "again"))
	entry, err = f.dlq.Get(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, "landed on retry", entry.ResolutionNotes)
}

func TestDLQ_ResolveAndAbandonAreTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.createRule(t, core.RuleActive)
	exec := f.createExecution(t, r.ID)
	dlqID := failExecutionToDLQ(t, f, exec.ID)

	require.NoError(t, f.dlq.Resolve(ctx, dlqID, "manually swapped"))
	entry, err := f.dlq.Get(ctx, dlqID)
	require.NoError(t, err)
	assert.Equal(t, core.DLQResolved, entry.Status)
	assert.Equal(t, "manually swapped", entry.ResolutionNotes)

	assert.ErrorIs(t, f.dlq.Abandon(ctx, dlqID, "too late"), core.ErrInvalidTransition)

	pending, err := f.dlq.List(ctx, core.DLQPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// ============================================================================
// LOCK STORE
// ============================================================================

func TestLockStore_InsertAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ruleID := uuid.New().String()

	require.NoError(t, f.locks.TryInsert(ctx, ruleID, "worker-a", time.Minute))

	// A second insert is a silent no-op; the original owner keeps the row.
	require.NoError(t, f.locks.TryInsert(ctx, ruleID, "worker-b", time.Minute))
	owner, err := f.locks.Owner(ctx, ruleID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	released, err := f.locks.Release(ctx, ruleID, "worker-b")
	require.NoError(t, err)
	assert.False(t, released, "release is owner-checked")

	released, err = f.locks.Release(ctx, ruleID, "worker-a")
	require.NoError(t, err)
	assert.True(t, released)

	require.NoError(t, f.locks.TryInsert(ctx, ruleID, "worker-b", time.Minute))
	owner, err = f.locks.Owner(ctx, ruleID)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", owner)
}

func TestLockStore_ReclaimExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ruleID := uuid.New().String()

	require.NoError(t, f.locks.TryInsert(ctx, ruleID, "worker-a", time.Minute))
	_, err := f.db.conn.ExecContext(ctx,
		`UPDATE execution_locks SET expires_at = now() - INTERVAL '1 second' WHERE rule_id = $1`, ruleID)
	require.NoError(t, err)

	n, err := f.locks.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, f.locks.TryInsert(ctx, ruleID, "worker-b", time.Minute))
}

func TestLockStore_ReleaseAllOwned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.locks.TryInsert(ctx, uuid.New().String(), "worker-a", time.Minute))
	require.NoError(t, f.locks.TryInsert(ctx, uuid.New().String(), "worker-a", time.Minute))
	keep := uuid.New().String()
	require.NoError(t, f.locks.TryInsert(ctx, keep, "worker-b", time.Minute))

	n, err := f.locks.ReleaseAllOwned(ctx, "worker-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	owner, err := f.locks.Owner(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", owner, "other owners' locks survive a drain")
}

// ============================================================================
// WEBHOOK STORE
// ============================================================================

func TestWebhookStore_ListEnabledByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := NewWebhookStore(f.db)

	enabled := &core.WebhookSubscription{
		UserID: f.userID, Kind: core.WebhookHTTP,
		Destination: "https://example.com/hook",
		EventMask:   []core.EventKind{core.EventExecutionSucceeded},
		Secret:      "s3cret", Enabled: true,
	}
	disabled := &core.WebhookSubscription{
		UserID: f.userID, Kind: core.WebhookSlack,
		Destination: "https://hooks.slack.com/T000/B000", Enabled: false,
	}
	require.NoError(t, store.Create(ctx, enabled))
	require.NoError(t, store.Create(ctx, disabled))

	subs, err := store.ListEnabledByUser(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, enabled.ID, subs[0].ID)
	assert.Equal(t, []core.EventKind{core.EventExecutionSucceeded}, subs[0].EventMask)
}

func TestWebhookStore_DeliveryBookkeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := NewWebhookStore(f.db)

	sub := &core.WebhookSubscription{
		UserID: f.userID, Kind: core.WebhookHTTP,
		Destination: "https://example.com/hook", Enabled: true,
	}
	require.NoError(t, store.Create(ctx, sub))

	require.NoError(t, store.MarkFailed(ctx, sub.ID))
	require.NoError(t, store.MarkDelivered(ctx, sub.ID))

	subs, err := store.ListEnabledByUser(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Zero(t, subs[0].FailureCount, "a successful delivery resets the failure streak")
	assert.NotNil(t, subs[0].LastTriggeredAt)
}
