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

// RuleStore owns all reads and writes of the rules table. Transition is the
// only mutator of status and last_triggered_at.
type RuleStore struct {
	db     *DB
	audit  *AuditStore
	logger *log.Logger
}

// NewRuleStore creates a rule store. audit may be nil.
func NewRuleStore(db *DB, audit *AuditStore) *RuleStore {
	return &RuleStore{
		db:     db,
		audit:  audit,
		logger: log.New(log.Writer(), "[RULES] ", log.LstdFlags),
	}
}

// validateRule enforces the CRUD invariants, including wallet ownership.
func (s *RuleStore) validateRule(ctx context.Context, r *core.Rule) error {
	if r.Name == "" || len(r.Name) > 100 {
		return fmt.Errorf("%w: rule name must be 1-100 characters", core.ErrConfigInvalid)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [0,1]", core.ErrConfigInvalid, r.Threshold)
	}
	if r.SwapFractionPct < 1 || r.SwapFractionPct > 100 {
		return fmt.Errorf("%w: swap fraction %d outside [1,100]", core.ErrConfigInvalid, r.SwapFractionPct)
	}
	if r.CooldownHours < 0 {
		return fmt.Errorf("%w: negative cooldown", core.ErrConfigInvalid)
	}
	switch r.Condition {
	case core.ConditionAbove, core.ConditionBelow:
	default:
		return fmt.Errorf("%w: condition %q", core.ErrConfigInvalid, r.Condition)
	}
	switch r.Action {
	case core.ActionToStable, core.ActionToVolatile:
	default:
		return fmt.Errorf("%w: action %q", core.ErrConfigInvalid, r.Action)
	}

	var owner string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT user_id FROM automation_wallets WHERE id = $1`, r.WalletID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: wallet %s", core.ErrNotFound, r.WalletID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreFailure, err)
	}
	if owner != r.UserID {
		return fmt.Errorf("%w: wallet %s is not owned by user %s", core.ErrConfigInvalid, r.WalletID, r.UserID)
	}
	return nil
}

// Create inserts a new rule in CREATED status.
func (s *RuleStore) Create(ctx context.Context, r *core.Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = core.RuleCreated

	if err := s.validateRule(ctx, r); err != nil {
		return err
	}

	_, err := s.db.conn.ExecContext(ctx, `
        INSERT INTO rules (id, user_id, wallet_id, name, market_id, condition,
                           threshold, action, swap_fraction_pct, cooldown_hours, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.UserID, r.WalletID, r.Name, r.MarketID, r.Condition,
		r.Threshold, r.Action, r.SwapFractionPct, r.CooldownHours, r.Status)
	if err != nil {
		return fmt.Errorf("%w: insert rule: %v", core.ErrStoreFailure, err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, "system", "rule_created", "rule", r.ID, nil)
	}
	return nil
}

const ruleColumns = `id, user_id, wallet_id, name, market_id, condition, threshold,
    action, swap_fraction_pct, cooldown_hours, status, last_triggered_at, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*core.Rule, error) {
	var r core.Rule
	var last sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.WalletID, &r.Name, &r.MarketID, &r.Condition,
		&r.Threshold, &r.Action, &r.SwapFractionPct, &r.CooldownHours, &r.Status,
		&last, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		r.LastTriggeredAt = &t
	}
	return &r, nil
}

// Get fetches one rule.
func (s *RuleStore) Get(ctx context.Context, id string) (*core.Rule, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreFailure, err)
	}
	return r, nil
}

// DueRules returns ACTIVE rules whose cooldown has elapsed at now. A rule
// exactly at the cooldown boundary is due.
func (s *RuleStore) DueRules(ctx context.Context, now time.Time) ([]core.Rule, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
        SELECT `+ruleColumns+` FROM rules
        WHERE status = $1
          AND (last_triggered_at IS NULL
               OR last_triggered_at + (cooldown_hours * INTERVAL '1 hour') <= $2)
        ORDER BY created_at`,
		core.RuleActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: due rules: %v", core.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []core.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan rule: %v", core.ErrStoreFailure, err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Transition moves a rule from one status to another, checking the transition
// table first and the stored status atomically. setLastTriggered stamps
// last_triggered_at = now; callers pass it only on the move into EXECUTED, so
// the cooldown clock starts on success and failed attempts retry immediately.
func (s *RuleStore) Transition(ctx context.Context, ruleID string, from, to core.RuleStatus, setLastTriggered bool) error {
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: rule %s: %s -> %s", core.ErrInvalidTransition, ruleID, from, to)
	}

	return s.db.serializableTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if setLastTriggered {
			res, err = tx.ExecContext(ctx, `
                UPDATE rules SET status = $1, last_triggered_at = now(), updated_at = now()
                WHERE id = $2 AND status = $3`, to, ruleID, from)
		} else {
			res, err = tx.ExecContext(ctx, `
                UPDATE rules SET status = $1, updated_at = now()
                WHERE id = $2 AND status = $3`, to, ruleID, from)
		}
		if err != nil {
			return fmt.Errorf("%w: transition rule: %v", core.ErrStoreFailure, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Someone moved the rule first, or it does not exist.
			var current core.RuleStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM rules WHERE id = $1`, ruleID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: rule %s", core.ErrNotFound, ruleID)
			}
			if err != nil {
				return fmt.Errorf("%w: %v", core.ErrStoreFailure, err)
			}
			return fmt.Errorf("%w: rule %s is %s, expected %s", core.ErrInvalidTransition, ruleID, current, from)
		}
		return nil
	})
}

// Cancel moves a rule to CANCELLED from any non-terminal status.
func (s *RuleStore) Cancel(ctx context.Context, ruleID string) error {
	r, err := s.Get(ctx, ruleID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: rule %s already %s", core.ErrInvalidTransition, ruleID, r.Status)
	}
	return s.Transition(ctx, ruleID, r.Status, core.RuleCancelled, false)
}
