// Package core holds the domain records shared by every component of the
// automation engine: rules, executions, automation wallets, dead-letter
// entries, webhook subscriptions and market samples, together with their
// status machines.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// RULES
// ============================================================================

// RuleStatus is the lifecycle state of an automation rule.
type RuleStatus string

const (
	RuleCreated   RuleStatus = "CREATED"
	RuleActive    RuleStatus = "ACTIVE"
	RulePaused    RuleStatus = "PAUSED"
	RuleTriggered RuleStatus = "TRIGGERED"
	RuleExecuting RuleStatus = "EXECUTING"
	RuleExecuted  RuleStatus = "EXECUTED"
	RuleFailed    RuleStatus = "FAILED"
	RuleCancelled RuleStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RuleStatus) IsTerminal() bool {
	return s == RuleCancelled
}

// ruleTransitions is the only source of truth for rule status changes.
// CANCELLED is reachable from every non-terminal state.
var ruleTransitions = map[RuleStatus][]RuleStatus{
	RuleCreated:   {RuleActive, RuleCancelled},
	RuleActive:    {RulePaused, RuleTriggered, RuleCancelled},
	RulePaused:    {RuleActive, RuleCancelled},
	RuleTriggered: {RuleExecuting, RuleExecuted, RuleFailed, RuleActive, RuleCancelled},
	RuleExecuting: {RuleExecuted, RuleFailed, RuleActive, RuleCancelled},
	RuleExecuted:  {RuleActive, RuleCancelled},
	RuleFailed:    {RuleActive, RuleCancelled},
	RuleCancelled: {},
}

// CanTransition reports whether from -> to is a legal rule status change.
func CanTransition(from, to RuleStatus) bool {
	for _, allowed := range ruleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Condition compares a market probability against a rule threshold.
type Condition string

const (
	ConditionAbove Condition = "ABOVE"
	ConditionBelow Condition = "BELOW"
)

// Action selects the swap direction when a rule triggers.
type Action string

const (
	ActionToStable   Action = "TO_STABLE"
	ActionToVolatile Action = "TO_VOLATILE"
)

// Rule binds a prediction market to a threshold condition and a swap action
// on one automation wallet.
type Rule struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	WalletID        string     `json:"wallet_id"`
	Name            string     `json:"name"`
	MarketID        string     `json:"market_id"`
	Condition       Condition  `json:"condition"`
	Threshold       float64    `json:"threshold"`         // [0,1]
	Action          Action     `json:"action"`
	SwapFractionPct int        `json:"swap_fraction_pct"` // [1,100]
	CooldownHours   int        `json:"cooldown_hours"`    // >= 0
	Status          RuleStatus `json:"status"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Cooldown returns the rule cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// InCooldown reports whether the rule is still inside its cooldown window at
// now. A rule exactly at the boundary is eligible again.
func (r *Rule) InCooldown(now time.Time) bool {
	if r.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*r.LastTriggeredAt) < r.Cooldown()
}

// ============================================================================
// MARKET SAMPLES
// ============================================================================

// MarketSample is one freshly observed probability reading for a market.
type MarketSample struct {
	MarketID     string          `json:"market_id"`
	Probability  float64         `json:"probability"` // [0,1]
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       decimal.Decimal `json:"volume"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	ObservedAt   time.Time       `json:"observed_at"`
}

// Snapshot freezes the sample as JSON for persistence on an execution row.
func (s *MarketSample) Snapshot() json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ============================================================================
// EXECUTIONS
// ============================================================================

// ExecutionStatus is the lifecycle state of a single trigger attempt.
type ExecutionStatus string

const (
	ExecutionTriggered ExecutionStatus = "TRIGGERED"
	ExecutionExecuting ExecutionStatus = "EXECUTING"
	ExecutionExecuted  ExecutionStatus = "EXECUTED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Execution records one trigger attempt for a rule. Exactly one row exists
// per idempotency key.
type Execution struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	Snapshot       json.RawMessage `json:"market_condition_snapshot"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         ExecutionStatus `json:"status"`
	TxSignature    string          `json:"tx_signature,omitempty"`
	TxBlockhash    string          `json:"tx_blockhash,omitempty"`
	TxSentAt       *time.Time      `json:"tx_sent_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BlockhashWindow is how long a recorded blockhash is considered usable for
// resubmission. Solana blockhashes expire after roughly 150 slots.
const BlockhashWindow = 80 * time.Second

// IdempotencyKey derives the identity of a single trigger attempt:
// hex(SHA-256(rule_id || triggered_at RFC3339 UTC, second precision)).
func IdempotencyKey(ruleID string, triggeredAt time.Time) string {
	iso := triggeredAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(ruleID + iso))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// AUTOMATION WALLETS
// ============================================================================

// AutomationWallet is a system-owned Solana wallet whose ed25519 private key
// is stored only as AES-256-GCM ciphertext. The plaintext key exists solely
// inside a scoped key handler.
type AutomationWallet struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	PublicAddress string    `json:"public_address"`
	Ciphertext    []byte    `json:"-"`
	IV            []byte    `json:"-"`
	AuthTag       []byte    `json:"-"`
	KeyVersion    int       `json:"key_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ============================================================================
// DEAD-LETTER QUEUE
// ============================================================================

// DLQStatus is the handling state of a dead-letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "PENDING"
	DLQRetrying  DLQStatus = "RETRYING"
	DLQResolved  DLQStatus = "RESOLVED"
	DLQAbandoned DLQStatus = "ABANDONED"
)

// IsTerminal reports whether the entry needs no further human action.
func (s DLQStatus) IsTerminal() bool {
	return s == DLQResolved || s == DLQAbandoned
}

// MaxRetries is the number of automatic attempts before an execution is
// routed to the dead-letter queue.
const MaxRetries = 3

// DLQEntry is an execution that exhausted its automatic retries and awaits
// manual retry or abandonment.
type DLQEntry struct {
	ID              string    `json:"id"`
	ExecutionID     string    `json:"execution_id"`
	FailureReason   string    `json:"failure_reason"`
	RetryCount      int       `json:"retry_count"`
	MovedAt         time.Time `json:"moved_at"`
	Status          DLQStatus `json:"status"`
	ResolutionNotes string    `json:"resolution_notes,omitempty"`
}

// ============================================================================
// WEBHOOKS
// ============================================================================

// WebhookKind selects the rendering and delivery channel for a subscription.
type WebhookKind string

const (
	WebhookHTTP    WebhookKind = "HTTP"
	WebhookSlack   WebhookKind = "SLACK"
	WebhookDiscord WebhookKind = "DISCORD"
	WebhookEmail   WebhookKind = "EMAIL"
)

// WebhookSubscription is a user-registered notification endpoint.
type WebhookSubscription struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Kind            WebhookKind `json:"kind"`
	Destination     string      `json:"destination"`
	EventMask       []EventKind `json:"event_mask"`
	Secret          string      `json:"-"`
	Enabled         bool        `json:"enabled"`
	FailureCount    int         `json:"failure_count"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
}

// Wants reports whether the subscription's event mask includes kind.
// An empty mask means all events.
func (w *WebhookSubscription) Wants(kind EventKind) bool {
	if len(w.EventMask) == 0 {
		return true
	}
	for _, k := range w.EventMask {
		if k == kind {
			return true
		}
	}
	return false
}
