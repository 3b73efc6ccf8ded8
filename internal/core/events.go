package core

import "time"

// EventKind identifies a lifecycle notification fanned out to webhooks.
type EventKind string

const (
	EventRuleTriggered      EventKind = "RULE_TRIGGERED"
	EventExecutionStarted   EventKind = "EXECUTION_STARTED"
	EventExecutionSucceeded EventKind = "EXECUTION_SUCCEEDED"
	EventExecutionFailed    EventKind = "EXECUTION_FAILED"
	EventRulePaused         EventKind = "RULE_PAUSED"
	EventWalletLowBalance   EventKind = "WALLET_LOW_BALANCE"
)

// AllEventKinds lists every kind, in emission order for a happy path first.
var AllEventKinds = []EventKind{
	EventRuleTriggered,
	EventExecutionStarted,
	EventExecutionSucceeded,
	EventExecutionFailed,
	EventRulePaused,
	EventWalletLowBalance,
}

// EventData is the payload body delivered with every event. Optional fields
// are pointers so renderers can tell "absent" from zero.
type EventData struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	ExecutionID string   `json:"execution_id,omitempty"`
	MarketID    string   `json:"market_id,omitempty"`
	Probability *float64 `json:"probability,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	TxSignature string   `json:"tx_signature,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Event is one lifecycle notification, routed by UserID.
type Event struct {
	Kind      EventKind `json:"event"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, userID string, data EventData) Event {
	return Event{Kind: kind, UserID: userID, Timestamp: time.Now().UTC(), Data: data}
}
