// Package coordinator drives one triggered rule through its full execution:
// lock, idempotent execution record, funding check, signed swap, confirmation
// and the rule/execution status bookkeeping around every outcome.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/signalswap/backend/internal/chain"
	"github.com/signalswap/backend/internal/core"
	"github.com/signalswap/backend/internal/database"
	"github.com/signalswap/backend/internal/locks"
	"github.com/signalswap/backend/internal/metrics"
	"github.com/signalswap/backend/internal/swap"
)

// RuleStore is the slice of the rule store the coordinator mutates.
type RuleStore interface {
	Transition(ctx context.Context, ruleID string, from, to core.RuleStatus, setLastTriggered bool) error
}

// ExecutionStore is the slice of the execution store the coordinator drives.
type ExecutionStore interface {
	FindResumable(ctx context.Context, ruleID string) (*core.Execution, error)
	CreateOrGet(ctx context.Context, ruleID string, triggeredAt time.Time, snapshot json.RawMessage) (*core.Execution, bool, error)
	AttachTx(ctx context.Context, id, signature, blockhash string) error
	MarkExecuted(ctx context.Context, id, signature string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	ResetToTriggered(ctx context.Context, id string) error
}

// DLQ routes exhausted executions to the dead-letter queue and closes open
// entries once their execution finally lands.
type DLQ interface {
	HandleFailure(ctx context.Context, executionID string, cause error) (*database.FailureResult, error)
	ResolveForExecution(ctx context.Context, executionID, notes string) error
}

// LockManager serializes executions per rule across the cluster.
type LockManager interface {
	Acquire(ctx context.Context, ruleID string) (locks.Result, error)
	Release(ctx context.Context, ruleID string) error
}

// WalletStore loads the automation wallet for a rule.
type WalletStore interface {
	Get(ctx context.Context, id string) (*core.AutomationWallet, error)
}

// Swapper performs the on-chain swap.
type Swapper interface {
	Submit(ctx context.Context, req *swap.Request) (*swap.Receipt, error)
	Confirm(ctx context.Context, signature string) error
	Status(ctx context.Context, signature string) (swap.TxStatus, error)
}

// Balances reads wallet balances.
type Balances interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error)
}

// Notifier fans lifecycle events out to webhook subscribers. Publishing must
// never block the execution path.
type Notifier interface {
	Publish(event core.Event)
}

// Config carries the swap-shaping knobs the coordinator needs.
type Config struct {
	StableMint              string
	VolatileMint            string
	LowBalanceFloorLamports uint64
}

// Coordinator executes triggered rules one at a time per rule.
type Coordinator struct {
	rules      RuleStore
	executions ExecutionStore
	dlq        DLQ
	locks      LockManager
	wallets    WalletStore
	swapper    Swapper
	balances   Balances
	notifier   Notifier
	killSwitch *KillSwitch
	cfg        Config
	logger     *log.Logger
}

// New wires a coordinator.
func New(rules RuleStore, executions ExecutionStore, dlq DLQ, lockMgr LockManager,
	wallets WalletStore, swapper Swapper, balances Balances, notifier Notifier,
	killSwitch *KillSwitch, cfg Config) *Coordinator {
	return &Coordinator{
		rules:      rules,
		executions: executions,
		dlq:        dlq,
		locks:      lockMgr,
		wallets:    wallets,
		swapper:    swapper,
		balances:   balances,
		notifier:   notifier,
		killSwitch: killSwitch,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[COORDINATOR] ", log.LstdFlags),
	}
}

// ExecuteRule runs the full execution pipeline for one triggered rule.
// Skips (kill switch engaged, lock held elsewhere, concurrent trigger) are
// normal outcomes and return nil. Failures are recorded on the execution,
// routed through the retry/DLQ policy, and returned.
func (c *Coordinator) ExecuteRule(ctx context.Context, rule *core.Rule, sample *core.MarketSample, triggeredAt time.Time) error {
	if !c.killSwitch.Enabled() {
		c.logger.Printf("🛑 rule %s: execution disabled by kill switch", rule.ID)
		metrics.Executions.WithLabelValues("skipped_killswitch").Inc()
		return nil
	}

	lock, err := c.locks.Acquire(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("acquire lock for rule %s: %w", rule.ID, err)
	}
	if !lock.Acquired {
		c.logger.Printf("⏭️  rule %s: locked by %s, skipping", rule.ID, lock.HeldBy)
		metrics.Executions.WithLabelValues("skipped_lock").Inc()
		return nil
	}
	defer func() {
		// Release even if the caller's context was cancelled mid-flight.
		if err := c.locks.Release(context.WithoutCancel(ctx), rule.ID); err != nil {
			c.logger.Printf("⚠️  rule %s: lock release failed: %v", rule.ID, err)
		}
	}()

	start := time.Now()

	// Resume the attempt that already owns this rule's retry budget before
	// minting a new one: every retry of one logical trigger must share a
	// single execution row, or the retry count restarts from zero each tick
	// and the dead-letter threshold is never reached.
	exec, err := c.executions.FindResumable(ctx, rule.ID)
	if err != nil {
		return err
	}
	resumed := exec != nil
	isNew := false
	if !resumed {
		exec, isNew, err = c.executions.CreateOrGet(ctx, rule.ID, triggeredAt, sample.Snapshot())
		if err != nil {
			return err
		}
	}

	if err := c.rules.Transition(ctx, rule.ID, core.RuleActive, core.RuleTriggered, false); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			// Another worker or the user moved the rule first. The execution
			// row stays put and is resumed on a later trigger.
			c.logger.Printf("⏭️  rule %s: no longer ACTIVE, skipping", rule.ID)
			metrics.Executions.WithLabelValues("skipped_state").Inc()
			return nil
		}
		return err
	}
	if isNew {
		c.notify(core.NewEvent(core.EventRuleTriggered, rule.UserID, core.EventData{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			MarketID:    rule.MarketID,
			Probability: &sample.Probability,
			Threshold:   &rule.Threshold,
		}))
	} else {
		proceed, err := c.reconcile(ctx, rule, exec)
		if err != nil || !proceed {
			return err
		}
	}

	if err := c.rules.Transition(ctx, rule.ID, core.RuleTriggered, core.RuleExecuting, false); err != nil {
		return err
	}
	c.notify(core.NewEvent(core.EventExecutionStarted, rule.UserID, core.EventData{
		RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID,
	}))

	receipt, err := c.runSwap(ctx, rule, exec)
	if err != nil {
		return c.fail(ctx, rule, exec, core.RuleExecuting, err)
	}

	if err := c.executions.MarkExecuted(ctx, exec.ID, receipt.Signature); err != nil {
		return c.fail(ctx, rule, exec, core.RuleExecuting, err)
	}
	// Success is the only place the cooldown clock is stamped: a failed
	// attempt must stay immediately retryable on the next tick.
	if err := c.rules.Transition(ctx, rule.ID, core.RuleExecuting, core.RuleExecuted, true); err != nil {
		c.logger.Printf("⚠️  rule %s: EXECUTING->EXECUTED: %v", rule.ID, err)
	}
	if resumed {
		if err := c.dlq.ResolveForExecution(ctx, exec.ID, "execution succeeded on retry"); err != nil {
			c.logger.Printf("⚠️  resolve dlq entry for execution %s: %v", exec.ID, err)
		}
	}
	c.notify(core.NewEvent(core.EventExecutionSucceeded, rule.UserID, core.EventData{
		RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID, TxSignature: receipt.Signature,
	}))
	c.rearm(ctx, rule.ID, core.RuleExecuted)

	metrics.Executions.WithLabelValues("success").Inc()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	c.logger.Printf("✅ rule %s executed: sig=%s (%s)", rule.ID, receipt.Signature, time.Since(start).Round(time.Millisecond))
	return nil
}

// runSwap performs the funding check, sizes the swap, submits it and waits
// for confirmation. The transaction is persisted on the execution before
// confirmation so a crash in between is reconcilable.
func (c *Coordinator) runSwap(ctx context.Context, rule *core.Rule, exec *core.Execution) (*swap.Receipt, error) {
	wallet, err := c.wallets.Get(ctx, rule.WalletID)
	if err != nil {
		return nil, err
	}

	lamports, err := c.balances.GetBalance(ctx, wallet.PublicAddress)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if lamports < c.cfg.LowBalanceFloorLamports {
		// Advisory only: the floor is an alerting threshold, not a reserve.
		// The swap still runs as long as the sized amount is non-zero.
		c.notify(core.NewEvent(core.EventWalletLowBalance, rule.UserID, core.EventData{
			RuleID: rule.ID, RuleName: rule.Name,
			Error: fmt.Sprintf("wallet balance %d lamports below floor %d", lamports, c.cfg.LowBalanceFloorLamports),
		}))
	}

	inputMint, outputMint := c.mints(rule.Action)

	available := lamports
	if inputMint != chain.NativeMint {
		available, err = c.balances.GetTokenBalance(ctx, wallet.PublicAddress, inputMint)
		if err != nil {
			return nil, fmt.Errorf("read token balance: %w", err)
		}
	}

	// Floor of available * pct / 100, split to avoid overflowing uint64 on
	// large token balances.
	pct := uint64(rule.SwapFractionPct)
	amount := available/100*pct + available%100*pct/100
	if amount == 0 {
		return nil, fmt.Errorf("%w: %d%% of %d base units is zero", core.ErrInsufficientFunds, rule.SwapFractionPct, available)
	}

	receipt, err := c.swapper.Submit(ctx, &swap.Request{
		Wallet:     wallet,
		InputMint:  inputMint,
		OutputMint: outputMint,
		Amount:     amount,
	})
	if err != nil {
		return nil, err
	}

	if err := c.executions.AttachTx(ctx, exec.ID, receipt.Signature, receipt.Blockhash); err != nil {
		return nil, err
	}

	if err := c.swapper.Confirm(ctx, receipt.Signature); err != nil {
		return nil, err
	}
	return receipt, nil
}

// mints maps the rule action onto the configured swap pair.
func (c *Coordinator) mints(action core.Action) (input, output string) {
	if action == core.ActionToStable {
		return c.cfg.VolatileMint, c.cfg.StableMint
	}
	return c.cfg.StableMint, c.cfg.VolatileMint
}

// reconcile decides what to do when this trigger already has an execution
// row: a crashed or concurrent attempt may have left a transaction in
// flight. Returns proceed=true when the caller should run a fresh swap.
func (c *Coordinator) reconcile(ctx context.Context, rule *core.Rule, exec *core.Execution) (bool, error) {
	switch exec.Status {
	case core.ExecutionTriggered:
		// Previous attempt died before submitting, or a DLQ retry requeued it.
		return true, nil

	case core.ExecutionExecuted:
		c.logger.Printf("⏭️  rule %s: trigger already executed (execution %s)", rule.ID, exec.ID)
		metrics.Executions.WithLabelValues("reconciled").Inc()
		c.rearm(ctx, rule.ID, core.RuleTriggered)
		return false, nil

	case core.ExecutionFailed:
		// Automatic retries remain on this attempt (FindResumable filtered
		// out exhausted rows): clear the failure and run it again under the
		// same idempotency key.
		if err := c.executions.ResetToTriggered(ctx, exec.ID); err != nil {
			return false, err
		}
		return true, nil

	case core.ExecutionExecuting:
		if exec.TxSignature == "" {
			return false, c.fail(ctx, rule, exec, core.RuleTriggered,
				fmt.Errorf("execution %s stuck in EXECUTING with no transaction", exec.ID))
		}

		status, err := c.swapper.Status(ctx, exec.TxSignature)
		if err != nil {
			c.rearm(ctx, rule.ID, core.RuleTriggered)
			return false, fmt.Errorf("reconcile %s: %w", exec.TxSignature, err)
		}

		switch status {
		case swap.TxConfirmed, swap.TxFinalized:
			c.logger.Printf("🔎 rule %s: in-flight tx %s landed, finalizing", rule.ID, exec.TxSignature)
			if err := c.executions.MarkExecuted(ctx, exec.ID, exec.TxSignature); err != nil {
				return false, err
			}
			if err := c.rules.Transition(ctx, rule.ID, core.RuleTriggered, core.RuleExecuted, true); err != nil {
				c.logger.Printf("⚠️  rule %s: TRIGGERED->EXECUTED: %v", rule.ID, err)
			}
			if err := c.dlq.ResolveForExecution(ctx, exec.ID, "in-flight transaction landed"); err != nil {
				c.logger.Printf("⚠️  resolve dlq entry for execution %s: %v", exec.ID, err)
			}
			c.notify(core.NewEvent(core.EventExecutionSucceeded, rule.UserID, core.EventData{
				RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID, TxSignature: exec.TxSignature,
			}))
			c.rearm(ctx, rule.ID, core.RuleExecuted)
			metrics.Executions.WithLabelValues("reconciled").Inc()
			return false, nil

		case swap.TxFailed:
			return false, c.fail(ctx, rule, exec, core.RuleTriggered,
				fmt.Errorf("transaction %s failed on chain", exec.TxSignature))

		default: // pending or unknown to the cluster
			if exec.TxSentAt != nil && time.Since(*exec.TxSentAt) < core.BlockhashWindow {
				// Still inside the blockhash window: it may yet land.
				c.logger.Printf("⏳ rule %s: tx %s still in flight, backing off", rule.ID, exec.TxSignature)
				metrics.Executions.WithLabelValues("reconciled").Inc()
				c.rearm(ctx, rule.ID, core.RuleTriggered)
				return false, nil
			}
			// Blockhash expired without landing: the transaction is dead.
			// Rebuild from scratch under the same idempotency key.
			c.logger.Printf("♻️  rule %s: tx %s expired unconfirmed, rebuilding", rule.ID, exec.TxSignature)
			if err := c.executions.ResetToTriggered(ctx, exec.ID); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, fmt.Errorf("execution %s in unexpected status %s", exec.ID, exec.Status)
}

// fail records the failure, applies the retry/DLQ policy, and parks or
// re-arms the rule accordingly. Always returns cause.
func (c *Coordinator) fail(ctx context.Context, rule *core.Rule, exec *core.Execution, from core.RuleStatus, cause error) error {
	c.logger.Printf("❌ rule %s execution %s failed: %v", rule.ID, exec.ID, cause)
	metrics.Executions.WithLabelValues("failure").Inc()

	if err := c.executions.MarkFailed(ctx, exec.ID, cause); err != nil {
		c.logger.Printf("⚠️  mark failed on execution %s: %v", exec.ID, err)
	}
	c.notify(core.NewEvent(core.EventExecutionFailed, rule.UserID, core.EventData{
		RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID, Error: cause.Error(),
	}))

	res, err := c.dlq.HandleFailure(ctx, exec.ID, cause)
	if err != nil {
		c.logger.Printf("⚠️  dead-letter handling for execution %s: %v", exec.ID, err)
		c.rearm(ctx, rule.ID, from)
		return cause
	}

	if res.Moved {
		metrics.DLQMoves.Inc()
		if err := c.rules.Transition(ctx, rule.ID, from, core.RuleFailed, false); err != nil {
			c.logger.Printf("⚠️  park rule %s: %v", rule.ID, err)
		}
		c.notify(core.NewEvent(core.EventRulePaused, rule.UserID, core.EventData{
			RuleID: rule.ID, RuleName: rule.Name, ExecutionID: exec.ID,
			Error: fmt.Sprintf("moved to dead-letter queue after %d attempts", res.RetryCount),
		}))
		return cause
	}

	// Retries remain: put the rule back in rotation for the next tick.
	c.rearm(ctx, rule.ID, from)
	return cause
}

// rearm returns the rule to ACTIVE from wherever the pipeline left it.
func (c *Coordinator) rearm(ctx context.Context, ruleID string, from core.RuleStatus) {
	if from == core.RuleActive {
		return
	}
	if err := c.rules.Transition(ctx, ruleID, from, core.RuleActive, false); err != nil {
		c.logger.Printf("⚠️  re-arm rule %s from %s: %v", ruleID, from, err)
	}
}

func (c *Coordinator) notify(event core.Event) {
	if c.notifier != nil {
		c.notifier.Publish(event)
	}
}
