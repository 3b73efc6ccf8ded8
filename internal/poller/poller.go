// Package poller is the engine's heartbeat: on every tick it loads the due
// rules, fetches one fresh sample per distinct market, evaluates the batch
// and dispatches triggered rules to the coordinator through a bounded worker
// pool.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/signalswap/backend/internal/coordinator"
	"github.com/signalswap/backend/internal/core"
	"github.com/signalswap/backend/internal/metrics"
	"github.com/signalswap/backend/internal/rules"
)

// RuleSource loads the rules eligible for evaluation.
type RuleSource interface {
	DueRules(ctx context.Context, now time.Time) ([]core.Rule, error)
}

// MarketFetcher fetches one fresh sample per market.
type MarketFetcher interface {
	Fetch(ctx context.Context, marketID string) (*core.MarketSample, error)
}

// Dispatcher executes one triggered rule.
type Dispatcher interface {
	ExecuteRule(ctx context.Context, rule *core.Rule, sample *core.MarketSample, triggeredAt time.Time) error
}

// Summary describes one completed tick.
type Summary struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	RulesDue      int           `json:"rules_due"`
	MarketsPolled int           `json:"markets_polled"`
	FetchFailures int           `json:"fetch_failures"`
	Triggered     int           `json:"triggered"`
	Skipped       int           `json:"skipped"`
}

// Poller runs the evaluation loop.
type Poller struct {
	rules        RuleSource
	markets      MarketFetcher
	dispatcher   Dispatcher
	killSwitch   *coordinator.KillSwitch
	interval     time.Duration
	stalenessMax time.Duration
	sem          *semaphore.Weighted
	logger       *log.Logger

	mu       sync.Mutex
	running  bool
	paused   bool
	lastTick *Summary
	stop     chan struct{}
	done     chan struct{}
}

// New creates a poller dispatching at most workers executions concurrently.
func New(ruleSource RuleSource, markets MarketFetcher, dispatcher Dispatcher,
	killSwitch *coordinator.KillSwitch, interval, stalenessMax time.Duration, workers int) *Poller {
	if workers <= 0 {
		workers = 8
	}
	return &Poller{
		rules:        ruleSource,
		markets:      markets,
		dispatcher:   dispatcher,
		killSwitch:   killSwitch,
		interval:     interval,
		stalenessMax: stalenessMax,
		sem:          semaphore.NewWeighted(int64(workers)),
		logger:       log.New(log.Writer(), "[POLLER] ", log.LstdFlags),
	}
}

// Start launches the loop: an immediate tick, then one per interval. A no-op
// while the kill switch is engaged — enabling execution starts the loop — and
// while already running.
func (p *Poller) Start(ctx context.Context) {
	if !p.killSwitch.Enabled() {
		p.logger.Printf("🛑 kill switch engaged: poller not started")
		return
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	p.logger.Printf("▶️  polling every %s (staleness max %s)", p.interval, p.stalenessMax)

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	p.logger.Printf("⏹️  poller stopped")
}

// Pause suspends evaluation without stopping the loop.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.logger.Printf("⏸️  poller paused")
	}
}

// Resume lifts a pause.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.logger.Printf("▶️  poller resumed")
	}
}

// Status reports the loop state and the last tick summary.
type Status struct {
	Running  bool     `json:"running"`
	Paused   bool     `json:"paused"`
	LastTick *Summary `json:"last_tick,omitempty"`
}

// Status returns a snapshot of the loop state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Running: p.running, Paused: p.paused, LastTick: p.lastTick}
}

// Tick runs one full evaluation pass and waits for every dispatched
// execution to finish. Exposed so operators can force a pass between
// scheduled ticks.
func (p *Poller) Tick(ctx context.Context) *Summary {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		metrics.PollTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	now := time.Now().UTC()
	summary := &Summary{StartedAt: now}
	defer func() {
		summary.Duration = time.Since(now)
		metrics.PollTickDuration.Observe(summary.Duration.Seconds())
		p.mu.Lock()
		p.lastTick = summary
		p.mu.Unlock()
	}()

	due, err := p.rules.DueRules(ctx, now)
	if err != nil {
		p.logger.Printf("❌ tick aborted: load due rules: %v", err)
		metrics.PollTicks.WithLabelValues("failed").Inc()
		return summary
	}
	summary.RulesDue = len(due)
	if len(due) == 0 {
		metrics.PollTicks.WithLabelValues("completed").Inc()
		return summary
	}

	samples := p.fetchSamples(ctx, due, summary)

	outcomes := rules.BatchEvaluate(due, samples, now, p.stalenessMax)

	var wg sync.WaitGroup
	for _, o := range outcomes {
		if !o.Decision.Trigger {
			summary.Skipped++
			metrics.RulesEvaluated.WithLabelValues("skipped").Inc()
			continue
		}
		summary.Triggered++
		metrics.RulesEvaluated.WithLabelValues("triggered").Inc()
		p.logger.Printf("🎯 rule %s (%s): %s", o.Rule.ID, o.Rule.Name, o.Decision.Reason)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			break // shutting down
		}
		wg.Add(1)
		go func(o rules.Outcome) {
			defer wg.Done()
			defer p.sem.Release(1)
			if err := p.dispatcher.ExecuteRule(ctx, &o.Rule, o.Sample, now); err != nil {
				p.logger.Printf("❌ rule %s execution: %v", o.Rule.ID, err)
			}
		}(o)
	}
	wg.Wait()

	metrics.PollTicks.WithLabelValues("completed").Inc()
	p.logger.Printf("✅ tick done: %d due, %d markets (%d fetch failures), %d triggered, %d skipped in %s",
		summary.RulesDue, summary.MarketsPolled, summary.FetchFailures,
		summary.Triggered, summary.Skipped, time.Since(now).Round(time.Millisecond))
	return summary
}

// fetchSamples fetches one sample per distinct market. A failed market is
// logged and dropped; its rules are skipped this tick without affecting the
// rest of the batch.
func (p *Poller) fetchSamples(ctx context.Context, due []core.Rule, summary *Summary) map[string]*core.MarketSample {
	marketIDs := make([]string, 0, len(due))
	seen := make(map[string]struct{}, len(due))
	for _, r := range due {
		if _, ok := seen[r.MarketID]; !ok {
			seen[r.MarketID] = struct{}{}
			marketIDs = append(marketIDs, r.MarketID)
		}
	}
	summary.MarketsPolled = len(marketIDs)

	samples := make(map[string]*core.MarketSample, len(marketIDs))
	for _, id := range marketIDs {
		s, err := p.markets.Fetch(ctx, id)
		if err != nil {
			summary.FetchFailures++
			metrics.MarketFetches.WithLabelValues("error").Inc()
			p.logger.Printf("⚠️  market %s fetch failed: %v", id, err)
			continue
		}
		metrics.MarketFetches.WithLabelValues("ok").Inc()
		samples[id] = s
	}
	return samples
}
