package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalswap/backend/internal/coordinator"
	"github.com/signalswap/backend/internal/core"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeRuleSource struct {
	rules []core.Rule
	err   error
}

func (f *fakeRuleSource) DueRules(context.Context, time.Time) ([]core.Rule, error) {
	return f.rules, f.err
}

type fakeMarkets struct {
	mu      sync.Mutex
	samples map[string]*core.MarketSample
	failing map[string]error
	fetches []string
}

func (f *fakeMarkets) Fetch(_ context.Context, marketID string) (*core.MarketSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, marketID)
	if err := f.failing[marketID]; err != nil {
		return nil, err
	}
	return f.samples[marketID], nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeDispatcher) ExecuteRule(_ context.Context, rule *core.Rule, _ *core.MarketSample, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, rule.ID)
	return nil
}

func dueRule(id, marketID string, threshold float64) core.Rule {
	return core.Rule{
		ID: id, MarketID: marketID, Name: id,
		Condition: core.ConditionAbove, Threshold: threshold,
		Status: core.RuleActive,
	}
}

func sampleFor(marketID string, probability float64) *core.MarketSample {
	return &core.MarketSample{MarketID: marketID, Probability: probability, ObservedAt: time.Now().UTC()}
}

func newTestPoller(src RuleSource, markets MarketFetcher, disp Dispatcher) *Poller {
	return New(src, markets, disp, coordinator.NewKillSwitch(true), time.Hour, 30*time.Minute, 4)
}

// ============================================================================
// TESTS
// ============================================================================

func TestTick_DispatchesOnlyTriggeredRules(t *testing.T) {
	src := &fakeRuleSource{rules: []core.Rule{
		dueRule("hit", "mkt-1", 0.5),
		dueRule("miss", "mkt-1", 0.9),
	}}
	markets := &fakeMarkets{samples: map[string]*core.MarketSample{"mkt-1": sampleFor("mkt-1", 0.8)}}
	disp := &fakeDispatcher{}

	summary := newTestPoller(src, markets, disp).Tick(context.Background())
	require.NotNil(t, summary)

	assert.Equal(t, 2, summary.RulesDue)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"hit"}, disp.executed)
}

func TestTick_FetchesEachMarketOnce(t *testing.T) {
	src := &fakeRuleSource{rules: []core.Rule{
		dueRule("r1", "mkt-1", 0.9),
		dueRule("r2", "mkt-1", 0.9),
		dueRule("r3", "mkt-2", 0.9),
	}}
	markets := &fakeMarkets{samples: map[string]*core.MarketSample{
		"mkt-1": sampleFor("mkt-1", 0.1),
		"mkt-2": sampleFor("mkt-2", 0.1),
	}}
	disp := &fakeDispatcher{}

	summary := newTestPoller(src, markets, disp).Tick(context.Background())
	require.NotNil(t, summary)

	assert.Equal(t, 2, summary.MarketsPolled)
	assert.Len(t, markets.fetches, 2, "one fetch per distinct market, however many rules share it")
}

func TestTick_MarketFailureIsolatedFromOtherMarkets(t *testing.T) {
	src := &fakeRuleSource{rules: []core.Rule{
		dueRule("doomed", "mkt-down", 0.5),
		dueRule("fine", "mkt-up", 0.5),
	}}
	markets := &fakeMarkets{
		samples: map[string]*core.MarketSample{"mkt-up": sampleFor("mkt-up", 0.9)},
		failing: map[string]error{"mkt-down": fmt.Errorf("%w: 502", core.ErrUpstreamTransient)},
	}
	disp := &fakeDispatcher{}

	summary := newTestPoller(src, markets, disp).Tick(context.Background())
	require.NotNil(t, summary)

	assert.Equal(t, 1, summary.FetchFailures)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, []string{"fine"}, disp.executed, "one failing market must not block the rest")
}

func TestTick_PausedSkips(t *testing.T) {
	src := &fakeRuleSource{rules: []core.Rule{dueRule("r1", "mkt-1", 0.5)}}
	markets := &fakeMarkets{samples: map[string]*core.MarketSample{"mkt-1": sampleFor("mkt-1", 0.9)}}
	disp := &fakeDispatcher{}
	p := newTestPoller(src, markets, disp)

	p.Pause()
	assert.Nil(t, p.Tick(context.Background()))
	assert.Empty(t, disp.executed)

	p.Resume()
	require.NotNil(t, p.Tick(context.Background()))
	assert.Equal(t, []string{"r1"}, disp.executed)
}

func TestTick_RuleLoadFailureAborts(t *testing.T) {
	src := &fakeRuleSource{err: fmt.Errorf("%w: connection refused", core.ErrStoreFailure)}
	disp := &fakeDispatcher{}

	summary := newTestPoller(src, &fakeMarkets{}, disp).Tick(context.Background())
	require.NotNil(t, summary)
	assert.Zero(t, summary.Triggered)
	assert.Empty(t, disp.executed)
}

func TestStartStop_Lifecycle(t *testing.T) {
	src := &fakeRuleSource{}
	p := newTestPoller(src, &fakeMarkets{}, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	st := p.Status()
	assert.True(t, st.Running)

	p.Stop()
	st = p.Status()
	assert.False(t, st.Running)
	assert.NotNil(t, st.LastTick, "the immediate first tick must have recorded a summary")
}

func TestStart_NoOpWhileKillSwitchEngaged(t *testing.T) {
	src := &fakeRuleSource{rules: []core.Rule{dueRule("r1", "mkt-1", 0.5)}}
	disp := &fakeDispatcher{}
	p := New(src, &fakeMarkets{}, disp, coordinator.NewKillSwitch(false),
		time.Hour, 30*time.Minute, 4)

	p.Start(context.Background())

	st := p.Status()
	assert.False(t, st.Running, "an engaged kill switch must keep the loop down")
	assert.Nil(t, st.LastTick, "not even the immediate first tick may run")
	assert.Empty(t, disp.executed)
	p.Stop()
}

func TestStatus_ReportsLastSummary(t *testing.T) {
	src := &fakeRuleSource{rules: []core.Rule{dueRule("r1", "mkt-1", 0.5)}}
	markets := &fakeMarkets{samples: map[string]*core.MarketSample{"mkt-1": sampleFor("mkt-1", 0.9)}}
	p := newTestPoller(src, markets, &fakeDispatcher{})

	p.Tick(context.Background())
	st := p.Status()
	require.NotNil(t, st.LastTick)
	assert.Equal(t, 1, st.LastTick.Triggered)
}
