package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSleepRunner simulates an agent turn that takes sleepFor to run,
// counting how many times it was invoked.
type countingSleepRunner struct {
	sleepFor time.Duration

	mu    sync.Mutex
	calls int
}

func (r *countingSleepRunner) RunTurn(ctx context.Context, agentID string) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	time.Sleep(r.sleepFor)
	return nil
}

func (r *countingSleepRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func noopList(ctx context.Context) ([]string, error) { return nil, nil }

// TestDispatcherCoalescesBurstIntoBoundedTurns reproduces the burst
// scenario: several notifications land for the same agent in quick
// succession while a turn is already running. The coalescing loop in
// runWorker must ensure the adapter is invoked only a small, bounded number
// of times rather than once per notification.
func TestDispatcherCoalescesBurstIntoBoundedTurns(t *testing.T) {
	runner := &countingSleepRunner{sleepFor: 200 * time.Millisecond}
	d := New(nil, runner, nil, nil, zerolog.Nop(), Config{MaxConcurrentTurns: 4}, noopList)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.dispatch(ctx, "agent-1")
		time.Sleep(2 * time.Millisecond)
	}

	d.wg.Wait()

	assert.LessOrEqual(t, runner.Calls(), 2)
	assert.GreaterOrEqual(t, runner.Calls(), 1)
}

// TestDispatcherRunsDistinctAgentsConcurrently ensures coalescing is scoped
// per agent: a burst for agent-2 while agent-1 is mid-turn must not be
// coalesced into agent-1's turn or blocked behind it.
func TestDispatcherRunsDistinctAgentsConcurrently(t *testing.T) {
	runner := &countingSleepRunner{sleepFor: 50 * time.Millisecond}
	d := New(nil, runner, nil, nil, zerolog.Nop(), Config{MaxConcurrentTurns: 4}, noopList)

	ctx := context.Background()
	start := time.Now()
	d.dispatch(ctx, "agent-1")
	d.dispatch(ctx, "agent-2")
	d.wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, 2, runner.Calls())
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestDispatcherStopRespectsGracePeriod(t *testing.T) {
	runner := &countingSleepRunner{sleepFor: 20 * time.Millisecond}
	d := New(nil, runner, nil, nil, zerolog.Nop(), Config{
		MaxConcurrentTurns: 4,
		ShutdownGrace:      time.Second,
	}, noopList)

	d.dispatch(context.Background(), "agent-1")
	d.Stop()

	assert.Equal(t, 1, runner.Calls())
}

func TestDispatcherPollOnceDispatchesListedAgents(t *testing.T) {
	runner := &countingSleepRunner{sleepFor: time.Millisecond}
	var dispatched int32
	list := func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&dispatched, 1)
		return []string{"agent-1", "agent-2"}, nil
	}
	d := New(nil, runner, nil, nil, zerolog.Nop(), Config{MaxConcurrentTurns: 4}, list)

	d.pollOnce(context.Background())
	d.wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&dispatched))
	assert.Equal(t, 2, runner.Calls())
}
