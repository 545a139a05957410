package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(env *testEnv) *Scheduler {
	return NewScheduler(env.sqlite, env.chainDb, env.tokenDb, env.syncQueue, env.cleanupQueue, 0)
}

func TestScheduler_EnqueuesPerPair(t *testing.T) {
	env := setupTestEnv(t)
	env.seedPair(t, testChain(1), testTokenModel(1))
	second := testTokenModel(1)
	second.Address = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	second.Symbol = "USDT"
	env.seedPair(t, testChain(1), second)

	newScheduler(env).tick(context.Background())

	assert.Equal(t, int64(2), queueLen(t, env.syncQueue))
	assert.Equal(t, int64(2), queueLen(t, env.cleanupQueue))

	jobs := drainJobs(t, env.syncQueue, env.rdb)
	tokens := make([]string, 0, len(jobs))
	for _, job := range jobs {
		var payload TokenJob
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		assert.Equal(t, uint64(1), payload.ChainID)
		tokens = append(tokens, payload.Token)
	}
	assert.ElementsMatch(t, []string{testToken, second.Address}, tokens)
}

func TestScheduler_OverlappingTicksCollapse(t *testing.T) {
	env := setupTestEnv(t)
	env.seedPair(t, testChain(1), testTokenModel(1))

	scheduler := newScheduler(env)
	scheduler.tick(context.Background())
	scheduler.tick(context.Background())

	// The first batch is still queued, so the second tick is absorbed by
	// the dedup markers.
	assert.Equal(t, int64(1), queueLen(t, env.syncQueue))
	assert.Equal(t, int64(1), queueLen(t, env.cleanupQueue))
}

func TestScheduler_SkipsDisabled(t *testing.T) {
	env := setupTestEnv(t)

	disabledChain := testChain(2)
	disabledChain.Enabled = false
	env.seedPair(t, disabledChain, testTokenModel(2))

	disabledToken := testTokenModel(1)
	disabledToken.Enabled = false
	env.seedPair(t, testChain(1), disabledToken)

	newScheduler(env).tick(context.Background())

	assert.Equal(t, int64(0), queueLen(t, env.syncQueue))
	assert.Equal(t, int64(0), queueLen(t, env.cleanupQueue))
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	env := setupTestEnv(t)
	env.seedPair(t, testChain(1), testTokenModel(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newScheduler(env).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return queueLen(t, env.syncQueue) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
