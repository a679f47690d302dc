package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsInSubmissionOrder(t *testing.T) {
	pool := NewPool(context.Background(), 1)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := range 10 {
		require.NoError(t, pool.Submit(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, pool.Close())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPoolTaskCanSubmitFollowUp(t *testing.T) {
	pool := NewPool(context.Background(), 1)
	done := make(chan struct{})

	require.NoError(t, pool.Submit(func(context.Context) {
		assert.NoError(t, pool.Submit(func(context.Context) { close(done) }))
	}))
	<-done
	require.NoError(t, pool.Close())
}

func TestPoolSurvivesPanic(t *testing.T) {
	pool := NewPool(context.Background(), 1)
	var ran atomic.Bool

	require.NoError(t, pool.Submit(func(context.Context) { panic("bad task") }))
	require.NoError(t, pool.Submit(func(context.Context) { ran.Store(true) }))
	require.NoError(t, pool.Close())
	assert.True(t, ran.Load())
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), 3)
	require.NoError(t, pool.Close())

	err := pool.Submit(func(context.Context) {})
	assert.True(t, eris.Is(err, ErrPoolClosed))
}

func TestPoolPassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	pool := NewPool(ctx, 2)
	got := make(chan any, 1)

	require.NoError(t, pool.Submit(func(ctx context.Context) { got <- ctx.Value(key{}) }))
	require.NoError(t, pool.Close())
	assert.Equal(t, "v", <-got)
}

func TestPoolWorkersOutliveCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1)
	cancel()

	got := make(chan error, 1)
	require.NoError(t, pool.Submit(func(ctx context.Context) { got <- ctx.Err() }))
	require.NoError(t, pool.Close())
	assert.ErrorIs(t, <-got, context.Canceled)
}
