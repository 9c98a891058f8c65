package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAtRunsOnReactorAndReturnsResult(t *testing.T) {
	p := NewPool(2, 16)
	defer p.Stop()

	resultCh := p.Primary().SpawnAt(context.Background(), func() error { return nil })
	require.NoError(t, Await(context.Background(), resultCh))
}

func TestSpawnAtPropagatesError(t *testing.T) {
	p := NewPool(1, 16)
	defer p.Stop()

	boom := assert.AnError
	resultCh := p.Primary().SpawnAt(context.Background(), func() error { return boom })
	err := Await(context.Background(), resultCh)
	assert.ErrorIs(t, err, boom)
}

func TestSpawnAtRespectsCancellation(t *testing.T) {
	p := NewPool(1, 0) // zero-depth queue: nothing can be enqueued ahead of a blocker
	defer p.Stop()

	blockCh := make(chan struct{})
	p.Primary().SpawnAt(context.Background(), func() error {
		<-blockCh
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resultCh := p.Primary().SpawnAt(ctx, func() error { return nil })
	err := Await(context.Background(), resultCh)
	require.Error(t, err)
	close(blockCh)
}

func TestJobsSerializeOnOneReactor(t *testing.T) {
	p := NewPool(1, 16)
	defer p.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		p.Primary().SpawnAt(context.Background(), func() error {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
			return nil
		})
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEachRunsOnEveryReactor(t *testing.T) {
	p := NewPool(4, 16)
	defer p.Stop()

	var count int32
	err := p.Each(context.Background(), func(reactorID int) {
		atomic.AddInt32(&count, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), count)
}

func TestAtWrapsModuloPoolSize(t *testing.T) {
	p := NewPool(3, 16)
	defer p.Stop()

	assert.Same(t, p.At(0), p.At(3))
	assert.Same(t, p.At(1), p.At(4))
}

func TestSpawnPrimaryUsesPrimaryReactor(t *testing.T) {
	p := NewPool(3, 16)
	defer p.Stop()

	resultCh := p.SpawnPrimary(context.Background(), func() error { return nil })
	require.NoError(t, Await(context.Background(), resultCh))
}
