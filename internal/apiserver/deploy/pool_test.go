package deploy

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_ResultsFollowIndexOrder(t *testing.T) {
	pool := NewPool(3)
	out := Map(context.Background(), pool, 6, func(ctx context.Context, i int) int {
		// 逆序完成
		time.Sleep(time.Duration(6-i) * 5 * time.Millisecond)
		return i * i
	})
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25}, out)
}

func TestMap_RespectsPoolSize(t *testing.T) {
	pool := NewPool(2)
	var cur, max atomic.Int32
	Map(context.Background(), pool, 8, func(ctx context.Context, i int) struct{} {
		n := cur.Add(1)
		for {
			m := max.Load()
			if n <= m || max.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return struct{}{}
	})
	assert.LessOrEqual(t, max.Load(), int32(2))
}

func TestNewPool_DefaultSize(t *testing.T) {
	assert.Equal(t, int64(DefaultPoolSize), NewPool(0).Size())
	assert.Equal(t, int64(4), NewPool(4).Size())
}

func TestFuture_WaitTimeoutLeavesCallRunning(t *testing.T) {
	pool := NewPool(1)
	release := make(chan struct{})
	f := Submit(context.Background(), pool, func(ctx context.Context) (string, error) {
		<-release
		return "done", nil
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Wait(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestSubmit_CancelledWhileQueued(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	Submit(context.Background(), pool, func(ctx context.Context) (struct{}, error) {
		<-block
		return struct{}{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	f := Submit(ctx, pool, func(ctx context.Context) (int, error) {
		return 1, errors.New("should not run")
	})
	cancel()
	// 唯一的工作协程空出后才轮到排队的调用
	close(block)
	<-f.Done()
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMap_GoroutinesBoundedByPoolSize(t *testing.T) {
	pool := NewPool(2)
	gate := make(chan struct{})
	var started atomic.Int32
	before := runtime.NumGoroutine()

	done := make(chan []int)
	go func() {
		done <- Map(context.Background(), pool, 200, func(ctx context.Context, i int) int {
			started.Add(1)
			<-gate
			return i
		})
	}()

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)
	// Map 调用方 + 2 个工作协程（另有测试框架的少量协程），与 n 无关
	assert.Less(t, runtime.NumGoroutine()-before, 10)
	assert.Equal(t, int32(2), started.Load())

	close(gate)
	out := <-done
	require.Len(t, out, 200)
	assert.Equal(t, 199, out[199])

	// 队列清空后工作协程退出，名额全部归还
	require.Eventually(t, func() bool {
		if !pool.sem.TryAcquire(pool.Size()) {
			return false
		}
		pool.sem.Release(pool.Size())
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_QueuedCallsAllComplete(t *testing.T) {
	pool := NewPool(3)
	var cur, max atomic.Int32
	futures := make([]*Future[int], 50)
	for i := range futures {
		futures[i] = Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
			n := cur.Add(1)
			for {
				m := max.Load()
				if n <= m || max.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			return i, nil
		})
	}
	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.LessOrEqual(t, max.Load(), int32(3))
}
