package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
	fail  map[string]int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), fail: make(map[string]int)}
}

func (r *recorder) handle(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key]++
	r.order = append(r.order, key)
	if r.fail[key] > 0 {
		r.fail[key]--
		return errors.New("store unavailable")
	}
	return nil
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func startScheduler(t *testing.T, s *HeapScheduler, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, h)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHeapScheduler_FiresDueTasks(t *testing.T) {
	s := NewHeapScheduler(RetryPolicy{MaxAttempts: 1}, zap.NewNop())
	rec := newRecorder()
	startScheduler(t, s, rec.handle)

	now := time.Now()
	require.NoError(t, s.Schedule(context.Background(), "b-2", now.Add(40*time.Millisecond)))
	require.NoError(t, s.Schedule(context.Background(), "b-1", now.Add(10*time.Millisecond)))

	assert.Eventually(t, func() bool { return rec.count("b-1") == 1 && rec.count("b-2") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestHeapScheduler_PastDueFiresImmediately(t *testing.T) {
	s := NewHeapScheduler(RetryPolicy{MaxAttempts: 1}, zap.NewNop())
	rec := newRecorder()
	require.NoError(t, s.Schedule(context.Background(), "overdue", time.Now().Add(-time.Hour)))
	startScheduler(t, s, rec.handle)

	assert.Eventually(t, func() bool { return rec.count("overdue") == 1 }, time.Second, 5*time.Millisecond)
}

func TestHeapScheduler_Cancel(t *testing.T) {
	s := NewHeapScheduler(RetryPolicy{MaxAttempts: 1}, zap.NewNop())
	rec := newRecorder()
	startScheduler(t, s, rec.handle)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "b-1", time.Now().Add(30*time.Millisecond)))
	require.NoError(t, s.Schedule(ctx, "b-2", time.Now().Add(30*time.Millisecond)))
	require.NoError(t, s.Cancel(ctx, "b-1"))
	require.NoError(t, s.Cancel(ctx, "never-scheduled"))

	assert.Eventually(t, func() bool { return rec.count("b-2") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count("b-1"))
}

func TestHeapScheduler_RescheduleReplaces(t *testing.T) {
	s := NewHeapScheduler(RetryPolicy{MaxAttempts: 1}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "b-1", time.Now().Add(time.Hour)))
	require.NoError(t, s.Schedule(ctx, "b-1", time.Now().Add(10*time.Millisecond)))
	assert.Equal(t, 1, s.Len())

	rec := newRecorder()
	startScheduler(t, s, rec.handle)
	assert.Eventually(t, func() bool { return rec.count("b-1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestHeapScheduler_RetriesFailingHandler(t *testing.T) {
	s := NewHeapScheduler(RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Millisecond}, zap.NewNop())
	rec := newRecorder()
	rec.fail["b-1"] = 2
	startScheduler(t, s, rec.handle)

	require.NoError(t, s.Schedule(context.Background(), "b-1", time.Now()))

	assert.Eventually(t, func() bool { return rec.count("b-1") == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, rec.count("b-1"))
	assert.Equal(t, 0, s.Len())
}

func TestHeapScheduler_DropsAfterMaxAttempts(t *testing.T) {
	s := NewHeapScheduler(RetryPolicy{MaxAttempts: 2, Backoff: 5 * time.Millisecond}, zap.NewNop())
	rec := newRecorder()
	rec.fail["b-1"] = 10
	startScheduler(t, s, rec.handle)

	require.NoError(t, s.Schedule(context.Background(), "b-1", time.Now()))

	assert.Eventually(t, func() bool { return rec.count("b-1") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 2, rec.count("b-1"))
	assert.Equal(t, 0, s.Len())
}

func TestRetryPolicy_Next(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Backoff: time.Second}

	d, ok := p.next(1)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	d, ok = p.next(2)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = p.next(3)
	assert.False(t, ok)
}

func TestScore_UnixMillis(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	assert.Equal(t, float64(at.UnixMilli()), score(at))
}
