package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/bookingengine/internal/metrics"
	"go.uber.org/zap"
)

type task struct {
	key     string
	at      time.Time
	attempt int
	index   int
}

// taskHeap is a min-heap ordered by due time.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// HeapScheduler keeps tasks in process memory. Tasks do not survive a
// restart; owners re-arm them from persisted state.
type HeapScheduler struct {
	mu     sync.Mutex
	queue  taskHeap
	index  map[string]*task
	wake   chan struct{}
	retry  RetryPolicy
	now    func() time.Time
	logger *zap.Logger
}

func NewHeapScheduler(retry RetryPolicy, logger *zap.Logger) *HeapScheduler {
	return &HeapScheduler{
		index:  make(map[string]*task),
		wake:   make(chan struct{}, 1),
		retry:  retry,
		now:    time.Now,
		logger: logger,
	}
}

func (s *HeapScheduler) Schedule(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	s.put(key, at, 1)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *HeapScheduler) Cancel(_ context.Context, key string) error {
	s.mu.Lock()
	if t, ok := s.index[key]; ok {
		heap.Remove(&s.queue, t.index)
		delete(s.index, key)
		metrics.ScheduledExpiries.Dec()
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of pending tasks.
func (s *HeapScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run fires due tasks until ctx is cancelled. Handlers run on their own
// goroutines; Run waits for them before returning.
func (s *HeapScheduler) Run(ctx context.Context, handle Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.popDue()
		for _, t := range due {
			wg.Add(1)
			go func(t *task) {
				defer wg.Done()
				s.execute(ctx, handle, t)
			}(t)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *HeapScheduler) execute(ctx context.Context, handle Handler, t *task) {
	err := handle(ctx, t.key)
	if err == nil {
		metrics.ExpiryTasksTotal.WithLabelValues("fired").Inc()
		return
	}

	delay, ok := s.retry.next(t.attempt)
	if !ok || ctx.Err() != nil {
		metrics.ExpiryTasksTotal.WithLabelValues("dropped").Inc()
		s.logger.Error("scheduled task dropped", zap.String("key", t.key), zap.Int("attempt", t.attempt), zap.Error(err))
		return
	}

	metrics.ExpiryTasksTotal.WithLabelValues("retried").Inc()
	s.logger.Warn("scheduled task failed, retrying",
		zap.String("key", t.key), zap.Int("attempt", t.attempt), zap.Duration("delay", delay), zap.Error(err))

	s.mu.Lock()
	// A fresh Schedule for the key since firing takes precedence.
	if _, exists := s.index[t.key]; !exists {
		s.put(t.key, s.now().Add(delay), t.attempt+1)
	}
	s.mu.Unlock()
	s.notify()
}

// popDue removes every task due by now and returns them along with the
// wait until the next one.
func (s *HeapScheduler) popDue() ([]*task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*task
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		t := heap.Pop(&s.queue).(*task)
		delete(s.index, t.key)
		metrics.ScheduledExpiries.Dec()
		due = append(due, t)
	}
	if len(s.queue) == 0 {
		return due, time.Hour
	}
	return due, s.queue[0].at.Sub(now)
}

// put must be called with mu held.
func (s *HeapScheduler) put(key string, at time.Time, attempt int) {
	if t, ok := s.index[key]; ok {
		t.at = at
		t.attempt = attempt
		heap.Fix(&s.queue, t.index)
		return
	}
	t := &task{key: key, at: at, attempt: attempt}
	heap.Push(&s.queue, t)
	s.index[key] = t
	metrics.ScheduledExpiries.Inc()
}

func (s *HeapScheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

var _ Runner = (*HeapScheduler)(nil)
