package lcm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/martian-engineering/lcm/internal/lcm"
)

func TestSerializer_SameConversationRunsInFIFOOrder(t *testing.T) {
	s := lcm.NewSerializer()
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Enqueue(context.Background(), 1, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(time.Millisecond) // encourage enqueue order to match submission order
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 completed jobs, got %d", len(order))
	}
	for i := 0; i < 5; i++ {
		if order[i] != i {
			t.Fatalf("expected FIFO order %v, got %v", []int{0, 1, 2, 3, 4}, order)
		}
	}
}

func TestSerializer_DistinctConversationsRunConcurrently(t *testing.T) {
	s := lcm.NewSerializer()
	release := make(chan struct{})
	blockedStarted := make(chan struct{})

	go func() {
		_ = s.Enqueue(context.Background(), 1, func(ctx context.Context) error {
			close(blockedStarted)
			<-release
			return nil
		})
	}()

	<-blockedStarted

	done := make(chan error, 1)
	go func() {
		done <- s.Enqueue(context.Background(), 2, func(ctx context.Context) error { return nil })
	}()

	select {
	case <-done:
		// conversation 2's job completed while conversation 1's job is still blocked
	case <-time.After(2 * time.Second):
		t.Fatal("conversation 2's job should not be blocked by conversation 1's in-flight job")
	}
	close(release)
}

func TestSerializer_EnqueuePropagatesJobError(t *testing.T) {
	s := lcm.NewSerializer()
	sentinel := errorSentinel{}
	err := s.Enqueue(context.Background(), 3, func(ctx context.Context) error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the job's own error to propagate, got %v", err)
	}
}

type errorSentinel struct{}

func (errorSentinel) Error() string { return "sentinel error" }
