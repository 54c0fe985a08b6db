package retryutil

import (
	"context"
	"testing"
	"time"
)

func TestAsyncRetryRunsAfterDelay(t *testing.T) {
	ran := make(chan struct{})
	AsyncRetry(context.Background(), nil, "test", 5*time.Millisecond, time.Second, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("retry never ran")
	}
}

func TestAsyncRetryDroppedOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{})
	AsyncRetry(ctx, nil, "test", 50*time.Millisecond, time.Second, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
		t.Fatal("retry ran despite canceled context")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAsyncRetryNilFn(t *testing.T) {
	AsyncRetry(context.Background(), nil, "test", time.Millisecond, time.Second, nil)
}
