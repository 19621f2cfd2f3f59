package usage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSample_DebouncesRepeatedCalls(t *testing.T) {
	var mu sync.Mutex
	var samples int

	tr := New(Config{Debounce: time.Hour, ProbeTimeout: time.Second}, func(ctx context.Context, key string) (float64, error) {
		mu.Lock()
		samples++
		mu.Unlock()
		return 0.5, nil
	}, func(string, float64) {})

	tr.Sample(context.Background(), "key-1")
	tr.Sample(context.Background(), "key-1")
	tr.Sample(context.Background(), "key-1")

	// Give the fire-and-forget goroutine time to run.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if samples != 1 {
		t.Errorf("expected exactly one probe within the debounce window, got %d", samples)
	}
}

func TestSample_ClampsFractionToUnitRange(t *testing.T) {
	var got float64
	var mu sync.Mutex
	done := make(chan struct{})

	tr := New(Config{Debounce: time.Millisecond, ProbeTimeout: time.Second}, func(ctx context.Context, key string) (float64, error) {
		return 1.5, nil
	}, func(key string, fraction float64) {
		mu.Lock()
		got = fraction
		mu.Unlock()
		close(done)
	})

	tr.Sample(context.Background(), "key-1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sink callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Errorf("expected fraction clamped to 1, got %v", got)
	}
}

func TestSample_ProbeFailureDoesNotInvokeSink(t *testing.T) {
	sinkCalled := false
	tr := New(Config{Debounce: time.Millisecond, ProbeTimeout: time.Second}, func(ctx context.Context, key string) (float64, error) {
		return 0, context.DeadlineExceeded
	}, func(string, float64) { sinkCalled = true })

	tr.Sample(context.Background(), "key-1")
	time.Sleep(50 * time.Millisecond)

	if sinkCalled {
		t.Error("expected a failed probe not to invoke the sink")
	}
}
