package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()

	cf := countingFunc{failUntil: 0}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 1 {
		t.Errorf("expected calls=1, got %d", cf.calls)
	}
	if runs, ok := h.Stats(); runs != 1 || ok != 1 {
		t.Errorf("expected runs=1 successful=1, got %d/%d", runs, ok)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3))

	cf := countingFunc{failUntil: 1}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls)
	}
}

func TestHandler_AllAttemptsFailReturnsLastError(t *testing.T) {
	var reported []error
	h := NewHandler(WithMaxRetries(2), WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))

	cf := countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}

	if cf.calls != 3 {
		t.Errorf("expected calls=3 (1 initial + 2 retries), got %d", cf.calls)
	}
	if len(reported) != 2 {
		t.Errorf("expected two intermediate failures reported, got %d", len(reported))
	}
	if _, ok := h.Stats(); ok != 0 {
		t.Errorf("expected no successful runs, got %d", ok)
	}
}

func TestHandler_TimeoutSurfacesDeadlineExceeded(t *testing.T) {
	h := NewHandler(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to time out quickly, but took too long")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_Deadline(t *testing.T) {
	h := NewHandler(WithDeadline(time.Now().Add(50 * time.Millisecond)))

	err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHandler_PanicBecomesError(t *testing.T) {
	h := NewHandler()

	err := h.Run(context.Background(), func(context.Context) error {
		panic("storage client exploded")
	})

	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %T %v", err, err)
	}
	if panicErr.Value != "storage client exploded" {
		t.Fatalf("unexpected panic value: %v", panicErr.Value)
	}
}

func TestHandler_Concurrency(t *testing.T) {
	h := NewHandler(WithMaxRetries(1))
	wg := sync.WaitGroup{}
	const goroutines = 10

	cf := &countingFunc{failUntil: 1}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Run(context.Background(), cf.fn)
		}()
	}
	wg.Wait()

	runs, successful := h.Stats()
	if runs != goroutines {
		t.Errorf("expected runs=%d, got %d", goroutines, runs)
	}
	if successful != goroutines {
		t.Errorf("expected successful=%d, got %d", goroutines, successful)
	}
}

func TestHandler_LoggerReceivesFinalFailure(t *testing.T) {
	ml := &mockLogger{}
	h := NewHandler(WithLogger(ml))

	_ = h.Run(context.Background(), func(context.Context) error {
		return fmt.Errorf("connection refused")
	})

	if len(ml.errors) != 1 {
		t.Fatalf("expected one error log, got %d", len(ml.errors))
	}
}

type countingFunc struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (c *countingFunc) fn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		return fmt.Errorf("fail on call %d", c.calls)
	}
	return nil
}

type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, fmt.Sprintf(msg, args...))
}

func (m *mockLogger) Error(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, fmt.Sprintf(msg, args...))
}
