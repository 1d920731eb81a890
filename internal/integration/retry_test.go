package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRetrier(maxRetries int) (*Retrier, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewRetrier(Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond}, logger, nil)
	return r, &buf
}

func warnings(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), "level=WARN")
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	r, buf := newTestRetrier(3)

	var calls int
	got, err := Execute(context.Background(), r, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected 'ok', got %q", got)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if n := warnings(buf); n != 2 {
		t.Errorf("expected 2 retry warnings, got %d", n)
	}
}

func TestExecuteClientErrorNotRetried(t *testing.T) {
	r, buf := newTestRetrier(3)

	var calls int
	_, err := Execute(context.Background(), r, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 400, Status: "400 Bad Request"}
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Errorf("expected 400 status error, got %v", err)
	}
	if IsRetriesExhausted(err) {
		t.Error("client error should not be marked as exhausted")
	}
	if n := warnings(buf); n != 0 {
		t.Errorf("expected no retry warnings, got %d", n)
	}
}

func TestExecuteRateLimitedIsRetried(t *testing.T) {
	r, _ := newTestRetrier(2)

	var calls int
	_, err := Execute(context.Background(), r, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 429}
	})
	if calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
	if !IsRetriesExhausted(err) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	var re *RetriesExhaustedError
	errors.As(err, &re)
	if re.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", re.Attempts)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 429 {
		t.Errorf("expected wrapped 429, got %v", err)
	}
}

func TestExecuteZeroRetries(t *testing.T) {
	r, _ := newTestRetrier(0)

	var calls int
	_, err := Execute(context.Background(), r, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
	if !IsRetriesExhausted(err) {
		t.Errorf("expected retries exhausted, got %v", err)
	}
}

func TestExecuteNilOperation(t *testing.T) {
	r, _ := newTestRetrier(1)
	_, err := Execute[int](context.Background(), r, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestExecuteContextCancelDuringBackoff(t *testing.T) {
	r := NewRetrier(Policy{MaxRetries: 5, BaseDelay: time.Hour}, slog.New(slog.DiscardHandler), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, r, func(ctx context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("down")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls.Load())
	}
}

func TestRetrierDo(t *testing.T) {
	r, _ := newTestRetrier(1)
	var calls int
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return WithStatus(errors.New("unavailable"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetrierDoNilOperation(t *testing.T) {
	r := NewRetrier(Policy{MaxRetries: 3, BaseDelay: time.Hour}, slog.New(slog.DiscardHandler), nil)

	start := time.Now()
	err := r.Do(context.Background(), nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if IsRetriesExhausted(err) {
		t.Error("nil operation should not be retried")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected immediate failure, took %v", elapsed)
	}
}

func TestRetrierDoClientErrorNotRetried(t *testing.T) {
	r, buf := newTestRetrier(3)

	var calls int
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return WithStatus(errors.New("bad request"), 400)
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if err == nil || IsRetriesExhausted(err) {
		t.Errorf("expected unwrapped client error, got %v", err)
	}
	if n := warnings(buf); n != 0 {
		t.Errorf("expected no retry warnings, got %d", n)
	}
}

func TestRetrierDoRateLimitedExhausted(t *testing.T) {
	r, buf := newTestRetrier(2)

	var calls int
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: 429}
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !IsRetriesExhausted(err) {
		t.Errorf("expected retries exhausted, got %v", err)
	}
	if n := warnings(buf); n != 2 {
		t.Errorf("expected 2 retry warnings, got %d", n)
	}
}

func TestExecuteInvalidArgumentNotRetried(t *testing.T) {
	r := NewRetrier(Policy{MaxRetries: 3, BaseDelay: time.Hour}, slog.New(slog.DiscardHandler), nil)

	var calls int
	_, err := Execute(context.Background(), r, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: missing field", ErrInvalidArgument)
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, ErrInvalidArgument) || IsRetriesExhausted(err) {
		t.Errorf("expected bare ErrInvalidArgument, got %v", err)
	}
}

func TestBackoffSaturates(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		got := p.Backoff(attempt)
		if got < prev {
			t.Fatalf("Backoff(%d) = %v, below previous %v", attempt, got, prev)
		}
		prev = got
	}
	if prev != maxBackoff {
		t.Errorf("expected saturation at %v, got %v", maxBackoff, prev)
	}
	if got := (Policy{}).Backoff(5); got != 0 {
		t.Errorf("expected zero backoff for zero base delay, got %v", got)
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRandomJitterBounds(t *testing.T) {
	if got := randomJitter(0); got != 0 {
		t.Errorf("expected 0 jitter for zero max, got %v", got)
	}
	for range 100 {
		if j := randomJitter(50 * time.Millisecond); j < 0 || j >= 50*time.Millisecond {
			t.Fatalf("jitter out of range: %v", j)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Class
	}{
		{400, ClassClient},
		{404, ClassClient},
		{429, ClassRateLimited},
		{500, ClassServer},
		{503, ClassServer},
		{200, ClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if ClassOf(errors.New("plain")) != ClassUnknown {
		t.Error("plain errors should be unclassified")
	}
}
