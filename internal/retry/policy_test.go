package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"conveyor/internal/provider"
	"conveyor/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"rejected", provider.ErrRejected, ClassPermanent},
		{"wrapped rejected", fmt.Errorf("submit: %w", provider.ErrRejected), ClassPermanent},
		{"validation", store.ErrValidation, ClassPermanent},
		{"not found", store.ErrNotFound, ClassPermanent},
		{"unavailable", provider.ErrUnavailable, ClassTransient},
		{"timeout", provider.ErrTimeout, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unclassified", errors.New("weird"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(provider.ErrRejected) {
		t.Fatal("permanent errors must not be retryable")
	}
	if !Retryable(provider.ErrUnavailable) {
		t.Fatal("transient errors must be retryable")
	}
	if !Retryable(errors.New("unknown")) {
		t.Fatal("unknown errors retry up to the attempt cap")
	}
}

func TestDelayBounds(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d <= 0 {
				t.Fatalf("attempt %d: delay %v not positive", attempt, d)
			}
			if d > p.MaxDelay {
				t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, p.MaxDelay)
			}
		}
	}
	// First attempt draws from the base window only.
	for i := 0; i < 50; i++ {
		if d := p.Delay(1); d > p.BaseDelay {
			t.Fatalf("first-attempt delay %v exceeds base %v", d, p.BaseDelay)
		}
	}
}

func TestDoExhaustsTransientErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return provider.ErrUnavailable
	})
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoAbortsOnPermanent(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return provider.ErrRejected
	})
	if !errors.Is(err, provider.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return provider.ErrUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	p := Policy{MaxAttempts: 50, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, nil, "op", func(context.Context) error {
		return provider.ErrUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
