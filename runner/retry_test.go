package runner

import (
	"testing"
	"time"
)

func TestExponentialBackoffStrategy(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 10 * time.Millisecond},
		{attempt: 0, want: 10 * time.Millisecond},
		{attempt: 2, want: 40 * time.Millisecond},
		{attempt: 4, want: 100 * time.Millisecond},
		{attempt: 400, want: 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := strategy.SleepDuration(tc.attempt, nil); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestFixedAndNoDelayStrategies(t *testing.T) {
	if got := (NoDelayStrategy{}).SleepDuration(3, nil); got != 0 {
		t.Fatalf("expected zero delay, got %s", got)
	}
	if got := (FixedDelayStrategy{Delay: time.Second}).SleepDuration(7, nil); got != time.Second {
		t.Fatalf("expected fixed delay, got %s", got)
	}
	if got := (FixedDelayStrategy{Delay: -time.Second}).SleepDuration(0, nil); got != 0 {
		t.Fatalf("expected negative delay clamped to zero, got %s", got)
	}
}
