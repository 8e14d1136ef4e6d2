package store

import "testing"

func TestDefaultBackoffGrowsWithAttempt(t *testing.T) {
	small := DefaultBackoff(1)
	large := DefaultBackoff(5)
	if large <= small {
		t.Fatalf("want backoff to grow with attempt, got attempt1=%s attempt5=%s", small, large)
	}
}

func TestDefaultBackoffNeverNegativeForNegativeAttempt(t *testing.T) {
	if d := DefaultBackoff(-3); d <= 0 {
		t.Fatalf("want a positive backoff even for a negative attempt, got %s", d)
	}
}
