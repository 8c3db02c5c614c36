package syncengine

import "testing"

func TestBackoff_Boundaries(t *testing.T) {
	tests := []struct {
		errors int
		want   int // seconds
	}{
		{0, 0},
		{1, 0},
		{2, 7},
		{7, 300},
		{8, 300},
		{100, 300},
	}

	for _, tt := range tests {
		got := Backoff(tt.errors)
		if int(got.Seconds()) != tt.want {
			t.Errorf("Backoff(%d) = %v, want %ds", tt.errors, got, tt.want)
		}
	}
}

func TestBackoff_MonotonicNonDecreasing(t *testing.T) {
	prev := Backoff(0)
	for errors := 1; errors <= 20; errors++ {
		cur := Backoff(errors)
		if cur < prev {
			t.Fatalf("Backoff(%d)=%v is less than Backoff(%d)=%v, expected monotonic non-decreasing", errors, cur, errors-1, prev)
		}
		prev = cur
	}
}
