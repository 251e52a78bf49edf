// Copyright 2026 fanjia1024

package queue

import (
	"testing"
	"time"
)

func TestBackoffBase(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 60 * time.Second},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute}, // 16min 封顶到 15min
		{10, 15 * time.Minute},
		{0, 60 * time.Second},
	}
	for _, tc := range tests {
		if got := BackoffBase(tc.attempt); got != tc.want {
			t.Fatalf("BackoffBase(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		base := BackoffBase(attempt)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		for i := 0; i < 100; i++ {
			got := Backoff(attempt)
			if got < lo || got > hi {
				t.Fatalf("Backoff(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}
