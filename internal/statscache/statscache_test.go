// Copyright 2026 fanjia1024

package statscache

import (
	"context"
	"testing"
	"time"

	"lowcode-platform/pkg/log"

	"lowcode-platform/internal/queue"
)

func TestCacheHitAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(5*time.Second, nil, log.NewNop())
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	loads := 0
	load := func(context.Context) (*queue.Stats, error) {
		loads++
		return &queue.Stats{PendingJobs: int64(loads)}, nil
	}
	q := Query{ActiveWindow: time.Minute}

	s, err := c.Stats(ctx, q, load)
	if err != nil || s.PendingJobs != 1 {
		t.Fatalf("first read = %+v, %v", s, err)
	}
	// TTL 内命中缓存，不回源
	s, _ = c.Stats(ctx, q, load)
	if s.PendingJobs != 1 || loads != 1 {
		t.Fatalf("cached read = %+v, loads = %d", s, loads)
	}

	// 过期后重新回源
	clock = clock.Add(6 * time.Second)
	s, _ = c.Stats(ctx, q, load)
	if s.PendingJobs != 2 || loads != 2 {
		t.Fatalf("expired read = %+v, loads = %d", s, loads)
	}
}

func TestCacheKeyDimensions(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil, log.NewNop())
	loads := 0
	load := func(context.Context) (*queue.Stats, error) {
		loads++
		return &queue.Stats{}, nil
	}

	if _, err := c.Stats(ctx, Query{ActiveWindow: time.Minute}, load); err != nil {
		t.Fatal(err)
	}
	// 分区维度不同，键不同，各自回源
	if _, err := c.Stats(ctx, Query{ActiveWindow: time.Minute, Partition: &queue.Partition{Count: 2, Index: 0}}, load); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stats(ctx, Query{ActiveWindow: time.Minute, Partition: &queue.Partition{Count: 2, Index: 1}}, load); err != nil {
		t.Fatal(err)
	}
	if loads != 3 {
		t.Fatalf("loads = %d, want 3", loads)
	}
}

func TestCacheDisabledByZeroTTL(t *testing.T) {
	ctx := context.Background()
	c := New(0, nil, log.NewNop())
	loads := 0
	load := func(context.Context) (*queue.Stats, error) {
		loads++
		return &queue.Stats{}, nil
	}
	q := Query{ActiveWindow: time.Minute}
	for i := 0; i < 3; i++ {
		if _, err := c.Stats(ctx, q, load); err != nil {
			t.Fatal(err)
		}
	}
	if loads != 3 {
		t.Fatalf("ttl 0 should bypass cache, loads = %d", loads)
	}
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil, log.NewNop())
	loads := 0
	load := func(context.Context) (*queue.Stats, error) {
		loads++
		return &queue.Stats{}, nil
	}
	q := Query{ActiveWindow: time.Minute}
	_, _ = c.Stats(ctx, q, load)
	c.Invalidate()
	_, _ = c.Stats(ctx, q, load)
	if loads != 2 {
		t.Fatalf("loads = %d, want 2", loads)
	}
}

func TestStatsEncoding(t *testing.T) {
	in := &queue.Stats{PendingJobs: 1, LeasedJobs: 2, ExpiredLeases: 3, CompletedJobs: 4, FailedJobs: 5, ActiveWorkers: 6}
	out, err := decodeStats(encodeStats(in))
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Fatalf("roundtrip = %+v", out)
	}
	if _, err := decodeStats("garbage"); err == nil {
		t.Fatal("expected decode error")
	}
}
