// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statscache 缓存队列统计，挡掉监控面板对队列表的高频聚合查询。
// 两层：进程内 map 为第一层，可选 Redis 为第二层（多 API 实例共享）。
package statscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lowcode-platform/pkg/log"
	"lowcode-platform/pkg/metrics"

	"lowcode-platform/internal/queue"
)

// Query 统计查询维度；不同维度的结果独立缓存
type Query struct {
	ActiveWindow time.Duration
	Partition    *queue.Partition
}

// Key 缓存键
func (q Query) Key() string {
	if q.Partition == nil {
		return fmt.Sprintf("w%d:all", int(q.ActiveWindow.Seconds()))
	}
	return fmt.Sprintf("w%d:p%d/%d", int(q.ActiveWindow.Seconds()), q.Partition.Index, q.Partition.Count)
}

// Loader 缓存未命中时的回源函数
type Loader func(ctx context.Context) (*queue.Stats, error)

type memoryEntry struct {
	stats     queue.Stats
	expiresAt time.Time
}

// Cache 两级统计缓存；ttl 为 0 时关闭缓存，所有查询直达回源
type Cache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	redis     redis.UniversalClient
	keyPrefix string

	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

// New 创建缓存；redisClient 为 nil 时仅启用进程内层
func New(ttl time.Duration, redisClient redis.UniversalClient, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cache{
		entries:   make(map[string]memoryEntry),
		redis:     redisClient,
		keyPrefix: "lowcode:queue-stats:",
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// Stats 带缓存的统计读取。读序：进程内 → Redis → 回源；
// 回源结果回填两层。Redis 故障降级为回源，不阻断读路径。
func (c *Cache) Stats(ctx context.Context, q Query, load Loader) (*queue.Stats, error) {
	if c.ttl <= 0 {
		return load(ctx)
	}
	key := q.Key()

	if stats, ok := c.getMemory(key); ok {
		metrics.StatsCacheLookupTotal.WithLabelValues("memory", "true").Inc()
		return stats, nil
	}
	metrics.StatsCacheLookupTotal.WithLabelValues("memory", "false").Inc()

	if c.redis != nil {
		if stats, ok := c.getRedis(ctx, key); ok {
			metrics.StatsCacheLookupTotal.WithLabelValues("redis", "true").Inc()
			c.setMemory(key, stats)
			return stats, nil
		}
		metrics.StatsCacheLookupTotal.WithLabelValues("redis", "false").Inc()
	}

	stats, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.setMemory(key, stats)
	if c.redis != nil {
		c.setRedis(ctx, key, stats)
	}
	return stats, nil
}

// Invalidate 清空进程内层；Redis 层靠 TTL 自然过期
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
}

func (c *Cache) getMemory(key string) (*queue.Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !entry.expiresAt.After(c.now()) {
		return nil, false
	}
	cp := entry.stats
	return &cp, true
}

func (c *Cache) setMemory(key string, stats *queue.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{stats: *stats, expiresAt: c.now().Add(c.ttl)}
}

// Redis 层以紧凑字符串存计数，跨实例共享
func encodeStats(s *queue.Stats) string {
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d",
		s.PendingJobs, s.LeasedJobs, s.ExpiredLeases, s.CompletedJobs, s.FailedJobs, s.ActiveWorkers)
}

func decodeStats(v string) (*queue.Stats, error) {
	var s queue.Stats
	_, err := fmt.Sscanf(v, "%d,%d,%d,%d,%d,%d",
		&s.PendingJobs, &s.LeasedJobs, &s.ExpiredLeases, &s.CompletedJobs, &s.FailedJobs, &s.ActiveWorkers)
	if err != nil {
		return nil, fmt.Errorf("decode stats %q: %w", v, err)
	}
	return &s, nil
}

func (c *Cache) getRedis(ctx context.Context, key string) (*queue.Stats, bool) {
	v, err := c.redis.Get(ctx, c.keyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("stats cache redis get failed", "key", key, "error", err)
		return nil, false
	}
	stats, err := decodeStats(v)
	if err != nil {
		c.logger.Warn("stats cache decode failed", "key", key, "error", err)
		return nil, false
	}
	return stats, true
}

func (c *Cache) setRedis(ctx context.Context, key string, stats *queue.Stats) {
	if err := c.redis.Set(ctx, c.keyPrefix+key, encodeStats(stats), c.ttl).Err(); err != nil {
		c.logger.Warn("stats cache redis set failed", "key", key, "error", err)
	}
}
