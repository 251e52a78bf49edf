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

package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 释放与续期必须校验 token，避免把他人重新获取的租约删掉/续掉
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisCoordinator 基于 SET NX PX 的分布式租约
type RedisCoordinator struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCoordinator 创建 Redis 协调器
func NewRedisCoordinator(client redis.UniversalClient, keyPrefix string) *RedisCoordinator {
	if keyPrefix == "" {
		keyPrefix = "lowcode:lease:"
	}
	return &RedisCoordinator{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCoordinator) key(scopeKey string) string { return c.keyPrefix + scopeKey }

// TryAcquire SET NX PX；key 已存在说明租约被他人持有
func (c *RedisCoordinator) TryAcquire(ctx context.Context, scopeKey, holderID string, ttl time.Duration) (*Lease, error) {
	token := holderID + ":" + newToken()
	ok, err := c.client.SetNX(ctx, c.key(scopeKey), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", scopeKey, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{
		ScopeKey:  scopeKey,
		HolderID:  holderID,
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Release Lua 比对 token 后删除
func (c *RedisCoordinator) Release(ctx context.Context, lease *Lease) error {
	_, err := releaseScript.Run(ctx, c.client, []string{c.key(lease.ScopeKey)}, lease.Token).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", lease.ScopeKey, err)
	}
	return nil
}

// Renew Lua 比对 token 后 PEXPIRE
func (c *RedisCoordinator) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, c.client, []string{c.key(lease.ScopeKey)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("renew lease %s: %w", lease.ScopeKey, err)
	}
	if n == 1 {
		lease.ExpiresAt = time.Now().Add(ttl)
		return true, nil
	}
	return false, nil
}
