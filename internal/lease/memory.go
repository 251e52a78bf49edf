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
	"sync"
	"time"
)

// MemoryCoordinator 单进程协调器；多实例部署请用 Redis 实现
type MemoryCoordinator struct {
	mu     sync.Mutex
	leases map[string]*Lease
	now    func() time.Time
}

// NewMemoryCoordinator 创建内存协调器
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{leases: make(map[string]*Lease), now: time.Now}
}

// TryAcquire 尝试获取；过期租约视为空闲
func (c *MemoryCoordinator) TryAcquire(_ context.Context, scopeKey, holderID string, ttl time.Duration) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if cur, ok := c.leases[scopeKey]; ok && cur.ExpiresAt.After(now) {
		return nil, nil
	}
	lease := &Lease{
		ScopeKey:  scopeKey,
		HolderID:  holderID,
		Token:     newToken(),
		ExpiresAt: now.Add(ttl),
	}
	c.leases[scopeKey] = lease
	cp := *lease
	return &cp, nil
}

// Release token 匹配时删除
func (c *MemoryCoordinator) Release(_ context.Context, lease *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.leases[lease.ScopeKey]; ok && cur.Token == lease.Token {
		delete(c.leases, lease.ScopeKey)
	}
	return nil
}

// Renew token 匹配且未被抢占时推后过期时间
func (c *MemoryCoordinator) Renew(_ context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.leases[lease.ScopeKey]
	if !ok || cur.Token != lease.Token {
		return false, nil
	}
	cur.ExpiresAt = c.now().Add(ttl)
	lease.ExpiresAt = cur.ExpiresAt
	return true, nil
}
