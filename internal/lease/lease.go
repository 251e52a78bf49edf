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

// Package lease 提供作用域级互斥租约，用于 worker 间的分区/调度协调。
// 与队列 job 租约不同：这里的租约粒度是任意 scope key，如 "partition:3"。
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Lease 一次成功获取的租约；Token 用于释放/续期时校验持有权
type Lease struct {
	ScopeKey  string    `json:"scope_key"`
	HolderID  string    `json:"holder_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Coordinator 租约协调器
type Coordinator interface {
	// TryAcquire 尝试获取 scope 租约；已被他人持有时返回 (nil, nil)
	TryAcquire(ctx context.Context, scopeKey, holderID string, ttl time.Duration) (*Lease, error)

	// Release 释放租约；token 不匹配时静默返回，租约已易主
	Release(ctx context.Context, lease *Lease) error

	// Renew 续期；仍持有返回 true，租约已易主或过期返回 false
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error)
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("lease token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
