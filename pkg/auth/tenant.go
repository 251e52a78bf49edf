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

package auth

import (
	"context"
	"sync"
	"time"
)

// Tenant 租户模型；平台内所有行均按 tenant_id 分区
type Tenant struct {
	ID        string
	Name      string
	Status    TenantStatus
	Quota     TenantQuota
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantStatus 租户状态
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusDeleted   TenantStatus = "deleted"
)

// TenantQuota 租户配额
type TenantQuota struct {
	MaxWorkflows  int // 最大 workflow 定义数（0=无限制）
	MaxQueuedJobs int // 队列中最大未完成 job 数（0=无限制）
	MaxRunsPerDay int // 每天最大运行次数（0=无限制）
}

// DefaultTenantQuota 默认租户配额
func DefaultTenantQuota() TenantQuota {
	return TenantQuota{
		MaxWorkflows:  0,
		MaxQueuedJobs: 0,
		MaxRunsPerDay: 0,
	}
}

// TenantDirectory 租户目录端口；编排器在保存/执行入口查询状态与配额
type TenantDirectory interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
}

// MemoryTenantDirectory 内存租户目录。
// 未登记的租户按 active + 默认配额返回，租户开通由平台侧完成
type MemoryTenantDirectory struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewMemoryTenantDirectory 创建内存租户目录
func NewMemoryTenantDirectory() *MemoryTenantDirectory {
	return &MemoryTenantDirectory{tenants: make(map[string]*Tenant)}
}

// Upsert 登记或更新租户
func (d *MemoryTenantDirectory) Upsert(t Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if existing, ok := d.tenants[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	d.tenants[t.ID] = &t
}

// GetTenant 实现 TenantDirectory
func (d *MemoryTenantDirectory) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.tenants[tenantID]; ok {
		cp := *t
		return &cp, nil
	}
	return &Tenant{
		ID:     tenantID,
		Status: TenantStatusActive,
		Quota:  DefaultTenantQuota(),
	}, nil
}
