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

package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"lowcode-platform/pkg/auth"
)

// RuntimeRecordService create_runtime_record 步骤依赖的记录服务。
// 执行走内部路径，按租户写入，不做 per-call 权限检查（worker 主体已越过闸口）。
type RuntimeRecordService interface {
	CreateRecordUnchecked(ctx context.Context, actor auth.Actor, entityLogicalName string, data map[string]interface{}) (recordID string, err error)
}

// AuditEvent 定义保存等管理操作的审计事件
type AuditEvent struct {
	EventID   string    `json:"event_id"`
	TenantID  string    `json:"tenant_id"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditRepository 审计事件落盘
type AuditRepository interface {
	AppendAuditEvent(ctx context.Context, ev AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]AuditEvent, error)
}

// MemoryRecordService 内存记录服务，开发与测试用
type MemoryRecordService struct {
	mu      sync.Mutex
	records map[string][]map[string]interface{} // tenantID/entity -> rows
}

// NewMemoryRecordService 创建内存记录服务
func NewMemoryRecordService() *MemoryRecordService {
	return &MemoryRecordService{records: make(map[string][]map[string]interface{})}
}

// CreateRecordUnchecked 按租户写入一行记录并返回记录 ID
func (s *MemoryRecordService) CreateRecordUnchecked(_ context.Context, actor auth.Actor, entityLogicalName string, data map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actor.TenantID + "/" + entityLogicalName
	row := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		row[k] = v
	}
	id := uuid.NewString()
	row["id"] = id
	s.records[key] = append(s.records[key], row)
	return id, nil
}

// Records 返回租户+实体下已写入的记录，测试用
func (s *MemoryRecordService) Records(tenantID, entityLogicalName string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.records[tenantID+"/"+entityLogicalName]...)
}

// MemoryAuditRepository 内存审计仓库
type MemoryAuditRepository struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditRepository 创建内存审计仓库
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

// AppendAuditEvent 追加审计事件
func (r *MemoryAuditRepository) AppendAuditEvent(_ context.Context, ev AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// ListAuditEvents 按租户倒序返回最近 limit 条
func (r *MemoryAuditRepository) ListAuditEvents(_ context.Context, tenantID string, limit int) ([]AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AuditEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].TenantID != tenantID {
			continue
		}
		out = append(out, r.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
