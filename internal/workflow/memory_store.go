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
	"sort"
	"sync"
	"time"

	apperrors "lowcode-platform/pkg/errors"
)

// MemoryStore 内存实现 DefinitionStore+RunStore，开发与测试用
type MemoryStore struct {
	mu       sync.RWMutex
	defs     map[string]*Definition // tenantID/logicalName
	runs     map[string]*Run        // tenantID/runID
	attempts map[string][]Attempt   // tenantID/runID
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:     make(map[string]*Definition),
		runs:     make(map[string]*Run),
		attempts: make(map[string][]Attempt),
	}
}

func defKey(tenantID, logicalName string) string { return tenantID + "/" + logicalName }
func runKey(tenantID, runID string) string       { return tenantID + "/" + runID }

// SaveDefinition 创建或覆盖定义
func (s *MemoryStore) SaveDefinition(_ context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cp := *def
	if existing, ok := s.defs[defKey(def.TenantID, def.LogicalName)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.defs[defKey(def.TenantID, def.LogicalName)] = &cp
	def.CreatedAt = cp.CreatedAt
	def.UpdatedAt = cp.UpdatedAt
	return nil
}

// FindDefinition 按租户+逻辑名查找
func (s *MemoryStore) FindDefinition(_ context.Context, tenantID, logicalName string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[defKey(tenantID, logicalName)]
	if !ok {
		return nil, apperrors.Ef(apperrors.KindNotFound, "workflow %s not found", logicalName)
	}
	cp := *def
	return &cp, nil
}

// ListDefinitions 列出租户全部定义，按逻辑名排序
func (s *MemoryStore) ListDefinitions(_ context.Context, tenantID string) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Definition
	for _, def := range s.defs {
		if def.TenantID == tenantID {
			out = append(out, *def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

// CreateRun 落盘新 run
func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(run.TenantID, run.RunID)
	if _, ok := s.runs[key]; ok {
		return apperrors.Ef(apperrors.KindConflict, "run %s already exists", run.RunID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	cp := *run
	s.runs[key] = &cp
	return nil
}

// GetRun 按租户+run_id 查找
func (s *MemoryStore) GetRun(_ context.Context, tenantID, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, apperrors.Ef(apperrors.KindNotFound, "run %s not found", runID)
	}
	cp := *run
	return &cp, nil
}

// UpdateRunStatus 迁移 run 状态
func (s *MemoryStore) UpdateRunStatus(_ context.Context, tenantID, runID string, status RunStatus, deadLetterReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return apperrors.Ef(apperrors.KindNotFound, "run %s not found", runID)
	}
	run.Status = status
	if deadLetterReason != "" {
		run.DeadLetterReason = deadLetterReason
	}
	if status.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
	}
	return nil
}

// AppendAttempt 追加 attempt 并推进 run.attempts。
// attempt_number 由存储按已落盘数量连续分配，认领计数里的空洞不会传导到这里
func (s *MemoryStore) AppendAttempt(_ context.Context, att Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(att.TenantID, att.RunID)
	run, ok := s.runs[key]
	if !ok {
		return apperrors.Ef(apperrors.KindNotFound, "run %s not found", att.RunID)
	}
	if att.ExecutedAt.IsZero() {
		att.ExecutedAt = time.Now()
	}
	att.AttemptNumber = len(s.attempts[key]) + 1
	s.attempts[key] = append(s.attempts[key], att)
	if att.AttemptNumber > run.Attempts {
		run.Attempts = att.AttemptNumber
	}
	return nil
}

// ListRuns 按条件查询，started_at 倒序
func (s *MemoryStore) ListRuns(_ context.Context, q RunQuery) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, run := range s.runs {
		if run.TenantID != q.TenantID {
			continue
		}
		if q.WorkflowLogicalName != "" && run.WorkflowLogicalName != q.WorkflowLogicalName {
			continue
		}
		if q.Status != "" && run.Status != q.Status {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListAttempts 返回 run 的全部 attempt
func (s *MemoryStore) ListAttempts(_ context.Context, tenantID, runID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	atts := s.attempts[runKey(tenantID, runID)]
	out := append([]Attempt(nil), atts...)
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}
