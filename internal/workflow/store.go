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

import "context"

// DefinitionStore workflow 定义存储；logical_name 在租户内唯一，保存即 upsert
type DefinitionStore interface {
	// SaveDefinition 创建或覆盖定义
	SaveDefinition(ctx context.Context, def *Definition) error

	// FindDefinition 按租户+逻辑名查找，不存在返回 NotFound 类别错误
	FindDefinition(ctx context.Context, tenantID, logicalName string) (*Definition, error)

	// ListDefinitions 列出租户全部定义
	ListDefinitions(ctx context.Context, tenantID string) ([]Definition, error)
}

// RunQuery run 列表查询条件；零值字段不过滤
type RunQuery struct {
	TenantID            string
	WorkflowLogicalName string
	Status              RunStatus
	Limit               int
	Offset              int
}

// RunStore run 与 attempt 存储
type RunStore interface {
	// CreateRun 落盘新 run
	CreateRun(ctx context.Context, run *Run) error

	// GetRun 按租户+run_id 查找，不存在返回 NotFound 类别错误
	GetRun(ctx context.Context, tenantID, runID string) (*Run, error)

	// UpdateRunStatus 迁移 run 状态；进入终态时写 finished_at
	UpdateRunStatus(ctx context.Context, tenantID, runID string, status RunStatus, deadLetterReason string) error

	// AppendAttempt 追加 attempt 轨迹并推进 run.attempts。
	// attempt_number 由存储连续分配（已落盘数量 + 1），调用方传入的值被忽略
	AppendAttempt(ctx context.Context, att Attempt) error

	// ListRuns 按条件查询，按 started_at 倒序
	ListRuns(ctx context.Context, q RunQuery) ([]Run, error)

	// ListAttempts 返回 run 的全部 attempt，按 attempt_number 升序
	ListAttempts(ctx context.Context, tenantID, runID string) ([]Attempt, error)
}
