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

package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
	"time"

	apperrors "lowcode-platform/pkg/errors"

	"lowcode-platform/internal/workflow"
)

// JobStatus job 状态：pending → leased → (completed | failed)；
// 租约过期的 leased job 对认领方重新可见
type JobStatus int

const (
	JobPending JobStatus = iota
	JobLeased
	JobCompleted
	JobFailed
)

// String 状态名
func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobLeased:
		return "leased"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job 队列中的一条执行任务；LeaseToken 为围栏令牌，
// Complete/Fail 必须携带认领时拿到的 token，过期令牌被拒绝
type Job struct {
	JobID               string    `json:"job_id"`
	TenantID            string    `json:"tenant_id"`
	RunID               string    `json:"run_id"`
	WorkflowLogicalName string    `json:"workflow_logical_name"`
	Status              JobStatus `json:"status"`
	WorkerID            string    `json:"worker_id,omitempty"`
	LeaseToken          string    `json:"lease_token,omitempty"`
	LeasedUntil         time.Time `json:"leased_until,omitempty"`
	AttemptCount        int       `json:"attempt_count"`
	MaxAttempts         int       `json:"max_attempts"`
	NextAttemptAt       time.Time `json:"next_attempt_at"`
	PartitionHash       uint32    `json:"partition_hash"`
	LastError           string    `json:"last_error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ClaimedJob 认领结果；定义与触发 payload 随行，worker 无须回查元数据
type ClaimedJob struct {
	Job            Job                    `json:"job"`
	Definition     workflow.Definition    `json:"definition"`
	TriggerPayload map[string]interface{} `json:"trigger_payload,omitempty"`
}

// Partition 分区选择器：hash mod Count == Index 的 job 可见
type Partition struct {
	Count uint32 `json:"partition_count"`
	Index uint32 `json:"partition_index"`
}

// Match hash 是否落在本分区
func (p Partition) Match(hash uint32) bool {
	if p.Count == 0 {
		return true
	}
	return hash%p.Count == p.Index
}

// PartitionHash 租户+workflow 的稳定 32 位散列，分区路由用
func PartitionHash(tenantID, workflowLogicalName string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(workflowLogicalName))
	return h.Sum32()
}

// NewLeaseToken 128 位随机围栏令牌，hex 编码
func NewLeaseToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("lease token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// WorkerHeartbeat worker 心跳快照；最后写入者胜出
type WorkerHeartbeat struct {
	WorkerID       string    `json:"worker_id"`
	Hostname       string    `json:"hostname,omitempty"`
	ClaimedJobs    int64     `json:"claimed_jobs"`
	ExecutedJobs   int64     `json:"executed_jobs"`
	FailedJobs     int64     `json:"failed_jobs"`
	PartitionCount *uint32   `json:"partition_count,omitempty"`
	PartitionIndex *uint32   `json:"partition_index,omitempty"`
	ReportedAt     time.Time `json:"reported_at"`
}

// Stats 队列统计
type Stats struct {
	PendingJobs   int64 `json:"pending_jobs"`
	LeasedJobs    int64 `json:"leased_jobs"`
	ExpiredLeases int64 `json:"expired_leases"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	ActiveWorkers int64 `json:"active_workers"`
}

// 队列错误；围栏令牌/worker 不匹配与重复入队都映射为 Conflict 类别
var (
	ErrDuplicateJob  = apperrors.E(apperrors.KindConflict, "job already enqueued for run")
	ErrLeaseMismatch = apperrors.E(apperrors.KindConflict, "lease token mismatch")
	ErrJobNotFound   = apperrors.E(apperrors.KindNotFound, "job not found")
)

// Store 持久化队列
type Store interface {
	// EnqueueJob 入队；同一 run 已有未终态 job 时返回 ErrDuplicateJob
	EnqueueJob(ctx context.Context, tenantID, runID, workflowLogicalName string, maxAttempts int, partitionHash uint32) (*Job, error)

	// ClaimJobs 认领至多 limit 条到期 job（含租约过期的）并盖上新围栏令牌。
	// partition 非 nil 时只认领落在该分区的 job。认领即递增 attempt_count。
	ClaimJobs(ctx context.Context, workerID string, limit int, leaseSeconds int, partition *Partition) ([]ClaimedJob, error)

	// CompleteJob 以围栏令牌 CAS 完结 job；token 或 worker 不匹配返回 ErrLeaseMismatch
	CompleteJob(ctx context.Context, tenantID, jobID, workerID, leaseToken string) error

	// FailJob 以围栏令牌 CAS 记录失败；未达 max_attempts 时按退避重排，
	// 达到上限则置为 failed 终态。返回失败后的 job 快照。
	FailJob(ctx context.Context, tenantID, jobID, workerID, leaseToken, errMsg string) (*Job, error)

	// UpsertWorkerHeartbeat 写入/刷新 worker 心跳
	UpsertWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error

	// QueueStats 统计；activeWindow 内有心跳的 worker 计为活跃
	QueueStats(ctx context.Context, activeWindow time.Duration, partition *Partition) (*Stats, error)
}
