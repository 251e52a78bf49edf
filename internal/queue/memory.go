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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lowcode-platform/internal/workflow"
)

// DefinitionReader 认领时联取定义；workflow.DefinitionStore 天然满足
type DefinitionReader interface {
	FindDefinition(ctx context.Context, tenantID, logicalName string) (*workflow.Definition, error)
}

// RunReader 认领时联取触发 payload；workflow.RunStore 天然满足
type RunReader interface {
	GetRun(ctx context.Context, tenantID, runID string) (*workflow.Run, error)
}

// MemoryStore 内存队列，inline 模式与测试用
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job // 非终态
	archived map[string]*Job // 终态，统计用
	byRun    map[string]string
	beats    map[string]WorkerHeartbeat

	defs DefinitionReader
	runs RunReader

	now func() time.Time
}

// NewMemoryStore 创建内存队列；defs/runs 供认领时联取定义与 payload
func NewMemoryStore(defs DefinitionReader, runs RunReader) *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		archived: make(map[string]*Job),
		byRun:    make(map[string]string),
		beats:    make(map[string]WorkerHeartbeat),
		defs:     defs,
		runs:     runs,
		now:      time.Now,
	}
}

// EnqueueJob 入队；同一 run 的未终态 job 去重
func (s *MemoryStore) EnqueueJob(_ context.Context, tenantID, runID, workflowLogicalName string, maxAttempts int, partitionHash uint32) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID, ok := s.byRun[runID]; ok {
		if _, live := s.jobs[jobID]; live {
			return nil, ErrDuplicateJob
		}
	}
	now := s.now()
	job := &Job{
		JobID:               uuid.NewString(),
		TenantID:            tenantID,
		RunID:               runID,
		WorkflowLogicalName: workflowLogicalName,
		Status:              JobPending,
		MaxAttempts:         maxAttempts,
		NextAttemptAt:       now,
		PartitionHash:       partitionHash,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.jobs[job.JobID] = job
	s.byRun[runID] = job.JobID
	cp := *job
	return &cp, nil
}

// claimable pending 且到期，或 leased 但租约已过期
func claimable(job *Job, now time.Time) bool {
	switch job.Status {
	case JobPending:
		return !job.NextAttemptAt.After(now)
	case JobLeased:
		return job.LeasedUntil.Before(now)
	}
	return false
}

// ClaimJobs 认领到期 job，盖新围栏令牌并递增 attempt_count
func (s *MemoryStore) ClaimJobs(ctx context.Context, workerID string, limit int, leaseSeconds int, partition *Partition) ([]ClaimedJob, error) {
	s.mu.Lock()
	now := s.now()
	var eligible []*Job
	for _, job := range s.jobs {
		if !claimable(job, now) {
			continue
		}
		if partition != nil && !partition.Match(job.PartitionHash) {
			continue
		}
		eligible = append(eligible, job)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].NextAttemptAt.Equal(eligible[j].NextAttemptAt) {
			return eligible[i].JobID < eligible[j].JobID
		}
		return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	var snaps []Job
	for _, job := range eligible {
		job.Status = JobLeased
		job.WorkerID = workerID
		job.LeaseToken = NewLeaseToken()
		job.LeasedUntil = now.Add(time.Duration(leaseSeconds) * time.Second)
		job.AttemptCount++
		job.UpdatedAt = now
		snaps = append(snaps, *job)
	}
	s.mu.Unlock()

	// 联取定义与触发 payload；锁外执行避免持锁查询
	var out []ClaimedJob
	for _, snap := range snaps {
		def, err := s.defs.FindDefinition(ctx, snap.TenantID, snap.WorkflowLogicalName)
		if err != nil {
			return nil, err
		}
		run, err := s.runs.GetRun(ctx, snap.TenantID, snap.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, ClaimedJob{Job: snap, Definition: *def, TriggerPayload: run.TriggerPayload})
	}
	return out, nil
}

// casLocked 按 (jobID, workerID, leaseToken) 校验围栏令牌
func (s *MemoryStore) casLocked(tenantID, jobID, workerID, leaseToken string) (*Job, error) {
	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, ErrJobNotFound
	}
	if job.Status != JobLeased || job.WorkerID != workerID || job.LeaseToken != leaseToken {
		return nil, ErrLeaseMismatch
	}
	return job, nil
}

// CompleteJob 围栏令牌 CAS 完结
func (s *MemoryStore) CompleteJob(_ context.Context, tenantID, jobID, workerID, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.casLocked(tenantID, jobID, workerID, leaseToken)
	if err != nil {
		return err
	}
	job.Status = JobCompleted
	job.LeaseToken = ""
	job.UpdatedAt = s.now()
	s.archive(job)
	return nil
}

// FailJob 围栏令牌 CAS 记录失败；未耗尽重试按退避重排
func (s *MemoryStore) FailJob(_ context.Context, tenantID, jobID, workerID, leaseToken, errMsg string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.casLocked(tenantID, jobID, workerID, leaseToken)
	if err != nil {
		return nil, err
	}
	now := s.now()
	job.LastError = errMsg
	job.LeaseToken = ""
	job.WorkerID = ""
	job.UpdatedAt = now
	if job.AttemptCount >= job.MaxAttempts {
		job.Status = JobFailed
		s.archive(job)
	} else {
		job.Status = JobPending
		job.NextAttemptAt = now.Add(Backoff(job.AttemptCount))
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) archive(job *Job) {
	delete(s.jobs, job.JobID)
	s.archived[job.JobID] = job
}

// UpsertWorkerHeartbeat 写入/刷新心跳
func (s *MemoryStore) UpsertWorkerHeartbeat(_ context.Context, hb WorkerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hb.ReportedAt.IsZero() {
		hb.ReportedAt = s.now()
	}
	s.beats[hb.WorkerID] = hb
	return nil
}

// QueueStats 统计当前队列与 worker 状态
func (s *MemoryStore) QueueStats(_ context.Context, activeWindow time.Duration, partition *Partition) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stats := &Stats{}
	count := func(job *Job) {
		if partition != nil && !partition.Match(job.PartitionHash) {
			return
		}
		switch job.Status {
		case JobPending:
			stats.PendingJobs++
		case JobLeased:
			stats.LeasedJobs++
			if job.LeasedUntil.Before(now) {
				stats.ExpiredLeases++
			}
		case JobCompleted:
			stats.CompletedJobs++
		case JobFailed:
			stats.FailedJobs++
		}
	}
	for _, job := range s.jobs {
		count(job)
	}
	for _, job := range s.archived {
		count(job)
	}
	for _, hb := range s.beats {
		if now.Sub(hb.ReportedAt) <= activeWindow {
			stats.ActiveWorkers++
		}
	}
	return stats, nil
}
