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

package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"lowcode-platform/pkg/log"
	"lowcode-platform/pkg/metrics"

	"lowcode-platform/internal/lease"
	"lowcode-platform/internal/queue"
)

// JobSource 认领与心跳的来源：直连队列存储，或控制面 worker HTTP 面
type JobSource interface {
	Claim(ctx context.Context, limit, leaseSeconds int, partition *queue.Partition) ([]queue.ClaimedJob, error)
	Heartbeat(ctx context.Context, hb queue.WorkerHeartbeat) error
}

// JobExecutor 单个已认领 job 的执行入口
type JobExecutor interface {
	ExecuteClaimedJob(ctx context.Context, workerID string, claimed queue.ClaimedJob) error
}

// storeSource 直连队列存储的 JobSource
type storeSource struct {
	store    queue.Store
	workerID string
}

func (s *storeSource) Claim(ctx context.Context, limit, leaseSeconds int, partition *queue.Partition) ([]queue.ClaimedJob, error) {
	return s.store.ClaimJobs(ctx, s.workerID, limit, leaseSeconds, partition)
}

func (s *storeSource) Heartbeat(ctx context.Context, hb queue.WorkerHeartbeat) error {
	return s.store.UpsertWorkerHeartbeat(ctx, hb)
}

// RunnerConfig Runner 运行参数
type RunnerConfig struct {
	WorkerID          string
	ClaimLimit        int
	LeaseSeconds      int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Partition         *queue.Partition
}

// Runner worker 主循环：认领 → 执行 → 心跳/续租。
// 分区配置 + 协调器存在时，认领前先持有分区租约，避免同分区多 worker 认领风暴。
type Runner struct {
	cfg    RunnerConfig
	source JobSource
	exec   JobExecutor
	coord  lease.Coordinator
	logger *log.Logger

	claimed  atomic.Int64
	executed atomic.Int64
	failed   atomic.Int64

	mu             sync.Mutex
	partitionLease *lease.Lease
}

// NewRunner 创建 Runner；coord 可为 nil（不做分区互斥）
func NewRunner(cfg RunnerConfig, source JobSource, exec JobExecutor, coord lease.Coordinator, logger *log.Logger) *Runner {
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 4
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Runner{cfg: cfg, source: source, exec: exec, coord: coord, logger: logger}
}

// Run 阻塞运行直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker 启动",
		"worker_id", r.cfg.WorkerID,
		"claim_limit", r.cfg.ClaimLimit,
		"lease_seconds", r.cfg.LeaseSeconds,
		"partitioned", r.cfg.Partition != nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			r.releasePartitionLease()
			wg.Wait()
			r.logger.Info("worker 停止", "worker_id", r.cfg.WorkerID,
				"claimed", r.claimed.Load(), "executed", r.executed.Load(), "failed", r.failed.Load())
			return ctx.Err()
		default:
		}

		if !r.ensurePartitionLease(ctx) {
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}

		jobs, err := r.source.Claim(ctx, r.cfg.ClaimLimit, r.cfg.LeaseSeconds, r.cfg.Partition)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("认领失败", "worker_id", r.cfg.WorkerID, "error", err)
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		r.claimed.Add(int64(len(jobs)))

		busy := metrics.WorkerBusy.WithLabelValues(r.cfg.WorkerID)
		busy.Set(1)
		for _, claimed := range jobs {
			reclaimed := claimed.Job.AttemptCount > 1
			if reclaimed {
				r.logger.Info("认领到重试/过期租约 job",
					"worker_id", r.cfg.WorkerID, "job_id", claimed.Job.JobID, "attempt", claimed.Job.AttemptCount)
			}
			if err := r.exec.ExecuteClaimedJob(ctx, r.cfg.WorkerID, claimed); err != nil {
				r.failed.Add(1)
				r.logger.Error("job 执行失败",
					"worker_id", r.cfg.WorkerID, "job_id", claimed.Job.JobID, "run_id", claimed.Job.RunID, "error", err)
				continue
			}
			r.executed.Add(1)
		}
		busy.Set(0)
	}
}

// ensurePartitionLease 分区互斥：未配置分区或协调器时恒为可认领
func (r *Runner) ensurePartitionLease(ctx context.Context) bool {
	if r.cfg.Partition == nil || r.coord == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partitionLease != nil {
		return true
	}
	ttl := 2 * r.cfg.HeartbeatInterval
	l, err := r.coord.TryAcquire(ctx, r.partitionScope(), r.cfg.WorkerID, ttl)
	if err != nil {
		r.logger.Error("分区租约获取失败", "worker_id", r.cfg.WorkerID, "scope", r.partitionScope(), "error", err)
		return false
	}
	if l == nil {
		return false
	}
	r.partitionLease = l
	r.logger.Info("持有分区租约", "worker_id", r.cfg.WorkerID, "scope", l.ScopeKey)
	return true
}

func (r *Runner) partitionScope() string {
	return fmt.Sprintf("partition:%d/%d", r.cfg.Partition.Index, r.cfg.Partition.Count)
}

// heartbeatLoop 心跳与租约续期同一节拍
func (r *Runner) heartbeatLoop(ctx context.Context) {
	hostname, _ := os.Hostname()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hb := queue.WorkerHeartbeat{
			WorkerID:     r.cfg.WorkerID,
			Hostname:     hostname,
			ClaimedJobs:  r.claimed.Load(),
			ExecutedJobs: r.executed.Load(),
			FailedJobs:   r.failed.Load(),
		}
		if r.cfg.Partition != nil {
			hb.PartitionCount = &r.cfg.Partition.Count
			hb.PartitionIndex = &r.cfg.Partition.Index
		}
		if err := r.source.Heartbeat(ctx, hb); err != nil && ctx.Err() == nil {
			r.logger.Warn("心跳上报失败", "worker_id", r.cfg.WorkerID, "error", err)
		}
		r.renewPartitionLease(ctx)
	}
}

func (r *Runner) renewPartitionLease(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partitionLease == nil || r.coord == nil {
		return
	}
	ok, err := r.coord.Renew(ctx, r.partitionLease, 2*r.cfg.HeartbeatInterval)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("分区租约续期失败", "worker_id", r.cfg.WorkerID, "error", err)
		}
		return
	}
	if !ok {
		// 租约已易主，下轮认领前重新竞争
		r.logger.Warn("分区租约已易主", "worker_id", r.cfg.WorkerID, "scope", r.partitionLease.ScopeKey)
		r.partitionLease = nil
	}
}

func (r *Runner) releasePartitionLease() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partitionLease == nil || r.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = r.coord.Release(ctx, r.partitionLease)
	r.partitionLease = nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
