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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lowcode-platform/internal/workflow"
)

// PGStore PostgreSQL 队列。认领用 FOR UPDATE SKIP LOCKED，
// 多 worker 并发认领互不阻塞；围栏令牌随 UPDATE 落盘。
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 在已有连接池上建队列表；与元数据存储共用一池
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS workflow_queue_jobs (
	job_id                TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	run_id                TEXT NOT NULL,
	workflow_logical_name TEXT NOT NULL,
	status                INT NOT NULL DEFAULT 0,
	worker_id             TEXT NOT NULL DEFAULT '',
	lease_token           TEXT NOT NULL DEFAULT '',
	leased_until          TIMESTAMPTZ,
	attempt_count         INT NOT NULL DEFAULT 0,
	max_attempts          INT NOT NULL,
	next_attempt_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	partition_hash        BIGINT NOT NULL DEFAULT 0,
	last_error            TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_live_run
	ON workflow_queue_jobs (run_id) WHERE status IN (0, 1);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim
	ON workflow_queue_jobs (next_attempt_at) WHERE status IN (0, 1);

CREATE TABLE IF NOT EXISTS workflow_worker_heartbeats (
	worker_id       TEXT PRIMARY KEY,
	hostname        TEXT NOT NULL DEFAULT '',
	claimed_jobs    BIGINT NOT NULL DEFAULT 0,
	executed_jobs   BIGINT NOT NULL DEFAULT 0,
	failed_jobs     BIGINT NOT NULL DEFAULT 0,
	partition_count INT,
	partition_index INT,
	reported_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}
	return nil
}

// EnqueueJob 入队；同 run 未终态 job 由部分唯一索引去重
func (s *PGStore) EnqueueJob(ctx context.Context, tenantID, runID, workflowLogicalName string, maxAttempts int, partitionHash uint32) (*Job, error) {
	job := &Job{
		JobID:               uuid.NewString(),
		TenantID:            tenantID,
		RunID:               runID,
		WorkflowLogicalName: workflowLogicalName,
		Status:              JobPending,
		MaxAttempts:         maxAttempts,
		PartitionHash:       partitionHash,
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO workflow_queue_jobs (job_id, tenant_id, run_id, workflow_logical_name, max_attempts, partition_hash)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING next_attempt_at, created_at, updated_at`,
		job.JobID, tenantID, runID, workflowLogicalName, maxAttempts, int64(partitionHash))
	if err := row.Scan(&job.NextAttemptAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateJob
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// ClaimJobs 事务内 SKIP LOCKED 选取，逐行盖新围栏令牌，随后联取定义与 payload
func (s *PGStore) ClaimJobs(ctx context.Context, workerID string, limit int, leaseSeconds int, partition *Partition) ([]ClaimedJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var pCount, pIndex int64
	if partition != nil {
		pCount = int64(partition.Count)
		pIndex = int64(partition.Index)
	}
	rows, err := tx.Query(ctx, `
SELECT job_id FROM workflow_queue_jobs
WHERE ((status = 0 AND next_attempt_at <= now()) OR (status = 1 AND leased_until < now()))
	AND ($1 = 0 OR partition_hash % $1 = $2)
ORDER BY next_attempt_at, job_id
LIMIT $3
FOR UPDATE SKIP LOCKED`, pCount, pIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		jobIDs = append(jobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []ClaimedJob
	for _, jobID := range jobIDs {
		token := NewLeaseToken()
		row := tx.QueryRow(ctx, `
UPDATE workflow_queue_jobs SET
	status = 1,
	worker_id = $2,
	lease_token = $3,
	leased_until = now() + make_interval(secs => $4),
	attempt_count = attempt_count + 1,
	updated_at = now()
WHERE job_id = $1
RETURNING job_id, tenant_id, run_id, workflow_logical_name, status, worker_id, lease_token,
	leased_until, attempt_count, max_attempts, next_attempt_at, partition_hash, last_error, created_at, updated_at`,
			jobID, workerID, token, leaseSeconds)
		job, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("stamp lease: %w", err)
		}

		joined := tx.QueryRow(ctx, `
SELECT d.tenant_id, d.logical_name, d.display_name, d.description, d.trigger, d.action, d.steps,
	d.max_attempts, d.is_enabled, d.created_at, d.updated_at, r.trigger_payload
FROM workflow_definitions d
JOIN workflow_runs r ON r.tenant_id = d.tenant_id AND r.workflow_logical_name = d.logical_name
WHERE r.run_id = $1`, job.RunID)
		var def workflow.Definition
		var trigger, action, steps, payload []byte
		err = joined.Scan(&def.TenantID, &def.LogicalName, &def.DisplayName, &def.Description,
			&trigger, &action, &steps, &def.MaxAttempts, &def.IsEnabled, &def.CreatedAt, &def.UpdatedAt, &payload)
		if err != nil {
			return nil, fmt.Errorf("join definition: %w", err)
		}
		if err := json.Unmarshal(trigger, &def.Trigger); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(action, &def.Action); err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &def.Steps); err != nil {
				return nil, err
			}
		}
		claimed := ClaimedJob{Job: *job, Definition: def}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &claimed.TriggerPayload); err != nil {
				return nil, err
			}
		}
		out = append(out, claimed)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	var status int
	var partitionHash int64
	var leasedUntil *time.Time
	err := row.Scan(&job.JobID, &job.TenantID, &job.RunID, &job.WorkflowLogicalName, &status,
		&job.WorkerID, &job.LeaseToken, &leasedUntil, &job.AttemptCount, &job.MaxAttempts,
		&job.NextAttemptAt, &partitionHash, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.PartitionHash = uint32(partitionHash)
	if leasedUntil != nil {
		job.LeasedUntil = *leasedUntil
	}
	return &job, nil
}

// CompleteJob 围栏令牌 CAS 完结；0 行命中说明令牌已过期或 job 不存在
func (s *PGStore) CompleteJob(ctx context.Context, tenantID, jobID, workerID, leaseToken string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE workflow_queue_jobs SET status = 2, lease_token = '', updated_at = now()
WHERE job_id = $1 AND tenant_id = $2 AND status = 1 AND worker_id = $3 AND lease_token = $4`,
		jobID, tenantID, workerID, leaseToken)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, tenantID, jobID)
	}
	return nil
}

// FailJob 围栏令牌 CAS 记录失败；未耗尽重试按退避重排。
// 退避步长取自 CAS 命中行自身的 attempt_count，与状态迁移同一事务
func (s *PGStore) FailJob(ctx context.Context, tenantID, jobID, workerID, leaseToken, errMsg string) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
UPDATE workflow_queue_jobs SET
	status = CASE WHEN attempt_count >= max_attempts THEN 3 ELSE 0 END,
	worker_id = '',
	lease_token = '',
	last_error = $5,
	updated_at = now()
WHERE job_id = $1 AND tenant_id = $2 AND status = 1 AND worker_id = $3 AND lease_token = $4
RETURNING job_id, tenant_id, run_id, workflow_logical_name, status, worker_id, lease_token,
	leased_until, attempt_count, max_attempts, next_attempt_at, partition_hash, last_error, created_at, updated_at`,
		jobID, tenantID, workerID, leaseToken, errMsg)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, s.casMiss(ctx, tenantID, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if job.Status == JobPending {
		backoffSecs := int(Backoff(job.AttemptCount).Seconds())
		row = tx.QueryRow(ctx, `
UPDATE workflow_queue_jobs SET next_attempt_at = now() + make_interval(secs => $2)
WHERE job_id = $1
RETURNING next_attempt_at`, jobID, backoffSecs)
		if err := row.Scan(&job.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("schedule retry: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fail: %w", err)
	}
	return job, nil
}

// casMiss 区分 NotFound 与令牌不匹配
func (s *PGStore) casMiss(ctx context.Context, tenantID, jobID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM workflow_queue_jobs WHERE job_id = $1 AND tenant_id = $2)`,
		jobID, tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrLeaseMismatch
}

// UpsertWorkerHeartbeat 写入/刷新心跳
func (s *PGStore) UpsertWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO workflow_worker_heartbeats (worker_id, hostname, claimed_jobs, executed_jobs, failed_jobs, partition_count, partition_index, reported_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (worker_id) DO UPDATE SET
	hostname = EXCLUDED.hostname,
	claimed_jobs = EXCLUDED.claimed_jobs,
	executed_jobs = EXCLUDED.executed_jobs,
	failed_jobs = EXCLUDED.failed_jobs,
	partition_count = EXCLUDED.partition_count,
	partition_index = EXCLUDED.partition_index,
	reported_at = now()`,
		hb.WorkerID, hb.Hostname, hb.ClaimedJobs, hb.ExecutedJobs, hb.FailedJobs, hb.PartitionCount, hb.PartitionIndex)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// QueueStats 统计
func (s *PGStore) QueueStats(ctx context.Context, activeWindow time.Duration, partition *Partition) (*Stats, error) {
	var pCount, pIndex int64
	if partition != nil {
		pCount = int64(partition.Count)
		pIndex = int64(partition.Index)
	}
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE status = 0),
	count(*) FILTER (WHERE status = 1),
	count(*) FILTER (WHERE status = 1 AND leased_until < now()),
	count(*) FILTER (WHERE status = 2),
	count(*) FILTER (WHERE status = 3)
FROM workflow_queue_jobs
WHERE $1 = 0 OR partition_hash % $1 = $2`, pCount, pIndex).Scan(
		&stats.PendingJobs, &stats.LeasedJobs, &stats.ExpiredLeases, &stats.CompletedJobs, &stats.FailedJobs)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
SELECT count(*) FROM workflow_worker_heartbeats
WHERE reported_at >= now() - make_interval(secs => $1)`,
		int(activeWindow.Seconds())).Scan(&stats.ActiveWorkers)
	if err != nil {
		return nil, fmt.Errorf("worker stats: %w", err)
	}
	return stats, nil
}
