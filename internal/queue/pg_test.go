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
	"errors"
	"os"
	"testing"
	"time"

	"lowcode-platform/internal/workflow"
)

func newTestPGQueue(t *testing.T, ctx context.Context) (*PGStore, *workflow.PGStore, func()) {
	dsn := os.Getenv("TEST_QUEUE_DSN")
	if dsn == "" {
		t.Skip("TEST_QUEUE_DSN not set, skipping Postgres queue tests")
	}
	meta, err := workflow.NewPGStore(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("NewPGStore: %v", err)
	}
	q, err := NewPGStore(ctx, meta.Pool())
	if err != nil {
		t.Fatalf("NewPGStore queue: %v", err)
	}
	_, _ = meta.Pool().Exec(ctx, `DELETE FROM workflow_queue_jobs`)
	_, _ = meta.Pool().Exec(ctx, `DELETE FROM workflow_worker_heartbeats`)
	_, _ = meta.Pool().Exec(ctx, `DELETE FROM workflow_runs`)
	_, _ = meta.Pool().Exec(ctx, `DELETE FROM workflow_definitions`)
	return q, meta, func() { meta.Close() }
}

func seedPGRun(t *testing.T, ctx context.Context, meta *workflow.PGStore, runID string) {
	t.Helper()
	def := &workflow.Definition{
		TenantID:    "tenant-a",
		LogicalName: "wf",
		DisplayName: "wf",
		Trigger:     workflow.Trigger{Type: workflow.TriggerManual},
		Action:      workflow.Action{Type: workflow.ActionLogMessage, Message: "hi"},
		MaxAttempts: 3,
		IsEnabled:   true,
	}
	if err := meta.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("seed definition: %v", err)
	}
	run := &workflow.Run{
		RunID:               runID,
		TenantID:            "tenant-a",
		WorkflowLogicalName: "wf",
		Trigger:             def.Trigger,
		TriggerPayload:      map[string]interface{}{"source": "pg-test"},
		Status:              workflow.RunPending,
	}
	if err := meta.CreateRun(ctx, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestPGEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q, meta, cleanup := newTestPGQueue(t, ctx)
	defer cleanup()
	seedPGRun(t, ctx, meta, "run-pg-1")

	if _, err := q.EnqueueJob(ctx, "tenant-a", "run-pg-1", "wf", 3, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.EnqueueJob(ctx, "tenant-a", "run-pg-1", "wf", 3, 5); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate enqueue = %v", err)
	}

	claimed, err := q.ClaimJobs(ctx, "worker-1", 4, 30, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Job.AttemptCount != 1 {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed[0].Definition.LogicalName != "wf" || claimed[0].TriggerPayload["source"] != "pg-test" {
		t.Fatalf("join = %+v", claimed[0])
	}

	job := claimed[0].Job
	if err := q.CompleteJob(ctx, "tenant-a", job.JobID, "worker-1", "wrong-token"); !errors.Is(err, ErrLeaseMismatch) {
		t.Fatalf("wrong token = %v", err)
	}
	if err := q.CompleteJob(ctx, "tenant-a", job.JobID, "worker-1", job.LeaseToken); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := q.QueueStats(ctx, time.Minute, nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CompletedJobs != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPGFailRetriesThenTerminal(t *testing.T) {
	ctx := context.Background()
	q, meta, cleanup := newTestPGQueue(t, ctx)
	defer cleanup()
	seedPGRun(t, ctx, meta, "run-pg-2")
	if _, err := q.EnqueueJob(ctx, "tenant-a", "run-pg-2", "wf", 1, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimJobs(ctx, "worker-1", 1, 30, nil)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	// max_attempts=1，一次失败即终态
	job, err := q.FailJob(ctx, "tenant-a", claimed[0].Job.JobID, "worker-1", claimed[0].Job.LeaseToken, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.Status != JobFailed || job.LastError != "boom" {
		t.Fatalf("job = %+v", job)
	}
	if again, _ := q.ClaimJobs(ctx, "worker-1", 1, 30, nil); len(again) != 0 {
		t.Fatal("terminal job should not be claimable")
	}
}

func TestPGFailSchedulesBackoffFromClaimedRow(t *testing.T) {
	ctx := context.Background()
	q, meta, cleanup := newTestPGQueue(t, ctx)
	defer cleanup()
	seedPGRun(t, ctx, meta, "run-pg-3")
	if _, err := q.EnqueueJob(ctx, "tenant-a", "run-pg-3", "wf", 3, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimJobs(ctx, "worker-1", 1, 30, nil)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}

	// 还有剩余尝试：回 pending，退避取 CAS 命中行的 attempt_count
	job, err := q.FailJob(ctx, "tenant-a", claimed[0].Job.JobID, "worker-1", claimed[0].Job.LeaseToken, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.Status != JobPending || job.AttemptCount != 1 {
		t.Fatalf("job = %+v", job)
	}
	// 抖动 ±20%，上界留余量
	maxDelay := time.Duration(float64(BackoffBase(job.AttemptCount)) * 1.3)
	if d := time.Until(job.NextAttemptAt); d <= 0 || d > maxDelay {
		t.Fatalf("next_attempt_at = %v (in %v), want within %v", job.NextAttemptAt, d, maxDelay)
	}
	// 退避未到期前不可再认领
	if again, _ := q.ClaimJobs(ctx, "worker-1", 1, 30, nil); len(again) != 0 {
		t.Fatal("job in backoff should not be claimable")
	}

	// 过期的租约 token 不能再报失败
	if _, err := q.FailJob(ctx, "tenant-a", claimed[0].Job.JobID, "worker-1", claimed[0].Job.LeaseToken, "late"); !errors.Is(err, ErrLeaseMismatch) {
		t.Fatalf("stale fail = %v, want lease mismatch", err)
	}
}
