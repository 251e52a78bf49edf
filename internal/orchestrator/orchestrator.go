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

// Package orchestrator 驱动 workflow run 的完整生命周期：
// 定义保存、触发入队或内联执行、worker 认领后的执行与重试/死信。
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lowcode-platform/pkg/auth"
	"lowcode-platform/pkg/config"
	apperrors "lowcode-platform/pkg/errors"
	"lowcode-platform/pkg/log"
	"lowcode-platform/pkg/metrics"

	"lowcode-platform/internal/queue"
	"lowcode-platform/internal/workflow"
)

// Orchestrator workflow 执行编排
type Orchestrator struct {
	defs    workflow.DefinitionStore
	runs    workflow.RunStore
	queue   queue.Store
	audit   workflow.AuditRepository
	gate    auth.Gate
	interp  *workflow.Interpreter
	tenants auth.TenantDirectory
	mode    string
	logger  *log.Logger
}

// New 创建编排器；mode 为 inline 或 queued
func New(defs workflow.DefinitionStore, runs workflow.RunStore, q queue.Store,
	audit workflow.AuditRepository, gate auth.Gate, interp *workflow.Interpreter,
	mode string, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNop()
	}
	if mode == "" {
		mode = config.ExecutionModeQueued
	}
	return &Orchestrator{
		defs: defs, runs: runs, queue: q, audit: audit,
		gate: gate, interp: interp, mode: mode, logger: logger,
	}
}

// SetTenantDirectory 挂接租户目录；挂接后保存/执行先过租户状态与配额
func (o *Orchestrator) SetTenantDirectory(d auth.TenantDirectory) {
	o.tenants = d
}

// checkTenantActive 非 active 租户拒绝写入口
func (o *Orchestrator) checkTenantActive(ctx context.Context, tenantID string) error {
	if o.tenants == nil {
		return nil
	}
	tenant, err := o.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInternal, err, "lookup tenant")
	}
	if tenant.Status != auth.TenantStatusActive {
		return apperrors.Ef(apperrors.KindForbidden, "tenant %s is %s", tenantID, tenant.Status)
	}
	return nil
}

// checkWorkflowQuota 新建定义时校验 max_workflows 配额；覆盖保存不受限
func (o *Orchestrator) checkWorkflowQuota(ctx context.Context, tenantID, logicalName string) error {
	if o.tenants == nil {
		return nil
	}
	tenant, err := o.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInternal, err, "lookup tenant")
	}
	if tenant.Quota.MaxWorkflows <= 0 {
		return nil
	}
	if _, err := o.defs.FindDefinition(ctx, tenantID, logicalName); err == nil {
		return nil
	}
	existing, err := o.defs.ListDefinitions(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(existing) >= tenant.Quota.MaxWorkflows {
		return apperrors.Ef(apperrors.KindRateLimited, "workflow quota exceeded: max %d definitions", tenant.Quota.MaxWorkflows)
	}
	return nil
}

// SaveWorkflow 保存（upsert）定义并落审计
func (o *Orchestrator) SaveWorkflow(ctx context.Context, actor auth.Actor, def *workflow.Definition) error {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldWrite); err != nil {
		return err
	}
	if err := o.checkTenantActive(ctx, actor.TenantID); err != nil {
		return err
	}
	if err := o.checkWorkflowQuota(ctx, actor.TenantID, def.LogicalName); err != nil {
		return err
	}
	def.TenantID = actor.TenantID
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	if err := o.defs.SaveDefinition(ctx, def); err != nil {
		return err
	}
	if o.audit != nil {
		if err := o.audit.AppendAuditEvent(ctx, workflow.AuditEvent{
			TenantID: actor.TenantID,
			Subject:  actor.Subject,
			Action:   "workflow.save",
			Target:   def.LogicalName,
		}); err != nil {
			o.logger.Warn("audit append failed", "tenant_id", actor.TenantID, "workflow", def.LogicalName, "error", err)
		}
	}
	return nil
}

// GetWorkflow 查询单个定义
func (o *Orchestrator) GetWorkflow(ctx context.Context, actor auth.Actor, logicalName string) (*workflow.Definition, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldRead); err != nil {
		return nil, err
	}
	return o.defs.FindDefinition(ctx, actor.TenantID, logicalName)
}

// ListWorkflows 列出租户定义
func (o *Orchestrator) ListWorkflows(ctx context.Context, actor auth.Actor) ([]workflow.Definition, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldRead); err != nil {
		return nil, err
	}
	return o.defs.ListDefinitions(ctx, actor.TenantID)
}

// ExecuteWorkflow 触发一次执行。queued 模式创建 pending run 并入队；
// inline 模式同步跑完单次 attempt 后返回终态 run。
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, actor auth.Actor, logicalName string, payload map[string]interface{}) (*workflow.Run, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldWrite); err != nil {
		return nil, err
	}
	if err := o.checkTenantActive(ctx, actor.TenantID); err != nil {
		return nil, err
	}
	def, err := o.defs.FindDefinition(ctx, actor.TenantID, logicalName)
	if err != nil {
		return nil, err
	}
	if !def.IsEnabled {
		return nil, apperrors.Ef(apperrors.KindValidation, "workflow %s is disabled", logicalName)
	}

	run := &workflow.Run{
		RunID:               uuid.NewString(),
		TenantID:            actor.TenantID,
		WorkflowLogicalName: def.LogicalName,
		Trigger:             def.Trigger,
		TriggerPayload:      payload,
		Status:              workflow.RunPending,
		StartedAt:           time.Now(),
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if o.mode == config.ExecutionModeInline {
		return o.executeInline(ctx, actor, def, run)
	}

	hash := queue.PartitionHash(actor.TenantID, def.LogicalName)
	if _, err := o.queue.EnqueueJob(ctx, actor.TenantID, run.RunID, def.LogicalName, def.MaxAttempts, hash); err != nil {
		return nil, err
	}
	o.logger.Info("workflow run enqueued",
		"tenant_id", actor.TenantID, "workflow", def.LogicalName, "run_id", run.RunID)
	return run, nil
}

// executeInline 同步单次 attempt；失败直接 failed，不重试
func (o *Orchestrator) executeInline(ctx context.Context, actor auth.Actor, def *workflow.Definition, run *workflow.Run) (*workflow.Run, error) {
	if err := o.runs.UpdateRunStatus(ctx, run.TenantID, run.RunID, workflow.RunRunning, ""); err != nil {
		return nil, err
	}
	run.Status = workflow.RunRunning

	traces, execErr := o.interp.Execute(ctx, actor, def, run)
	status := workflow.AttemptSucceeded
	errMsg := ""
	final := workflow.RunSucceeded
	if execErr != nil {
		status = workflow.AttemptFailed
		errMsg = execErr.Error()
		final = workflow.RunFailed
	}
	if err := o.appendAttempt(ctx, run, status, errMsg, traces); err != nil {
		return nil, err
	}
	if err := o.runs.UpdateRunStatus(ctx, run.TenantID, run.RunID, final, ""); err != nil {
		return nil, err
	}
	o.observeTerminal(run, final, status)
	run.Status = final
	run.Attempts = 1
	return run, nil
}

// ExecuteClaimedJob worker 认领后的执行路径。
// attempt 轨迹与 run 终态只在围栏令牌 CAS 成功后落盘：
// CAS 未命中说明租约已易主，本次执行结果作废，静默丢弃。
func (o *Orchestrator) ExecuteClaimedJob(ctx context.Context, workerID string, claimed queue.ClaimedJob) error {
	job := claimed.Job
	actor := auth.WorkerActor(job.TenantID, workerID)
	run, err := o.runs.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return err
	}
	run.TriggerPayload = claimed.TriggerPayload

	if run.Status == workflow.RunPending {
		if err := o.runs.UpdateRunStatus(ctx, job.TenantID, job.RunID, workflow.RunRunning, ""); err != nil {
			return err
		}
		run.Status = workflow.RunRunning
	}

	traces, execErr := o.interp.Execute(ctx, actor, &claimed.Definition, run)

	if execErr == nil {
		if err := o.queue.CompleteJob(ctx, job.TenantID, job.JobID, workerID, job.LeaseToken); err != nil {
			return o.swallowCASMiss(err, workerID, &job)
		}
		if err := o.appendAttempt(ctx, run, workflow.AttemptSucceeded, "", traces); err != nil {
			return err
		}
		if err := o.runs.UpdateRunStatus(ctx, job.TenantID, job.RunID, workflow.RunSucceeded, ""); err != nil {
			return err
		}
		o.observeTerminal(run, workflow.RunSucceeded, workflow.AttemptSucceeded)
		return nil
	}

	failed, err := o.queue.FailJob(ctx, job.TenantID, job.JobID, workerID, job.LeaseToken, execErr.Error())
	if err != nil {
		return o.swallowCASMiss(err, workerID, &job)
	}
	if err := o.appendAttempt(ctx, run, workflow.AttemptFailed, execErr.Error(), traces); err != nil {
		return err
	}
	if failed.Status == queue.JobFailed {
		// 重试耗尽，死信
		reason := execErr.Error()
		if err := o.runs.UpdateRunStatus(ctx, job.TenantID, job.RunID, workflow.RunDeadLettered, reason); err != nil {
			return err
		}
		o.observeTerminal(run, workflow.RunDeadLettered, workflow.AttemptFailed)
		o.logger.Warn("workflow run dead-lettered",
			"tenant_id", job.TenantID, "run_id", job.RunID, "attempts", failed.AttemptCount, "error", reason)
		return nil
	}
	// 等待下次认领重试
	metrics.AttemptTotal.WithLabelValues(string(workflow.AttemptFailed)).Inc()
	if err := o.runs.UpdateRunStatus(ctx, job.TenantID, job.RunID, workflow.RunPending, ""); err != nil {
		return err
	}
	o.logger.Info("workflow attempt failed, retry scheduled",
		"tenant_id", job.TenantID, "run_id", job.RunID,
		"attempt", job.AttemptCount, "next_attempt_at", failed.NextAttemptAt, "error", execErr.Error())
	return nil
}

// appendAttempt 落盘一次 attempt；编号由 RunStore 连续分配，
// 认领计数（含租约过期后的重认领）不参与编号
func (o *Orchestrator) appendAttempt(ctx context.Context, run *workflow.Run, status workflow.AttemptStatus, errMsg string, traces []workflow.StepTrace) error {
	return o.runs.AppendAttempt(ctx, workflow.Attempt{
		RunID:        run.RunID,
		TenantID:     run.TenantID,
		Status:       status,
		ErrorMessage: errMsg,
		StepTraces:   traces,
	})
}

// swallowCASMiss 围栏令牌不匹配不是故障：租约已易主，结果丢弃
func (o *Orchestrator) swallowCASMiss(err error, workerID string, job *queue.Job) error {
	if errors.Is(err, queue.ErrLeaseMismatch) || apperrors.IsKind(err, apperrors.KindConflict) {
		metrics.LeaseCASMissTotal.Inc()
		o.logger.Warn("lease token mismatch, discarding execution result",
			"worker_id", workerID, "job_id", job.JobID, "run_id", job.RunID)
		return nil
	}
	return err
}

func (o *Orchestrator) observeTerminal(run *workflow.Run, status workflow.RunStatus, attStatus workflow.AttemptStatus) {
	metrics.RunTotal.WithLabelValues(string(status)).Inc()
	metrics.AttemptTotal.WithLabelValues(string(attStatus)).Inc()
	metrics.RunDuration.WithLabelValues(run.WorkflowLogicalName).Observe(time.Since(run.StartedAt).Seconds())
}

// GetRun 查询单个 run
func (o *Orchestrator) GetRun(ctx context.Context, actor auth.Actor, runID string) (*workflow.Run, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldRead); err != nil {
		return nil, err
	}
	return o.runs.GetRun(ctx, actor.TenantID, runID)
}

// ListRuns 查询 run 列表；查询范围钉死在 actor 租户内
func (o *Orchestrator) ListRuns(ctx context.Context, actor auth.Actor, q workflow.RunQuery) ([]workflow.Run, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldRead); err != nil {
		return nil, err
	}
	q.TenantID = actor.TenantID
	return o.runs.ListRuns(ctx, q)
}

// ListAttempts 查询 run 的 attempt 轨迹
func (o *Orchestrator) ListAttempts(ctx context.Context, actor auth.Actor, runID string) ([]workflow.Attempt, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionMetadataFieldRead); err != nil {
		return nil, err
	}
	if _, err := o.runs.GetRun(ctx, actor.TenantID, runID); err != nil {
		return nil, err
	}
	return o.runs.ListAttempts(ctx, actor.TenantID, runID)
}

// ListAuditEvents 查询审计事件
func (o *Orchestrator) ListAuditEvents(ctx context.Context, actor auth.Actor, limit int) ([]workflow.AuditEvent, error) {
	if err := o.gate.RequirePermission(ctx, actor.TenantID, actor.Subject, auth.PermissionAuditView); err != nil {
		return nil, err
	}
	if o.audit == nil {
		return nil, nil
	}
	return o.audit.ListAuditEvents(ctx, actor.TenantID, limit)
}
