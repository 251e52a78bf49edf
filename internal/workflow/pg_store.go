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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "lowcode-platform/pkg/errors"
)

// PGStore PostgreSQL 实现 DefinitionStore+RunStore+AuditRepository
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 连接数据库并建表
func NewPGStore(ctx context.Context, dsn string, poolSize int) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close 释放连接池
func (s *PGStore) Close() { s.pool.Close() }

// Pool 暴露连接池，队列存储共用同一池
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PGStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	tenant_id    TEXT NOT NULL,
	logical_name TEXT NOT NULL,
	display_name TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	trigger      JSONB NOT NULL,
	action       JSONB NOT NULL,
	steps        JSONB,
	max_attempts INT NOT NULL,
	is_enabled   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, logical_name)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id                TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	workflow_logical_name TEXT NOT NULL,
	trigger               JSONB NOT NULL,
	trigger_payload       JSONB,
	status                TEXT NOT NULL,
	attempts              INT NOT NULL DEFAULT 0,
	dead_letter_reason    TEXT NOT NULL DEFAULT '',
	started_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_tenant ON workflow_runs (tenant_id, started_at DESC);

CREATE TABLE IF NOT EXISTS workflow_run_attempts (
	run_id         TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	attempt_number INT NOT NULL,
	status         TEXT NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	executed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	step_traces    JSONB,
	PRIMARY KEY (run_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS workflow_audit_events (
	event_id   TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	subject    TEXT NOT NULL,
	action     TEXT NOT NULL,
	target     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workflow_audit_tenant ON workflow_audit_events (tenant_id, created_at DESC);
`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// SaveDefinition upsert 定义
func (s *PGStore) SaveDefinition(ctx context.Context, def *Definition) error {
	trigger, err := json.Marshal(def.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	action, err := json.Marshal(def.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	var steps []byte
	if len(def.Steps) > 0 {
		if steps, err = json.Marshal(def.Steps); err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
	}
	now := time.Now()
	row := s.pool.QueryRow(ctx, `
INSERT INTO workflow_definitions
	(tenant_id, logical_name, display_name, description, trigger, action, steps, max_attempts, is_enabled, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
ON CONFLICT (tenant_id, logical_name) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	description  = EXCLUDED.description,
	trigger      = EXCLUDED.trigger,
	action       = EXCLUDED.action,
	steps        = EXCLUDED.steps,
	max_attempts = EXCLUDED.max_attempts,
	is_enabled   = EXCLUDED.is_enabled,
	updated_at   = EXCLUDED.updated_at
RETURNING created_at, updated_at`,
		def.TenantID, def.LogicalName, def.DisplayName, def.Description,
		trigger, action, steps, def.MaxAttempts, def.IsEnabled, now)
	if err := row.Scan(&def.CreatedAt, &def.UpdatedAt); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

// FindDefinition 按租户+逻辑名查找
func (s *PGStore) FindDefinition(ctx context.Context, tenantID, logicalName string) (*Definition, error) {
	row := s.pool.QueryRow(ctx, `
SELECT tenant_id, logical_name, display_name, description, trigger, action, steps, max_attempts, is_enabled, created_at, updated_at
FROM workflow_definitions
WHERE tenant_id = $1 AND logical_name = $2`, tenantID, logicalName)
	def, err := scanDefinition(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.Ef(apperrors.KindNotFound, "workflow %s not found", logicalName)
	}
	return def, err
}

// ListDefinitions 列出租户全部定义
func (s *PGStore) ListDefinitions(ctx context.Context, tenantID string) ([]Definition, error) {
	rows, err := s.pool.Query(ctx, `
SELECT tenant_id, logical_name, display_name, description, trigger, action, steps, max_attempts, is_enabled, created_at, updated_at
FROM workflow_definitions
WHERE tenant_id = $1
ORDER BY logical_name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var def Definition
	var trigger, action, steps []byte
	err := row.Scan(&def.TenantID, &def.LogicalName, &def.DisplayName, &def.Description,
		&trigger, &action, &steps, &def.MaxAttempts, &def.IsEnabled, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trigger, &def.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(action, &def.Action); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &def.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return &def, nil
}

// CreateRun 落盘新 run
func (s *PGStore) CreateRun(ctx context.Context, run *Run) error {
	trigger, err := json.Marshal(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	var payload []byte
	if run.TriggerPayload != nil {
		if payload, err = json.Marshal(run.TriggerPayload); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO workflow_runs (run_id, tenant_id, workflow_logical_name, trigger, trigger_payload, status, attempts, started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.RunID, run.TenantID, run.WorkflowLogicalName, trigger, payload, string(run.Status), run.Attempts, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun 按租户+run_id 查找
func (s *PGStore) GetRun(ctx context.Context, tenantID, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
SELECT run_id, tenant_id, workflow_logical_name, trigger, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at
FROM workflow_runs
WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.Ef(apperrors.KindNotFound, "run %s not found", runID)
	}
	return run, err
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var trigger, payload []byte
	var status string
	err := row.Scan(&run.RunID, &run.TenantID, &run.WorkflowLogicalName, &trigger, &payload,
		&status, &run.Attempts, &run.DeadLetterReason, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &run, nil
}

// UpdateRunStatus 迁移 run 状态
func (s *PGStore) UpdateRunStatus(ctx context.Context, tenantID, runID string, status RunStatus, deadLetterReason string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE workflow_runs SET
	status = $3,
	dead_letter_reason = CASE WHEN $4 <> '' THEN $4 ELSE dead_letter_reason END,
	finished_at = CASE WHEN $5 THEN now() ELSE finished_at END
WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID, string(status), deadLetterReason, status.Terminal())
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Ef(apperrors.KindNotFound, "run %s not found", runID)
	}
	return nil
}

// AppendAttempt 追加 attempt 并推进 run.attempts。
// attempt_number 在事务内按已落盘的最大值连续分配；run 的生命周期
// 对当前持租 worker 是单写流，分配不会并发竞争
func (s *PGStore) AppendAttempt(ctx context.Context, att Attempt) error {
	var traces []byte
	var err error
	if len(att.StepTraces) > 0 {
		if traces, err = json.Marshal(att.StepTraces); err != nil {
			return fmt.Errorf("marshal traces: %w", err)
		}
	}
	if att.ExecutedAt.IsZero() {
		att.ExecutedAt = time.Now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var number int
	row := tx.QueryRow(ctx, `
INSERT INTO workflow_run_attempts (run_id, tenant_id, attempt_number, status, error_message, executed_at, step_traces)
SELECT $1, $2, COALESCE(MAX(attempt_number), 0) + 1, $3, $4, $5, $6
FROM workflow_run_attempts WHERE run_id = $1
RETURNING attempt_number`,
		att.RunID, att.TenantID, string(att.Status), att.ErrorMessage, att.ExecutedAt, traces)
	if err := row.Scan(&number); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	_, err = tx.Exec(ctx, `
UPDATE workflow_runs SET attempts = GREATEST(attempts, $3)
WHERE tenant_id = $1 AND run_id = $2`, att.TenantID, att.RunID, number)
	if err != nil {
		return fmt.Errorf("bump attempts: %w", err)
	}
	return tx.Commit(ctx)
}

// ListRuns 按条件查询，started_at 倒序
func (s *PGStore) ListRuns(ctx context.Context, q RunQuery) ([]Run, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT run_id, tenant_id, workflow_logical_name, trigger, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at
FROM workflow_runs
WHERE tenant_id = $1
	AND ($2 = '' OR workflow_logical_name = $2)
	AND ($3 = '' OR status = $3)
ORDER BY started_at DESC, run_id DESC
LIMIT $4 OFFSET $5`,
		q.TenantID, q.WorkflowLogicalName, string(q.Status), limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ListAttempts 返回 run 的全部 attempt
func (s *PGStore) ListAttempts(ctx context.Context, tenantID, runID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
SELECT run_id, tenant_id, attempt_number, status, error_message, executed_at, step_traces
FROM workflow_run_attempts
WHERE tenant_id = $1 AND run_id = $2
ORDER BY attempt_number`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var att Attempt
		var status string
		var traces []byte
		if err := rows.Scan(&att.RunID, &att.TenantID, &att.AttemptNumber, &status, &att.ErrorMessage, &att.ExecutedAt, &traces); err != nil {
			return nil, err
		}
		att.Status = AttemptStatus(status)
		if len(traces) > 0 {
			if err := json.Unmarshal(traces, &att.StepTraces); err != nil {
				return nil, fmt.Errorf("unmarshal traces: %w", err)
			}
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// AppendAuditEvent 追加审计事件
func (s *PGStore) AppendAuditEvent(ctx context.Context, ev AuditEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO workflow_audit_events (event_id, tenant_id, subject, action, target, detail, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.EventID, ev.TenantID, ev.Subject, ev.Action, ev.Target, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents 按租户倒序返回最近 limit 条
func (s *PGStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT event_id, tenant_id, subject, action, target, detail, created_at
FROM workflow_audit_events
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.Subject, &ev.Action, &ev.Target, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
