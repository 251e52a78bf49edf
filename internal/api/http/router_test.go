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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"lowcode-platform/pkg/auth"
	"lowcode-platform/pkg/config"
	"lowcode-platform/pkg/log"

	"lowcode-platform/internal/api/http/middleware"
	"lowcode-platform/internal/orchestrator"
	"lowcode-platform/internal/queue"
	"lowcode-platform/internal/statscache"
	"lowcode-platform/internal/workflow"
)

const testWorkerSecret = "worker-secret-for-test"

type serverEnv struct {
	hertz   *server.Hertz
	meta    *workflow.MemoryStore
	queue   *queue.MemoryStore
	records *workflow.MemoryRecordService
}

// buildServerForTest 装配全内存后端的 HTTP 栈；identity 走请求头路径
func buildServerForTest(t *testing.T, mode string) *serverEnv {
	return buildServerWithWorkerCfg(t, mode, config.WorkflowWorker{})
}

func buildServerWithWorkerCfg(t *testing.T, mode string, workerCfg config.WorkflowWorker) *serverEnv {
	t.Helper()
	meta := workflow.NewMemoryStore()
	q := queue.NewMemoryStore(meta, meta)
	records := workflow.NewMemoryRecordService()
	interp := workflow.NewInterpreter(records, workflow.NewMemoryDispatcher(), log.NewNop())

	checker := auth.NewSimpleRBACChecker(auth.NewMemoryRoleStore())
	if err := checker.AssignRole(context.Background(), "t1", "maker", auth.RoleMaker); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	gate := auth.NewRBACGate(checker)

	orch := orchestrator.New(meta, meta, q, workflow.NewMemoryAuditRepository(), gate, interp, mode, log.NewNop())
	stats := statscache.New(0, nil, log.NewNop())
	handler := NewHandler(orch, q, stats, workerCfg)
	r := NewRouter(handler, middleware.NewMiddleware(), middleware.NewAuthZMiddleware(checker), testWorkerSecret)
	return &serverEnv{hertz: r.Build(":0"), meta: meta, queue: q, records: records}
}

func makerHeaders() []ut.Header {
	return []ut.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: "X-Tenant-ID", Value: "t1"},
		{Key: "X-User-ID", Value: "maker"},
	}
}

func workerHeaders() []ut.Header {
	return []ut.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: middleware.HeaderWorkerSecret, Value: testWorkerSecret},
		{Key: middleware.HeaderWorkerID, Value: "w1"},
	}
}

func perform(env *serverEnv, method, path string, body []byte, headers []ut.Header) *ut.ResponseRecorder {
	return ut.PerformRequest(env.hertz.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
}

func saveDefinitionJSON() []byte {
	return []byte(`{
		"logical_name": "wf_orders",
		"display_name": "Orders",
		"trigger": {"type": "manual"},
		"action": {"type": "log_message", "message": "hello"}
	}`)
}

func TestRouter_TenantContextRequired(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeInline)

	w := perform(env, "GET", "/api/workflows/", nil, nil)
	if got := w.Result().StatusCode(); got != 401 {
		t.Fatalf("GET /api/workflows/ without identity: status = %d, want 401", got)
	}
}

func TestRouter_SaveRequiresMetadataWrite(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeInline)

	// 未分配角色的用户缺省 user 角色，无 metadata 写权限
	headers := []ut.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: "X-Tenant-ID", Value: "t1"},
		{Key: "X-User-ID", Value: "stranger"},
	}
	w := perform(env, "POST", "/api/workflows/", saveDefinitionJSON(), headers)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("POST /api/workflows/ as user role: status = %d, want 403", got)
	}
}

func TestSaveAndExecuteWorkflowInline(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeInline)

	w := perform(env, "POST", "/api/workflows/", saveDefinitionJSON(), makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("save workflow: status = %d, body = %s", got, w.Result().Body())
	}

	// 未启用时执行应报 validation 错误
	w = perform(env, "POST", "/api/workflows/wf_orders/execute", []byte(`{}`), makerHeaders())
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("execute disabled workflow: status = %d, want 400", got)
	}

	enabled := saveDefinitionJSON()
	enabled = bytes.Replace(enabled, []byte(`"display_name": "Orders",`), []byte(`"display_name": "Orders", "is_enabled": true,`), 1)
	w = perform(env, "POST", "/api/workflows/", enabled, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("re-save workflow: status = %d, body = %s", got, w.Result().Body())
	}

	w = perform(env, "POST", "/api/workflows/wf_orders/execute", []byte(`{"payload":{"k":"v"}}`), makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("execute inline: status = %d, want 200 (terminal), body = %s", got, w.Result().Body())
	}
	var run workflow.Run
	if err := json.Unmarshal(w.Result().Body(), &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != workflow.RunSucceeded {
		t.Fatalf("inline run status = %s, want %s", run.Status, workflow.RunSucceeded)
	}

	w = perform(env, "GET", "/api/workflow-runs/"+run.RunID, nil, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("get run: status = %d", got)
	}
	w = perform(env, "GET", "/api/workflow-runs/"+run.RunID+"/attempts", nil, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("list attempts: status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("root.0")) {
		t.Fatalf("attempts body missing step trace: %s", w.Result().Body())
	}
}

func TestExecuteQueuedReturnsAccepted(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeQueued)

	enabled := bytes.Replace(saveDefinitionJSON(), []byte(`"display_name": "Orders",`), []byte(`"display_name": "Orders", "is_enabled": true,`), 1)
	w := perform(env, "POST", "/api/workflows/", enabled, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("save workflow: status = %d, body = %s", got, w.Result().Body())
	}

	w = perform(env, "POST", "/api/workflows/wf_orders/execute", []byte(`{}`), makerHeaders())
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("execute queued: status = %d, want 202, body = %s", got, w.Result().Body())
	}
	var run workflow.Run
	if err := json.Unmarshal(w.Result().Body(), &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != workflow.RunPending {
		t.Fatalf("queued run status = %s, want %s", run.Status, workflow.RunPending)
	}
}

func TestWorkerClaimFlow(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeQueued)

	enabled := bytes.Replace(saveDefinitionJSON(), []byte(`"display_name": "Orders",`), []byte(`"display_name": "Orders", "is_enabled": true,`), 1)
	perform(env, "POST", "/api/workflows/", enabled, makerHeaders())
	perform(env, "POST", "/api/workflows/wf_orders/execute", []byte(`{}`), makerHeaders())

	w := perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{"limit": 4, "lease_seconds": 30}`), workerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("claim: status = %d, body = %s", got, w.Result().Body())
	}
	var resp struct {
		Jobs []queue.ClaimedJob `json:"jobs"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal claim response: %v", err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("claimed jobs = %d, want 1", len(resp.Jobs))
	}
	job := resp.Jobs[0]
	if job.Definition.LogicalName != "wf_orders" {
		t.Errorf("claimed definition = %q, want wf_orders", job.Definition.LogicalName)
	}
	if job.Job.WorkerID != "w1" || job.Job.LeaseToken == "" {
		t.Errorf("claimed job lease not stamped: worker=%q token=%q", job.Job.WorkerID, job.Job.LeaseToken)
	}

	w = perform(env, "POST", "/internal/worker/heartbeat", []byte(`{"hostname":"h1","claimed_jobs":1}`), workerHeaders())
	if got := w.Result().StatusCode(); got != 204 {
		t.Fatalf("heartbeat: status = %d, body = %s", got, w.Result().Body())
	}

	w = perform(env, "GET", "/internal/worker/jobs/stats", nil, workerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("stats: status = %d, body = %s", got, w.Result().Body())
	}
	if !bytes.Contains(w.Result().Body(), []byte("leased_jobs")) {
		t.Fatalf("stats body: %s", w.Result().Body())
	}
}

func TestWorkerAuthRejections(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeQueued)

	w := perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{}`), nil)
	if got := w.Result().StatusCode(); got != 401 {
		t.Fatalf("claim without secret: status = %d, want 401", got)
	}

	headers := []ut.Header{
		{Key: middleware.HeaderWorkerSecret, Value: "wrong"},
		{Key: middleware.HeaderWorkerID, Value: "w1"},
	}
	w = perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{}`), headers)
	if got := w.Result().StatusCode(); got != 401 {
		t.Fatalf("claim with wrong secret: status = %d, want 401", got)
	}

	headers = []ut.Header{{Key: middleware.HeaderWorkerSecret, Value: testWorkerSecret}}
	w = perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{}`), headers)
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("claim without worker id: status = %d, want 400", got)
	}
}

func TestClaimPartitionValidation(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeQueued)

	cases := []struct {
		name string
		body string
	}{
		{"count without index", `{"partition_count": 2}`},
		{"index without count", `{"partition_index": 0}`},
		{"zero count", `{"partition_count": 0, "partition_index": 0}`},
		{"count over limit", `{"partition_count": 65, "partition_index": 0}`},
		{"index out of range", `{"partition_count": 2, "partition_index": 2}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := perform(env, "POST", "/internal/worker/jobs/claim", []byte(tc.body), workerHeaders())
			if got := w.Result().StatusCode(); got != 400 {
				t.Fatalf("status = %d, want 400, body = %s", got, w.Result().Body())
			}
		})
	}
}

func TestRouter_ExecuteRequiresMetadataWrite(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeInline)

	enabled := bytes.Replace(saveDefinitionJSON(), []byte(`"display_name": "Orders",`), []byte(`"display_name": "Orders", "is_enabled": true,`), 1)
	w := perform(env, "POST", "/api/workflows/", enabled, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("save workflow: status = %d", got)
	}

	// 缺省 user 角色不能触发执行，也不能读 run
	headers := []ut.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: "X-Tenant-ID", Value: "t1"},
		{Key: "X-User-ID", Value: "stranger"},
	}
	w = perform(env, "POST", "/api/workflows/wf_orders/execute", []byte(`{}`), headers)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("execute as user role: status = %d, want 403", got)
	}
	w = perform(env, "GET", "/api/workflow-runs/", nil, headers)
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("list runs as user role: status = %d, want 403", got)
	}
}

func TestWorkerLimitsFromConfig(t *testing.T) {
	env := buildServerWithWorkerCfg(t, config.ExecutionModeQueued, config.WorkflowWorker{
		MaxClaimLimit:     1,
		MaxPartitionCount: 4,
	})

	enabled := bytes.Replace(saveDefinitionJSON(), []byte(`"display_name": "Orders",`), []byte(`"display_name": "Orders", "is_enabled": true,`), 1)
	perform(env, "POST", "/api/workflows/", enabled, makerHeaders())
	second := bytes.Replace(enabled, []byte("wf_orders"), []byte("wf_invoices"), 1)
	perform(env, "POST", "/api/workflows/", second, makerHeaders())
	perform(env, "POST", "/api/workflows/wf_orders/execute", []byte(`{}`), makerHeaders())
	perform(env, "POST", "/api/workflows/wf_invoices/execute", []byte(`{}`), makerHeaders())

	// 配置的 max_claim_limit 压住请求里的 limit
	w := perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{"limit": 10, "lease_seconds": 30}`), workerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("claim: status = %d, body = %s", got, w.Result().Body())
	}
	var resp struct {
		Jobs []queue.ClaimedJob `json:"jobs"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal claim response: %v", err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("claimed jobs = %d, want 1 (config clamp)", len(resp.Jobs))
	}

	// 配置的 max_partition_count 生效
	w = perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{"partition_count": 5, "partition_index": 0}`), workerHeaders())
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("partition over configured limit: status = %d, want 400", got)
	}
	w = perform(env, "POST", "/internal/worker/jobs/claim", []byte(`{"partition_count": 4, "partition_index": 0}`), workerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("partition within configured limit: status = %d", got)
	}
}

func TestSystemStatusAndMetrics(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeInline)

	w := perform(env, "GET", "/api/system/status", nil, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("system status: status = %d, body = %s", got, w.Result().Body())
	}
	if !bytes.Contains(w.Result().Body(), []byte("queue")) {
		t.Fatalf("system status body: %s", w.Result().Body())
	}

	w = perform(env, "GET", "/api/system/metrics", nil, makerHeaders())
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("system metrics: status = %d", got)
	}
}

func TestHealthCheckOpen(t *testing.T) {
	env := buildServerForTest(t, config.ExecutionModeInline)

	// health 不要求租户上下文
	w := perform(env, "GET", "/api/health", nil, nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("health: status = %d", got)
	}
}
