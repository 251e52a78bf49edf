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
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"lowcode-platform/pkg/auth"
	"lowcode-platform/pkg/config"
	apperrors "lowcode-platform/pkg/errors"
	"lowcode-platform/pkg/metrics"

	"lowcode-platform/internal/orchestrator"
	"lowcode-platform/internal/queue"
	"lowcode-platform/internal/statscache"
	"lowcode-platform/internal/workflow"
)

// 统计查询缺省活跃窗口
const defaultActiveWindow = time.Minute

// Handler HTTP 处理器
type Handler struct {
	orch   *orchestrator.Orchestrator
	queue  queue.Store
	stats  *statscache.Cache
	worker config.WorkflowWorker
}

// NewHandler 创建处理器；worker 为认领面的服务端参数，零值字段落缺省
func NewHandler(orch *orchestrator.Orchestrator, q queue.Store, stats *statscache.Cache, worker config.WorkflowWorker) *Handler {
	if worker.DefaultLeaseSeconds == 0 {
		worker.DefaultLeaseSeconds = 30
	}
	if worker.MaxClaimLimit <= 0 {
		worker.MaxClaimLimit = 16
	}
	if worker.MaxPartitionCount == 0 {
		worker.MaxPartitionCount = 64
	}
	return &Handler{orch: orch, queue: q, stats: stats, worker: worker}
}

// writeError 按错误类别映射 HTTP 状态码
func writeError(c *app.RequestContext, err error) {
	c.JSON(apperrors.HTTPStatus(err), map[string]string{
		"error": err.Error(),
	})
}

// SaveWorkflow 保存（upsert）workflow 定义
// POST /api/workflows
func (h *Handler) SaveWorkflow(ctx context.Context, c *app.RequestContext) {
	var def workflow.Definition
	if err := c.BindJSON(&def); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	actor := auth.ActorFromContext(ctx)
	if err := h.orch.SaveWorkflow(ctx, actor, &def); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, def)
}

// ListWorkflows 列出租户全部定义
// GET /api/workflows
func (h *Handler) ListWorkflows(ctx context.Context, c *app.RequestContext) {
	defs, err := h.orch.ListWorkflows(ctx, auth.ActorFromContext(ctx))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"workflows": defs})
}

// GetWorkflow 查询单个定义
// GET /api/workflows/:logical_name
func (h *Handler) GetWorkflow(ctx context.Context, c *app.RequestContext) {
	def, err := h.orch.GetWorkflow(ctx, auth.ActorFromContext(ctx), c.Param("logical_name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, def)
}

type executeRequest struct {
	Payload map[string]interface{} `json:"payload"`
}

// ExecuteWorkflow 触发执行；queued 模式返回 202 与 pending run
// POST /api/workflows/:logical_name/execute
func (h *Handler) ExecuteWorkflow(ctx context.Context, c *app.RequestContext) {
	var req executeRequest
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	actor := auth.ActorFromContext(ctx)
	run, err := h.orch.ExecuteWorkflow(ctx, actor, c.Param("logical_name"), req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	status := consts.StatusAccepted
	if run.Status.Terminal() {
		status = consts.StatusOK
	}
	c.JSON(status, run)
}

// ListRuns run 列表
// GET /api/workflow-runs?workflow=&status=&limit=&offset=
func (h *Handler) ListRuns(ctx context.Context, c *app.RequestContext) {
	q := workflow.RunQuery{
		WorkflowLogicalName: c.Query("workflow"),
		Status:              workflow.RunStatus(c.Query("status")),
		Limit:               queryInt(c, "limit", 50),
		Offset:              queryInt(c, "offset", 0),
	}
	runs, err := h.orch.ListRuns(ctx, auth.ActorFromContext(ctx), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun 单个 run
// GET /api/workflow-runs/:run_id
func (h *Handler) GetRun(ctx context.Context, c *app.RequestContext) {
	run, err := h.orch.GetRun(ctx, auth.ActorFromContext(ctx), c.Param("run_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, run)
}

// ListAttempts run 的 attempt 轨迹
// GET /api/workflow-runs/:run_id/attempts
func (h *Handler) ListAttempts(ctx context.Context, c *app.RequestContext) {
	atts, err := h.orch.ListAttempts(ctx, auth.ActorFromContext(ctx), c.Param("run_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"attempts": atts})
}

// ListAuditEvents 审计事件
// GET /api/audit-events?limit=
func (h *Handler) ListAuditEvents(ctx context.Context, c *app.RequestContext) {
	events, err := h.orch.ListAuditEvents(ctx, auth.ActorFromContext(ctx), queryInt(c, "limit", 100))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"events": events})
}

// SystemStatus 队列统计（走两级缓存）
// GET /api/system/status
func (h *Handler) SystemStatus(ctx context.Context, c *app.RequestContext) {
	window := time.Duration(queryInt(c, "active_window_seconds", int(defaultActiveWindow.Seconds()))) * time.Second
	stats, err := h.stats.Stats(ctx, statscache.Query{ActiveWindow: window}, func(ctx context.Context) (*queue.Stats, error) {
		return h.queue.QueueStats(ctx, window, nil)
	})
	if err != nil {
		hlog.CtxErrorf(ctx, "queue stats failed: %v", err)
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status": "ok",
		"queue":  stats,
	})
}

// SystemMetrics Prometheus 文本格式指标
// GET /api/system/metrics
func (h *Handler) SystemMetrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(c, err)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func queryInt(c *app.RequestContext, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
