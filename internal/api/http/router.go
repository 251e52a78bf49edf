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
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"lowcode-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler      *Handler
	mw           *middleware.Middleware
	authz        *middleware.AuthZMiddleware
	jwt          *middleware.JWTAuth
	workerSecret string
	rateRPS      float64
	rateBurst    int
}

// NewRouter 创建路由器；workerSecret 为空时 Worker 内部面关闭
func NewRouter(handler *Handler, mw *middleware.Middleware, authz *middleware.AuthZMiddleware, workerSecret string) *Router {
	return &Router{
		handler:      handler,
		mw:           mw,
		authz:        authz,
		workerSecret: workerSecret,
	}
}

// SetJWT 启用 JWT 认证；未启用时走 X-Tenant-ID/X-User-ID 头注入（仅内网）
func (r *Router) SetJWT(jwtAuth *middleware.JWTAuth) {
	r.jwt = jwtAuth
}

// SetRateLimit 启用 API 面限流
func (r *Router) SetRateLimit(rps float64, burst int) {
	r.rateRPS = rps
	r.rateBurst = burst
}

// Build 装配 Hertz server
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	options := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(options...)

	h.Use(r.mw.CORS())

	h.GET("/api/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, map[string]string{"status": "ok"})
	})

	// 租户面
	api := h.Group("/api")
	if r.rateRPS > 0 {
		api.Use(r.mw.RateLimit(r.rateRPS, r.rateBurst))
	}
	if r.jwt != nil {
		h.POST("/api/login", r.jwt.LoginHandler())
		api.Use(r.jwt.MiddlewareFunc(), r.jwt.IdentityInjector())
	} else {
		api.Use(r.mw.HeaderIdentity())
	}
	api.Use(r.authz.TenantIsolation())

	workflows := api.Group("/workflows")
	{
		workflows.GET("/", r.handler.ListWorkflows)
		workflows.POST("/", r.handler.SaveWorkflow)
		workflows.GET("/:logical_name", r.handler.GetWorkflow)
		workflows.POST("/:logical_name/execute", r.handler.ExecuteWorkflow)
	}

	runs := api.Group("/workflow-runs")
	{
		runs.GET("/", r.handler.ListRuns)
		runs.GET("/:run_id", r.handler.GetRun)
		runs.GET("/:run_id/attempts", r.handler.ListAttempts)
	}

	api.GET("/audit-events", r.handler.ListAuditEvents)

	system := api.Group("/system")
	{
		system.GET("/status", r.handler.SystemStatus)
		system.GET("/metrics", r.handler.SystemMetrics)
	}

	// Worker 内部面：共享 secret 认证，不走租户会话
	worker := h.Group("/internal/worker", middleware.WorkerAuth(r.workerSecret))
	{
		worker.POST("/jobs/claim", r.handler.ClaimJobs)
		worker.POST("/heartbeat", r.handler.Heartbeat)
		worker.GET("/jobs/stats", r.handler.WorkerStats)
	}

	return h
}
