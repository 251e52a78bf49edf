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

package middleware

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"lowcode-platform/pkg/auth"
)

// Middleware 通用 HTTP 中间件
type Middleware struct{}

// NewMiddleware 创建中间件集合
func NewMiddleware() *Middleware {
	return &Middleware{}
}

// CORS 跨域中间件
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-User-ID")
		if string(c.Method()) == "OPTIONS" {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimit 进程级令牌桶限流；超限返回 429
func (m *Middleware) RateLimit(rps float64, burst int) app.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(ctx context.Context, c *app.RequestContext) {
		if !limiter.Allow() {
			c.JSON(consts.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

// HeaderIdentity 从 X-Tenant-ID / X-User-ID 头注入身份，JWT 未启用时的开发路径。
// 此路径只应暴露给内网调用方，生产部署启用 JWT。
func (m *Middleware) HeaderIdentity() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if tenantID := string(c.GetHeader("X-Tenant-ID")); tenantID != "" {
			ctx = auth.WithTenantID(ctx, tenantID)
		}
		if userID := string(c.GetHeader("X-User-ID")); userID != "" {
			ctx = auth.WithUserID(ctx, userID)
		}
		c.Next(ctx)
	}
}
