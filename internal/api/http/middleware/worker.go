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
	"crypto/subtle"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// Worker 认证请求头
const (
	HeaderWorkerSecret = "X-Worker-Secret"
	HeaderWorkerID     = "X-Worker-ID"
)

type workerIDKey struct{}

// WorkerIDFromContext 取 worker 认证中间件注入的 worker_id
func WorkerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WorkerAuth Worker 内部面共享 secret 认证。
// secret 为空时内部面整体关闭，所有请求 401。
func WorkerAuth(secret string) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		got := c.GetHeader(HeaderWorkerSecret)
		if secret == "" || subtle.ConstantTimeCompare(got, []byte(secret)) != 1 {
			c.JSON(consts.StatusUnauthorized, map[string]string{
				"error": "invalid worker secret",
			})
			c.Abort()
			return
		}
		workerID := string(c.GetHeader(HeaderWorkerID))
		if workerID == "" {
			c.JSON(consts.StatusBadRequest, map[string]string{
				"error": "worker id header is required",
			})
			c.Abort()
			return
		}
		c.Next(context.WithValue(ctx, workerIDKey{}, workerID))
	}
}
