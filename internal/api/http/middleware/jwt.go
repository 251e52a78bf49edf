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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"lowcode-platform/pkg/auth"
	apperrors "lowcode-platform/pkg/errors"
)

const (
	claimTenantID = "tenant_id"
	claimUserID   = "user_id"
)

// JWTAuth 会话认证；token 由平台会话服务签发，claims 携带 tenant_id/user_id
type JWTAuth struct {
	mw *jwt.HertzJWTMiddleware
}

// loginRequest 登录请求体；调用方身份已由上游会话服务核验，
// 此端点只负责换发本子系统的 JWT
type loginRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// NewJWTAuth 创建 JWT 中间件
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*JWTAuth, error) {
	mw, err := jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "lowcode-workflow",
		Key:         key,
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: claimUserID,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if req, ok := data.(*loginRequest); ok {
				return jwt.MapClaims{
					claimTenantID: req.TenantID,
					claimUserID:   req.UserID,
				}
			}
			return jwt.MapClaims{}
		},
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var req loginRequest
			if err := c.BindAndValidate(&req); err != nil {
				return nil, err
			}
			if req.TenantID == "" || req.UserID == "" {
				return nil, apperrors.E(apperrors.KindValidation, "tenant_id and user_id are required")
			}
			return &req, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &JWTAuth{mw: mw}, nil
}

// LoginHandler 换发 token
func (j *JWTAuth) LoginHandler() app.HandlerFunc {
	return j.mw.LoginHandler
}

// MiddlewareFunc 校验 token；路由需在其后挂 IdentityInjector
func (j *JWTAuth) MiddlewareFunc() app.HandlerFunc {
	return j.mw.MiddlewareFunc()
}

// IdentityInjector 把已校验 token 的 claims 注入 auth context
func (j *JWTAuth) IdentityInjector() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		claims := jwt.ExtractClaims(ctx, c)
		if tenantID, ok := claims[claimTenantID].(string); ok && tenantID != "" {
			ctx = auth.WithTenantID(ctx, tenantID)
		}
		if userID, ok := claims[claimUserID].(string); ok && userID != "" {
			ctx = auth.WithUserID(ctx, userID)
		}
		c.Next(ctx)
	}
}
