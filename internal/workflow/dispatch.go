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
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "lowcode-platform/pkg/errors"
)

// DispatchType 集成分发类型
type DispatchType string

const (
	DispatchHTTPRequest DispatchType = "http_request"
	DispatchWebhook     DispatchType = "webhook"
	DispatchEmail       DispatchType = "email"
)

// 集成实体名到分发类型的映射；create_runtime_record 命中这些实体时改走分发器
var integrationEntities = map[string]DispatchType{
	"integration_http_request": DispatchHTTPRequest,
	"webhook_dispatch":         DispatchWebhook,
	"email_outbox":             DispatchEmail,
}

// IntegrationDispatchType 返回实体对应的分发类型
func IntegrationDispatchType(entityLogicalName string) (DispatchType, bool) {
	t, ok := integrationEntities[entityLogicalName]
	return t, ok
}

// DispatchRequest 一次集成分发；IdempotencyKey 为 {run_id}:{step_path}，
// 重试复执行时下游据此去重
type DispatchRequest struct {
	TenantID       string                 `json:"tenant_id"`
	RunID          string                 `json:"run_id"`
	StepPath       string                 `json:"step_path"`
	Type           DispatchType           `json:"type"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload"`
}

// ActionDispatcher 集成分发端口
type ActionDispatcher interface {
	DispatchAction(ctx context.Context, req DispatchRequest) error
}

// HTTPDispatcherConfig 各分发类型的下游 endpoint；为空的类型视为未配置
type HTTPDispatcherConfig struct {
	HTTPRequestURL string        `mapstructure:"http_request_url"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	EmailURL       string        `mapstructure:"email_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// HTTPDispatcher 通过 HTTP 投递集成动作
type HTTPDispatcher struct {
	client    *resty.Client
	endpoints map[DispatchType]string
}

// NewHTTPDispatcher 创建 HTTP 分发器
func NewHTTPDispatcher(cfg HTTPDispatcherConfig) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	endpoints := make(map[DispatchType]string)
	if cfg.HTTPRequestURL != "" {
		endpoints[DispatchHTTPRequest] = cfg.HTTPRequestURL
	}
	if cfg.WebhookURL != "" {
		endpoints[DispatchWebhook] = cfg.WebhookURL
	}
	if cfg.EmailURL != "" {
		endpoints[DispatchEmail] = cfg.EmailURL
	}
	return &HTTPDispatcher{
		client:    resty.New().SetTimeout(timeout),
		endpoints: endpoints,
	}
}

// DispatchAction 投递到对应 endpoint，幂等键随 header 传递
func (d *HTTPDispatcher) DispatchAction(ctx context.Context, req DispatchRequest) error {
	endpoint, ok := d.endpoints[req.Type]
	if !ok {
		return apperrors.Ef(apperrors.KindValidation, "no dispatcher configured for %s", req.Type)
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetHeader("X-Tenant-ID", req.TenantID).
		SetBody(req).
		Post(endpoint)
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInternal, err, "dispatch "+string(req.Type))
	}
	if resp.IsError() {
		return apperrors.Ef(apperrors.KindInternal, "dispatch %s: downstream status %d", req.Type, resp.StatusCode())
	}
	return nil
}

// MemoryDispatcher 记录分发请求的内存实现，测试用。
// 幂等键重复的请求只记一次，模拟下游去重。
type MemoryDispatcher struct {
	mu       sync.Mutex
	requests []DispatchRequest
	seen     map[string]bool
	failWith error
}

// NewMemoryDispatcher 创建内存分发器
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{seen: make(map[string]bool)}
}

// FailWith 后续 DispatchAction 固定返回 err；nil 恢复正常
func (d *MemoryDispatcher) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// DispatchAction 记录请求
func (d *MemoryDispatcher) DispatchAction(_ context.Context, req DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	if d.seen[req.IdempotencyKey] {
		return nil
	}
	d.seen[req.IdempotencyKey] = true
	d.requests = append(d.requests, req)
	return nil
}

// Requests 返回已记录的请求
func (d *MemoryDispatcher) Requests() []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchRequest(nil), d.requests...)
}
