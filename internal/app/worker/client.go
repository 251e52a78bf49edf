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

package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "lowcode-platform/pkg/errors"

	"lowcode-platform/internal/api/http/middleware"
	"lowcode-platform/internal/queue"
)

// WorkerClient 控制面 worker 内部面的 HTTP 客户端。
// claim/heartbeat/stats 走控制面；Complete/Fail 由编排器经队列存储 CAS 提交。
type WorkerClient struct {
	client *resty.Client
}

// NewWorkerClient 创建客户端；secret 与 workerID 随每个请求的 header 传递
func NewWorkerClient(baseURL, sharedSecret, workerID string, timeout time.Duration) *WorkerClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &WorkerClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader(middleware.HeaderWorkerSecret, sharedSecret).
			SetHeader(middleware.HeaderWorkerID, workerID),
	}
}

type claimBody struct {
	Limit          int     `json:"limit,omitempty"`
	LeaseSeconds   int     `json:"lease_seconds,omitempty"`
	PartitionCount *uint32 `json:"partition_count,omitempty"`
	PartitionIndex *uint32 `json:"partition_index,omitempty"`
}

type claimResult struct {
	Jobs []queue.ClaimedJob `json:"jobs"`
}

// Claim 认领一批 job
func (w *WorkerClient) Claim(ctx context.Context, limit, leaseSeconds int, partition *queue.Partition) ([]queue.ClaimedJob, error) {
	body := claimBody{Limit: limit, LeaseSeconds: leaseSeconds}
	if partition != nil {
		body.PartitionCount = &partition.Count
		body.PartitionIndex = &partition.Index
	}
	var result claimResult
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/internal/worker/jobs/claim")
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInternal, err, "claim jobs")
	}
	if resp.IsError() {
		return nil, apperrors.Ef(apperrors.KindInternal, "claim jobs: control plane status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Jobs, nil
}

// Heartbeat 上报心跳
func (w *WorkerClient) Heartbeat(ctx context.Context, hb queue.WorkerHeartbeat) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(hb).
		Post("/internal/worker/heartbeat")
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInternal, err, "heartbeat")
	}
	if resp.IsError() {
		return apperrors.Ef(apperrors.KindInternal, "heartbeat: control plane status %d", resp.StatusCode())
	}
	return nil
}

// Stats 查询队列统计
func (w *WorkerClient) Stats(ctx context.Context, activeWindow time.Duration, partition *queue.Partition) (*queue.Stats, error) {
	req := w.client.R().
		SetContext(ctx).
		SetQueryParam("active_window_seconds", strconv.Itoa(int(activeWindow.Seconds())))
	if partition != nil {
		req.SetQueryParam("partition_count", strconv.FormatUint(uint64(partition.Count), 10))
		req.SetQueryParam("partition_index", strconv.FormatUint(uint64(partition.Index), 10))
	}
	var stats queue.Stats
	resp, err := req.SetResult(&stats).Get("/internal/worker/jobs/stats")
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInternal, err, "queue stats")
	}
	if resp.IsError() {
		return nil, apperrors.Ef(apperrors.KindInternal, "queue stats: control plane status %d", resp.StatusCode())
	}
	return &stats, nil
}
