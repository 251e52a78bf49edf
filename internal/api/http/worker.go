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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	apperrors "lowcode-platform/pkg/errors"
	"lowcode-platform/pkg/metrics"

	"lowcode-platform/internal/api/http/middleware"
	"lowcode-platform/internal/queue"
	"lowcode-platform/internal/statscache"
)

// maxLeaseSeconds 租约时长硬上限；配置再大也不放行
const maxLeaseSeconds = 300

type claimRequest struct {
	Limit          int     `json:"limit"`
	LeaseSeconds   int     `json:"lease_seconds"`
	PartitionCount *uint32 `json:"partition_count,omitempty"`
	PartitionIndex *uint32 `json:"partition_index,omitempty"`
}

// parsePartition 分区字段校验：要么都给，要么都不给
func parsePartition(count, index *uint32, maxCount uint32) (*queue.Partition, error) {
	if count == nil && index == nil {
		return nil, nil
	}
	if count == nil || index == nil {
		return nil, apperrors.E(apperrors.KindValidation, "partition_count and partition_index must be set together")
	}
	if *count == 0 || *count > maxCount {
		return nil, apperrors.Ef(apperrors.KindValidation, "partition_count must be in [1, %d]", maxCount)
	}
	if *index >= *count {
		return nil, apperrors.E(apperrors.KindValidation, "partition_index must be < partition_count")
	}
	return &queue.Partition{Count: *count, Index: *index}, nil
}

// ClaimJobs Worker 认领 job
// POST /internal/worker/jobs/claim
func (h *Handler) ClaimJobs(ctx context.Context, c *app.RequestContext) {
	workerID := middleware.WorkerIDFromContext(ctx)
	var req claimRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	partition, err := parsePartition(req.PartitionCount, req.PartitionIndex, h.worker.MaxPartitionCount)
	if err != nil {
		writeError(c, err)
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > h.worker.MaxClaimLimit {
		limit = h.worker.MaxClaimLimit
	}
	lease := req.LeaseSeconds
	if lease <= 0 || lease > maxLeaseSeconds {
		lease = int(h.worker.DefaultLeaseSeconds)
	}

	claimed, err := h.queue.ClaimJobs(ctx, workerID, limit, lease, partition)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.ClaimTotal.WithLabelValues(boolLabel(len(claimed) > 0)).Inc()
	metrics.ClaimedJobs.Observe(float64(len(claimed)))
	c.JSON(consts.StatusOK, map[string]interface{}{"jobs": claimed})
}

type heartbeatRequest struct {
	Hostname       string  `json:"hostname"`
	ClaimedJobs    int64   `json:"claimed_jobs"`
	ExecutedJobs   int64   `json:"executed_jobs"`
	FailedJobs     int64   `json:"failed_jobs"`
	PartitionCount *uint32 `json:"partition_count,omitempty"`
	PartitionIndex *uint32 `json:"partition_index,omitempty"`
}

// Heartbeat Worker 心跳，幂等 upsert
// POST /internal/worker/heartbeat
func (h *Handler) Heartbeat(ctx context.Context, c *app.RequestContext) {
	workerID := middleware.WorkerIDFromContext(ctx)
	var req heartbeatRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if _, err := parsePartition(req.PartitionCount, req.PartitionIndex, h.worker.MaxPartitionCount); err != nil {
		writeError(c, err)
		return
	}
	err := h.queue.UpsertWorkerHeartbeat(ctx, queue.WorkerHeartbeat{
		WorkerID:       workerID,
		Hostname:       req.Hostname,
		ClaimedJobs:    req.ClaimedJobs,
		ExecutedJobs:   req.ExecutedJobs,
		FailedJobs:     req.FailedJobs,
		PartitionCount: req.PartitionCount,
		PartitionIndex: req.PartitionIndex,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.SetStatusCode(consts.StatusNoContent)
}

// WorkerStats 队列统计（Worker 自监控，走两级缓存）
// GET /internal/worker/jobs/stats?active_window_seconds=&partition_count=&partition_index=
func (h *Handler) WorkerStats(ctx context.Context, c *app.RequestContext) {
	var count, index *uint32
	if v := c.Query("partition_count"); v != "" {
		n := uint32(queryInt(c, "partition_count", 0))
		count = &n
	}
	if v := c.Query("partition_index"); v != "" {
		n := uint32(queryInt(c, "partition_index", 0))
		index = &n
	}
	partition, err := parsePartition(count, index, h.worker.MaxPartitionCount)
	if err != nil {
		writeError(c, err)
		return
	}
	window := time.Duration(queryInt(c, "active_window_seconds", int(defaultActiveWindow.Seconds()))) * time.Second

	stats, err := h.stats.Stats(ctx, statscache.Query{ActiveWindow: window, Partition: partition},
		func(ctx context.Context) (*queue.Stats, error) {
			return h.queue.QueueStats(ctx, window, partition)
		})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, stats)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
