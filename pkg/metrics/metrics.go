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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunDuration, RunTotal, AttemptTotal,
		ClaimTotal, ClaimedJobs, LeaseCASMissTotal,
		StepDuration, StatsCacheLookupTotal,
		WorkerBusy,
	)
}

// RunDuration workflow run 执行耗时（秒）
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lowcode_workflow_run_duration_seconds",
		Help:    "Workflow run 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"workflow"},
)

// RunTotal run 终态总数（按状态）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lowcode_workflow_run_total",
		Help: "Workflow run 终态总数（按状态）",
	},
	[]string{"status"}, // succeeded | failed | dead_lettered
)

// AttemptTotal attempt 总数（按结果）
var AttemptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lowcode_workflow_attempt_total",
		Help: "Run attempt 总数（按结果）",
	},
	[]string{"status"}, // succeeded | failed
)

// ClaimTotal Claim 调用总数（是否认领到 job）
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lowcode_queue_claim_total",
		Help: "ClaimJobs 调用总数",
	},
	[]string{"acquired"}, // true | false
)

// ClaimedJobs 单次 Claim 认领到的 job 数分布
var ClaimedJobs = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "lowcode_queue_claimed_jobs",
		Help:    "单次 ClaimJobs 返回的 job 数",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	},
)

// LeaseCASMissTotal Complete/Fail 时租约 token 不匹配次数（围栏拒绝）
var LeaseCASMissTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "lowcode_queue_lease_cas_miss_total",
		Help: "Complete/Fail 时 lease token CAS 不匹配次数",
	},
)

// StepDuration 单步执行耗时（秒）
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lowcode_workflow_step_duration_seconds",
		Help:    "Workflow 单步执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step_type"},
)

// StatsCacheLookupTotal 统计缓存查询数（按层与命中）
var StatsCacheLookupTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lowcode_queue_stats_cache_lookup_total",
		Help: "队列统计缓存查询数",
	},
	[]string{"tier", "hit"}, // tier: memory | redis; hit: true | false
)

// WorkerBusy 当前正在执行的 job 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "lowcode_worker_busy",
		Help: "当前正在执行的 job 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
