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

import "time"

// RunStatus run 状态机：pending → running → (succeeded | failed | dead_lettered)
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunRunning      RunStatus = "running"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
	RunDeadLettered RunStatus = "dead_lettered"
)

// Terminal 是否终态
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunDeadLettered:
		return true
	}
	return false
}

// Run 一次 workflow 执行；Attempts 为已落盘的 attempt 数，权威计数在队列侧
type Run struct {
	RunID               string                 `json:"run_id"`
	TenantID            string                 `json:"tenant_id"`
	WorkflowLogicalName string                 `json:"workflow_logical_name"`
	Trigger             Trigger                `json:"trigger"`
	TriggerPayload      map[string]interface{} `json:"trigger_payload,omitempty"`
	Status              RunStatus              `json:"status"`
	Attempts            int                    `json:"attempts"`
	DeadLetterReason    string                 `json:"dead_letter_reason,omitempty"`
	StartedAt           time.Time              `json:"started_at"`
	FinishedAt          *time.Time             `json:"finished_at,omitempty"`
}

// AttemptStatus attempt 结果
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt 单次执行尝试及其步骤轨迹
type Attempt struct {
	RunID         string        `json:"run_id"`
	TenantID      string        `json:"tenant_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at"`
	StepTraces    []StepTrace   `json:"step_traces,omitempty"`
}

// TraceStatus 步骤轨迹状态
type TraceStatus string

const (
	TraceSucceeded TraceStatus = "succeeded"
	TraceFailed    TraceStatus = "failed"
	TraceSkipped   TraceStatus = "skipped"
)

// StepTrace 单步执行轨迹；StepPath 形如 root.0.then.1
type StepTrace struct {
	StepPath      string                 `json:"step_path"`
	StepType      StepType               `json:"step_type"`
	Status        TraceStatus            `json:"status"`
	InputPayload  map[string]interface{} `json:"input_payload,omitempty"`
	OutputPayload map[string]interface{} `json:"output_payload,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
}
