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
	"fmt"
	"reflect"
	"strings"
	"time"

	"lowcode-platform/pkg/auth"
	apperrors "lowcode-platform/pkg/errors"
	"lowcode-platform/pkg/log"
	"lowcode-platform/pkg/metrics"
)

// Interpreter 按定义顺序执行步骤树。
// 遍历为显式栈迭代，深度上限由 Definition.Validate 保证。
type Interpreter struct {
	records    RuntimeRecordService
	dispatcher ActionDispatcher
	logger     *log.Logger
}

// NewInterpreter 创建解释器；dispatcher 可为 nil，此时集成实体步骤失败
func NewInterpreter(records RuntimeRecordService, dispatcher ActionDispatcher, logger *log.Logger) *Interpreter {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Interpreter{records: records, dispatcher: dispatcher, logger: logger}
}

type stepFrame struct {
	step Step
	path string
}

// Execute 执行一次 attempt 的全部步骤。
// 返回按执行顺序的轨迹；首个失败步骤之后的兄弟与后继不再执行，err 非 nil。
func (it *Interpreter) Execute(ctx context.Context, actor auth.Actor, def *Definition, run *Run) ([]StepTrace, error) {
	steps := def.EffectiveSteps()
	stack := make([]stepFrame, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		stack = append(stack, stepFrame{step: steps[i], path: fmt.Sprintf("root.%d", i)})
	}

	var traces []StepTrace
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return traces, apperrors.WrapKind(apperrors.KindInternal, err, "execution canceled")
		}
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		trace, children := it.executeStep(ctx, actor, def, run, frame)
		traces = append(traces, trace)
		metrics.StepDuration.WithLabelValues(string(frame.step.Type)).Observe(float64(trace.DurationMS) / 1000)
		if trace.Status == TraceFailed {
			return traces, apperrors.Ef(apperrors.KindInternal, "step %s failed: %s", trace.StepPath, trace.ErrorMessage)
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return traces, nil
}

// executeStep 执行单步并返回轨迹；条件步骤返回选中分支的子帧
func (it *Interpreter) executeStep(ctx context.Context, actor auth.Actor, def *Definition, run *Run, frame stepFrame) (StepTrace, []stepFrame) {
	start := time.Now()
	input := buildStepInput(run, frame.path)
	trace := StepTrace{
		StepPath:     frame.path,
		StepType:     frame.step.Type,
		Status:       TraceSucceeded,
		InputPayload: input,
	}

	var children []stepFrame
	switch frame.step.Type {
	case StepLogMessage:
		it.logger.Info("workflow step",
			"tenant_id", run.TenantID,
			"run_id", run.RunID,
			"step_path", frame.path,
			"message", frame.step.Message,
		)
		trace.OutputPayload = map[string]interface{}{"message": frame.step.Message}

	case StepCreateRuntimeRecord:
		trace.OutputPayload, trace.ErrorMessage = it.createRecord(ctx, actor, run, frame)
		if trace.ErrorMessage != "" {
			trace.Status = TraceFailed
		}

	case StepCondition:
		branch, label, branchSteps := evaluateCondition(frame.step, run.TriggerPayload)
		trace.OutputPayload = map[string]interface{}{"branch": branch}
		if label != "" {
			trace.OutputPayload["branch_label"] = label
		}
		for i, child := range branchSteps {
			children = append(children, stepFrame{
				step: child,
				path: fmt.Sprintf("%s.%s.%d", frame.path, branch, i),
			})
		}

	default:
		trace.Status = TraceFailed
		trace.ErrorMessage = fmt.Sprintf("unknown step type: %s", frame.step.Type)
	}

	trace.DurationMS = time.Since(start).Milliseconds()
	return trace, children
}

func (it *Interpreter) createRecord(ctx context.Context, actor auth.Actor, run *Run, frame stepFrame) (map[string]interface{}, string) {
	entity := frame.step.EntityLogicalName
	if dispatchType, ok := IntegrationDispatchType(entity); ok {
		if it.dispatcher == nil {
			return nil, fmt.Sprintf("no dispatcher configured for %s", dispatchType)
		}
		err := it.dispatcher.DispatchAction(ctx, DispatchRequest{
			TenantID:       run.TenantID,
			RunID:          run.RunID,
			StepPath:       frame.path,
			Type:           dispatchType,
			IdempotencyKey: run.RunID + ":" + frame.path,
			Payload:        frame.step.Data,
		})
		if err != nil {
			return nil, err.Error()
		}
		return map[string]interface{}{
			"entity_logical_name": entity,
			"dispatch_type":       string(dispatchType),
			"idempotency_key":     run.RunID + ":" + frame.path,
		}, ""
	}

	if it.records == nil {
		return nil, "runtime record service unavailable"
	}
	recordID, err := it.records.CreateRecordUnchecked(ctx, actor, entity, frame.step.Data)
	if err != nil {
		return nil, err.Error()
	}
	return map[string]interface{}{
		"entity_logical_name": entity,
		"record_id":           recordID,
	}, ""
}

// buildStepInput 步骤输入 = 触发 payload 叠加 _run_id/_step_path
func buildStepInput(run *Run, path string) map[string]interface{} {
	input := make(map[string]interface{}, len(run.TriggerPayload)+2)
	for k, v := range run.TriggerPayload {
		input[k] = v
	}
	input["_run_id"] = run.RunID
	input["_step_path"] = path
	return input
}

// evaluateCondition 求值并返回选中分支名、标签与子步骤
func evaluateCondition(s Step, payload map[string]interface{}) (string, string, []Step) {
	value, found := lookupPath(payload, s.FieldPath)
	var taken bool
	switch s.Operator {
	case OperatorExists:
		taken = found && value != nil
	case OperatorEquals:
		// 缺失字段按 null 求值：Equals(missing, null) 为真
		taken = looseEqual(value, s.Value)
	case OperatorNotEquals:
		taken = !looseEqual(value, s.Value)
	}
	if taken {
		return "then", s.ThenLabel, s.ThenSteps
	}
	return "else", s.ElseLabel, s.ElseSteps
}

// lookupPath 按点分路径深入嵌套 map
func lookupPath(payload map[string]interface{}, path string) (interface{}, bool) {
	cur := interface{}(payload)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual 数值跨类型按 float64 比较，JSON 解码来源不区分 int/float；
// 对象与数组按深度相等比较
func looseEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
