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
	"time"

	apperrors "lowcode-platform/pkg/errors"
)

// TriggerType 触发器类型
type TriggerType string

const (
	TriggerRecordCreated TriggerType = "record_created"
	TriggerRecordUpdated TriggerType = "record_updated"
	TriggerRecordDeleted TriggerType = "record_deleted"
	TriggerSchedule      TriggerType = "schedule"
	TriggerManual        TriggerType = "manual"
)

// Trigger 触发器；Entity 仅 record 级变体使用，ScheduleKey 仅 schedule 使用
type Trigger struct {
	Type        TriggerType `json:"type"`
	Entity      string      `json:"entity,omitempty"`
	ScheduleKey string      `json:"schedule_key,omitempty"`
}

// IsRecordScoped 是否 record 级触发
func (t Trigger) IsRecordScoped() bool {
	switch t.Type {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted:
		return true
	}
	return false
}

// ActionType 动作类型（steps 为空时的单动作形态）
type ActionType string

const (
	ActionLogMessage          ActionType = "log_message"
	ActionCreateRuntimeRecord ActionType = "create_runtime_record"
)

// Action 单动作；Steps 非空时在解释阶段被 Steps 取代
type Action struct {
	Type    ActionType             `json:"type"`
	Message string                 `json:"message,omitempty"`
	Entity  string                 `json:"entity,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// StepType 步骤类型
type StepType string

const (
	StepLogMessage          StepType = "log_message"
	StepCreateRuntimeRecord StepType = "create_runtime_record"
	StepCondition           StepType = "condition"
)

// ConditionOperator 条件运算符
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "equals"
	OperatorNotEquals ConditionOperator = "not_equals"
	OperatorExists    ConditionOperator = "exists"
)

// Step 递归步骤节点；Condition 携带 then/else 子树
type Step struct {
	Type StepType `json:"type"`

	// log_message
	Message string `json:"message,omitempty"`

	// create_runtime_record
	EntityLogicalName string                 `json:"entity_logical_name,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`

	// condition
	FieldPath string            `json:"field_path,omitempty"`
	Operator  ConditionOperator `json:"operator,omitempty"`
	Value     interface{}       `json:"value,omitempty"`
	ThenSteps []Step            `json:"then_steps,omitempty"`
	ElseSteps []Step            `json:"else_steps,omitempty"`
	ThenLabel string            `json:"then_label,omitempty"`
	ElseLabel string            `json:"else_label,omitempty"`
}

// Definition workflow 定义；logical_name 租户内唯一
type Definition struct {
	TenantID    string    `json:"tenant_id"`
	LogicalName string    `json:"logical_name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Trigger     Trigger   `json:"trigger"`
	Action      Action    `json:"action"`
	Steps       []Step    `json:"steps,omitempty"`
	MaxAttempts int       `json:"max_attempts"`
	IsEnabled   bool      `json:"is_enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	// MaxAttemptsLimit max_attempts 上限
	MaxAttemptsLimit = 32
	// DefaultMaxAttempts max_attempts 缺省值
	DefaultMaxAttempts = 3
	// MaxStepDepth 条件嵌套深度上限；解释器为迭代遍历，深度在此校验阶段封顶
	MaxStepDepth = 8
)

// Normalize 填充缺省值
func (d *Definition) Normalize() {
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate 校验定义；违反约束返回 Validation 类别错误
func (d *Definition) Validate() error {
	if d.LogicalName == "" {
		return apperrors.E(apperrors.KindValidation, "logical_name is required")
	}
	if d.DisplayName == "" {
		return apperrors.E(apperrors.KindValidation, "display_name is required")
	}
	if d.MaxAttempts < 1 || d.MaxAttempts > MaxAttemptsLimit {
		return apperrors.Ef(apperrors.KindValidation, "max_attempts must be in [1, %d]", MaxAttemptsLimit)
	}
	switch d.Trigger.Type {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted:
		if d.Trigger.Entity == "" {
			return apperrors.E(apperrors.KindValidation, "record trigger requires entity")
		}
	case TriggerSchedule, TriggerManual:
		if d.Trigger.Entity != "" {
			return apperrors.E(apperrors.KindValidation, "trigger entity only allowed on record triggers")
		}
	default:
		return apperrors.Ef(apperrors.KindValidation, "unknown trigger type: %s", d.Trigger.Type)
	}
	switch d.Action.Type {
	case ActionLogMessage, ActionCreateRuntimeRecord:
	default:
		return apperrors.Ef(apperrors.KindValidation, "unknown action type: %s", d.Action.Type)
	}
	if d.Action.Type == ActionCreateRuntimeRecord && d.Action.Entity == "" {
		return apperrors.E(apperrors.KindValidation, "create_runtime_record action requires entity")
	}
	return validateSteps(d.Steps, 1)
}

func validateSteps(steps []Step, depth int) error {
	if depth > MaxStepDepth {
		return apperrors.Ef(apperrors.KindValidation, "step nesting exceeds depth %d", MaxStepDepth)
	}
	for i := range steps {
		s := &steps[i]
		switch s.Type {
		case StepLogMessage:
			if s.Message == "" {
				return apperrors.E(apperrors.KindValidation, "log_message step requires message")
			}
		case StepCreateRuntimeRecord:
			if s.EntityLogicalName == "" {
				return apperrors.E(apperrors.KindValidation, "create_runtime_record step requires entity_logical_name")
			}
		case StepCondition:
			if s.FieldPath == "" {
				return apperrors.E(apperrors.KindValidation, "condition step requires field_path")
			}
			switch s.Operator {
			case OperatorEquals, OperatorNotEquals, OperatorExists:
			default:
				return apperrors.Ef(apperrors.KindValidation, "unknown condition operator: %s", s.Operator)
			}
			if err := validateSteps(s.ThenSteps, depth+1); err != nil {
				return err
			}
			if err := validateSteps(s.ElseSteps, depth+1); err != nil {
				return err
			}
		default:
			return apperrors.Ef(apperrors.KindValidation, "unknown step type: %s", s.Type)
		}
	}
	return nil
}

// EffectiveSteps Steps 非空时返回 Steps，否则由 Action 合成单步
func (d *Definition) EffectiveSteps() []Step {
	if len(d.Steps) > 0 {
		return d.Steps
	}
	switch d.Action.Type {
	case ActionCreateRuntimeRecord:
		return []Step{{
			Type:              StepCreateRuntimeRecord,
			EntityLogicalName: d.Action.Entity,
			Data:              d.Action.Data,
		}}
	default:
		return []Step{{Type: StepLogMessage, Message: d.Action.Message}}
	}
}
