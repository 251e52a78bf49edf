// Copyright 2026 fanjia1024

package workflow

import (
	"testing"

	apperrors "lowcode-platform/pkg/errors"
)

func validDefinition() *Definition {
	return &Definition{
		TenantID:    "tenant-a",
		LogicalName: "on_order_created",
		DisplayName: "订单创建后处理",
		Trigger:     Trigger{Type: TriggerRecordCreated, Entity: "order"},
		Action:      Action{Type: ActionLogMessage, Message: "order created"},
		MaxAttempts: 3,
		IsEnabled:   true,
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr bool
	}{
		{name: "valid", mutate: func(d *Definition) {}},
		{name: "missing logical name", mutate: func(d *Definition) { d.LogicalName = "" }, wantErr: true},
		{name: "missing display name", mutate: func(d *Definition) { d.DisplayName = "" }, wantErr: true},
		{name: "max attempts zero", mutate: func(d *Definition) { d.MaxAttempts = 0 }, wantErr: true},
		{name: "max attempts over limit", mutate: func(d *Definition) { d.MaxAttempts = 33 }, wantErr: true},
		{name: "record trigger without entity", mutate: func(d *Definition) { d.Trigger.Entity = "" }, wantErr: true},
		{name: "manual trigger with entity", mutate: func(d *Definition) {
			d.Trigger = Trigger{Type: TriggerManual, Entity: "order"}
		}, wantErr: true},
		{name: "schedule trigger", mutate: func(d *Definition) {
			d.Trigger = Trigger{Type: TriggerSchedule, ScheduleKey: "hourly"}
		}},
		{name: "unknown trigger", mutate: func(d *Definition) { d.Trigger = Trigger{Type: "bogus"} }, wantErr: true},
		{name: "create record action without entity", mutate: func(d *Definition) {
			d.Action = Action{Type: ActionCreateRuntimeRecord}
		}, wantErr: true},
		{name: "condition without operator", mutate: func(d *Definition) {
			d.Steps = []Step{{Type: StepCondition, FieldPath: "status"}}
		}, wantErr: true},
		{name: "empty log step message", mutate: func(d *Definition) {
			d.Steps = []Step{{Type: StepLogMessage}}
		}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := validDefinition()
			tc.mutate(d)
			err := d.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !apperrors.IsKind(err, apperrors.KindValidation) {
					t.Fatalf("kind = %v, want validation", apperrors.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDefinitionValidateNestingDepth(t *testing.T) {
	leaf := Step{Type: StepLogMessage, Message: "leaf"}
	nested := leaf
	for i := 0; i < MaxStepDepth; i++ {
		nested = Step{
			Type:      StepCondition,
			FieldPath: "status",
			Operator:  OperatorExists,
			ThenSteps: []Step{nested},
		}
	}
	d := validDefinition()
	d.Steps = []Step{nested}
	if err := d.Validate(); err == nil {
		t.Fatal("expected depth violation")
	}

	// 深度恰好等于上限时合法
	nested = leaf
	for i := 0; i < MaxStepDepth-1; i++ {
		nested = Step{Type: StepCondition, FieldPath: "status", Operator: OperatorExists, ThenSteps: []Step{nested}}
	}
	d.Steps = []Step{nested}
	if err := d.Validate(); err != nil {
		t.Fatalf("depth at limit should pass: %v", err)
	}
}

func TestEffectiveSteps(t *testing.T) {
	d := validDefinition()
	steps := d.EffectiveSteps()
	if len(steps) != 1 || steps[0].Type != StepLogMessage || steps[0].Message != "order created" {
		t.Fatalf("synthesized step = %+v", steps)
	}

	d.Action = Action{Type: ActionCreateRuntimeRecord, Entity: "task", Data: map[string]interface{}{"k": "v"}}
	steps = d.EffectiveSteps()
	if steps[0].Type != StepCreateRuntimeRecord || steps[0].EntityLogicalName != "task" {
		t.Fatalf("synthesized step = %+v", steps)
	}

	d.Steps = []Step{{Type: StepLogMessage, Message: "explicit"}}
	steps = d.EffectiveSteps()
	if steps[0].Message != "explicit" {
		t.Fatal("explicit steps should win over action")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	d := validDefinition()
	d.MaxAttempts = 0
	d.Normalize()
	if d.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("max_attempts = %d, want %d", d.MaxAttempts, DefaultMaxAttempts)
	}
}
