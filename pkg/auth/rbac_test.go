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

package auth

import (
	"context"
	"testing"

	apperrors "lowcode-platform/pkg/errors"
)

func TestHasPermission(t *testing.T) {
	if !HasPermission(RoleAdmin, PermissionMetadataFieldWrite) {
		t.Error("admin should have metadata write")
	}
	if HasPermission(RoleAuditor, PermissionMetadataFieldWrite) {
		t.Error("auditor should not have metadata write")
	}
	if !HasPermission(RoleAuditor, PermissionAuditView) {
		t.Error("auditor should have audit view")
	}
	if HasPermission(Role("unknown"), PermissionMetadataFieldRead) {
		t.Error("unknown role should have no permissions")
	}
}

func TestSimpleRBACChecker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoleStore()
	checker := NewSimpleRBACChecker(store)

	// 未分配角色时默认 RoleUser
	ok, err := checker.CheckPermission(ctx, "t1", "u1", PermissionMetadataFieldWrite, "")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if ok {
		t.Error("default user should not have metadata write")
	}

	if err := checker.AssignRole(ctx, "t1", "u1", RoleMaker); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	ok, _ = checker.CheckPermission(ctx, "t1", "u1", PermissionMetadataFieldWrite, "")
	if !ok {
		t.Error("maker should have metadata write")
	}

	// 角色按租户隔离
	ok, _ = checker.CheckPermission(ctx, "t2", "u1", PermissionMetadataFieldWrite, "")
	if ok {
		t.Error("role assignment should not leak across tenants")
	}
}

func TestRBACGate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoleStore()
	gate := NewRBACGate(NewSimpleRBACChecker(store))

	err := gate.RequirePermission(ctx, "t1", "u1", PermissionMetadataFieldWrite)
	if !apperrors.IsKind(err, apperrors.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}

	_ = store.SetUserRole(ctx, "t1", "u1", RoleAdmin)
	if err := gate.RequirePermission(ctx, "t1", "u1", PermissionMetadataFieldWrite); err != nil {
		t.Errorf("admin should pass: %v", err)
	}

	// worker 主体在 HTTP 边界认证，门内直接放行
	if err := gate.RequirePermission(ctx, "t1", WorkerSubjectPrefix+"w-1", PermissionMetadataFieldWrite); err != nil {
		t.Errorf("worker subject should pass: %v", err)
	}
}

func TestActorContext(t *testing.T) {
	ctx := WithUserID(WithTenantID(context.Background(), "t1"), "u1")
	actor := ActorFromContext(ctx)
	if actor.TenantID != "t1" || actor.Subject != "u1" {
		t.Errorf("ActorFromContext: %+v", actor)
	}
	w := WorkerActor("t1", "w-9")
	if !IsWorkerSubject(w.Subject) {
		t.Errorf("WorkerActor subject should be worker: %q", w.Subject)
	}
}
