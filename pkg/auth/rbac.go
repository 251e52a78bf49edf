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

	apperrors "lowcode-platform/pkg/errors"
)

// Permission 权限
type Permission string

const (
	PermissionMetadataFieldRead  Permission = "metadata_field:read"  // 查看定义 / 运行记录
	PermissionMetadataFieldWrite Permission = "metadata_field:write" // 保存定义 / 手动执行
	PermissionRuntimeRecordRead  Permission = "runtime_record:read"
	PermissionRuntimeRecordWrite Permission = "runtime_record:write"
	PermissionAuditView          Permission = "audit:view"
)

// Role 角色
type Role string

const (
	RoleAdmin    Role = "admin"    // 全部权限
	RoleMaker    Role = "maker"    // 元数据读写 + 运行记录读写
	RoleOperator Role = "operator" // 元数据读 + 运行记录读写
	RoleAuditor  Role = "auditor"  // 只读 + 审计查看
	RoleUser     Role = "user"     // 运行记录读写
)

// RolePermissions 角色与权限映射
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionMetadataFieldRead,
		PermissionMetadataFieldWrite,
		PermissionRuntimeRecordRead,
		PermissionRuntimeRecordWrite,
		PermissionAuditView,
	},
	RoleMaker: {
		PermissionMetadataFieldRead,
		PermissionMetadataFieldWrite,
		PermissionRuntimeRecordRead,
		PermissionRuntimeRecordWrite,
	},
	RoleOperator: {
		PermissionMetadataFieldRead,
		PermissionRuntimeRecordRead,
		PermissionRuntimeRecordWrite,
	},
	RoleAuditor: {
		PermissionMetadataFieldRead,
		PermissionRuntimeRecordRead,
		PermissionAuditView,
	},
	RoleUser: {
		PermissionRuntimeRecordRead,
		PermissionRuntimeRecordWrite,
	},
}

// RBACChecker RBAC 权限检查器接口
type RBACChecker interface {
	// CheckPermission 检查用户是否有权限访问资源
	CheckPermission(ctx context.Context, tenantID string, userID string, permission Permission, resourceID string) (bool, error)

	// GetUserRole 获取用户在租户中的角色
	GetUserRole(ctx context.Context, tenantID string, userID string) (Role, error)

	// AssignRole 分配角色给用户
	AssignRole(ctx context.Context, tenantID string, userID string, role Role) error
}

// HasPermission 检查角色是否包含指定权限
func HasPermission(role Role, permission Permission) bool {
	permissions, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// SimpleRBACChecker 基于 RoleStore 的 RBAC 实现
type SimpleRBACChecker struct {
	roleStore RoleStore
}

// RoleStore 角色存储接口
type RoleStore interface {
	GetUserRole(ctx context.Context, tenantID string, userID string) (Role, error)
	SetUserRole(ctx context.Context, tenantID string, userID string, role Role) error
}

// NewSimpleRBACChecker 创建简单 RBAC 检查器
func NewSimpleRBACChecker(roleStore RoleStore) *SimpleRBACChecker {
	return &SimpleRBACChecker{roleStore: roleStore}
}

// CheckPermission 实现 RBACChecker 接口
func (c *SimpleRBACChecker) CheckPermission(ctx context.Context, tenantID string, userID string, permission Permission, resourceID string) (bool, error) {
	role, err := c.roleStore.GetUserRole(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	return HasPermission(role, permission), nil
}

// GetUserRole 实现 RBACChecker 接口
func (c *SimpleRBACChecker) GetUserRole(ctx context.Context, tenantID string, userID string) (Role, error) {
	return c.roleStore.GetUserRole(ctx, tenantID, userID)
}

// AssignRole 实现 RBACChecker 接口
func (c *SimpleRBACChecker) AssignRole(ctx context.Context, tenantID string, userID string, role Role) error {
	return c.roleStore.SetUserRole(ctx, tenantID, userID, role)
}

// Gate 授权门：orchestrator 在每个公开操作入口调用 RequirePermission
type Gate interface {
	RequirePermission(ctx context.Context, tenantID string, subject string, permission Permission) error
	HasPermission(ctx context.Context, tenantID string, subject string, permission Permission) (bool, error)
}

// RBACGate 基于 RBACChecker 的 Gate 实现；worker 主体（workflow-worker: 前缀）跳过逐权限检查，
// 其认证在 HTTP 边界由共享 secret 完成
type RBACGate struct {
	rbac RBACChecker
}

// NewRBACGate 创建授权门
func NewRBACGate(rbac RBACChecker) *RBACGate {
	return &RBACGate{rbac: rbac}
}

// WorkerSubjectPrefix worker 主体前缀
const WorkerSubjectPrefix = "workflow-worker:"

// IsWorkerSubject 判断主体是否为 worker 身份
func IsWorkerSubject(subject string) bool {
	return len(subject) > len(WorkerSubjectPrefix) && subject[:len(WorkerSubjectPrefix)] == WorkerSubjectPrefix
}

// RequirePermission 权限不足时返回 Forbidden 类别错误
func (g *RBACGate) RequirePermission(ctx context.Context, tenantID string, subject string, permission Permission) error {
	ok, err := g.HasPermission(ctx, tenantID, subject, permission)
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInternal, err, "check permission")
	}
	if !ok {
		return apperrors.Ef(apperrors.KindForbidden, "permission denied: %s", permission)
	}
	return nil
}

// HasPermission 实现 Gate 接口
func (g *RBACGate) HasPermission(ctx context.Context, tenantID string, subject string, permission Permission) (bool, error) {
	if IsWorkerSubject(subject) {
		return true, nil
	}
	return g.rbac.CheckPermission(ctx, tenantID, subject, permission, "")
}
