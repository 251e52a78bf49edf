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

// Package errors 提供统一错误分类与辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别：handler 按类别映射 HTTP 状态码，orchestrator 按类别决定是否重试
type Kind string

const (
	KindValidation   Kind = "validation"   // 输入不合法，不可重试
	KindNotFound     Kind = "not_found"    // 资源不存在
	KindConflict     Kind = "conflict"     // 重复入队 / CAS 租约不匹配 / 唯一约束冲突
	KindUnauthorized Kind = "unauthorized" // 会话或 worker secret 缺失/错误
	KindForbidden    Kind = "forbidden"    // RBAC 拒绝
	KindRateLimited  Kind = "rate_limited" // 仅 HTTP 边界
	KindInternal     Kind = "internal"     // 存储/序列化/协调器故障，传输层可重试
)

// Error 带类别的错误；Unwrap 保留底层链
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E 构造指定类别的错误
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef 带格式的 E
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapKind 包装底层错误并标注类别
func WrapKind(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf 取错误类别；非 *Error 链返回 KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误链中是否含指定类别
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus 类别到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrInvalidArg = &Error{Kind: KindValidation, Msg: "invalid argument"}
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
