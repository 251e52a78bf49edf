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

package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(E(KindConflict, "dup")) != KindConflict {
		t.Error("KindOf should return KindConflict")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain error should classify as internal")
	}
	wrapped := Wrap(E(KindNotFound, "missing run"), "load")
	if KindOf(wrapped) != KindNotFound {
		t.Error("Kind should survive fmt wrapping")
	}
}

func TestWrapKind(t *testing.T) {
	if WrapKind(KindInternal, nil, "x") != nil {
		t.Error("WrapKind(nil) should return nil")
	}
	base := errors.New("pg down")
	err := WrapKind(KindInternal, base, "claim jobs")
	if !errors.Is(err, base) {
		t.Error("WrapKind should preserve the chain")
	}
	if !IsKind(err, KindInternal) {
		t.Error("IsKind should match")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:   http.StatusBadRequest,
		KindNotFound:     http.StatusNotFound,
		KindConflict:     http.StatusConflict,
		KindUnauthorized: http.StatusUnauthorized,
		KindForbidden:    http.StatusForbidden,
		KindRateLimited:  http.StatusTooManyRequests,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(E(kind, "x")); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestSentinels(t *testing.T) {
	if !IsKind(ErrNotFound, KindNotFound) {
		t.Error("ErrNotFound should be KindNotFound")
	}
	if !IsKind(ErrInvalidArg, KindValidation) {
		t.Error("ErrInvalidArg should be KindValidation")
	}
}
