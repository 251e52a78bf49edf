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

package queue

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 60 * time.Second
	backoffCap    = 15 * time.Minute
	backoffJitter = 0.2
)

// BackoffBase 第 attempt 次失败后的基础退避：min(60s·2^(n-1), 15min)
func BackoffBase(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Backoff 基础退避加 ±20% 抖动，避免重试风暴对齐
func Backoff(attempt int) time.Duration {
	base := BackoffBase(attempt)
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * jitter)
}
