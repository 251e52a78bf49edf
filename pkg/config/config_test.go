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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.Workflow.ExecutionMode != ExecutionModeInline {
		t.Errorf("execution_mode default = %q, want inline", cfg.Workflow.ExecutionMode)
	}
	if cfg.Workflow.Worker.DefaultLeaseSeconds != 30 {
		t.Errorf("default_lease_seconds = %d, want 30", cfg.Workflow.Worker.DefaultLeaseSeconds)
	}
	if cfg.Workflow.Worker.MaxClaimLimit != 16 {
		t.Errorf("max_claim_limit = %d, want 16", cfg.Workflow.Worker.MaxClaimLimit)
	}
	if cfg.Workflow.Worker.MaxPartitionCount != 64 {
		t.Errorf("max_partition_count = %d, want 64", cfg.Workflow.Worker.MaxPartitionCount)
	}
	if cfg.Workflow.StatsCache.Backend != "in_memory" {
		t.Errorf("stats_cache.backend = %q, want in_memory", cfg.Workflow.StatsCache.Backend)
	}
	if cfg.Worker.PollInterval != "2s" || cfg.Worker.HeartbeatInterval != "10s" {
		t.Errorf("worker intervals = %q/%q", cfg.Worker.PollInterval, cfg.Worker.HeartbeatInterval)
	}
	if cfg.Secrets.Provider != "env" {
		t.Errorf("secrets.provider = %q, want env", cfg.Secrets.Provider)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var cfg Config
		applyDefaults(&cfg)
		return &cfg
	}

	if err := validate(base()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg := base()
	cfg.Workflow.ExecutionMode = "batch"
	if err := validate(cfg); err == nil {
		t.Error("invalid execution_mode accepted")
	}

	cfg = base()
	cfg.Workflow.StatsCache.Backend = "memcached"
	if err := validate(cfg); err == nil {
		t.Error("invalid stats_cache.backend accepted")
	}

	cfg = base()
	cfg.Worker.PartitionCount = 2
	cfg.Worker.PartitionIndex = 2
	if err := validate(cfg); err == nil {
		t.Error("partition_index >= partition_count accepted")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_SECRET", "s3cret")

	if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "s3cret" {
		t.Errorf("expandEnv = %q, want s3cret", got)
	}
	if got := expandEnv("plain-value"); got != "plain-value" {
		t.Errorf("plain value rewritten: %q", got)
	}
	// 未设置的变量保留原样
	if got := expandEnv("${CONFIG_TEST_MISSING}"); got != "${CONFIG_TEST_MISSING}" {
		t.Errorf("missing env expanded to %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("90s", time.Second); got != 90*time.Second {
		t.Errorf("ParseDuration(90s) = %v", got)
	}
	if got := ParseDuration("", 5*time.Second); got != 5*time.Second {
		t.Errorf("empty default = %v", got)
	}
	if got := ParseDuration("not-a-duration", 5*time.Second); got != 5*time.Second {
		t.Errorf("invalid default = %v", got)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CONFIG_TEST_DSN", "postgres://localhost/wf")

	path := filepath.Join(t.TempDir(), "api.yaml")
	content := []byte(`
workflow:
  execution_mode: "queued"
  worker:
    shared_secret: "topsecret"
storage:
  metadata:
    type: "postgres"
    dsn: "${CONFIG_TEST_DSN}"
log:
  level: "debug"
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Workflow.ExecutionMode != ExecutionModeQueued {
		t.Errorf("execution_mode = %q", cfg.Workflow.ExecutionMode)
	}
	if cfg.Storage.Metadata.DSN != "postgres://localhost/wf" {
		t.Errorf("dsn env not expanded: %q", cfg.Storage.Metadata.DSN)
	}
	if cfg.Workflow.Worker.SharedSecret != "topsecret" {
		t.Errorf("shared_secret = %q", cfg.Workflow.Worker.SharedSecret)
	}
	// 未指定的键落缺省值
	if cfg.Workflow.Worker.MaxClaimLimit != 16 {
		t.Errorf("max_claim_limit default = %d", cfg.Workflow.Worker.MaxClaimLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}
