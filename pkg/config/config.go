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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ExecutionMode workflow 执行模式
const (
	ExecutionModeInline = "inline" // 调用方请求内同步执行
	ExecutionModeQueued = "queued" // 入队，由外部 Worker 驱动
)

// WorkflowConfig workflow 执行子系统配置
type WorkflowConfig struct {
	// ExecutionMode inline | queued；空默认 inline
	ExecutionMode string             `mapstructure:"execution_mode"`
	Worker        WorkflowWorker     `mapstructure:"worker"`
	StatsCache    StatsCacheConfig   `mapstructure:"stats_cache"`
	Lease         LeaseBackendConfig `mapstructure:"lease"`
	Integrations  IntegrationsConfig `mapstructure:"integrations"`
}

// IntegrationsConfig 集成分发下游 endpoint；全部为空时不装配分发器
type IntegrationsConfig struct {
	HTTPRequestURL string `mapstructure:"http_request_url"`
	WebhookURL     string `mapstructure:"webhook_url"`
	EmailURL       string `mapstructure:"email_url"`
	Timeout        string `mapstructure:"timeout"` // 如 "10s"
}

// WorkflowWorker worker 面契约的服务端参数
type WorkflowWorker struct {
	DefaultLeaseSeconds uint32 `mapstructure:"default_lease_seconds"` // <=0 默认 30
	MaxClaimLimit       int    `mapstructure:"max_claim_limit"`       // <=0 默认 16
	MaxPartitionCount   uint32 `mapstructure:"max_partition_count"`   // <=0 默认 64
	// SharedSecret worker 共享 secret；支持 ${ENV} 替换，也可经 secrets provider 解析
	SharedSecret string `mapstructure:"shared_secret"`
}

// StatsCacheConfig 队列统计缓存配置
type StatsCacheConfig struct {
	Backend    string      `mapstructure:"backend"`     // in_memory | redis；空默认 in_memory
	TTLSeconds uint32      `mapstructure:"ttl_seconds"` // 0 关闭缓存
	Redis      RedisConfig `mapstructure:"redis"`
}

// LeaseBackendConfig 租约协调器配置
type LeaseBackendConfig struct {
	Backend string      `mapstructure:"backend"` // memory | redis；空默认 memory
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	RateLimit     bool   `mapstructure:"rate_limit"`
	RateLimitRPS  int    `mapstructure:"rate_limit_rps"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// StorageConfig 存储配置
type StorageConfig struct {
	Metadata MetadataConfig `mapstructure:"metadata"` // 定义/运行/attempt/trace
	Queue    QueueConfig    `mapstructure:"queue"`    // 队列 job / heartbeat
}

// MetadataConfig 元数据存储配置
type MetadataConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// QueueConfig 队列存储配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`
}

// WorkerConfig Worker 进程配置（数据面）
type WorkerConfig struct {
	WorkerID          string `mapstructure:"worker_id"`          // 空则按主机名派生
	APIBaseURL        string `mapstructure:"api_base_url"`       // 控制面地址，如 http://localhost:8080
	SharedSecret      string `mapstructure:"shared_secret"`      // 与控制面一致的共享 secret
	ClaimLimit        int    `mapstructure:"claim_limit"`        // 每轮最多认领数
	LeaseSeconds      uint32 `mapstructure:"lease_seconds"`      // 认领租约时长
	PollInterval      string `mapstructure:"poll_interval"`      // 空队列时轮询间隔，如 "2s"
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // 心跳/续租间隔，如 "10s"
	PartitionCount    uint32 `mapstructure:"partition_count"`    // 0 表示不分区
	PartitionIndex    uint32 `mapstructure:"partition_index"`
}

// SecretsConfig secret provider 配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // env | memory | vault；空默认 env
	Config   map[string]string `mapstructure:"config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	applyDefaults(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// expandEnv 将 ${VAR} 形式的值替换为环境变量
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
			return val
		}
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量（DSN、secret、密码）
func replaceEnvVars(config *Config) {
	config.Storage.Metadata.DSN = expandEnv(config.Storage.Metadata.DSN)
	config.Storage.Queue.DSN = expandEnv(config.Storage.Queue.DSN)
	config.Workflow.Worker.SharedSecret = expandEnv(config.Workflow.Worker.SharedSecret)
	config.Workflow.StatsCache.Redis.Password = expandEnv(config.Workflow.StatsCache.Redis.Password)
	config.Workflow.Lease.Redis.Password = expandEnv(config.Workflow.Lease.Redis.Password)
	config.Worker.SharedSecret = expandEnv(config.Worker.SharedSecret)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
}

// applyDefaults 填充缺省值
func applyDefaults(config *Config) {
	if config.Workflow.ExecutionMode == "" {
		config.Workflow.ExecutionMode = ExecutionModeInline
	}
	if config.Workflow.Worker.DefaultLeaseSeconds == 0 {
		config.Workflow.Worker.DefaultLeaseSeconds = 30
	}
	if config.Workflow.Worker.MaxClaimLimit <= 0 {
		config.Workflow.Worker.MaxClaimLimit = 16
	}
	if config.Workflow.Worker.MaxPartitionCount == 0 {
		config.Workflow.Worker.MaxPartitionCount = 64
	}
	if config.Workflow.StatsCache.Backend == "" {
		config.Workflow.StatsCache.Backend = "in_memory"
	}
	if config.Workflow.Lease.Backend == "" {
		config.Workflow.Lease.Backend = "memory"
	}
	if config.Worker.ClaimLimit <= 0 {
		config.Worker.ClaimLimit = 4
	}
	if config.Worker.LeaseSeconds == 0 {
		config.Worker.LeaseSeconds = 30
	}
	if config.Worker.PollInterval == "" {
		config.Worker.PollInterval = "2s"
	}
	if config.Worker.HeartbeatInterval == "" {
		config.Worker.HeartbeatInterval = "10s"
	}
	if config.Secrets.Provider == "" {
		config.Secrets.Provider = "env"
	}
}

// validate 校验取值范围
func validate(config *Config) error {
	switch config.Workflow.ExecutionMode {
	case ExecutionModeInline, ExecutionModeQueued:
	default:
		return fmt.Errorf("workflow.execution_mode 非法: %q", config.Workflow.ExecutionMode)
	}
	switch config.Workflow.StatsCache.Backend {
	case "in_memory", "redis":
	default:
		return fmt.Errorf("workflow.stats_cache.backend 非法: %q", config.Workflow.StatsCache.Backend)
	}
	if config.Worker.PartitionCount > 0 && config.Worker.PartitionIndex >= config.Worker.PartitionCount {
		return fmt.Errorf("worker.partition_index %d 超出 partition_count %d",
			config.Worker.PartitionIndex, config.Worker.PartitionCount)
	}
	return nil
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
