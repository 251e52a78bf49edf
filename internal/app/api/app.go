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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lowcode-platform/pkg/auth"
	"lowcode-platform/pkg/config"
	"lowcode-platform/pkg/log"
	"lowcode-platform/pkg/secrets"

	"lowcode-platform/internal/api/http"
	"lowcode-platform/internal/api/http/middleware"
	"lowcode-platform/internal/orchestrator"
	"lowcode-platform/internal/queue"
	"lowcode-platform/internal/statscache"
	"lowcode-platform/internal/workflow"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：控制面，租户 HTTP 面 + worker HTTP 面
type App struct {
	cfg    *config.Config
	logger *log.Logger
	router *http.Router
	hertz  *server.Hertz

	otelProvider otelProviderShutdown
	metaPG       *workflow.PGStore
	queuePool    *pgxpool.Pool
	redisClients []*redis.Client
}

// metadataStores 定义/run/审计三个端口的一组后端
type metadataStores struct {
	defs  workflow.DefinitionStore
	runs  workflow.RunStore
	audit workflow.AuditRepository
}

// NewApp 装配 API 应用（由 cmd/api 调用）
func NewApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	ctx := context.Background()

	meta, err := a.buildMetadataStores(ctx)
	if err != nil {
		return nil, err
	}
	queueStore, err := a.buildQueueStore(ctx, meta)
	if err != nil {
		return nil, err
	}

	records := workflow.NewMemoryRecordService()
	interp := workflow.NewInterpreter(records, a.buildDispatcher(), logger)

	checker := auth.NewSimpleRBACChecker(auth.NewMemoryRoleStore())
	gate := auth.NewRBACGate(checker)

	orch := orchestrator.New(meta.defs, meta.runs, queueStore, meta.audit, gate, interp,
		cfg.Workflow.ExecutionMode, logger)
	orch.SetTenantDirectory(auth.NewMemoryTenantDirectory())

	stats := a.buildStatsCache()
	handler := http.NewHandler(orch, queueStore, stats, cfg.Workflow.Worker)

	workerSecret, err := a.resolveWorkerSecret(ctx)
	if err != nil {
		logger.Warn("worker 共享 secret 未解析，worker 内部面将拒绝所有请求", "error", err)
	}

	mw := middleware.NewMiddleware()
	router := http.NewRouter(handler, mw, middleware.NewAuthZMiddleware(checker), workerSecret)
	if cfg.API.Middleware.RateLimit && cfg.API.Middleware.RateLimitRPS > 0 {
		router.SetRateLimit(float64(cfg.API.Middleware.RateLimitRPS), cfg.API.Middleware.RateLimitRPS)
	}
	if cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		timeout := config.ParseDuration(cfg.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := config.ParseDuration(cfg.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), timeout, maxRefresh)
		if err != nil {
			logger.Warn("JWT 初始化失败，将跳过认证", "error", err)
		} else {
			router.SetJWT(jwtAuth)
			logger.Info("JWT 认证已启用")
		}
	}
	a.router = router
	return a, nil
}

// buildMetadataStores 按配置装配定义/run/审计存储
func (a *App) buildMetadataStores(ctx context.Context) (*metadataStores, error) {
	mc := a.cfg.Storage.Metadata
	if mc.Type == "postgres" && mc.DSN != "" {
		pg, err := workflow.NewPGStore(ctx, mc.DSN, mc.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("初始化元数据存储(postgres): %w", err)
		}
		a.metaPG = pg
		a.logger.Info("元数据存储使用 PostgreSQL 后端")
		return &metadataStores{defs: pg, runs: pg, audit: pg}, nil
	}
	mem := workflow.NewMemoryStore()
	return &metadataStores{defs: mem, runs: mem, audit: workflow.NewMemoryAuditRepository()}, nil
}

// buildQueueStore 按配置装配队列；postgres 时与元数据共用或独立连接池
func (a *App) buildQueueStore(ctx context.Context, meta *metadataStores) (queue.Store, error) {
	qc := a.cfg.Storage.Queue
	if qc.Type == "postgres" {
		pool, err := a.queuePGPool(ctx, qc.DSN)
		if err != nil {
			return nil, err
		}
		pg, err := queue.NewPGStore(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("初始化队列存储(postgres): %w", err)
		}
		a.logger.Info("队列存储使用 PostgreSQL 后端")
		return pg, nil
	}
	return queue.NewMemoryStore(meta.defs, meta.runs), nil
}

func (a *App) queuePGPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if a.metaPG != nil && (dsn == "" || dsn == a.cfg.Storage.Metadata.DSN) {
		return a.metaPG.Pool(), nil
	}
	if dsn == "" {
		return nil, fmt.Errorf("队列存储 postgres 需要 storage.queue.dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接队列库: %w", err)
	}
	a.queuePool = pool
	return pool, nil
}

// buildDispatcher 集成 endpoint 有配置时装配 HTTP 分发器
func (a *App) buildDispatcher() workflow.ActionDispatcher {
	ic := a.cfg.Workflow.Integrations
	if ic.HTTPRequestURL == "" && ic.WebhookURL == "" && ic.EmailURL == "" {
		return nil
	}
	return workflow.NewHTTPDispatcher(workflow.HTTPDispatcherConfig{
		HTTPRequestURL: ic.HTTPRequestURL,
		WebhookURL:     ic.WebhookURL,
		EmailURL:       ic.EmailURL,
		Timeout:        config.ParseDuration(ic.Timeout, 10*time.Second),
	})
}

// buildStatsCache 装配两级统计缓存；backend=redis 时挂二级
func (a *App) buildStatsCache() *statscache.Cache {
	sc := a.cfg.Workflow.StatsCache
	ttl := time.Duration(sc.TTLSeconds) * time.Second
	var client *redis.Client
	if sc.Backend == "redis" && sc.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			DB:       sc.Redis.DB,
			Password: sc.Redis.Password,
		})
		a.redisClients = append(a.redisClients, client)
		a.logger.Info("统计缓存启用 Redis 二级", "addr", sc.Redis.Addr)
	}
	if client != nil {
		return statscache.New(ttl, client, a.logger)
	}
	return statscache.New(ttl, nil, a.logger)
}

// resolveWorkerSecret 经 secrets provider 解析 worker 共享 secret
func (a *App) resolveWorkerSecret(ctx context.Context) (string, error) {
	store, err := secrets.NewStore(secrets.Config{
		Provider: a.cfg.Secrets.Provider,
		Config:   a.cfg.Secrets.Config,
	})
	if err != nil {
		return "", err
	}
	return secrets.Resolve(ctx, store, "WORKER_SHARED_SECRET", a.cfg.Workflow.Worker.SharedSecret)
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.logger.Info("API 服务启动", "addr", addr, "execution_mode", a.cfg.Workflow.ExecutionMode)

	// Hertz 访问日志走 slog 扩展，与应用日志配置对齐
	output := os.Stdout
	if a.cfg.Log.File != "" {
		f, err := os.OpenFile(a.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(a.cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	tc := a.cfg.Monitoring.Tracing
	if tc.Enable {
		serviceName := tc.ServiceName
		if serviceName == "" {
			serviceName = "lowcode-api"
		}
		exportEndpoint := tc.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if tc.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时）
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	for _, c := range a.redisClients {
		_ = c.Close()
	}
	if a.queuePool != nil {
		a.queuePool.Close()
	}
	if a.metaPG != nil {
		a.metaPG.Close()
	}
	return nil
}
