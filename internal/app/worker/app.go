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

package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lowcode-platform/pkg/auth"
	"lowcode-platform/pkg/config"
	"lowcode-platform/pkg/log"
	"lowcode-platform/pkg/secrets"

	"lowcode-platform/internal/lease"
	"lowcode-platform/internal/orchestrator"
	"lowcode-platform/internal/queue"
	"lowcode-platform/internal/workflow"
)

// App Worker 应用：数据面。元数据与队列直连存储执行；
// 配置 api_base_url 时认领/心跳改走控制面 worker HTTP 面。
type App struct {
	cfg    *config.Config
	logger *log.Logger
	runner *Runner

	metaPG      *workflow.PGStore
	queuePool   *pgxpool.Pool
	redisClient *redis.Client
}

// NewApp 装配 Worker 应用（由 cmd/worker 调用）
func NewApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	ctx := context.Background()

	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	var defs workflow.DefinitionStore
	var runs workflow.RunStore
	var audit workflow.AuditRepository
	mc := cfg.Storage.Metadata
	if mc.Type == "postgres" && mc.DSN != "" {
		pg, err := workflow.NewPGStore(ctx, mc.DSN, mc.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("初始化元数据存储(postgres): %w", err)
		}
		a.metaPG = pg
		defs, runs, audit = pg, pg, pg
	} else {
		mem := workflow.NewMemoryStore()
		defs, runs, audit = mem, mem, workflow.NewMemoryAuditRepository()
		logger.Warn("worker 使用内存元数据存储，仅适用于单进程调试")
	}

	queueStore, err := a.buildQueueStore(ctx, defs, runs)
	if err != nil {
		return nil, err
	}

	dispatcher := buildDispatcher(cfg)
	interp := workflow.NewInterpreter(workflow.NewMemoryRecordService(), dispatcher, logger)
	gate := auth.NewRBACGate(auth.NewSimpleRBACChecker(auth.NewMemoryRoleStore()))
	orch := orchestrator.New(defs, runs, queueStore, audit, gate, interp,
		config.ExecutionModeQueued, logger)

	source, err := a.buildJobSource(ctx, queueStore, workerID)
	if err != nil {
		return nil, err
	}
	coord, err := a.buildCoordinator()
	if err != nil {
		return nil, err
	}

	var partition *queue.Partition
	if cfg.Worker.PartitionCount > 0 {
		partition = &queue.Partition{Count: cfg.Worker.PartitionCount, Index: cfg.Worker.PartitionIndex}
	}
	a.runner = NewRunner(RunnerConfig{
		WorkerID:          workerID,
		ClaimLimit:        cfg.Worker.ClaimLimit,
		LeaseSeconds:      int(cfg.Worker.LeaseSeconds),
		PollInterval:      config.ParseDuration(cfg.Worker.PollInterval, 2*time.Second),
		HeartbeatInterval: config.ParseDuration(cfg.Worker.HeartbeatInterval, 10*time.Second),
		Partition:         partition,
	}, source, orch, coord, logger)
	return a, nil
}

func (a *App) buildQueueStore(ctx context.Context, defs workflow.DefinitionStore, runs workflow.RunStore) (queue.Store, error) {
	qc := a.cfg.Storage.Queue
	if qc.Type == "postgres" {
		dsn := qc.DSN
		if a.metaPG != nil && (dsn == "" || dsn == a.cfg.Storage.Metadata.DSN) {
			return queue.NewPGStore(ctx, a.metaPG.Pool())
		}
		if dsn == "" {
			return nil, fmt.Errorf("队列存储 postgres 需要 storage.queue.dsn")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("连接队列库: %w", err)
		}
		a.queuePool = pool
		return queue.NewPGStore(ctx, pool)
	}
	return queue.NewMemoryStore(defs, runs), nil
}

// buildJobSource api_base_url 配置时经控制面认领，否则直连队列存储
func (a *App) buildJobSource(ctx context.Context, queueStore queue.Store, workerID string) (JobSource, error) {
	if a.cfg.Worker.APIBaseURL == "" {
		return &storeSource{store: queueStore, workerID: workerID}, nil
	}
	store, err := secrets.NewStore(secrets.Config{
		Provider: a.cfg.Secrets.Provider,
		Config:   a.cfg.Secrets.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secrets provider: %w", err)
	}
	secret, err := secrets.Resolve(ctx, store, "WORKER_SHARED_SECRET", a.cfg.Worker.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("解析 worker 共享 secret: %w", err)
	}
	a.logger.Info("认领走控制面 worker HTTP 面", "api_base_url", a.cfg.Worker.APIBaseURL)
	return NewWorkerClient(a.cfg.Worker.APIBaseURL, secret, workerID, 0), nil
}

// buildCoordinator 分区租约协调器；backend=redis 时跨进程互斥
func (a *App) buildCoordinator() (lease.Coordinator, error) {
	lc := a.cfg.Workflow.Lease
	if lc.Backend == "redis" && lc.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			DB:       lc.Redis.DB,
			Password: lc.Redis.Password,
		})
		a.redisClient = client
		a.logger.Info("租约协调器使用 Redis 后端", "addr", lc.Redis.Addr)
		return lease.NewRedisCoordinator(client, ""), nil
	}
	return lease.NewMemoryCoordinator(), nil
}

func buildDispatcher(cfg *config.Config) workflow.ActionDispatcher {
	ic := cfg.Workflow.Integrations
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

// Run 阻塞运行 worker 主循环直到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	return a.runner.Run(ctx)
}

// Shutdown 释放存储连接
func (a *App) Shutdown(_ context.Context) error {
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.queuePool != nil {
		a.queuePool.Close()
	}
	if a.metaPG != nil {
		a.metaPG.Close()
	}
	return nil
}
