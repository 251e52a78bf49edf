// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"fmt"
)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string            `yaml:"provider" mapstructure:"provider"` // vault | env | memory
	Config   map[string]string `yaml:"config" mapstructure:"config"`     // Provider-specific config
}

// NewStore 创建 Secret Store；API 用它解析 worker 共享 secret 等敏感配置
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// Resolve 读取 key 对应的 secret；fallback 非空时作为未配置 provider 的直接值
func Resolve(ctx context.Context, store Store, key string, fallback string) (string, error) {
	if fallback != "" {
		return fallback, nil
	}
	if store == nil {
		return "", fmt.Errorf("secret %s not configured", key)
	}
	return store.Get(ctx, key)
}
