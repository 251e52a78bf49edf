// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"os"
	"strings"

	apperrors "lowcode-platform/pkg/errors"
)

type envStore struct{}

// NewEnvStore 创建环境变量 secret store
func NewEnvStore() Store {
	return &envStore{}
}

func (e *envStore) Get(_ context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", apperrors.Ef(apperrors.KindNotFound, "environment variable not set: %s", key)
	}
	return value, nil
}

func (e *envStore) Set(_ context.Context, key string, value string) error {
	return os.Setenv(key, value)
}

func (e *envStore) Delete(_ context.Context, key string) error {
	return os.Unsetenv(key)
}

func (e *envStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, env := range os.Environ() {
		name, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
