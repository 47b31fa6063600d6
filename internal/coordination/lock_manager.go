// internal/coordination/lock_manager.go
package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crypto-market-sync/pkg/logger"
)

// lockPrefix — общий префикс ключей блокировок, позволяет перечислять их через SCAN
const lockPrefix = "lock:"

// lockCache — подмножество кеша, необходимое для блокировок
type lockCache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, expected string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// LockManager — распределённые блокировки поверх Redis.
// Захват — SET NX EX со случайным токеном владельца, освобождение — атомарное
// сравнение токена. Истечение TTL — единственный безусловный способ снять блокировку.
type LockManager struct {
	cache    lockCache
	newToken func() string // генератор токенов, подменяется в тестах
}

// NewLockManager создает менеджер блокировок
func NewLockManager(cache lockCache) *LockManager {
	return &LockManager{
		cache:    cache,
		newToken: uuid.NewString,
	}
}

// Acquire пытается захватить блокировку на ttl.
// Возвращает токен владельца и признак успеха. Отказ — не ошибка:
// ключ уже занят другим процессом, работу делает он.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := m.newToken()

	ok, err := m.cache.SetNX(ctx, lockPrefix+key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// Release снимает блокировку, только если токен совпадает с сохранённым.
// Чужая или уже перехваченная после истечения TTL блокировка остаётся нетронутой.
func (m *LockManager) Release(ctx context.Context, key string, token string) error {
	if _, err := m.cache.CompareAndDelete(ctx, lockPrefix+key, token); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	return nil
}

// WithLock выполняет fn под блокировкой key.
// Возвращает false без ошибки, если блокировка занята — вызывающий пропускает
// эту единицу работы. Блокировка снимается и при ошибке fn.
func (m *LockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	token, ok, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil
	}

	defer func() {
		// освобождаем на свежем контексте: исходный мог быть уже отменён
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.Release(releaseCtx, key, token); err != nil {
			logger.Warn("⚠️ Не удалось снять блокировку %s: %v", key, err)
		}
	}()

	return true, fn(ctx)
}

// ActiveLocks возвращает ключи активных блокировок без префикса (для диагностики)
func (m *LockManager) ActiveLocks(ctx context.Context) ([]string, error) {
	keys, err := m.cache.Keys(ctx, lockPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}

	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, lockPrefix))
	}

	return names, nil
}
