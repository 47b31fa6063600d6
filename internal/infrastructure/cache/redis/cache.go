// internal/infrastructure/cache/redis/cache.go
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache — обёртка над Redis с префиксом ключей и JSON-сериализацией.
// Единственная точка обмена данными между потоковым и опрашивающим контекстами.
type Cache struct {
	client *redis.Client
	prefix string
}

// NewCacheWithClient создает Cache с существующим клиентом
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{
		client: client,
		prefix: "marketsync:",
	}
}

// compareAndDelete удаляет ключ, только если его значение совпадает с ожидаемым.
// Нужен для освобождения блокировок строго владельцем.
var compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Set устанавливает значение с TTL (0 — без истечения)
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

// Get получает значение и десериализует его в dest.
// Возвращает redis.Nil, если ключа нет.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), dest)
}

// Delete удаляет ключ
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// DeleteMulti удаляет несколько ключей
func (c *Cache) DeleteMulti(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = c.prefix + key
	}

	return c.client.Del(ctx, fullKeys...).Err()
}

// SetNX устанавливает значение, только если ключа ещё нет.
// Возвращает true, если значение установлено этим вызовом.
func (c *Cache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, value, ttl).Result()
}

// CompareAndDelete удаляет ключ только при совпадении значения.
// Возвращает true, если ключ был удалён.
func (c *Cache) CompareAndDelete(ctx context.Context, key string, expected string) (bool, error) {
	res, err := compareAndDelete.Run(ctx, c.client, []string{c.prefix + key}, expected).Result()
	if err != nil {
		return false, err
	}

	deleted, ok := res.(int64)
	return ok && deleted > 0, nil
}

// Keys возвращает ключи по шаблону (без префикса) через SCAN
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.prefix+pattern, 100).Result()
		if err != nil {
			return nil, err
		}

		for _, k := range batch {
			keys = append(keys, k[len(c.prefix):])
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// IsNotFound сообщает, означает ли ошибка отсутствие ключа
func IsNotFound(err error) bool {
	return err == redis.Nil
}
