// Package rediscache implements the store.FieldCache contract on a
// Redis hash per resource, the gateway's primary live-state path.
package rediscache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Cache holds one hash per resource under "cloudvar:<resource id>".
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func key(resourceID string) string {
	return "cloudvar:" + resourceID
}

func (c *Cache) GetAll(ctx context.Context, resourceID string) (map[string]string, error) {
	vars, err := c.rdb.HGetAll(ctx, key(resourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", resourceID, err)
	}
	return vars, nil
}

func (c *Cache) SetField(ctx context.Context, resourceID, name, value string) error {
	if err := c.rdb.HSet(ctx, key(resourceID), name, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", resourceID, err)
	}
	return nil
}

func (c *Cache) DeleteField(ctx context.Context, resourceID, name string) error {
	if err := c.rdb.HDel(ctx, key(resourceID), name).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", resourceID, err)
	}
	return nil
}

// Rename removes the old field and inserts the new one in a MULTI/EXEC
// transaction so no reader observes the half-moved state. The delete
// runs first: with the reverse order a rename to the same name would
// delete the field it just wrote.
func (c *Cache) Rename(ctx context.Context, resourceID, oldName, newName, value string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HDel(ctx, key(resourceID), oldName)
	pipe.HSet(ctx, key(resourceID), newName, value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rename in %s: %w", resourceID, err)
	}
	return nil
}

// PutAll replaces the whole hash, used when warming the cache from a
// durable snapshot.
func (c *Cache) PutAll(ctx context.Context, resourceID string, vars map[string]string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key(resourceID))
	if len(vars) > 0 {
		flat := make([]any, 0, len(vars)*2)
		for k, v := range vars {
			flat = append(flat, k, v)
		}
		pipe.HSet(ctx, key(resourceID), flat...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("putall %s: %w", resourceID, err)
	}
	return nil
}
