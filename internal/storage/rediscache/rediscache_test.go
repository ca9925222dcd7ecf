package rediscache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	return New(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
}

func TestSetAndGetAll(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	assert.Equal(t, c.SetField(ctx, "42", "☁ a", "1"), nil)
	assert.Equal(t, c.SetField(ctx, "42", "☁ b", "2"), nil)
	assert.Equal(t, c.SetField(ctx, "99", "☁ a", "9"), nil)

	vars, err := c.GetAll(ctx, "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(vars), 2)
	assert.Equal(t, vars["☁ a"], "1")
	assert.Equal(t, vars["☁ b"], "2")
}

func TestDeleteField(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	assert.Equal(t, c.SetField(ctx, "42", "☁ a", "1"), nil)
	assert.Equal(t, c.DeleteField(ctx, "42", "☁ a"), nil)

	vars, err := c.GetAll(ctx, "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(vars), 0)
}

func TestRename(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	assert.Equal(t, c.SetField(ctx, "42", "☁ a", "5"), nil)
	assert.Equal(t, c.Rename(ctx, "42", "☁ a", "☁ b", "5"), nil)

	vars, err := c.GetAll(ctx, "42")
	assert.Equal(t, err, nil)
	_, hasOld := vars["☁ a"]
	assert.Equal(t, hasOld, false)
	assert.Equal(t, vars["☁ b"], "5")
}

// Renaming a variable to its own name must keep the value: the delete
// half of the move runs before the insert, never after it.
func TestRenameSameName(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	assert.Equal(t, c.SetField(ctx, "42", "☁ a", "5"), nil)
	assert.Equal(t, c.Rename(ctx, "42", "☁ a", "☁ a", "5"), nil)

	vars, err := c.GetAll(ctx, "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, vars["☁ a"], "5")
}

func TestPutAllReplacesHash(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	assert.Equal(t, c.SetField(ctx, "42", "☁ stale", "0"), nil)
	assert.Equal(t, c.PutAll(ctx, "42", map[string]string{"☁ a": "1", "☁ b": "2"}), nil)

	vars, err := c.GetAll(ctx, "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(vars), 2)
	assert.Equal(t, vars["☁ a"], "1")

	assert.Equal(t, c.PutAll(ctx, "42", map[string]string{}), nil)
	vars, err = c.GetAll(ctx, "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(vars), 0)
}
