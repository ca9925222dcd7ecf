package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type memCache struct {
	mu      sync.Mutex
	data    map[string]map[string]string
	failing bool
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]map[string]string)}
}

func (c *memCache) resource(id string) map[string]string {
	m, ok := c.data[id]
	if !ok {
		m = make(map[string]string)
		c.data[id] = m
	}
	return m
}

func (c *memCache) GetAll(_ context.Context, id string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return nil, errors.New("cache down")
	}
	out := make(map[string]string, len(c.data[id]))
	for k, v := range c.data[id] {
		out[k] = v
	}
	return out, nil
}

func (c *memCache) SetField(_ context.Context, id, name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache down")
	}
	c.resource(id)[name] = value
	return nil
}

func (c *memCache) DeleteField(_ context.Context, id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache down")
	}
	delete(c.resource(id), name)
	return nil
}

func (c *memCache) Rename(_ context.Context, id, oldName, newName, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache down")
	}
	m := c.resource(id)
	delete(m, oldName)
	m[newName] = value
	return nil
}

func (c *memCache) PutAll(_ context.Context, id string, vars map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache down")
	}
	m := make(map[string]string, len(vars))
	for k, v := range vars {
		m[k] = v
	}
	c.data[id] = m
	return nil
}

type memSnapshots struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: make(map[string]map[string]string)}
}

func snapKey(owner, id string) string { return owner + "/" + id }

func (s *memSnapshots) Get(_ context.Context, owner, id string) (map[string]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[snapKey(owner, id)]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, true, nil
}

func (s *memSnapshots) Put(_ context.Context, owner, id string, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]string, len(vars))
	for k, v := range vars {
		m[k] = v
	}
	s.data[snapKey(owner, id)] = m
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadEmpty(t *testing.T) {
	s := New(newMemCache(), newMemSnapshots(), testLogger())
	vars := s.Load(context.Background(), "42", "7")
	assert.Equal(t, len(vars), 0)
}

func TestLoadPrefersCache(t *testing.T) {
	cache := newMemCache()
	snaps := newMemSnapshots()
	cache.data["42"] = map[string]string{"☁ score": "5"}
	snaps.data[snapKey("7", "42")] = map[string]string{"☁ score": "stale"}

	s := New(cache, snaps, testLogger())
	vars := s.Load(context.Background(), "42", "7")
	assert.Equal(t, vars["☁ score"], "5")
}

func TestLoadFallsBackToSnapshotAndWarmsCache(t *testing.T) {
	cache := newMemCache()
	snaps := newMemSnapshots()
	snaps.data[snapKey("7", "42")] = map[string]string{"☁ score": "9"}

	s := New(cache, snaps, testLogger())
	vars := s.Load(context.Background(), "42", "7")
	assert.Equal(t, vars["☁ score"], "9")
	assert.Equal(t, cache.data["42"]["☁ score"], "9")
}

func TestSetPersistsMergedMap(t *testing.T) {
	cache := newMemCache()
	snaps := newMemSnapshots()
	s := New(cache, snaps, testLogger())

	assert.Equal(t, s.Set(context.Background(), "42", "7", "☁ a", "1"), nil)
	assert.Equal(t, s.Set(context.Background(), "42", "7", "☁ b", "2"), nil)
	s.Sync()

	assert.Equal(t, cache.data["42"]["☁ a"], "1")
	got, ok, err := snaps.Get(context.Background(), "7", "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, got["☁ a"], "1")
	assert.Equal(t, got["☁ b"], "2")
}

func TestSetWithCacheDown(t *testing.T) {
	cache := newMemCache()
	cache.failing = true
	snaps := newMemSnapshots()
	s := New(cache, snaps, testLogger())

	// Applies nothing, persists nothing, and reports the failure so
	// the caller withholds the acknowledgement.
	err := s.Set(context.Background(), "42", "7", "☁ a", "1")
	if err == nil {
		t.Fatal("expected cache failure to surface")
	}
	s.Sync()
	_, ok, _ := snaps.Get(context.Background(), "7", "42")
	assert.Equal(t, ok, false)
}

func TestRename(t *testing.T) {
	cache := newMemCache()
	s := New(cache, newMemSnapshots(), testLogger())
	s.Set(context.Background(), "42", "7", "☁ a", "5")

	value, err := s.Rename(context.Background(), "42", "7", "☁ a", "☁ b")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "5")
	s.Sync()

	_, hasOld := cache.data["42"]["☁ a"]
	assert.Equal(t, hasOld, false)
	assert.Equal(t, cache.data["42"]["☁ b"], "5")
}

func TestRenameSameName(t *testing.T) {
	cache := newMemCache()
	s := New(cache, newMemSnapshots(), testLogger())
	s.Set(context.Background(), "42", "7", "☁ a", "5")

	// A rename to the current name is a valid frame and must not lose
	// the variable.
	value, err := s.Rename(context.Background(), "42", "7", "☁ a", "☁ a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "5")
	s.Sync()

	assert.Equal(t, cache.data["42"]["☁ a"], "5")
}

func TestRenameMissing(t *testing.T) {
	cache := newMemCache()
	s := New(cache, newMemSnapshots(), testLogger())
	s.Set(context.Background(), "42", "7", "☁ a", "5")

	_, err := s.Rename(context.Background(), "42", "7", "☁ nope", "☁ b")
	assert.Equal(t, errors.Is(err, ErrNoVariable), true)

	// Failed rename leaves state untouched.
	assert.Equal(t, cache.data["42"]["☁ a"], "5")
	assert.Equal(t, len(cache.data["42"]), 1)
}

func TestDelete(t *testing.T) {
	cache := newMemCache()
	snaps := newMemSnapshots()
	s := New(cache, snaps, testLogger())
	s.Set(context.Background(), "42", "7", "☁ a", "5")

	assert.Equal(t, s.Delete(context.Background(), "42", "7", "☁ a"), nil)
	s.Sync()
	assert.Equal(t, len(cache.data["42"]), 0)
	got, _, _ := snaps.Get(context.Background(), "7", "42")
	assert.Equal(t, len(got), 0)
}

func TestDeleteMissing(t *testing.T) {
	s := New(newMemCache(), newMemSnapshots(), testLogger())
	err := s.Delete(context.Background(), "42", "7", "☁ ghost")
	assert.Equal(t, errors.Is(err, ErrNoVariable), true)
}

// Concurrent writers to one resource must not drop each other's fields
// from the durable snapshot: the per-resource guard serializes the
// snapshot's read-modify-write.
func TestConcurrentWritersKeepSnapshotComplete(t *testing.T) {
	cache := newMemCache()
	snaps := newMemSnapshots()
	s := New(cache, snaps, testLogger())

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("☁ v%d", i)
			s.Set(context.Background(), "42", "7", name, fmt.Sprintf("%d", i))
		}(i)
	}
	wg.Wait()
	s.Sync()

	got, ok, err := snaps.Get(context.Background(), "7", "42")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(got), writers)
}

type memSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *memSink) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestHistoryAppend(t *testing.T) {
	sink := &memSink{}
	h := NewHistory(sink, testLogger())

	v := "5"
	h.Append(Entry{ResourceID: "42", Method: "set", Name: "☁ score", Value: &v, ActorName: "*guest"})
	h.Sync()

	assert.Equal(t, len(sink.entries), 1)
	assert.Equal(t, sink.entries[0].Method, "set")
	assert.Equal(t, sink.entries[0].At.IsZero(), false)
}

func TestHistoryAppendFailureIsSwallowed(t *testing.T) {
	sink := &memSink{err: errors.New("log down")}
	h := NewHistory(sink, testLogger())
	h.Append(Entry{ResourceID: "42", Method: "delete", Name: "☁ score"})
	h.Sync()
	assert.Equal(t, len(sink.entries), 0)
}
