// Package store applies cloud variable mutations against a two-tier
// persistence stack: a fast field-level cache as the primary read/write
// path and a durable whole-map snapshot as the backstop for cache loss.
// Mutations for one resource are serialized through a per-resource
// lock, which also covers the snapshot's read-modify-write so two
// connections writing the same resource can never drop each other's
// durable copy.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoVariable is returned by Rename and Delete when the named
// variable does not exist. The protocol treats this as fatal to the
// offending connection.
var ErrNoVariable = errors.New("variable does not exist")

// persistTimeout bounds each background snapshot write.
const persistTimeout = 10 * time.Second

// FieldCache is the fast shared cache holding the live variable map
// for each resource, with field-level operations so concurrent writers
// to different names never clobber each other.
type FieldCache interface {
	GetAll(ctx context.Context, resourceID string) (map[string]string, error)
	SetField(ctx context.Context, resourceID, name, value string) error
	DeleteField(ctx context.Context, resourceID, name string) error
	// Rename moves a field to a new name in one transaction.
	Rename(ctx context.Context, resourceID, oldName, newName, value string) error
	// PutAll replaces the cached map wholesale, used when warming the
	// cache from a snapshot.
	PutAll(ctx context.Context, resourceID string, vars map[string]string) error
}

// SnapshotStore is the durable backstop: a full variable map persisted
// per owner and resource, overwritten wholesale on each mutation.
type SnapshotStore interface {
	Get(ctx context.Context, owner, resourceID string) (map[string]string, bool, error)
	Put(ctx context.Context, owner, resourceID string, vars map[string]string) error
}

// Store coordinates the cache and the snapshot for all resources.
type Store struct {
	cache     FieldCache
	snapshots SnapshotStore
	logger    *slog.Logger

	mu     sync.Mutex
	guards map[string]*sync.Mutex

	persists sync.WaitGroup
}

func New(cache FieldCache, snapshots SnapshotStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:     cache,
		snapshots: snapshots,
		logger:    logger,
		guards:    make(map[string]*sync.Mutex),
	}
}

// guard returns the lock serializing all mutation application and
// snapshot writes for one resource.
func (s *Store) guard(resourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[resourceID]
	if !ok {
		g = &sync.Mutex{}
		s.guards[resourceID] = g
	}
	return g
}

// Load returns the variable map for a resource: the cache when it has
// data, otherwise the durable snapshot, warming the cache from it on
// the way. A resource with no data anywhere gets an empty map. Backend
// failures are logged, not surfaced; a connection is never refused
// because persistence is degraded.
func (s *Store) Load(ctx context.Context, resourceID, owner string) map[string]string {
	g := s.guard(resourceID)
	g.Lock()
	defer g.Unlock()

	vars, err := s.cache.GetAll(ctx, resourceID)
	if err != nil {
		s.logger.Error("cache read failed", "resource", resourceID, "error", err)
	} else if len(vars) > 0 {
		return vars
	}

	snap, ok, err := s.snapshots.Get(ctx, owner, resourceID)
	if err != nil {
		s.logger.Error("snapshot read failed", "resource", resourceID, "error", err)
		return map[string]string{}
	}
	if !ok {
		return map[string]string{}
	}
	if err := s.cache.PutAll(ctx, resourceID, snap); err != nil {
		s.logger.Error("cache warm failed", "resource", resourceID, "error", err)
	}
	return snap
}

// Set writes one variable into the cache and schedules a snapshot of
// the merged map. The cache write completes before Set returns so the
// caller can broadcast the new value; the snapshot may lag. A cache
// failure is returned: the mutation applied nowhere and must not be
// acknowledged or broadcast.
func (s *Store) Set(ctx context.Context, resourceID, owner, name, value string) error {
	g := s.guard(resourceID)
	g.Lock()
	defer g.Unlock()

	if err := s.cache.SetField(ctx, resourceID, name, value); err != nil {
		// With the cache unreachable the merged map can't be read
		// either; skip the snapshot rather than persist a guess.
		return fmt.Errorf("writing field: %w", err)
	}
	s.persistAsync(resourceID, owner)
	return nil
}

// Rename moves oldName's value under newName and returns that value
// for the caller's broadcast. ErrNoVariable if oldName is absent; the
// resource state is untouched in that case.
func (s *Store) Rename(ctx context.Context, resourceID, owner, oldName, newName string) (string, error) {
	g := s.guard(resourceID)
	g.Lock()
	defer g.Unlock()

	vars, err := s.cache.GetAll(ctx, resourceID)
	if err != nil {
		return "", fmt.Errorf("reading cache: %w", err)
	}
	value, ok := vars[oldName]
	if !ok {
		return "", ErrNoVariable
	}
	if err := s.cache.Rename(ctx, resourceID, oldName, newName, value); err != nil {
		return "", fmt.Errorf("renaming field: %w", err)
	}
	s.persistAsync(resourceID, owner)
	return value, nil
}

// Delete removes a variable. ErrNoVariable if it was never set.
func (s *Store) Delete(ctx context.Context, resourceID, owner, name string) error {
	g := s.guard(resourceID)
	g.Lock()
	defer g.Unlock()

	vars, err := s.cache.GetAll(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}
	if _, ok := vars[name]; !ok {
		return ErrNoVariable
	}
	if err := s.cache.DeleteField(ctx, resourceID, name); err != nil {
		return fmt.Errorf("deleting field: %w", err)
	}
	s.persistAsync(resourceID, owner)
	return nil
}

// persistAsync schedules one snapshot write of the current merged map.
// The goroutine re-acquires the resource guard, so the read of the full
// map and the wholesale write are never concurrent with another
// mutation on the same resource. Failures are logged; the committed
// cache state is already live.
func (s *Store) persistAsync(resourceID, owner string) {
	s.persists.Add(1)
	go func() {
		defer s.persists.Done()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		g := s.guard(resourceID)
		g.Lock()
		defer g.Unlock()

		vars, err := s.cache.GetAll(ctx, resourceID)
		if err != nil {
			s.logger.Error("snapshot skipped, cache read failed", "resource", resourceID, "error", err)
			return
		}
		if err := s.snapshots.Put(ctx, owner, resourceID, vars); err != nil {
			s.logger.Error("snapshot write failed", "resource", resourceID, "error", err)
		}
	}()
}

// Sync blocks until all scheduled snapshot writes have finished. Used
// at shutdown and by tests.
func (s *Store) Sync() {
	s.persists.Wait()
}
