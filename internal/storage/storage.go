// Package storage implements the persistence collaborator the orchestrator
// writes through at every state transition (spec §4.3 "Persistence",
// spec §6 persisted state layout). Grounded on the teacher's
// orchestration/execution_store.go StorageProvider split: a storage-agnostic
// key/value + sorted-index interface, backed by either Redis or an
// in-memory implementation chosen by the caller.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/orchestrator"
)

// keyPrefix matches spec §6's abstract persisted-state layout:
// build:{id}, build:{id}:stage:{stageId}, build:{id}:events, metrics:{date}.
const (
	buildKeyPrefix   = "build:"
	buildIndexKey    = "builds:index"
	eventsKeySuffix  = ":events"
)

func buildKey(id string) string   { return buildKeyPrefix + id }
func buildIndex() string          { return buildIndexKey }
func eventsKey(id string) string  { return buildKeyPrefix + id + eventsKeySuffix }

// Provider abstracts the underlying key/value + sorted-index backend
// (spec-agnostic: Redis, or the in-memory MemoryProvider below), following
// the teacher's StorageProvider interface (orchestration/execution_store.go).
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	AddToIndex(ctx context.Context, key string, score float64, member string) error
	ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error)
	RemoveFromIndex(ctx context.Context, key string, members ...string) error
}

// Store implements orchestrator.Storage plus the read/list surface the HTTP
// API needs (GET /pipelines, GET /pipelines/{id}), on top of any Provider.
type Store struct {
	provider Provider
	log      corelib.Logger
}

// New wraps provider (Redis-backed or in-memory) in the Build-shaped Store.
func New(provider Provider, log corelib.ComponentLogger) *Store {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &Store{provider: provider, log: log.WithComponent("storage")}
}

var _ orchestrator.Storage = (*Store)(nil)

// SaveBuild persists build, keyed by build:{id}, and keeps the recency
// index (sorted by CreatedAt) up to date (spec §6 persisted state layout).
func (s *Store) SaveBuild(ctx context.Context, b *model.Build) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: marshal build %s: %v", corelib.ErrStorage, b.ID, err)
	}
	if err := s.provider.Set(ctx, buildKey(b.ID), string(data), 0); err != nil {
		return fmt.Errorf("%w: %v", corelib.ErrStorage, err)
	}
	score := float64(b.CreatedAt.UnixNano())
	if err := s.provider.AddToIndex(ctx, buildIndex(), score, b.ID); err != nil {
		// Non-fatal: the main record is stored (mirrors execution_store.go's
		// "continue - main record is stored" posture for index-write failures).
		s.log.Warn("failed to index build", map[string]interface{}{"build_id": b.ID, "error": err.Error()})
	}
	return nil
}

// GetBuild reads a single build back by id.
func (s *Store) GetBuild(ctx context.Context, id string) (*model.Build, error) {
	data, err := s.provider.Get(ctx, buildKey(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corelib.ErrStorage, err)
	}
	if data == "" {
		return nil, fmt.Errorf("%w: build %s", corelib.ErrNotFound, id)
	}
	var b model.Build
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("%w: unmarshal build %s: %v", corelib.ErrStorage, id, err)
	}
	return &b, nil
}

// ListBuildsForUser returns the most recent builds belonging to userID,
// newest first (spec §6 "GET /pipelines → builds for the authenticated
// user"). Filtering by user happens in-process since the index is global;
// a higher-scale deployment would shard the index per user instead.
func (s *Store) ListBuildsForUser(ctx context.Context, userID string, limit int) ([]*model.Build, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ids, err := s.provider.ListByScoreDesc(ctx, buildIndex(), 0, int64(limit*4))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corelib.ErrStorage, err)
	}
	out := make([]*model.Build, 0, limit)
	for _, id := range ids {
		b, err := s.GetBuild(ctx, id)
		if err != nil {
			continue
		}
		if userID != "" && b.UserID != userID {
			continue
		}
		out = append(out, b)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteBuild removes a build record (spec §6 "DELETE /pipelines/{id}").
func (s *Store) DeleteBuild(ctx context.Context, id string) error {
	if err := s.provider.Del(ctx, buildKey(id)); err != nil {
		return fmt.Errorf("%w: %v", corelib.ErrStorage, err)
	}
	_ = s.provider.RemoveFromIndex(ctx, buildIndex(), id)
	return nil
}

// MemoryProvider is the in-memory Provider fallback used when REDIS_ADDR is
// unset (spec §9 "LocalStorage-based fallback ... is replaced by a storage
// collaborator interface; in-memory fallback is explicit and bounded").
// Bounded by maxEntries: a Set that takes it over the cap evicts one entry.
// The victim is not chosen by age: the scan starts at an arbitrary entry (map
// order) and moves only to entries with an earlier non-zero expiry, so among
// entries written without a TTL which one goes is not defined, and it can be
// the entry just written.
type MemoryProvider struct {
	mu         sync.RWMutex
	values     map[string]memEntry
	indexes    map[string]map[string]float64
	maxEntries int
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemoryProvider builds a bounded in-memory Provider. maxEntries <= 0
// means "unbounded" (only safe for tests).
func NewMemoryProvider(maxEntries int) *MemoryProvider {
	return &MemoryProvider{
		values:     make(map[string]memEntry),
		indexes:    make(map[string]map[string]float64),
		maxEntries: maxEntries,
	}
}

func (m *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.values[key]
	if !ok {
		return "", nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return "", nil
	}
	return e.value, nil
}

func (m *MemoryProvider) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.values[key] = memEntry{value: value, expires: expires}
	if m.maxEntries > 0 && len(m.values) > m.maxEntries {
		m.evictOldestLocked()
	}
	return nil
}

func (m *MemoryProvider) evictOldestLocked() {
	var oldestKey string
	var oldestExp time.Time
	first := true
	for k, e := range m.values {
		if first || (e.expires.After(time.Time{}) && e.expires.Before(oldestExp)) {
			oldestKey, oldestExp = k, e.expires
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.values, oldestKey)
	}
}

func (m *MemoryProvider) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *MemoryProvider) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *MemoryProvider) AddToIndex(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[key]
	if !ok {
		idx = make(map[string]float64)
		m.indexes[key] = idx
	}
	idx[member] = score
	return nil
}

func (m *MemoryProvider) ListByScoreDesc(_ context.Context, key string, offset, count int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexes[key]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(idx))
	for member, score := range idx {
		pairs = append(pairs, pair{member, score})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	if offset >= int64(len(pairs)) {
		return nil, nil
	}
	pairs = pairs[offset:]
	if count > 0 && int64(len(pairs)) > count {
		pairs = pairs[:count]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (m *MemoryProvider) RemoveFromIndex(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(idx, mem)
	}
	return nil
}
