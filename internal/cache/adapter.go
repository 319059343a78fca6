package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/kv"
	"github.com/wudi/edgegate/internal/logging"
)

// Entry is an immutable cached response snapshot. Entries are written
// whole and replaced whole; concurrent writers are last-write-wins.
type Entry struct {
	CacheKey   string
	Path       string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Version    int64
	CreatedAt  time.Time
	TTLSeconds int
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

func init() {
	// http.Header is a map[string][]string; gob needs it registered.
	gob.Register(http.Header{})
}

// Stats holds cache adapter counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"` // lazy deletes of stale entries
}

// Adapter owns cache entry lifecycle against the key-value store: TTL,
// per-path versioning, and invalidation. A store failure on read is a
// miss, never an error surfaced to the request path.
type Adapter struct {
	store kv.Store

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	degraded  *logging.Throttled
}

// NewAdapter creates a cache adapter over the given store.
func NewAdapter(store kv.Store) *Adapter {
	return &Adapter{
		store:    store,
		degraded: logging.NewThrottled(0.2, 3),
	}
}

func entryKey(path, key string) string {
	return "cache:" + path + ":" + key
}

func versionKey(path string) string {
	return "cachever:" + path
}

// Get returns the cached entry for (path, key), treating TTL-expired and
// version-mismatched entries as misses with an opportunistic delete.
// policyVersion is the path's configured cache version; a bumped stored
// version supersedes it.
func (a *Adapter) Get(ctx context.Context, path, key string, policyVersion int64) (*Entry, bool) {
	data, ok, err := a.store.Get(ctx, entryKey(path, key))
	if err != nil {
		a.degraded.Warn("cache store read failed, treating as miss", zap.Error(err))
		a.misses.Add(1)
		return nil, false
	}
	if !ok {
		a.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		a.degraded.Warn("cache entry decode failed, treating as miss", zap.Error(err))
		a.evict(ctx, path, key)
		a.misses.Add(1)
		return nil, false
	}

	if entry.Expired(time.Now()) {
		a.evict(ctx, path, key)
		a.misses.Add(1)
		return nil, false
	}

	if entry.Version != a.CurrentVersion(ctx, path, policyVersion) {
		a.evict(ctx, path, key)
		a.misses.Add(1)
		return nil, false
	}

	a.hits.Add(1)
	return &entry, true
}

// Put stores an entry for (path, key). Callers only invoke Put after a
// cache miss followed by a successful upstream fetch; upstream errors are
// never cached. The entry is stamped with the path's current version.
func (a *Adapter) Put(ctx context.Context, path, key string, entry *Entry, policyVersion int64) error {
	entry.CacheKey = key
	entry.Path = path
	entry.CreatedAt = time.Now()
	entry.Version = a.CurrentVersion(ctx, path, policyVersion)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}

	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if err := a.store.Set(ctx, entryKey(path, key), buf.Bytes(), ttl); err != nil {
		a.degraded.Warn("cache store write failed", zap.Error(err))
		return err
	}
	return nil
}

// Invalidate removes one entry by its full key.
func (a *Adapter) Invalidate(ctx context.Context, path, key string) error {
	return a.store.Delete(ctx, entryKey(path, key))
}

// InvalidateByPattern removes all entries whose path starts with the
// pattern's literal prefix (a trailing * is accepted and stripped).
// Returns the number of removed entries.
func (a *Adapter) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	prefix := "cache:" + stripWildcard(pattern)
	return a.store.DeleteByPrefix(ctx, prefix)
}

// BumpVersion invalidates every entry for a path without enumerating keys:
// subsequent reads see a version mismatch and lazily evict.
func (a *Adapter) BumpVersion(ctx context.Context, path string, policyVersion int64) (int64, error) {
	next := a.CurrentVersion(ctx, path, policyVersion) + 1
	err := a.store.Set(ctx, versionKey(path), []byte(strconv.FormatInt(next, 10)), 0)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// CurrentVersion returns the path's effective cache version: the bumped
// stored version when present, otherwise the configured policy version.
func (a *Adapter) CurrentVersion(ctx context.Context, path string, policyVersion int64) int64 {
	data, ok, err := a.store.Get(ctx, versionKey(path))
	if err != nil || !ok {
		return policyVersion
	}
	stored, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || stored < policyVersion {
		return policyVersion
	}
	return stored
}

// Stats returns hit/miss/eviction counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Hits:      a.hits.Load(),
		Misses:    a.misses.Load(),
		Evictions: a.evictions.Load(),
	}
}

func (a *Adapter) evict(ctx context.Context, path, key string) {
	a.evictions.Add(1)
	if err := a.store.Delete(ctx, entryKey(path, key)); err != nil {
		a.degraded.Warn("cache lazy eviction failed", zap.Error(err))
	}
}

func stripWildcard(pattern string) string {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		return pattern[:len(pattern)-1]
	}
	return pattern
}
