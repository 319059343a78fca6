package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PathTotals is an aggregate over a time range for one path.
type PathTotals struct {
	Path         string `json:"path"`
	RequestCount int64  `json:"request_count"`
	CacheHits    int64  `json:"cache_hits"`
	ErrorCount   int64  `json:"error_count"`
}

// RollupStore persists hourly rollups. Implementations must treat
// (path, hour) as the unique key.
type RollupStore interface {
	// Get loads one rollup row. The second return is false when no row
	// exists for the pair.
	Get(ctx context.Context, path string, hour time.Time) (*HourlyPathStat, bool, error)

	// Upsert inserts or replaces the row keyed by (Path, Hour).
	Upsert(ctx context.Context, stat *HourlyPathStat) error

	// QueryRange returns all rows with Hour in [from, to), ordered by
	// hour then path.
	QueryRange(ctx context.Context, from, to time.Time) ([]*HourlyPathStat, error)

	// QueryPathRange returns one path's rows with Hour in [from, to),
	// ordered by hour.
	QueryPathRange(ctx context.Context, path string, from, to time.Time) ([]*HourlyPathStat, error)

	// TopPaths returns the n paths with the most requests in [from, to),
	// ties broken by path ascending.
	TopPaths(ctx context.Context, from, to time.Time, n int) ([]PathTotals, error)

	// MarkArchivable flags rows with Hour before the cutoff and returns
	// how many rows were newly flagged.
	MarkArchivable(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// MemoryRollupStore is an in-process RollupStore for single-node
// deployments and tests.
type MemoryRollupStore struct {
	mu   sync.RWMutex
	rows map[string]*HourlyPathStat
}

// NewMemoryRollupStore creates an empty in-memory store.
func NewMemoryRollupStore() *MemoryRollupStore {
	return &MemoryRollupStore{rows: make(map[string]*HourlyPathStat)}
}

func rowKey(path string, hour time.Time) string {
	return path + "\x00" + hour.UTC().Format(time.RFC3339)
}

func (m *MemoryRollupStore) Get(_ context.Context, path string, hour time.Time) (*HourlyPathStat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[rowKey(path, hour)]
	if !ok {
		return nil, false, nil
	}
	cp := *row
	return &cp, true, nil
}

func (m *MemoryRollupStore) Upsert(_ context.Context, stat *HourlyPathStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stat
	cp.Hour = stat.Hour.UTC().Truncate(time.Hour)
	cp.UpdatedAt = time.Now()
	m.rows[rowKey(cp.Path, cp.Hour)] = &cp
	return nil
}

func (m *MemoryRollupStore) QueryRange(_ context.Context, from, to time.Time) ([]*HourlyPathStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*HourlyPathStat
	for _, row := range m.rows {
		if !row.Hour.Before(from.UTC()) && row.Hour.Before(to.UTC()) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (m *MemoryRollupStore) QueryPathRange(ctx context.Context, path string, from, to time.Time) ([]*HourlyPathStat, error) {
	rows, err := m.QueryRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []*HourlyPathStat
	for _, row := range rows {
		if row.Path == path {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemoryRollupStore) TopPaths(ctx context.Context, from, to time.Time, n int) ([]PathTotals, error) {
	rows, err := m.QueryRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*PathTotals)
	for _, row := range rows {
		t, ok := byPath[row.Path]
		if !ok {
			t = &PathTotals{Path: row.Path}
			byPath[row.Path] = t
		}
		t.RequestCount += row.RequestCount
		t.CacheHits += row.CacheHits
		t.ErrorCount += row.ErrorCount
	}
	out := make([]PathTotals, 0, len(byPath))
	for _, t := range byPath {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].Path < out[j].Path
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryRollupStore) MarkArchivable(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.Hour.Before(before.UTC()) && !row.Archivable {
			row.Archivable = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryRollupStore) Close() error {
	return nil
}
