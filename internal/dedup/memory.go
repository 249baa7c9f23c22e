package dedup

import (
	"context"
	"sync"
	"time"

	"alertbot/internal/market"
)

// Memory is the baseline in-process store: a mutex-guarded map from
// (scope, category, fingerprint) to delivery time, pruned opportunistically
// during writes.
type Memory struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	writes    uint64

	now func() time.Time // test hook
}

// pruneEvery bounds how often the full-map expiry sweep runs.
const pruneEvery = 256

func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		seen:      map[string]time.Time{},
		retention: retention,
		now:       time.Now,
	}
}

func recordKey(scope string, category market.Category, fp string) string {
	return scope + "\x00" + string(category) + "\x00" + fp
}

func (m *Memory) FilterNew(_ context.Context, scope string, category market.Category, fingerprints []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	fresh := make([]string, 0, len(fingerprints))
	for _, fp := range fingerprints {
		at, ok := m.seen[recordKey(scope, category, fp)]
		if ok && now.Sub(at) < m.retention {
			continue
		}
		fresh = append(fresh, fp)
	}
	return fresh, nil
}

func (m *Memory) MarkDelivered(_ context.Context, scope string, category market.Category, fingerprints []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, fp := range fingerprints {
		m.seen[recordKey(scope, category, fp)] = now
		m.writes++
	}
	if m.writes >= pruneEvery {
		m.writes = 0
		for k, at := range m.seen {
			if now.Sub(at) >= m.retention {
				delete(m.seen, k)
			}
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports the number of tracked records (expired ones included until
// the next prune).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
