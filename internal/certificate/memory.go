package certificate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type dedupKey struct {
	deviceID  string
	timestamp time.Time
	digest    string
}

// MemoryStore is a Repository held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []Record
	seen    map[dedupKey]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[dedupKey]struct{})}
}

func (m *MemoryStore) InsertIfNew(ctx context.Context, r Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := dedupKey{deviceID: r.DeviceID, timestamp: r.Timestamp.UTC(), digest: r.Digest}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	m.nextID++
	r.ID = m.nextID
	r.Timestamp = r.Timestamp.UTC()
	r.ImportedAt = importedAt(r)
	m.records = append(m.records, r)
	return true, nil
}

func (m *MemoryStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device := strings.TrimSpace(filter.DeviceID)
	gas := strings.TrimSpace(filter.GasType)

	m.mu.RLock()
	out := []Record{}
	for _, r := range m.records {
		if device != "" && r.DeviceID != device {
			continue
		}
		if gas != "" && r.GasType != gas {
			continue
		}
		if filter.From != nil && r.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && r.Timestamp.After(*filter.To) {
			continue
		}
		if filter.Passed != nil && r.Passed != *filter.Passed {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
