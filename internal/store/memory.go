package store

import (
	"context"
	"sort"
	"sync"
)

type versionedRecord struct {
	rec     *Record
	version uint64
}

// MemoryStore keeps usage records in process memory. Nothing survives a
// restart; it backs tests and single-instance development setups.
//
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	casStore

	mu       sync.RWMutex
	records  map[Key]versionedRecord
	archives map[Key]*ArchiveRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		records:  make(map[Key]versionedRecord),
		archives: make(map[Key]*ArchiveRecord),
	}
	m.casStore = casStore{backend: m}
	return m
}

func (m *MemoryStore) load(key Key) (*Record, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.records[key]
	if !ok {
		return nil, 0, nil
	}
	return v.rec.Clone(), v.version, nil
}

func (m *MemoryStore) compareAndSwap(_ context.Context, key Key, version uint64, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records[key].version != version {
		return false, nil
	}
	m.records[key] = versionedRecord{rec: rec.Clone(), version: version + 1}
	return true, nil
}

// ListPeriod returns the records stored for period, ordered by service.
func (m *MemoryStore) ListPeriod(ctx context.Context, period string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for key, v := range m.records {
		if key.Period == period {
			out = append(out, v.rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// PutArchive upserts an archive entry.
func (m *MemoryStore) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *rec
	c.Record = *rec.Record.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[rec.Key()] = &c
	return nil
}

// GetArchive returns an archive entry or ErrNotFound.
func (m *MemoryStore) GetArchive(ctx context.Context, key Key) (*ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.archives[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	c.Record = *a.Record.Clone()
	return &c, nil
}

// Size returns the number of live records.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
