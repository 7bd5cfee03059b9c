package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is how often a writer polls a lock held by another process.
const lockRetryDelay = 5 * time.Millisecond

type fileEntry struct {
	Version uint64  `json:"version"`
	Record  *Record `json:"record"`
}

type fileDocument struct {
	Records  map[string]fileEntry      `json:"records"`
	Archives map[string]*ArchiveRecord `json:"archives"`
}

// FileStore persists usage records in a single JSON file. Every record
// carries a version; writes re-read the file and only replace a record whose
// version is unchanged. Each read-compare-write holds an OS lock on a
// sibling ".lock" file, so processes sharing the path serialize their
// writes. The file is replaced atomically via rename.
type FileStore struct {
	casStore

	path string
	mu   sync.RWMutex
	lock *flock.Flock
}

// NewFileStore opens (or lazily creates) the JSON store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	f := &FileStore{path: path, lock: flock.New(path + ".lock")}
	f.casStore = casStore{backend: f}

	// Surface a corrupt file at startup rather than on the first request.
	if _, err := f.read(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) read() (*fileDocument, error) {
	doc := &fileDocument{
		Records:  make(map[string]fileEntry),
		Archives: make(map[string]*ArchiveRecord),
	}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.path, err)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]fileEntry)
	}
	if doc.Archives == nil {
		doc.Archives = make(map[string]*ArchiveRecord)
	}
	return doc, nil
}

func (f *FileStore) write(doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding usage document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".usage-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) load(key Key) (*Record, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	doc, err := f.read()
	if err != nil {
		return nil, 0, err
	}
	e, ok := doc.Records[key.String()]
	if !ok || e.Record == nil {
		return nil, 0, nil
	}
	return e.Record, e.Version, nil
}

// withWriteLock runs fn while holding both the in-process mutex and the
// cross-process file lock.
func (f *FileStore) withWriteLock(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("locking %s: %w", f.lock.Path(), ErrConflict)
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			slog.Warn("store: releasing file lock", "path", f.lock.Path(), "error", err)
		}
	}()
	return fn()
}

func (f *FileStore) compareAndSwap(ctx context.Context, key Key, version uint64, rec *Record) (bool, error) {
	swapped := false
	err := f.withWriteLock(ctx, func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		if doc.Records[key.String()].Version != version {
			return nil
		}
		doc.Records[key.String()] = fileEntry{Version: version + 1, Record: rec.Clone()}
		if err := f.write(doc); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// ListPeriod returns the records stored for period, ordered by service.
func (f *FileStore) ListPeriod(ctx context.Context, period string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, e := range doc.Records {
		if e.Record != nil && e.Record.Period == period {
			out = append(out, e.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// PutArchive upserts an archive entry.
func (f *FileStore) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return f.withWriteLock(ctx, func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		c := *rec
		c.Record = *rec.Record.Clone()
		doc.Archives[rec.Key().String()] = &c
		return f.write(doc)
	})
}

// GetArchive returns an archive entry or ErrNotFound.
func (f *FileStore) GetArchive(ctx context.Context, key Key) (*ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	a, ok := doc.Archives[key.String()]
	if !ok || a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// Close releases the lock file handle. Every write is already flushed.
func (f *FileStore) Close() error {
	return f.lock.Close()
}
