package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrNotFound is returned by a [Store] for an absent key.
var ErrNotFound = errors.New("cache: not found")

// Store is a backing tier for encoded segment blobs. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(key Key) ([]byte, error)
	Put(key Key, blob []byte) error
	Delete(key Key) error
}

// ─── MemoryStore ─────────────────────────────────────────────────────────────

// MemoryStore keeps blobs in a map. It is used as a spill tier in tests and
// for deployments without a writable disk. When capacity is positive, the
// oldest blobs are dropped to stay under it.
type MemoryStore struct {
	capacity int64

	mu    sync.RWMutex
	size  int64
	seq   uint64
	blobs map[Key]memBlob
	order []memSlot // put order, oldest first; stale slots are skipped
}

type memBlob struct {
	b   []byte
	seq uint64
}

type memSlot struct {
	key Key
	seq uint64
}

// NewMemoryStore creates an empty MemoryStore holding at most capacity
// bytes. Zero or less means unbounded.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{capacity: capacity, blobs: make(map[Key]memBlob)}
}

// Get implements [Store].
func (m *MemoryStore) Get(key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.b...), nil
}

// Put implements [Store]. A blob larger than the capacity is not kept.
func (m *MemoryStore) Put(key Key, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(key)
	if m.capacity > 0 && int64(len(blob)) > m.capacity {
		return nil
	}
	m.seq++
	m.blobs[key] = memBlob{b: append([]byte(nil), blob...), seq: m.seq}
	m.order = append(m.order, memSlot{key: key, seq: m.seq})
	m.size += int64(len(blob))

	for m.capacity > 0 && m.size > m.capacity && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		if e, ok := m.blobs[oldest.key]; ok && e.seq == oldest.seq {
			m.dropLocked(oldest.key)
		}
	}
	if len(m.order) > 2*len(m.blobs)+16 {
		m.compactLocked()
	}
	return nil
}

// Delete implements [Store].
func (m *MemoryStore) Delete(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(key)
	return nil
}

func (m *MemoryStore) dropLocked(key Key) {
	if e, ok := m.blobs[key]; ok {
		m.size -= int64(len(e.b))
		delete(m.blobs, key)
	}
}

func (m *MemoryStore) compactLocked() {
	live := m.order[:0]
	for _, s := range m.order {
		if e, ok := m.blobs[s.key]; ok && e.seq == s.seq {
			live = append(live, s)
		}
	}
	m.order = live
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Size returns the bytes currently stored.
func (m *MemoryStore) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// ─── DiskStore ───────────────────────────────────────────────────────────────

// segmentExt is the file extension of spilled segments.
const segmentExt = ".seg"

// DiskStore persists one file per segment key under a directory. Writes go
// to a temporary file that is renamed into place, so readers never observe
// a partial segment. When capacity is positive, the oldest files are removed
// to stay under it.
type DiskStore struct {
	dir      string
	capacity int64

	mu    sync.Mutex
	size  int64
	seq   uint64
	files map[Key]diskFile
}

type diskFile struct {
	size    int64
	written time.Time
	seq     uint64
}

// NewDiskStore opens (creating if needed) dir and indexes existing segment
// files so a restarted process finds them again.
func NewDiskStore(dir string, capacity int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create spill dir: %w", err)
	}
	d := &DiskStore{dir: dir, capacity: capacity, files: make(map[Key]diskFile)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: read spill dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		k, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 16, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		d.files[Key(k)] = diskFile{size: info.Size(), written: info.ModTime()}
		d.size += info.Size()
	}
	if len(d.files) > 0 {
		slog.Info("cache: indexed spilled segments",
			"dir", dir,
			"segments", len(d.files),
			"size", humanize.IBytes(uint64(d.size)),
		)
	}
	return d, nil
}

func (d *DiskStore) path(key Key) string {
	return filepath.Join(d.dir, key.String()+segmentExt)
}

// Get implements [Store]. A missing file is [ErrNotFound].
func (d *DiskStore) Get(key Key) ([]byte, error) {
	b, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		d.forget(key)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Put implements [Store].
func (d *DiskStore) Put(key Key, blob []byte) error {
	tmp, err := os.CreateTemp(d.dir, "seg-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	d.mu.Lock()
	if old, ok := d.files[key]; ok {
		d.size -= old.size
	}
	d.seq++
	d.files[key] = diskFile{size: int64(len(blob)), written: time.Now(), seq: d.seq}
	d.size += int64(len(blob))
	victims := d.overflowLocked(key)
	d.mu.Unlock()

	for _, k := range victims {
		if err := os.Remove(d.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache: remove spilled segment", "key", k.String(), "err", err)
		}
	}
	return nil
}

// overflowLocked picks the oldest files (never keep) to drop until the
// store fits its capacity.
func (d *DiskStore) overflowLocked(keep Key) []Key {
	if d.capacity <= 0 || d.size <= d.capacity {
		return nil
	}
	keys := make([]Key, 0, len(d.files))
	for k := range d.files {
		if k != keep {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := d.files[keys[i]], d.files[keys[j]]
		if !a.written.Equal(b.written) {
			return a.written.Before(b.written)
		}
		return a.seq < b.seq
	})

	var victims []Key
	for _, k := range keys {
		if d.size <= d.capacity {
			break
		}
		d.size -= d.files[k].size
		delete(d.files, k)
		victims = append(victims, k)
	}
	return victims
}

// Delete implements [Store].
func (d *DiskStore) Delete(key Key) error {
	d.forget(key)
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DiskStore) forget(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.files[key]; ok {
		d.size -= f.size
		delete(d.files, key)
	}
}

// Size returns the bytes currently spilled.
func (d *DiskStore) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}
