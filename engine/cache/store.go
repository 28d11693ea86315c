package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spaghettifunk/remesh/engine/mesh"
)

// ErrNotCached reports that no cache file exists for the asset, or that the
// file is too small to hold the requested range.
var ErrNotCached = errors.New("asset not cached")

// Store is a random-access disk cache, one file per MeshID. The header lives
// at offset 0; every other block sits at the offset recorded in the asset
// header (which already accounts for header size). Reserve zero-fills, so a
// reserved-but-unwritten slot reads back as all zeroes, and callers use
// AllZero to detect that.
//
// Concurrent reads from any goroutine and concurrent disjoint-range writes
// are safe; same-entry writes serialize on a per-entry lock.
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[mesh.MeshID]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("cache path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache path: %w", err)
	}
	return &Store{
		basePath: abs,
		locks:    make(map[mesh.MeshID]*entryLock),
	}, nil
}

// Size returns the current byte length of the entry, or 0 when absent.
func (s *Store) Size(id mesh.MeshID) int64 {
	info, err := os.Stat(s.path(id))
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// ReadRange reads n bytes at the given offset. The whole range must already
// be inside the file; a partial entry is treated as not cached.
func (s *Store) ReadRange(id mesh.MeshID, offset int64, n int) ([]byte, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < offset+int64(n) {
		return nil, ErrNotCached
	}

	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// WriteRange writes data at the given offset, creating the entry if needed.
func (s *Store) WriteRange(id mesh.MeshID, offset int64, data []byte) error {
	unlock := s.lockEntry(id)
	defer unlock()

	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, offset)
	return err
}

// Reserve grows the entry to at least n bytes. The extension is zero-filled,
// which keeps the all-zero probe for unwritten slots valid.
func (s *Store) Reserve(id mesh.MeshID, n int64) error {
	unlock := s.lockEntry(id)
	defer unlock()

	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= n {
		return nil
	}
	return f.Truncate(n)
}

// Remove deletes the entry; missing entries are not an error.
func (s *Store) Remove(id mesh.MeshID) error {
	unlock := s.lockEntry(id)
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) path(id mesh.MeshID) string {
	return filepath.Join(s.basePath, id.String()+".mesh")
}

func (s *Store) lockEntry(id mesh.MeshID) func() {
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// AllZero reports whether the first kilobyte of the block is entirely zero,
// the signature of a reserved slot nothing has been written into yet.
func AllZero(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, b := range probe {
		if b != 0 {
			return false
		}
	}
	return true
}
