// Package tablespace is the on-disk file abstraction the buffer pool core
// reads pages from and writes pages to. Only the interface the core
// consumes (Read, Write, IsDeleted, Version) is load-bearing, but the pool
// needs a concrete, working implementation to run against.
package tablespace

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// PageSize is the fixed frame size every tablespace is read and written in.
const PageSize = 4096

// SpaceID identifies a single tablespace (one open file).
type SpaceID uint32

// PageNo is a page's offset within its tablespace, in PageSize units.
type PageNo uint32

// ErrSpaceNotFound is returned when an operation names an unopened or
// already-dropped space.
var ErrSpaceNotFound = errors.New("tablespace: space not found")

// ErrSpaceDeleted is returned by Read/Write against a space that Drop has
// marked deleted; the buffer pool surfaces this as TablespaceDeleted.
var ErrSpaceDeleted = errors.New("tablespace: space deleted")

// Tablespace is the interface the buffer pool core consumes.
// Manager is the one concrete implementation in this module; the
// interface exists so bufferpool tests can substitute a fake.
type Tablespace interface {
	Read(space SpaceID, offset PageNo, zipSize uint32, dst []byte) error
	Write(space SpaceID, offset PageNo, src []byte) error
	IsDeleted(space SpaceID) bool
	Version(space SpaceID) uint64
}

// fileHandle is one open tablespace file: a per-space mutex guards the
// *os.File and bookkeeping, while the manager's own lock only ever
// guards the fileHandle map itself.
type fileHandle struct {
	mu        sync.RWMutex
	file      *os.File
	path      string
	deleted   bool
	version   uint64 // bumped every time the space is (re)opened
	nextPage  PageNo
}

// Manager owns every open tablespace file and the SpaceID namespace,
// trimmed to the read/write/allocate/drop surface the buffer pool core
// actually calls — heap/B+tree metadata helpers belong to the
// out-of-scope access layer, not the tablespace abstraction itself.
type Manager struct {
	mu     sync.RWMutex
	spaces map[SpaceID]*fileHandle
}

// NewManager creates an empty tablespace manager.
func NewManager() *Manager {
	return &Manager{spaces: make(map[SpaceID]*fileHandle)}
}

// Open opens or creates the file backing the given space id. Re-opening an
// already-open space only clears a previous Drop and bumps its Version.
func (m *Manager) Open(space SpaceID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fh, ok := m.spaces[space]; ok {
		fh.mu.Lock()
		fh.deleted = false
		fh.version++
		fh.mu.Unlock()
		return nil
	}

	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("tablespace: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("tablespace: stat %s: %w", path, err)
	}

	m.spaces[space] = &fileHandle{
		file:     f,
		path:     path,
		nextPage: PageNo(stat.Size() / PageSize),
		version:  1,
	}
	return nil
}

// Read performs an aligned block read of one page. zipSize is accepted for
// interface compatibility with the compressed-page path; the
// file-backed implementation always reads a full PageSize frame and lets
// the caller interpret the low zipSize bytes as the compressed image when
// zipSize != 0 — the physical page slot is always page-size-aligned.
func (m *Manager) Read(space SpaceID, offset PageNo, zipSize uint32, dst []byte) error {
	fh, err := m.lookup(space)
	if err != nil {
		return err
	}

	fh.mu.RLock()
	defer fh.mu.RUnlock()

	if fh.deleted {
		return fmt.Errorf("tablespace: read space %d: %w", space, ErrSpaceDeleted)
	}
	if len(dst) < PageSize {
		return fmt.Errorf("tablespace: read dst too small: %d < %d", len(dst), PageSize)
	}

	// directio requires the destination buffer to be block-aligned; dst
	// (typically a Block's Frame) carries no such guarantee, so the read
	// lands in a scratch aligned block first.
	block := directio.AlignedBlock(directio.BlockSize)
	n, err := fh.file.ReadAt(block, int64(offset)*PageSize)
	if err != nil && n == 0 {
		return fmt.Errorf("tablespace: read space %d page %d: %w", space, offset, err)
	}
	copy(dst[:PageSize], block[:PageSize])
	for i := n; i < PageSize; i++ {
		dst[i] = 0
	}
	return nil
}

// Write performs an aligned block write of one page.
func (m *Manager) Write(space SpaceID, offset PageNo, src []byte) error {
	fh, err := m.lookup(space)
	if err != nil {
		return err
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.deleted {
		return fmt.Errorf("tablespace: write space %d: %w", space, ErrSpaceDeleted)
	}
	if len(src) != PageSize {
		return fmt.Errorf("tablespace: write src size %d != %d", len(src), PageSize)
	}

	block := directio.AlignedBlock(directio.BlockSize)
	copy(block, src)
	if _, err := fh.file.WriteAt(block[:PageSize], int64(offset)*PageSize); err != nil {
		return fmt.Errorf("tablespace: write space %d page %d: %w", space, offset, err)
	}
	if offset >= fh.nextPage {
		fh.nextPage = offset + 1
	}
	return nil
}

// Allocate reserves and returns the next unused page number in a space.
// It does not write anything to disk; that happens later when the
// buffer pool flushes the page.
func (m *Manager) Allocate(space SpaceID) (PageNo, error) {
	fh, err := m.lookup(space)
	if err != nil {
		return 0, err
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.deleted {
		return 0, fmt.Errorf("tablespace: allocate space %d: %w", space, ErrSpaceDeleted)
	}
	p := fh.nextPage
	fh.nextPage++
	return p, nil
}

// IsDeleted reports whether Drop has been called for this space.
func (m *Manager) IsDeleted(space SpaceID) bool {
	m.mu.RLock()
	fh, ok := m.spaces[space]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	return fh.deleted
}

// Version returns the space's open generation, bumped on every Open call.
// The buffer pool core does not call it; it only checks IsDeleted.
func (m *Manager) Version(space SpaceID) uint64 {
	m.mu.RLock()
	fh, ok := m.spaces[space]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	return fh.version
}

// Drop marks a space deleted; existing reads in flight fail with
// ErrSpaceDeleted, which the buffer pool surfaces as TablespaceDeleted.
func (m *Manager) Drop(space SpaceID) error {
	fh, err := m.lookup(space)
	if err != nil {
		return err
	}
	fh.mu.Lock()
	fh.deleted = true
	fh.mu.Unlock()
	return nil
}

// Sync flushes every open space's file buffers to stable storage.
func (m *Manager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, fh := range m.spaces {
		fh.mu.Lock()
		err := fh.file.Sync()
		fh.mu.Unlock()
		if err != nil {
			return fmt.Errorf("tablespace: sync space %d: %w", id, err)
		}
	}
	return nil
}

// Close closes every open space's file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, fh := range m.spaces {
		fh.mu.Lock()
		if err := fh.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tablespace: close space %d: %w", id, err)
		}
		fh.mu.Unlock()
		delete(m.spaces, id)
	}
	return firstErr
}

func (m *Manager) lookup(space SpaceID) (*fileHandle, error) {
	m.mu.RLock()
	fh, ok := m.spaces[space]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tablespace: space %d: %w", space, ErrSpaceNotFound)
	}
	return fh, nil
}
