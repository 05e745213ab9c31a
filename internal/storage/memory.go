package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	modTime time.Time
}

// MemoryStorage keeps payloads in process memory. It is used by tests and
// by the "memory" backend type for throwaway instances.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for modification times.
func (s *MemoryStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStorage) Read(ctx context.Context, p string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := CleanPath(p)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[p]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.data), true, nil
}

func (s *MemoryStorage) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[cleaned] = memoryEntry{data: slices.Clone(data), modTime: s.now()}
	return nil
}

func (s *MemoryStorage) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[p]
	return ok, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, p)
	return nil
}

func (s *MemoryStorage) Touch(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[p]
	if !ok {
		return false, nil
	}
	e.modTime = s.now()
	s.entries[p] = e
	return true, nil
}

// List iterates over a snapshot taken under the read lock so fn may call
// back into the storage.
func (s *MemoryStorage) List(ctx context.Context, prefix string, fn func(Entry) error) error {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for p, e := range s.entries {
		if strings.HasPrefix(p, prefix) {
			entries = append(entries, Entry{Path: p, Size: int64(len(e.data)), ModTime: e.modTime})
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored payloads.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
