package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/minus-twelve/greenroots/types"
)

type MemoryStore struct {
	buckets    map[string]*MemoryBucket
	mutex      sync.RWMutex
	maxEntries int
	pinned     map[string]struct{}
}

var _ types.Store = (*MemoryStore)(nil)

// NewMemoryStore keeps buckets in process memory. maxEntries caps each bucket;
// the oldest entry is evicted to make room. Zero means unbounded. Pinned keys
// are never evicted.
func NewMemoryStore(maxEntries int, pinned ...string) *MemoryStore {
	s := &MemoryStore{
		buckets:    make(map[string]*MemoryBucket),
		maxEntries: maxEntries,
		pinned:     make(map[string]struct{}, len(pinned)),
	}
	for _, key := range pinned {
		s.pinned[key] = struct{}{}
	}
	return s
}

func (s *MemoryStore) Open(_ context.Context, name string) (types.Bucket, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, exists := s.buckets[name]
	if !exists {
		b = &MemoryBucket{
			name:       name,
			entries:    make(map[string]types.Entry),
			maxEntries: s.maxEntries,
			pinned:     s.pinned,
		}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *MemoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.buckets[name]
	return exists, nil
}

func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Drop(_ context.Context, name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.buckets[name]; !exists {
		return false, nil
	}
	delete(s.buckets, name)
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type MemoryBucket struct {
	name       string
	entries    map[string]types.Entry
	mutex      sync.RWMutex
	maxEntries int
	pinned     map[string]struct{}
}

func (b *MemoryBucket) Name() string {
	return b.name
}

func (b *MemoryBucket) Match(_ context.Context, key string) (types.Entry, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	entry, exists := b.entries[key]
	if !exists {
		return types.Entry{}, types.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (b *MemoryBucket) Put(_ context.Context, key string, entry types.Entry) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.putLocked(map[string]types.Entry{key: entry})
}

// PutAll writes every entry or none. Room is made by evicting the oldest
// entries that are neither pinned nor part of the batch; if that is not
// enough the bucket is left untouched.
func (b *MemoryBucket) PutAll(_ context.Context, entries map[string]types.Entry) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.putLocked(entries)
}

func (b *MemoryBucket) putLocked(entries map[string]types.Entry) error {
	if b.maxEntries > 0 {
		added := 0
		for key := range entries {
			if _, exists := b.entries[key]; !exists {
				added++
			}
		}
		if overflow := len(b.entries) + added - b.maxEntries; overflow > 0 {
			victims := b.evictable(entries)
			if len(victims) < overflow {
				return fmt.Errorf("%w: %s holds %d entries, cannot fit %d more", types.ErrBucketFull, b.name, len(b.entries), added)
			}
			for _, key := range victims[:overflow] {
				delete(b.entries, key)
			}
		}
	}

	for key, entry := range entries {
		b.entries[key] = cloneEntry(entry)
	}
	return nil
}

// evictable lists the keys that may be evicted, oldest first.
func (b *MemoryBucket) evictable(batch map[string]types.Entry) []string {
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		if _, ok := batch[key]; ok {
			continue
		}
		if _, ok := b.pinned[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return b.entries[keys[i]].StoredAt.Before(b.entries[keys[j]].StoredAt)
	})
	return keys
}

func (b *MemoryBucket) Delete(_ context.Context, key string) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, exists := b.entries[key]; !exists {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *MemoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func cloneEntry(e types.Entry) types.Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}
