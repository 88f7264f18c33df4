package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps objects in memory. Intended for tests and ephemeral runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	clock   func() time.Time
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: map[string]memoryObject{},
		clock:   time.Now,
	}
}

// SetClock overrides the clock used for modification times
func (b *MemoryBackend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// Corrupt replaces the stored bytes for key without touching the mod time.
// It exists so tests can simulate torn or tampered objects.
func (b *MemoryBackend) Corrupt(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj := b.objects[key]
	obj.data = append([]byte(nil), data...)
	b.objects[key] = obj
}

func (b *MemoryBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memoryObject{data: append([]byte(nil), data...), modTime: b.clock()}
	return nil
}

func (b *MemoryBackend) Create(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.objects[key]; exists {
		return ErrObjectExists
	}
	b.objects[key] = memoryObject{data: append([]byte(nil), data...), modTime: b.clock()}
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotExist
	}
	data := append([]byte(nil), obj.data...)
	return data, ObjectInfo{Key: key, Size: int64(len(data)), ModTime: obj.modTime}, nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var infos []ObjectInfo
	for key, obj := range b.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			delete(b.objects, key)
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
