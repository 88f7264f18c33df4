package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileBackend stores objects as files below a root directory
type FileBackend struct {
	root string
}

// NewFileBackend creates a file backend rooted at dir. An empty dir defaults
// to ~/.workflow/state.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".workflow", "state")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &FileBackend{root: dir}, nil
}

// Root returns the root directory
func (b *FileBackend) Root() string {
	return b.root
}

// Path returns the filesystem path for a key
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	return WriteFileAtomic(b.Path(key), data, 0644)
}

func (b *FileBackend) Create(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	return CreateFileExclusive(b.Path(key), data, 0644)
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := validKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}
	path := b.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotExist
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return data, ObjectInfo{Key: key, Size: int64(len(data)), ModTime: info.ModTime()}, nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || isTempName(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		infos = append(infos, ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos, nil
}

func (b *FileBackend) Delete(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("refusing to delete the whole state directory")
	}
	if strings.HasSuffix(prefix, "/") {
		if err := os.RemoveAll(b.Path(strings.TrimSuffix(prefix, "/"))); err != nil {
			return fmt.Errorf("failed to delete %s: %w", prefix, err)
		}
		return nil
	}
	infos, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := os.Remove(b.Path(info.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", info.Key, err)
		}
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
