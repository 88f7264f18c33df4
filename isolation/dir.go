package isolation

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

// DefaultExcludes are top-level entries never copied into an area
var DefaultExcludes = []string{".git", ".workflow"}

// DirIsolator copies the shared tree into a scratch directory for each step.
// On commit, files that were added or modified in the area are written into
// the shared tree atomically, one file at a time, and files deleted in the
// area are removed. Commits are serialized.
type DirIsolator struct {
	root     string
	scratch  string
	excludes map[string]bool
	logger   *slog.Logger
	mutex    sync.Mutex
}

// DirOption configures a DirIsolator
type DirOption func(*DirIsolator)

// WithScratchDir sets where areas are created. Defaults to the OS temp dir.
func WithScratchDir(dir string) DirOption {
	return func(d *DirIsolator) { d.scratch = dir }
}

// WithExcludes replaces the top-level entries skipped when copying
func WithExcludes(names ...string) DirOption {
	return func(d *DirIsolator) {
		d.excludes = map[string]bool{}
		for _, name := range names {
			d.excludes[name] = true
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DirOption {
	return func(d *DirIsolator) { d.logger = logger }
}

// NewDirIsolator returns an isolator over the shared tree at root
func NewDirIsolator(root string, opts ...DirOption) (*DirIsolator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	d := &DirIsolator{root: abs, logger: slog.New(slog.DiscardHandler)}
	WithExcludes(DefaultExcludes...)(d)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the shared tree
func (d *DirIsolator) Root() string {
	return d.root
}

type fileStamp struct {
	size    int64
	modTime int64
	mode    fs.FileMode
}

func (d *DirIsolator) Acquire(ctx context.Context, stepID string) (Area, error) {
	dir, err := os.MkdirTemp(d.scratch, "step-"+sanitize(stepID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create isolation area: %w", err)
	}
	stamps, err := d.copyTree(ctx, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to populate isolation area for step %q: %w", stepID, err)
	}
	d.logger.Debug("acquired isolation area", "step", stepID, "dir", dir, "files", len(stamps))
	return &dirArea{isolator: d, stepID: stepID, dir: dir, stamps: stamps}, nil
}

func (d *DirIsolator) excluded(rel string) bool {
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return d.excludes[first]
}

// copyTree copies the shared tree into dst and returns the stamps of the
// copied files, keyed by relative path.
func (d *DirIsolator) copyTree(ctx context.Context, dst string) (map[string]fileStamp, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	stamps := map[string]fileStamp{}
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil || rel == "." {
			return err
		}
		if d.excluded(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
			copied, err := os.Stat(target)
			if err != nil {
				return err
			}
			stamps[rel] = stampOf(copied)
		}
		return nil
	})
	return stamps, err
}

func stampOf(info fs.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano(), mode: info.Mode().Perm()}
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type dirArea struct {
	isolator *DirIsolator
	stepID   string
	dir      string
	stamps   map[string]fileStamp
	once     sync.Once
}

func (a *dirArea) Dir() string {
	return a.dir
}

func (a *dirArea) Discard() error {
	var err error
	a.once.Do(func() {
		err = os.RemoveAll(a.dir)
		a.isolator.logger.Debug("discarded isolation area", "step", a.stepID)
	})
	return err
}

// changes compares the area against the stamps taken when it was populated
func (a *dirArea) changes() (written, removed []string, err error) {
	seen := map[string]bool{}
	err = filepath.WalkDir(a.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.dir, path)
		if err != nil || rel == "." {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		seen[rel] = true
		if before, ok := a.stamps[rel]; !ok || before != stampOf(info) {
			written = append(written, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for rel := range a.stamps {
		if !seen[rel] {
			removed = append(removed, rel)
		}
	}
	sort.Strings(written)
	sort.Strings(removed)
	return written, removed, nil
}

func (a *dirArea) Commit(ctx context.Context) (*MergeResult, error) {
	defer a.Discard()

	written, removed, err := a.changes()
	if err != nil {
		return nil, fmt.Errorf("failed to scan isolation area for step %q: %w", a.stepID, err)
	}

	d := a.isolator
	d.mutex.Lock()
	defer d.mutex.Unlock()

	staged, err := a.stage(ctx, written)
	if err != nil {
		for _, s := range staged {
			_ = os.Remove(s.tmp)
		}
		return &MergeResult{}, err
	}

	// Nothing in the shared tree has changed before this point.
	result := &MergeResult{}
	for i, s := range staged {
		if err := store.CommitStaged(s.tmp, s.dst); err != nil {
			for _, rest := range staged[i:] {
				_ = os.Remove(rest.tmp)
			}
			return result, &PartialMergeError{Step: a.stepID, Applied: *result,
				Err: fmt.Errorf("failed to merge %q: %w", s.rel, err)}
		}
		result.Written = append(result.Written, s.rel)
	}
	for _, rel := range removed {
		err := os.Remove(filepath.Join(d.root, rel))
		if err != nil && !os.IsNotExist(err) {
			return result, &PartialMergeError{Step: a.stepID, Applied: *result,
				Err: fmt.Errorf("failed to remove %q: %w", rel, err)}
		}
		result.Removed = append(result.Removed, rel)
	}
	d.logger.Debug("merged isolation area", "step", a.stepID,
		"written", len(result.Written), "removed", len(result.Removed))
	return result, nil
}

type stagedFile struct {
	rel string
	dst string
	tmp string
}

// stage writes every changed file to a temporary name beside its destination.
// On error the returned slice holds the temp files created so far.
func (a *dirArea) stage(ctx context.Context, written []string) ([]stagedFile, error) {
	root := a.isolator.root
	staged := make([]stagedFile, 0, len(written))
	for _, rel := range written {
		if err := ctx.Err(); err != nil {
			return staged, err
		}
		src := filepath.Join(a.dir, rel)
		info, err := os.Stat(src)
		if err != nil {
			return staged, err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return staged, err
		}
		dst := filepath.Join(root, rel)
		if existing, err := os.Stat(dst); err == nil && existing.IsDir() {
			return staged, fmt.Errorf("failed to merge %q: destination is a directory", rel)
		}
		tmp, err := store.StageFile(dst, data, info.Mode().Perm())
		if err != nil {
			return staged, fmt.Errorf("failed to merge %q: %w", rel, err)
		}
		staged = append(staged, stagedFile{rel: rel, dst: dst, tmp: tmp})
	}
	return staged, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
