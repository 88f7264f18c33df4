package isolation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func newIsolator(t *testing.T) (*DirIsolator, string) {
	t.Helper()
	root := t.TempDir()
	iso, err := NewDirIsolator(root, WithScratchDir(t.TempDir()))
	require.NoError(t, err)
	return iso, root
}

func TestAreaStartsAsCopyOfSharedTree(t *testing.T) {
	iso, root := newIsolator(t)
	writeFile(t, filepath.Join(root, "docs", "plan.md"), "plan")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")

	area, err := iso.Acquire(context.Background(), "implement")
	require.NoError(t, err)
	defer area.Discard()

	require.NotEqual(t, root, area.Dir())
	require.Equal(t, "plan", readFile(t, filepath.Join(area.Dir(), "docs", "plan.md")))
	_, err = os.Stat(filepath.Join(area.Dir(), ".git"))
	require.True(t, os.IsNotExist(err))
}

func TestCommitMergesChanges(t *testing.T) {
	iso, root := newIsolator(t)
	writeFile(t, filepath.Join(root, "keep.txt"), "keep")
	writeFile(t, filepath.Join(root, "edit.txt"), "old")
	writeFile(t, filepath.Join(root, "gone.txt"), "bye")

	area, err := iso.Acquire(context.Background(), "step")
	require.NoError(t, err)
	writeFile(t, filepath.Join(area.Dir(), "edit.txt"), "new content")
	writeFile(t, filepath.Join(area.Dir(), "src", "main.go"), "package main")
	require.NoError(t, os.Remove(filepath.Join(area.Dir(), "gone.txt")))

	// Nothing reaches the shared tree before commit
	require.Equal(t, "old", readFile(t, filepath.Join(root, "edit.txt")))

	result, err := area.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"edit.txt", filepath.Join("src", "main.go")}, result.Written)
	require.Equal(t, []string{"gone.txt"}, result.Removed)

	require.Equal(t, "keep", readFile(t, filepath.Join(root, "keep.txt")))
	require.Equal(t, "new content", readFile(t, filepath.Join(root, "edit.txt")))
	require.Equal(t, "package main", readFile(t, filepath.Join(root, "src", "main.go")))
	_, err = os.Stat(filepath.Join(root, "gone.txt"))
	require.True(t, os.IsNotExist(err))

	// The area is released after commit
	_, err = os.Stat(area.Dir())
	require.True(t, os.IsNotExist(err))
}

func TestDiscardLeavesSharedTreeUntouched(t *testing.T) {
	iso, root := newIsolator(t)
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	area, err := iso.Acquire(context.Background(), "step")
	require.NoError(t, err)
	writeFile(t, filepath.Join(area.Dir(), "a.txt"), "changed")
	writeFile(t, filepath.Join(area.Dir(), "b.txt"), "b")
	require.NoError(t, area.Discard())
	require.NoError(t, area.Discard())

	require.Equal(t, "a", readFile(t, filepath.Join(root, "a.txt")))
	_, err = os.Stat(filepath.Join(root, "b.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestFailedCommitLeavesSharedTreeUntouched(t *testing.T) {
	iso, root := newIsolator(t)
	writeFile(t, filepath.Join(root, "gone.txt"), "bye")

	area, err := iso.Acquire(context.Background(), "step")
	require.NoError(t, err)
	writeFile(t, filepath.Join(area.Dir(), "a.txt"), "first")
	writeFile(t, filepath.Join(area.Dir(), "b.txt"), "second")
	require.NoError(t, os.Remove(filepath.Join(area.Dir(), "gone.txt")))

	// b.txt cannot be merged once a directory occupies its path
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b.txt", "inner"), 0o755))

	result, err := area.Commit(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "b.txt")
	require.Empty(t, result.Written)
	require.Empty(t, result.Removed)

	_, err = os.Stat(filepath.Join(root, "a.txt"))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, "bye", readFile(t, filepath.Join(root, "gone.txt")))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasPrefix(entry.Name(), ".tmp-"), entry.Name())
	}
}

func TestPartialMergeError(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&PartialMergeError{
		Step:    "build",
		Applied: MergeResult{Written: []string{"a.txt"}},
		Err:     cause,
	})
	require.ErrorIs(t, err, cause)
	var partial *PartialMergeError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, []string{"a.txt"}, partial.Applied.Written)
	require.Contains(t, err.Error(), `"build"`)
}

func TestConcurrentAreasDoNotMixContent(t *testing.T) {
	iso, root := newIsolator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			area, err := iso.Acquire(ctx, name)
			require.NoError(t, err)
			scratch := filepath.Join(area.Dir(), "tmp.txt")
			for i := 0; i < 50; i++ {
				f, err := os.OpenFile(scratch, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				require.NoError(t, err)
				_, err = f.WriteString(name)
				require.NoError(t, err)
				require.NoError(t, f.Close())
			}
			data, err := os.ReadFile(scratch)
			require.NoError(t, err)
			writeFile(t, filepath.Join(area.Dir(), name+".out"), string(data))
			_, err = area.Commit(ctx)
			require.NoError(t, err)
		}(name)
	}
	wg.Wait()

	require.Equal(t, strings.Repeat("a", 50), readFile(t, filepath.Join(root, "a.out")))
	require.Equal(t, strings.Repeat("b", 50), readFile(t, filepath.Join(root, "b.out")))
	tmp := readFile(t, filepath.Join(root, "tmp.txt"))
	require.True(t, tmp == strings.Repeat("a", 50) || tmp == strings.Repeat("b", 50))
}

func TestSharedIsolator(t *testing.T) {
	root := t.TempDir()
	area, err := NewSharedIsolator(root).Acquire(context.Background(), "step")
	require.NoError(t, err)
	require.Equal(t, root, area.Dir())
	result, err := area.Commit(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Written)
	require.NoError(t, area.Discard())
}
