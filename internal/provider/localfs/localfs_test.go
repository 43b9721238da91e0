package localfs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func paths(files []*provider.FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func TestList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "part.sldprt", "part")
	writeFile(t, root, "asm/top.sldasm", "top")
	writeFile(t, root, "asm/sub/bolt.step", "bolt")
	writeFile(t, root, "~$part.sldprt", "lock")
	writeFile(t, root, "drawing.dwl", "lock")
	writeFile(t, root, ".cadsync-123", "partial")
	writeFile(t, root, "renders/front.png", "png")
	writeFile(t, root, ".DS_Store", "junk")

	p := New(root, provider.NewIgnoreList("renders/"))
	files, err := p.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"asm/sub/bolt.step", "asm/top.sldasm", "part.sldprt"}, paths(files))
	for _, f := range files {
		assert.True(t, hasher.Valid(f.Hash))
		assert.False(t, f.ModTime.IsZero())
	}
	assert.Equal(t, hasher.Bytes([]byte("part")), files[2].Hash)
	assert.EqualValues(t, 4, files[2].Size)
}

func TestList_NilIgnoreUsesDefaults(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "part.sldprt", "part")
	writeFile(t, root, "part.sldprt.bak", "backup")
	writeFile(t, root, "Thumbs.db", "junk")

	files, err := New(root, nil).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"part.sldprt"}, paths(files))
}

func TestList_EmptyRootIsNotUnavailable(t *testing.T) {
	p := New(t.TempDir(), nil)
	files, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestList_MissingRootIsUnavailable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "unmounted")
	p := New(root, nil)

	_, err := p.List(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsUnavailable(err))

	_, err = p.Fetch(context.Background(), "a.prt")
	assert.True(t, provider.IsUnavailable(err))

	_, err = p.Store(context.Background(), "a.prt", strings.NewReader("a"), "")
	assert.True(t, provider.IsUnavailable(err))
	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "store must not create a missing root")
}

func TestList_ReusesCachedHashes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.prt", "one")
	p := New(root, nil)

	_, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.hashes.Len())

	writeFile(t, root, "a.prt", "changed content")
	files, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, hasher.Bytes([]byte("changed content")), files[0].Hash)
}

func TestStoreFetchRemove(t *testing.T) {
	root := t.TempDir()
	p := New(root, nil)
	ctx := context.Background()
	content := "solid body"
	sum := hasher.Bytes([]byte(content))

	fi, err := p.Store(ctx, "asm/deep/part.sldprt", strings.NewReader(content), sum)
	require.NoError(t, err)
	assert.Equal(t, "asm/deep/part.sldprt", fi.Path)
	assert.Equal(t, sum, fi.Hash)
	assert.EqualValues(t, len(content), fi.Size)

	ok, err := p.Exists(ctx, "asm/deep/part.sldprt")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := p.Fetch(ctx, "asm/deep/part.sldprt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	// overwrite in place
	_, err = p.Store(ctx, "asm/deep/part.sldprt", strings.NewReader("v2"), "")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(root, "asm", "deep", "part.sldprt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, p.Remove(ctx, "asm/deep/part.sldprt"))
	ok, err = p.Exists(ctx, "asm/deep/part.sldprt")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(root, "asm"))
	assert.True(t, os.IsNotExist(err), "empty parents are pruned")
	_, err = os.Stat(root)
	assert.NoError(t, err, "root is kept")

	err = p.Remove(ctx, "asm/deep/part.sldprt")
	assert.True(t, provider.IsNotFound(err))
	_, err = p.Fetch(ctx, "missing.prt")
	assert.True(t, provider.IsNotFound(err))
}

func TestStore_HashMismatchIsNotCommitted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "part.sldprt", "original")
	p := New(root, nil)

	_, err := p.Store(context.Background(), "part.sldprt", bytes.NewReader([]byte("tampered")), hasher.Bytes([]byte("expected")))
	assert.ErrorIs(t, err, provider.ErrHashMismatch)

	data, err := os.ReadFile(filepath.Join(root, "part.sldprt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file cleaned up")
}

func TestPathsCannotEscapeRoot(t *testing.T) {
	p := New(t.TempDir(), nil)
	_, err := p.Store(context.Background(), "../outside.prt", strings.NewReader("x"), "")
	assert.Error(t, err)
	_, err = p.Fetch(context.Background(), "a/../../outside.prt")
	assert.Error(t, err)
}

func TestStore_FileMode(t *testing.T) {
	root := t.TempDir()
	p := New(root, nil)
	ctx := context.Background()

	_, err := p.Store(ctx, "asm/new.sldprt", strings.NewReader("new"), "")
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(root, "asm", "new.sldprt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm(), "new files are readable by others")

	writeFile(t, root, "kept.sldprt", "v1")
	require.NoError(t, os.Chmod(filepath.Join(root, "kept.sldprt"), 0o640))
	_, err = p.Store(ctx, "kept.sldprt", strings.NewReader("v2"), "")
	require.NoError(t, err)
	info, err = os.Stat(filepath.Join(root, "kept.sldprt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm(), "replaced files keep their mode")
}

func TestStore_ConcurrentRemoveInSameDirectory(t *testing.T) {
	root := t.TempDir()
	p := New(root, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, name := range []string{"a.prt", "b.prt"} {
		wg.Add(1)
		go func(rel string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := p.Store(ctx, rel, strings.NewReader("x"), ""); err != nil {
					errs <- err
					return
				}
				if err := p.Remove(ctx, rel); err != nil {
					errs <- err
					return
				}
			}
		}("shared/dir/" + name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCreateTempMakesMissingDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone", "again")
	tmp, err := createTemp(dir)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	assert.True(t, strings.HasPrefix(filepath.Base(tmp.Name()), provider.TempPrefix))
	assert.Equal(t, dir, filepath.Dir(tmp.Name()))
}
