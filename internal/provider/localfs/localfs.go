// Package localfs implements the local location on the host filesystem.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	loc      = provider.LocationLocal

	createTempAttempts = 3
)

// Provider serves files below a root directory.
type Provider struct {
	root   string
	ignore *provider.IgnoreList
	hashes *provider.HashCache
}

var _ provider.Provider = (*Provider)(nil)

// New serves root. A nil ignore list means the default rules.
func New(root string, ignore *provider.IgnoreList) *Provider {
	if ignore == nil {
		ignore = provider.NewIgnoreList()
	}
	return &Provider{
		root:   filepath.Clean(root),
		ignore: ignore,
		hashes: provider.NewHashCache(0),
	}
}

func (p *Provider) Location() provider.Location {
	return loc
}

func (p *Provider) Root() string {
	return p.root
}

// List walks the root in parallel. Any walk error fails the whole listing: a partial listing
// would look like deletions.
func (p *Provider) List(ctx context.Context) ([]*provider.FileInfo, error) {
	if err := p.checkRoot(); err != nil {
		return nil, provider.Wrap(loc, "list", "", err)
	}

	var (
		mu    sync.Mutex
		files []*provider.FileInfo
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, p.root, func(full string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if full == p.root {
			return nil
		}

		rel, err := filepath.Rel(p.root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p.ignore.ShouldIgnore(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(path.Base(rel), provider.TempPrefix) || p.ignore.ShouldIgnore(rel) {
			return nil
		}

		fi, err := p.describe(rel, full, d)
		if errors.Is(err, fs.ErrNotExist) {
			// removed while walking
			return nil
		} else if err != nil {
			return err
		}

		mu.Lock()
		files = append(files, fi)
		mu.Unlock()
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, provider.Wrap(loc, "list", "", mapErr(err))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	slog.Debug("local list", "root", p.root, "files", len(files), "cached", p.hashes.Len())
	return files, nil
}

func (p *Provider) describe(rel, full string, d fs.DirEntry) (*provider.FileInfo, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}

	hash, ok := p.hashes.Lookup(rel, info.Size(), info.ModTime())
	if !ok {
		hash, err = hasher.HashFile(full)
		if err != nil {
			return nil, err
		}
		p.hashes.Remember(rel, info.Size(), info.ModTime(), hash)
	}

	return &provider.FileInfo{
		Path:    rel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    hash,
	}, nil
}

func (p *Provider) Fetch(ctx context.Context, relPath string) (io.ReadCloser, error) {
	rel, full, err := p.resolve(relPath)
	if err != nil {
		return nil, provider.Wrap(loc, "fetch", relPath, err)
	}
	if err := p.checkRoot(); err != nil {
		return nil, provider.Wrap(loc, "fetch", rel, err)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, provider.Wrap(loc, "fetch", rel, mapErr(err))
	}
	return f, nil
}

// Store writes to a temp file next to the target, syncs it, re-hashes what landed on disk
// and renames it into place.
func (p *Provider) Store(ctx context.Context, relPath string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	rel, full, err := p.resolve(relPath)
	if err != nil {
		return nil, provider.Wrap(loc, "store", relPath, err)
	}
	if err := p.checkRoot(); err != nil {
		return nil, provider.Wrap(loc, "store", rel, err)
	}

	fi, err := p.store(ctx, rel, full, r, expectedHash)
	if err != nil {
		return nil, provider.Wrap(loc, "store", rel, err)
	}
	return fi, nil
}

func (p *Provider) store(ctx context.Context, rel, full string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	tmp, err := createTemp(filepath.Dir(full))
	if err != nil {
		return nil, mapErr(err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	hw := hasher.NewWriter()
	if _, err := io.Copy(io.MultiWriter(tmp, hw), r); err != nil {
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tmp.Chmod(targetMode(full)); err != nil {
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	sum := hw.Sum()
	if expectedHash != "" && !hasher.Equal(sum, expectedHash) {
		return nil, provider.HashMismatch(expectedHash, sum)
	}
	onDisk, err := hasher.HashFile(tmpName)
	if err != nil {
		return nil, fmt.Errorf("verify temp file: %w", err)
	}
	if !hasher.Equal(onDisk, sum) {
		return nil, provider.HashMismatch(sum, onDisk)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return nil, mapErr(err)
	}
	committed = true

	info, err := os.Stat(full)
	if err != nil {
		return nil, mapErr(err)
	}
	p.hashes.Remember(rel, info.Size(), info.ModTime(), sum)

	return &provider.FileInfo{
		Path:    rel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    sum,
	}, nil
}

// createTemp retries when a concurrent Remove pruned the directory between MkdirAll and
// CreateTemp.
func createTemp(dir string) (*os.File, error) {
	var err error
	for attempt := 0; attempt < createTempAttempts; attempt++ {
		var tmp *os.File
		if err = os.MkdirAll(dir, dirPerm); err == nil {
			tmp, err = os.CreateTemp(dir, provider.TempPrefix+"*")
		}
		if err == nil {
			return tmp, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, err
}

// targetMode keeps the permissions of a file being replaced. New files get filePerm, not the
// 0600 of a temp file.
func targetMode(full string) fs.FileMode {
	if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
		return info.Mode().Perm()
	}
	return filePerm
}

// Remove deletes the file and any parent directories it leaves empty.
func (p *Provider) Remove(ctx context.Context, relPath string) error {
	rel, full, err := p.resolve(relPath)
	if err != nil {
		return provider.Wrap(loc, "remove", relPath, err)
	}
	if err := p.checkRoot(); err != nil {
		return provider.Wrap(loc, "remove", rel, err)
	}

	if err := os.Remove(full); err != nil {
		return provider.Wrap(loc, "remove", rel, mapErr(err))
	}
	p.hashes.Forget(rel)
	p.pruneEmptyParents(filepath.Dir(full))
	return nil
}

func (p *Provider) Exists(ctx context.Context, relPath string) (bool, error) {
	rel, full, err := p.resolve(relPath)
	if err != nil {
		return false, provider.Wrap(loc, "exists", relPath, err)
	}
	if err := p.checkRoot(); err != nil {
		return false, provider.Wrap(loc, "exists", rel, err)
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, provider.Wrap(loc, "exists", rel, mapErr(err))
	}
	return info.Mode().IsRegular(), nil
}

func (p *Provider) resolve(relPath string) (string, string, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return "", "", err
	}
	return rel, filepath.Join(p.root, filepath.FromSlash(rel)), nil
}

// checkRoot tells a missing or unmounted root apart from an empty one.
func (p *Provider) checkRoot() error {
	info, err := os.Stat(p.root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return provider.Unavailable(fmt.Errorf("root %s does not exist", p.root))
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: root %s", provider.ErrPermissionDenied, p.root)
	case err != nil:
		return provider.Unavailable(err)
	case !info.IsDir():
		return provider.Unavailable(fmt.Errorf("root %s is not a directory", p.root))
	}
	return nil
}

func (p *Provider) pruneEmptyParents(dir string) {
	for dir != p.root && strings.HasPrefix(dir, p.root) {
		if err := os.Remove(dir); err != nil {
			// not empty, or gone
			return
		}
		dir = filepath.Dir(dir)
	}
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", provider.ErrPermissionDenied, err)
	}
	return err
}
