// Package share implements the network share location on top of a billy filesystem.
//
// A mounted SMB/NFS/AFP share is a directory on the host, so production uses osfs rooted at the
// mount point. The interesting part is telling an unmounted share (an empty mount point directory)
// apart from a share that is really empty.
package share

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

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	loc      = provider.LocationShare

	createTempAttempts = 3
)

// Options configures a share rooted at a host path.
type Options struct {
	Path string
	// RequireMount makes the share unavailable unless Path is on a mounted filesystem other than
	// the one holding the system root.
	RequireMount bool
	Ignore       *provider.IgnoreList
}

// Provider serves files from a billy filesystem.
type Provider struct {
	fs     billy.Filesystem
	name   string
	ignore *provider.IgnoreList
	hashes *provider.HashCache
	probe  func(ctx context.Context) error
	// chmod is nil when the filesystem has no notion of modes
	chmod func(name string, mode fs.FileMode) error
}

var _ provider.Provider = (*Provider)(nil)

func New(opts Options) *Provider {
	root := filepath.Clean(opts.Path)
	p := NewWithFilesystem(osfs.New(root), root, opts.Ignore)
	p.probe = func(ctx context.Context) error {
		return probeHostPath(ctx, root, opts.RequireMount)
	}
	// the chrooted osfs does not expose Chmod
	p.chmod = func(name string, mode fs.FileMode) error {
		return os.Chmod(filepath.Join(root, filepath.FromSlash(name)), mode)
	}
	return p
}

// NewWithFilesystem serves any billy filesystem, such as memfs in tests. A nil ignore list means
// the default rules.
func NewWithFilesystem(fsys billy.Filesystem, name string, ignore *provider.IgnoreList) *Provider {
	if ignore == nil {
		ignore = provider.NewIgnoreList()
	}
	p := &Provider{
		fs:     fsys,
		name:   name,
		ignore: ignore,
		hashes: provider.NewHashCache(0),
		probe:  func(context.Context) error { return nil },
	}
	if ch, ok := fsys.(billy.Change); ok {
		p.chmod = ch.Chmod
	}
	return p
}

func (p *Provider) Location() provider.Location {
	return loc
}

func (p *Provider) List(ctx context.Context) ([]*provider.FileInfo, error) {
	if err := p.probe(ctx); err != nil {
		return nil, provider.Wrap(loc, "list", "", err)
	}

	var files []*provider.FileInfo
	err := util.Walk(p.fs, "/", func(full string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}

		rel := strings.TrimPrefix(filepath.ToSlash(full), "/")
		if rel == "" {
			return nil
		}
		if info.IsDir() {
			if p.ignore.ShouldIgnore(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if strings.HasPrefix(path.Base(rel), provider.TempPrefix) || p.ignore.ShouldIgnore(rel) {
			return nil
		}

		hash, ok := p.hashes.Lookup(rel, info.Size(), info.ModTime())
		if !ok {
			hash, err = p.hashFile(rel)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			} else if err != nil {
				return err
			}
			p.hashes.Remember(rel, info.Size(), info.ModTime(), hash)
		}

		files = append(files, &provider.FileInfo{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Hash:    hash,
		})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// a share that drops mid-walk surfaces as I/O errors
		return nil, provider.Wrap(loc, "list", "", provider.Unavailable(err))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	slog.Debug("share list", "share", p.name, "files", len(files))
	return files, nil
}

func (p *Provider) hashFile(rel string) (string, error) {
	f, err := p.fs.Open(rel)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hasher.Hash(f)
}

func (p *Provider) Fetch(ctx context.Context, relPath string) (io.ReadCloser, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return nil, provider.Wrap(loc, "fetch", relPath, err)
	}
	if err := p.probe(ctx); err != nil {
		return nil, provider.Wrap(loc, "fetch", rel, err)
	}

	f, err := p.fs.Open(rel)
	if err != nil {
		return nil, provider.Wrap(loc, "fetch", rel, mapErr(err))
	}
	return f, nil
}

// Store writes a temp file in the target directory and renames it over the target.
func (p *Provider) Store(ctx context.Context, relPath string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return nil, provider.Wrap(loc, "store", relPath, err)
	}
	if err := p.probe(ctx); err != nil {
		return nil, provider.Wrap(loc, "store", rel, err)
	}

	fi, err := p.store(ctx, rel, r, expectedHash)
	if err != nil {
		return nil, provider.Wrap(loc, "store", rel, mapErr(err))
	}
	return fi, nil
}

func (p *Provider) store(ctx context.Context, rel string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	dir := path.Dir(rel)
	mode := p.targetMode(rel)
	tmp, err := p.createTemp(dir)
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			p.fs.Remove(tmpName)
		}
	}()

	hw := hasher.NewWriter()
	if _, err := io.Copy(io.MultiWriter(tmp, hw), r); err != nil {
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	sum := hw.Sum()
	if expectedHash != "" && !hasher.Equal(sum, expectedHash) {
		return nil, provider.HashMismatch(expectedHash, sum)
	}
	// read back through the share, the remote end is what counts
	onShare, err := p.hashFile(tmpName)
	if err != nil {
		return nil, fmt.Errorf("verify temp file: %w", err)
	}
	if !hasher.Equal(onShare, sum) {
		return nil, provider.HashMismatch(sum, onShare)
	}

	if p.chmod != nil {
		if err := p.chmod(tmpName, mode); err != nil {
			return nil, fmt.Errorf("chmod temp file: %w", err)
		}
	}
	if err := p.fs.Rename(tmpName, rel); err != nil {
		return nil, err
	}
	committed = true

	info, err := p.fs.Stat(rel)
	if err != nil {
		return nil, err
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
// TempFile.
func (p *Provider) createTemp(dir string) (billy.File, error) {
	var err error
	for attempt := 0; attempt < createTempAttempts; attempt++ {
		if dir != "." {
			err = p.fs.MkdirAll(dir, dirPerm)
		}
		var tmp billy.File
		if err == nil {
			tmp, err = p.fs.TempFile(dir, provider.TempPrefix)
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

// targetMode keeps the permissions of a file being replaced, new files get filePerm.
func (p *Provider) targetMode(rel string) fs.FileMode {
	if info, err := p.fs.Stat(rel); err == nil && info.Mode().IsRegular() {
		return info.Mode().Perm()
	}
	return filePerm
}

func (p *Provider) Remove(ctx context.Context, relPath string) error {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return provider.Wrap(loc, "remove", relPath, err)
	}
	if err := p.probe(ctx); err != nil {
		return provider.Wrap(loc, "remove", rel, err)
	}

	if _, err := p.fs.Stat(rel); err != nil {
		return provider.Wrap(loc, "remove", rel, mapErr(err))
	}
	if err := p.fs.Remove(rel); err != nil {
		return provider.Wrap(loc, "remove", rel, mapErr(err))
	}
	p.hashes.Forget(rel)
	p.pruneEmptyParents(path.Dir(rel))
	return nil
}

func (p *Provider) Exists(ctx context.Context, relPath string) (bool, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return false, provider.Wrap(loc, "exists", relPath, err)
	}
	if err := p.probe(ctx); err != nil {
		return false, provider.Wrap(loc, "exists", rel, err)
	}

	info, err := p.fs.Stat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, provider.Wrap(loc, "exists", rel, mapErr(err))
	}
	return info.Mode().IsRegular(), nil
}

func (p *Provider) pruneEmptyParents(dir string) {
	for dir != "." && dir != "/" && dir != "" {
		entries, err := p.fs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := p.fs.Remove(dir); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

// probeHostPath checks that root exists and, when required, that a filesystem is mounted on it
// or on one of its ancestors below the system root.
func probeHostPath(ctx context.Context, root string, requireMount bool) error {
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return provider.Unavailable(fmt.Errorf("share %s is not reachable", root))
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: share %s", provider.ErrPermissionDenied, root)
	case err != nil:
		return provider.Unavailable(err)
	case !info.IsDir():
		return provider.Unavailable(fmt.Errorf("share %s is not a directory", root))
	}

	if !requireMount {
		return nil
	}
	partitions, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return provider.Unavailable(fmt.Errorf("list mounts: %w", err))
	}
	mountpoints := make([]string, 0, len(partitions))
	for _, part := range partitions {
		mountpoints = append(mountpoints, part.Mountpoint)
	}
	if mp, ok := mountFor(root, mountpoints); ok {
		slog.Debug("share mounted", "share", root, "mountpoint", mp)
		return nil
	}
	return provider.Unavailable(fmt.Errorf("share %s is not mounted", root))
}

// mountFor returns the deepest mountpoint containing root, ignoring the system root.
func mountFor(root string, mountpoints []string) (string, bool) {
	root = filepath.Clean(root)
	best := ""
	for _, mp := range mountpoints {
		mp = filepath.Clean(mp)
		if isSystemRoot(mp) {
			continue
		}
		if root != mp && !strings.HasPrefix(root, mp+string(filepath.Separator)) {
			continue
		}
		if len(mp) > len(best) {
			best = mp
		}
	}
	return best, best != ""
}

func isSystemRoot(mp string) bool {
	if mp == string(filepath.Separator) {
		return true
	}
	sd := os.Getenv("SystemDrive")
	return sd != "" && strings.EqualFold(mp, filepath.Clean(sd+string(filepath.Separator)))
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
