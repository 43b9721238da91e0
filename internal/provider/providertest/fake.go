// Package providertest offers an in-memory provider.Provider with failure injection.
package providertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
)

type object struct {
	data    []byte
	modTime time.Time
}

// Fake keeps files in memory. Zero value is not usable, call New.
type Fake struct {
	loc   provider.Location
	mu    sync.Mutex
	files map[string]object

	// Unavailable makes every call fail with provider.ErrUnavailable.
	Unavailable bool
	// FailStore, FailFetch and FailRemove inject per-path errors.
	FailStore  map[string]error
	FailFetch  map[string]error
	FailRemove map[string]error
	// Corrupt flips the content handed to Store for the given paths before it is verified.
	Corrupt map[string]bool

	Calls []string
}

var _ provider.Provider = (*Fake)(nil)

func New(loc provider.Location) *Fake {
	return &Fake{
		loc:        loc,
		files:      make(map[string]object),
		FailStore:  make(map[string]error),
		FailFetch:  make(map[string]error),
		FailRemove: make(map[string]error),
		Corrupt:    make(map[string]bool),
	}
}

// Put seeds a file without recording a call.
func (f *Fake) Put(path, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = object{data: []byte(content), modTime: time.Now()}
	return hasher.Bytes([]byte(content))
}

// Delete drops a file without recording a call.
func (f *Fake) Delete(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
}

// Content returns the stored bytes and whether the file exists.
func (f *Fake) Content(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.files[path]
	return string(obj.data), ok
}

// HashOf returns the hash of the stored file or "" when absent.
func (f *Fake) HashOf(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.files[path]
	if !ok {
		return ""
	}
	return hasher.Bytes(obj.data)
}

// Paths lists stored paths in sorted order.
func (f *Fake) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.files))
	for p := range f.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Mutations counts Store and Remove calls.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) > 6 && (c[:6] == "store " || c[:6] == "remove") {
			n++
		}
	}
	return n
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) unavailable(op, path string) error {
	return provider.Wrap(f.loc, op, path, provider.Unavailable(fmt.Errorf("fake %s offline", f.loc)))
}

func (f *Fake) Location() provider.Location {
	return f.loc
}

func (f *Fake) List(ctx context.Context) ([]*provider.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.Unavailable {
		return nil, f.unavailable("list", "")
	}
	out := make([]*provider.FileInfo, 0, len(f.files))
	for p, obj := range f.files {
		out = append(out, &provider.FileInfo{
			Path:    p,
			Size:    int64(len(obj.data)),
			ModTime: obj.modTime,
			Hash:    hasher.Bytes(obj.data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *Fake) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch " + path)
	if f.Unavailable {
		return nil, f.unavailable("fetch", path)
	}
	if err := f.FailFetch[path]; err != nil {
		return nil, provider.Wrap(f.loc, "fetch", path, err)
	}
	obj, ok := f.files[path]
	if !ok {
		return nil, provider.Wrap(f.loc, "fetch", path, provider.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

func (f *Fake) Store(ctx context.Context, path string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, provider.Wrap(f.loc, "store", path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("store " + path)
	if f.Unavailable {
		return nil, f.unavailable("store", path)
	}
	if err := f.FailStore[path]; err != nil {
		return nil, provider.Wrap(f.loc, "store", path, err)
	}
	if f.Corrupt[path] {
		data = append(data, '!')
	}

	sum := hasher.Bytes(data)
	if expectedHash != "" && !hasher.Equal(sum, expectedHash) {
		return nil, provider.Wrap(f.loc, "store", path, provider.HashMismatch(expectedHash, sum))
	}

	now := time.Now()
	f.files[path] = object{data: data, modTime: now}
	return &provider.FileInfo{Path: path, Size: int64(len(data)), ModTime: now, Hash: sum}, nil
}

func (f *Fake) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove " + path)
	if f.Unavailable {
		return f.unavailable("remove", path)
	}
	if err := f.FailRemove[path]; err != nil {
		return provider.Wrap(f.loc, "remove", path, err)
	}
	if _, ok := f.files[path]; !ok {
		return provider.Wrap(f.loc, "remove", path, provider.ErrNotFound)
	}
	delete(f.files, path)
	return nil
}

func (f *Fake) Exists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists " + path)
	if f.Unavailable {
		return false, f.unavailable("exists", path)
	}
	_, ok := f.files[path]
	return ok, nil
}
