// Package provider defines the storage capability every sync location implements.
package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Location identifies one of the storage backends.
type Location string

const (
	LocationLocal Location = "local"
	LocationCloud Location = "cloud"
	LocationShare Location = "share"
)

// Locations in their fixed iteration order.
var Locations = []Location{LocationLocal, LocationCloud, LocationShare}

func ParseLocation(s string) (Location, error) {
	switch l := Location(strings.ToLower(strings.TrimSpace(s))); l {
	case LocationLocal, LocationCloud, LocationShare:
		return l, nil
	}
	return "", fmt.Errorf("unknown location %q", s)
}

// Rank orders locations as local < cloud < share. Unknown locations sort last.
func (l Location) Rank() int {
	for i, loc := range Locations {
		if loc == l {
			return i
		}
	}
	return len(Locations)
}

func (l Location) String() string {
	return string(l)
}

// FileInfo is one entry of a location listing.
type FileInfo struct {
	Path    string    `json:"path" yaml:"path"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"modTime" yaml:"modTime"`
	Hash    string    `json:"hash" yaml:"hash"`
}

func (f *FileInfo) String() string {
	return fmt.Sprintf("%s (%d bytes, %.12s)", f.Path, f.Size, f.Hash)
}

// Provider is implemented by every storage backend.
//
// List returns every regular file under the location's root with a content hash. Store must be
// atomic: readers of path see either the previous content or the new one, never a partial write.
// When expectedHash is set, the written bytes are re-hashed and the write is not committed on mismatch.
type Provider interface {
	Location() Location
	List(ctx context.Context) ([]*FileInfo, error)
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
	Store(ctx context.Context, path string, r io.Reader, expectedHash string) (*FileInfo, error)
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// NormalizePath turns a provider-relative path into the canonical key form:
// forward slashes, no leading slash, no `.` or `..` segments.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the location root", p)
	}
	return clean, nil
}

// ByPath indexes a listing by normalized path.
func ByPath(files []*FileInfo) map[string]*FileInfo {
	m := make(map[string]*FileInfo, len(files))
	for _, f := range files {
		m[f.Path] = f
	}
	return m
}
