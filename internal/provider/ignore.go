package provider

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is looked up at the local root.
const IgnoreFileName = ".cadsyncignore"

// TempPrefix marks in-flight writes. Files carrying it are never listed.
const TempPrefix = ".cadsync-"

var defaultIgnoreLines = []string{
	// cadsync
	IgnoreFileName,
	TempPrefix + "*",
	// CAD lock and backup files
	"~[$]*",
	".~lock.*",
	"*.bak",
	"*.dwl",
	"*.dwl2",
	"*.sv[$]",
	"*.swp",
	"*.tmp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"[$]RECYCLE.BIN/",
	".Trash-*/",
}

// IgnoreList filters paths out of listings.
type IgnoreList struct {
	lines  []string
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles the defaults plus extra gitignore-style rules.
func NewIgnoreList(extra ...string) *IgnoreList {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(extra))
	lines = append(lines, defaultIgnoreLines...)
	for _, l := range extra {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines = append(lines, l)
	}
	return &IgnoreList{
		lines:  lines,
		ignore: gitignore.CompileIgnoreLines(lines...),
	}
}

// LoadIgnoreList reads rules from path. A missing file yields the defaults.
func LoadIgnoreList(path string) (*IgnoreList, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewIgnoreList(), nil
	} else if err != nil {
		return nil, fmt.Errorf("open ignore file: %w", err)
	}
	defer f.Close()

	var rules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rules = append(rules, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}

	list := NewIgnoreList(rules...)
	slog.Debug("ignore list loaded", "path", path, "rules", len(list.lines)-len(defaultIgnoreLines))
	return list, nil
}

// ShouldIgnore expects a normalized relative path.
func (l *IgnoreList) ShouldIgnore(path string) bool {
	if l == nil || l.ignore == nil {
		return false
	}
	return l.ignore.MatchesPath(path)
}
