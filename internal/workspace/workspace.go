// Package workspace lays out the data directory: state database, logs, upload spool and run lock.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gofrs/flock"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/utils"
	"github.com/uvcad/cadsync/internal/version"
)

const (
	logsDir  = "logs"
	spoolDir = "spool"
	dbFile   = "state.db"
	logFile  = "cadsync.log"
	lockFile = "cadsync.lock"

	// spool files older than this belong to a crashed run
	staleSpoolAge = 24 * time.Hour
)

type Workspace struct {
	Root     string
	DBPath   string
	LogsDir  string
	LogFile  string
	SpoolDir string
	LockPath string

	flock *flock.Flock
}

func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	lockPath := filepath.Join(root, lockFile)
	return &Workspace{
		Root:     root,
		DBPath:   filepath.Join(root, dbFile),
		LogsDir:  filepath.Join(root, logsDir),
		LogFile:  filepath.Join(root, logsDir, logFile),
		SpoolDir: filepath.Join(root, spoolDir),
		LockPath: lockPath,
		flock:    flock.New(lockPath),
	}, nil
}

// Setup creates the directories and clears spool files left by crashed runs.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.Root, w.LogsDir, w.SpoolDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	removed, err := w.cleanSpool(time.Now().Add(-staleSpoolAge))
	if err != nil {
		slog.Warn("spool cleanup", "dir", w.SpoolDir, "error", err)
	} else if removed > 0 {
		slog.Info("spool cleanup", "dir", w.SpoolDir, "removed", removed)
	}
	return nil
}

func (w *Workspace) cleanSpool(before time.Time) (int, error) {
	entries, err := os.ReadDir(w.SpoolDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), provider.TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(before) {
			continue
		}
		if err := os.Remove(filepath.Join(w.SpoolDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RunLock is the cross-process lock held for the duration of one run or resolution.
// The lock file is left in place between runs.
func (w *Workspace) RunLock() *flock.Flock {
	return w.flock
}

// HostID identifies this machine in the run history without exposing the raw machine id.
func HostID() string {
	if id, err := machineid.ProtectedID(version.AppName); err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "unknown"
}
