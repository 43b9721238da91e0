package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, debounce time.Duration, filter FilterFunc) (*Watcher, string) {
	t.Helper()
	// tmpdir can be a symlink (macOS /var -> /private/var), events carry the real path
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w := New(dir)
	w.SetDebounce(debounce)
	w.FilterPaths(filter)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		w.Stop()
		cancel()
	})
	return w, dir
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for watcher event")
	}
	return Event{}
}

func TestWatcherReportsRelativePaths(t *testing.T) {
	w, dir := startWatcher(t, 20*time.Millisecond, nil)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "asm"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "asm", "top.sldasm"), []byte("v1"), 0o644))
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == "asm/top.sldasm" {
				return
			}
		case <-deadline:
			require.FailNow(t, "no event for asm/top.sldasm")
		}
	}
}

func TestWatcherReportsMovedInDirectory(t *testing.T) {
	w, dir := startWatcher(t, 20*time.Millisecond, nil)

	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "asm", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "asm", "top.sldasm"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "asm", "sub", "bolt.step"), []byte("bolt"), 0o644))
	require.NoError(t, os.Rename(filepath.Join(staging, "asm"), filepath.Join(dir, "asm")))

	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for !seen["asm/top.sldasm"] || !seen["asm/sub/bolt.step"] {
		select {
		case ev := <-w.Events():
			seen[ev.Path] = true
		case <-deadline:
			require.FailNow(t, "files in a moved-in directory were not reported", "seen %v", seen)
		}
	}
}

func TestWatcherSettleDrainsLateEvents(t *testing.T) {
	w, dir := startWatcher(t, 50*time.Millisecond, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "last.sldprt"), []byte("v1"), 0o644))
	assert.Positive(t, w.Settle(context.Background()), "the pending event is waited for")

	select {
	case ev := <-w.Events():
		assert.Failf(t, "event after settle", "%+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherSettleHonorsContext(t *testing.T) {
	w, _ := startWatcher(t, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, w.Settle(ctx))
}

func TestWatcherDebouncesBursts(t *testing.T) {
	w, dir := startWatcher(t, 150*time.Millisecond, nil)

	path := filepath.Join(dir, "part.sldprt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", i+1)), 0o644))
	}

	ev := nextEvent(t, w)
	assert.Equal(t, "part.sldprt", ev.Path)

	select {
	case extra := <-w.Events():
		assert.Failf(t, "burst not coalesced", "extra event %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherFilter(t *testing.T) {
	w, dir := startWatcher(t, 20*time.Millisecond, func(rel string) bool {
		return strings.HasPrefix(filepath.Base(rel), "~$")
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "~$lock.sldprt"), []byte("lock"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.sldprt"), []byte("data"), 0o644))

	ev := nextEvent(t, w)
	assert.Equal(t, "real.sldprt", ev.Path)
}

func TestWatcherDrainAndStop(t *testing.T) {
	w, dir := startWatcher(t, 20*time.Millisecond, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.step"), []byte("a"), 0o644))
	require.Eventually(t, func() bool { return len(w.Events()) > 0 }, 3*time.Second, 10*time.Millisecond)

	assert.Positive(t, w.Drain())

	w.Stop()
	w.Stop()
}

func TestRelative(t *testing.T) {
	w := New("/data/cad")
	tests := []struct {
		abs  string
		want string
		ok   bool
	}{
		{"/data/cad/a.prt", "a.prt", true},
		{"/data/cad/sub/b.prt", "sub/b.prt", true},
		{"/data/cad", "", false},
		{"/data/other/c.prt", "", false},
	}
	for _, tt := range tests {
		got, ok := w.relative(tt.abs)
		assert.Equal(t, tt.ok, ok, tt.abs)
		assert.Equal(t, tt.want, got, tt.abs)
	}
}
